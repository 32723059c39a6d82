package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/rise-platform/rise/internal/errors"
)

// OciClientProvider is the opaque client-auth-pass-through variant: it does
// not mint scoped credentials itself, it holds a single operator-supplied
// credential per registry and hands it back unchanged. Appropriate for
// self-hosted OCI-distribution-spec registries where per-repository
// session-scoped credentials aren't a concept the registry exposes.
type OciClientProvider struct {
	RegistryURL string
	Username    string
	Password    string
	RepoPrefix  string
	HTTPClient  *http.Client
}

func (p *OciClientProvider) repository(projectName string) string {
	return p.RepoPrefix + projectName
}

// MintPush returns the configured credential unchanged; scoping to a single
// repository is the registry operator's responsibility (e.g. a per-project
// robot account) rather than something this provider can enforce inline.
func (p *OciClientProvider) MintPush(ctx context.Context, projectName string) (PushCredentials, error) {
	if p.Username == "" {
		return PushCredentials{}, apperrors.PermanentExternal("oci-registry", "no credential configured")
	}
	return PushCredentials{
		RegistryURL: p.RegistryURL,
		Username:    p.Username,
		Password:    p.Password,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
		Scope:       p.repository(projectName),
	}, nil
}

// EnsurePullSecret builds a static docker-config JSON from the configured
// credential. There is no expiry to track, so it is only re-minted when the
// caller has none yet.
func (p *OciClientProvider) EnsurePullSecret(ctx context.Context, projectName string, existingAge, existingExpiresIn time.Duration) ([]byte, time.Duration, error) {
	if existingAge > 0 {
		return nil, 24 * time.Hour, nil
	}
	dockerConfig := map[string]interface{}{
		"auths": map[string]interface{}{
			p.RegistryURL: map[string]string{
				"auth": base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password)),
			},
		},
	}
	raw, err := json.Marshal(dockerConfig)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal docker config: %w", err)
	}
	return raw, 24 * time.Hour, nil
}

// EnsureRepository issues a GET against the OCI distribution spec's
// tags-list endpoint for the repository; most self-hosted registries auto-create
// repositories on first push, so this is a best-effort existence probe
// rather than an explicit create call.
func (p *OciClientProvider) EnsureRepository(ctx context.Context, projectName string) error {
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("%s/v2/%s/tags/list", p.RegistryURL, p.repository(projectName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(p.Username, p.Password)

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.TransientExternal("oci-registry", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		return nil // 404 is fine: repo is created lazily by the first push
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.PermanentExternal("oci-registry", "credential rejected")
	default:
		return apperrors.TransientExternal("oci-registry", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// RemoveRepository is a no-op for registries with no delete API reachable
// over the distribution spec; project deletion relies on the operator's own
// retention policy for the underlying registry.
func (p *OciClientProvider) RemoveRepository(ctx context.Context, projectName string, autoRemove bool) error {
	return nil
}
