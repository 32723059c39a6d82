// Package registry implements the Registry Credential Broker: minting
// short-lived, repository-scoped push credentials and refreshing the
// long-lived pull credentials the Runtime Adapter installs for the
// scheduler. Two variants implement Provider — EcrProvider (AWS role
// assumption with an inline session policy) and OciClientProvider (opaque
// client-auth pass-through for any OCI-distribution-spec registry).
package registry

import (
	"context"
	"time"
)

// PushCredentials are the short-lived, repository-scoped credentials
// returned by mint_push.
type PushCredentials struct {
	RegistryURL string
	Username    string
	Password    string
	ExpiresAt   time.Time
	Scope       string // the single repository this credential is valid for
}

// Provider is the capability interface both registry backends implement.
type Provider interface {
	// MintPush produces push credentials scoped to exactly one repository:
	// repoPrefix + projectName. A credential minted for one project MUST be
	// unusable against another project's repository.
	MintPush(ctx context.Context, projectName string) (PushCredentials, error)

	// EnsurePullSecret idempotently produces a docker-config JSON suitable
	// for the Runtime Adapter's ApplyPullSecret. Re-minted only when the
	// existing secret is older than refreshWindow or within
	// expiringWithinWindow of expiry.
	EnsurePullSecret(ctx context.Context, projectName string, existingAge time.Duration, existingExpiresIn time.Duration) ([]byte, time.Duration, error)

	// EnsureRepository provisions (and tags) the backing repository for a
	// project, idempotently.
	EnsureRepository(ctx context.Context, projectName string) error

	// RemoveRepository is called on project deletion. autoRemove=true
	// deletes the repository outright; otherwise it is retagged orphaned.
	RemoveRepository(ctx context.Context, projectName string, autoRemove bool) error
}

// RefreshWindow is the default staleness threshold at which
// EnsurePullSecret re-mints rather than reuses an existing secret: older
// than 1 hour, or expiring within 2 hours.
const RefreshWindow = time.Hour

// ExpiringWithinWindow is the default look-ahead threshold.
const ExpiringWithinWindow = 2 * time.Hour

// NeedsRefresh applies the package's refresh-window rule.
func NeedsRefresh(age, expiresIn time.Duration) bool {
	return age > RefreshWindow || expiresIn < ExpiringWithinWindow
}
