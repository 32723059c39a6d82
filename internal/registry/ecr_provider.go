package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	apperrors "github.com/rise-platform/rise/internal/errors"
	"github.com/rise-platform/rise/internal/logger"
)

// EcrProvider mints push credentials by assuming a role with an inline
// session policy that restricts every ECR action to a single repository,
// then exchanging the assumed identity for a docker-registry credential via
// GetAuthorizationToken.
type EcrProvider struct {
	STS        *sts.Client
	ECR        *ecr.Client
	RoleARN    string
	RepoPrefix string
	AccountID  string
	Region     string
	// SessionDuration bounds credential lifetime; clamped to AWS's 12h max.
	SessionDuration time.Duration
}

func (p *EcrProvider) repositoryName(projectName string) string {
	return p.RepoPrefix + projectName
}

func (p *EcrProvider) repositoryARN(projectName string) string {
	return fmt.Sprintf("arn:aws:ecr:%s:%s:repository/%s", p.Region, p.AccountID, p.repositoryName(projectName))
}

// sessionPolicy is the inline policy document restricting the assumed role
// to exactly one repository.
func (p *EcrProvider) sessionPolicy(projectName string) string {
	doc := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":   "Allow",
				"Action":   []string{"ecr:GetAuthorizationToken"},
				"Resource": "*",
			},
			{
				"Effect": "Allow",
				"Action": []string{
					"ecr:PutImage",
					"ecr:InitiateLayerUpload",
					"ecr:UploadLayerPart",
					"ecr:CompleteLayerUpload",
					"ecr:BatchCheckLayerAvailability",
					"ecr:DescribeRepositories",
					"ecr:DescribeImages",
				},
				"Resource": p.repositoryARN(projectName),
			},
		},
	}
	raw, _ := json.Marshal(doc)
	return string(raw)
}

// MintPush assumes p.RoleARN with an inline session policy scoped to
// projectName's repository, then calls GetAuthorizationToken under the
// assumed identity to obtain a docker-registry credential.
func (p *EcrProvider) MintPush(ctx context.Context, projectName string) (PushCredentials, error) {
	duration := p.SessionDuration
	if duration <= 0 || duration > 12*time.Hour {
		duration = 12 * time.Hour
	}

	assumed, err := p.STS.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(p.RoleARN),
		RoleSessionName: aws.String("rise-push-" + projectName),
		Policy:          aws.String(p.sessionPolicy(projectName)),
		DurationSeconds: aws.Int32(int32(duration.Seconds())),
	})
	if err != nil {
		return PushCredentials{}, classifyAWSError("assume role", err)
	}

	scopedCfg := ecr.Options{
		Region: p.Region,
		Credentials: staticCreds{
			akid:    aws.ToString(assumed.Credentials.AccessKeyId),
			secret:  aws.ToString(assumed.Credentials.SecretAccessKey),
			session: aws.ToString(assumed.Credentials.SessionToken),
		},
	}
	scopedClient := ecr.New(scopedCfg)

	tokenOut, err := scopedClient.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return PushCredentials{}, classifyAWSError("get authorization token", err)
	}
	if len(tokenOut.AuthorizationData) == 0 {
		return PushCredentials{}, apperrors.PermanentExternal("ecr", "no authorization data returned")
	}
	authData := tokenOut.AuthorizationData[0]

	username, password, err := decodeDockerAuth(aws.ToString(authData.AuthorizationToken))
	if err != nil {
		return PushCredentials{}, apperrors.PermanentExternal("ecr", err.Error())
	}

	logger.RegistryBroker().Info().Str("project", projectName).Msg("minted scoped ECR push credential")
	return PushCredentials{
		RegistryURL: strings.TrimPrefix(aws.ToString(authData.ProxyEndpoint), "https://"),
		Username:    username,
		Password:    password,
		ExpiresAt:   aws.ToTime(authData.ExpiresAt),
		Scope:       p.repositoryName(projectName),
	}, nil
}

// EnsurePullSecret refreshes an ECR docker-config credential used by the
// runtime to pull images, applying the package's refresh-window rule.
func (p *EcrProvider) EnsurePullSecret(ctx context.Context, projectName string, existingAge, existingExpiresIn time.Duration) ([]byte, time.Duration, error) {
	if existingAge > 0 && !NeedsRefresh(existingAge, existingExpiresIn) {
		return nil, existingExpiresIn, nil // caller keeps the secret it has
	}

	tokenOut, err := p.ECR.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, 0, classifyAWSError("get authorization token", err)
	}
	if len(tokenOut.AuthorizationData) == 0 {
		return nil, 0, apperrors.PermanentExternal("ecr", "no authorization data returned")
	}
	authData := tokenOut.AuthorizationData[0]
	username, password, err := decodeDockerAuth(aws.ToString(authData.AuthorizationToken))
	if err != nil {
		return nil, 0, apperrors.PermanentExternal("ecr", err.Error())
	}

	registryURL := strings.TrimPrefix(aws.ToString(authData.ProxyEndpoint), "https://")
	dockerConfig := map[string]interface{}{
		"auths": map[string]interface{}{
			registryURL: map[string]string{
				"auth": base64.StdEncoding.EncodeToString([]byte(username + ":" + password)),
			},
		},
	}
	raw, err := json.Marshal(dockerConfig)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal docker config: %w", err)
	}
	ttl := time.Until(aws.ToTime(authData.ExpiresAt))
	return raw, ttl, nil
}

// EnsureRepository creates projectName's repository if absent and tags it
// managed=rise, project=<name>.
func (p *EcrProvider) EnsureRepository(ctx context.Context, projectName string) error {
	name := p.repositoryName(projectName)
	_, err := p.ECR.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}})
	if err == nil {
		return nil
	}
	if !isRepoNotFound(err) {
		return classifyAWSError("describe repository", err)
	}

	created, err := p.ECR.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
		Tags: []ecrtypes.Tag{
			{Key: aws.String("managed"), Value: aws.String("rise")},
			{Key: aws.String("project"), Value: aws.String(projectName)},
		},
	})
	if err != nil {
		return classifyAWSError("create repository", err)
	}
	logger.RegistryBroker().Info().Str("repository", aws.ToString(created.Repository.RepositoryName)).Msg("ensured ECR repository")
	return nil
}

// RemoveRepository deletes the repository outright, or retags it orphaned
// so a human can clean it up later.
func (p *EcrProvider) RemoveRepository(ctx context.Context, projectName string, autoRemove bool) error {
	name := p.repositoryName(projectName)
	if autoRemove {
		_, err := p.ECR.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{RepositoryName: aws.String(name), Force: true})
		if err != nil {
			return classifyAWSError("delete repository", err)
		}
		return nil
	}
	_, err := p.ECR.TagResource(ctx, &ecr.TagResourceInput{
		ResourceArn: aws.String(p.repositoryARN(projectName)),
		Tags:        []ecrtypes.Tag{{Key: aws.String("managed"), Value: aws.String("orphaned")}},
	})
	if err != nil {
		return classifyAWSError("tag orphaned repository", err)
	}
	return nil
}

func isRepoNotFound(err error) bool {
	type errorCoder interface{ ErrorCode() string }
	if coder, ok := err.(errorCoder); ok {
		return coder.ErrorCode() == "RepositoryNotFoundException"
	}
	return strings.Contains(err.Error(), "RepositoryNotFoundException")
}

// classifyAWSError distinguishes permanent denials (IAM misconfiguration,
// unknown repository) from transient faults (throttling, network); only the
// latter consume the reconciler's retry budget.
func classifyAWSError(op string, err error) *apperrors.AppError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "UnauthorizedAccess"),
		strings.Contains(msg, "RepositoryNotFound"), strings.Contains(msg, "RepositoryPolicyNotFound"),
		strings.Contains(msg, "InvalidParameter"):
		return apperrors.PermanentExternal("ecr", fmt.Sprintf("%s: %s", op, msg))
	default:
		return apperrors.TransientExternal("ecr", fmt.Errorf("%s: %w", op, err))
	}
}

func decodeDockerAuth(token string) (username, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("decode authorization token: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed authorization token")
	}
	return parts[0], parts[1], nil
}

// staticCreds implements aws.CredentialsProvider over the temporary triple
// returned by AssumeRole, scoping the subsequent ECR calls to the assumed
// identity's inline session policy.
type staticCreds struct {
	akid, secret, session string
}

func (s staticCreds) Retrieve(ctx context.Context) (aws.Credentials, error) {
	return aws.Credentials{AccessKeyID: s.akid, SecretAccessKey: s.secret, SessionToken: s.session}, nil
}
