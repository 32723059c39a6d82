package models

import "time"

// OAuthExtension registers Rise as an OAuth 2.0 authorization server proxying
// one upstream OIDC provider for a single project. The same
// client_id/client_secret pair authenticates Rise to the upstream provider
// and authenticates the deployed workload to Rise's own proxy endpoints, so
// the secret is kept as envelope-encrypted ciphertext (internal/secrets)
// rather than a one-way hash: the token endpoint needs the plaintext back
// both to compare against a caller-presented secret and to exchange codes
// with the upstream provider.
type OAuthExtension struct {
	ID                 string    `json:"id" db:"id"`
	ProjectID          string    `json:"projectId" db:"project_id"`
	ExtName            string    `json:"extName" db:"ext_name"`
	UpstreamIssuer     string    `json:"upstreamIssuer" db:"upstream_issuer"`
	ClientID           string    `json:"clientId" db:"client_id"`
	ClientSecretCipher []byte    `json:"-" db:"client_secret_cipher"`
	Scopes             string    `json:"scopes" db:"scopes"`
	CreatedAt          time.Time `json:"createdAt" db:"created_at"`
}
