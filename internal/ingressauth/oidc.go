package ingressauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// SignInConfig configures the upstream OIDC provider used for the
// browser-facing sign-in flow.
type SignInConfig struct {
	ProviderURL  string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// SignIn wraps one upstream OIDC provider, discovered once at startup.
// State generation uses crypto/rand throughout rather than a time-seeded
// generator: CSRF state must not be predictable.
type SignIn struct {
	config       SignInConfig
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
}

// NewSignIn discovers the upstream provider and builds the OAuth2 client
// configuration.
func NewSignIn(ctx context.Context, config SignInConfig) (*SignIn, error) {
	if config.ProviderURL == "" || config.ClientID == "" || config.ClientSecret == "" || config.RedirectURL == "" {
		return nil, fmt.Errorf("incomplete OIDC sign-in configuration")
	}
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	provider, err := oidc.NewProvider(ctx, config.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("discover OIDC provider: %w", err)
	}

	oauth2Config := &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RedirectURL:  config.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: config.ClientID})

	return &SignIn{config: config, provider: provider, oauth2Config: oauth2Config, verifier: verifier}, nil
}

// AuthorizationURL builds the redirect target for step 2 of the sign-in
// flow, binding the caller-supplied CSRF state.
func (s *SignIn) AuthorizationURL(state string) string {
	return s.oauth2Config.AuthCodeURL(state)
}

// UserInfo is the subset of upstream identity claims Rise persists into the
// ingress session.
type UserInfo struct {
	Subject string
	Email   string
	Name    string
}

// HandleCallback exchanges an authorization code for upstream tokens,
// verifies the ID token, and extracts the configured claim subset.
func (s *SignIn) HandleCallback(ctx context.Context, code string) (*UserInfo, error) {
	token, err := s.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in token response")
	}
	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}

	var claims struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id token claims: %w", err)
	}
	if claims.Subject == "" {
		claims.Subject = idToken.Subject
	}
	return &UserInfo{Subject: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// DiscoveryDocument renders /.well-known/openid-configuration for Rise's
// own issuer, advertising the JWKS URI.
func DiscoveryDocument(issuer string) map[string]interface{} {
	return map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/auth/signin/start",
		"jwks_uri":                              issuer + "/auth/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported":  []string{"RS256"},
	}
}

// GenerateState produces cryptographically random CSRF state.
func GenerateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
