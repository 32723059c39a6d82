// Package cache provides Redis-based caching for the Rise control plane.
//
// This file defines standardized cache key naming conventions, narrowed
// down to the handful of domains Rise caches: OAuth-extension CSRF state
// and single-use authorization codes (internal/oauthproxy). It also defines
// an ingress-session key, which nothing in this tree reads or writes: the
// proxy subrequest path verifies the JWT on every request.
//
// Key Naming Convention:
//   - Format: {prefix}:{identifier}
//   - Example: oauthstate:abc123
//   - Example: ingresssession:cookie-value
package cache

import "fmt"

// Key prefixes for different resource types.
const (
	PrefixOAuthState    = "oauthstate"
	PrefixOAuthCode     = "oauthcode"
	PrefixIngressSession = "ingresssession"
)

// OAuthStateKey keys the CSRF state cached during an OAuth extension's
// authorization leg (10-minute TTL).
func OAuthStateKey(state string) string {
	return fmt.Sprintf("%s:%s", PrefixOAuthState, state)
}

// OAuthCodeKey keys a single-use authorization code issued by the OAuth
// extension proxy, referencing its encrypted upstream tokens (5-minute TTL).
func OAuthCodeKey(code string) string {
	return fmt.Sprintf("%s:%s", PrefixOAuthCode, code)
}

// IngressSessionKey builds the key for cached claims of an already-verified
// _rise_ingress cookie value. It has no caller: handleAuthIngress parses and
// verifies the cookie's JWT on every subrequest.
func IngressSessionKey(cookieValue string) string {
	return fmt.Sprintf("%s:%s", PrefixIngressSession, cookieValue)
}
