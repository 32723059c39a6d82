// Package ingressauth implements the Ingress Authentication Service: the
// sign-in flow that establishes a user's ingress session, the hot-path
// subrequest handler the data-plane proxy calls on every request to a
// private project, and the RS256 app-user JWT issued to upstream
// applications with JWKS publication.
//
// One manager, two signing paths: HS256 for the ingress session cookie,
// RS256 for app-user JWTs, because the two serve different trust boundaries
// (Rise's own proxy vs. an arbitrary deployed application).
package ingressauth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rise-platform/rise/internal/db"
	"github.com/rise-platform/rise/internal/models"
)

// IngressClaims are the claims carried by the _rise_ingress session cookie.
type IngressClaims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AppUserClaims are the claims carried by the rise_jwt injected into an
// upstream application's request.
type AppUserClaims struct {
	Email  string   `json:"email"`
	Name   string   `json:"name,omitempty"`
	Groups []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager issues and verifies both token families. The ingress secret is
// a fixed operator-supplied value (rotating it invalidates every
// outstanding session, an accepted cost); app-user signing keys come from
// SigningKeyDB, and every retained generation verifies. Only the first-run
// key is ever generated: no code adds a later generation, so keys do not
// rotate.
type JWTManager struct {
	IngressSecret []byte
	Issuer        string // rise_public_url
	Keys          *db.SigningKeyDB

	// keyCache mirrors SigningKeyDB so JWKS publication and the hot
	// authorization path don't round-trip to the database per request. See
	// RefreshKeys.
	keyCache map[string]*models.SigningKey
	latest   *models.SigningKey
}

// NewJWTManager constructs a manager over a given ingress secret and
// signing-key store. Call RefreshKeys once before serving traffic.
func NewJWTManager(ingressSecret []byte, issuer string, keys *db.SigningKeyDB) *JWTManager {
	return &JWTManager{IngressSecret: ingressSecret, Issuer: issuer, Keys: keys, keyCache: make(map[string]*models.SigningKey)}
}

// IssueIngressToken mints the _rise_ingress session JWT for a signed-in
// user.
func (m *JWTManager) IssueIngressToken(sub, email, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := IngressClaims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    m.Issuer,
			Audience:  jwt.ClaimStrings{"rise-ingress"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.IngressSecret)
}

// VerifyIngressToken validates an HS256 ingress session token's signature,
// issuer, audience, and expiry.
func (m *JWTManager) VerifyIngressToken(tokenString string) (*IngressClaims, error) {
	claims := &IngressClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.IngressSecret, nil
	}, jwt.WithIssuer(m.Issuer), jwt.WithAudience("rise-ingress"))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid ingress token")
	}
	return claims, nil
}

// RefreshKeys loads the current signing-key generations from the store.
// Call periodically (or on JWKS/issue cache miss) to pick up a rotation.
func (m *JWTManager) RefreshKeys(ctx context.Context) error {
	all, err := m.Keys.All(ctx)
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}
	if len(all) == 0 {
		return nil
	}
	cache := make(map[string]*models.SigningKey, len(all))
	for _, k := range all {
		cache[k.KID] = k
	}
	m.keyCache = cache
	m.latest = all[0] // All() orders newest first
	return nil
}

// IssueAppUserToken mints an RS256 rise_jwt for injection into the upstream
// application's request.
func (m *JWTManager) IssueAppUserToken(sub, email, name string, groups []string, audience string, ttl time.Duration) (string, error) {
	if m.latest == nil {
		return "", errors.New("no app-user signing key available")
	}
	key, err := parseRSAPrivateKey(m.latest.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("parse signing key: %w", err)
	}

	now := time.Now()
	claims := AppUserClaims{
		Email:  email,
		Name:   name,
		Groups: groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    m.Issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.latest.KID
	return token.SignedString(key)
}

// VerifyAppUserToken validates an RS256 app-user token against whichever
// retained key generation its kid header names.
func (m *JWTManager) VerifyAppUserToken(tokenString string) (*AppUserClaims, error) {
	claims := &AppUserClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		key, ok := m.keyCache[kid]
		if !ok {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		return parseRSAPublicKey(key.PublicKey)
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid app-user token")
	}
	return claims, nil
}

// JWKSDocument renders every retained key generation as a JSON Web Key Set.
func (m *JWTManager) JWKSDocument() (map[string]interface{}, error) {
	keys := make([]map[string]interface{}, 0, len(m.keyCache))
	for kid, k := range m.keyCache {
		pub, err := parseRSAPublicKey(k.PublicKey)
		if err != nil {
			continue
		}
		keys = append(keys, map[string]interface{}{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": kid,
			"n":   rsaModulusBase64(pub),
			"e":   rsaExponentBase64(pub),
		})
	}
	return map[string]interface{}{"keys": keys}, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		if parsed, err2 := x509.ParsePKCS8PrivateKey(block.Bytes); err2 == nil {
			if rsaKey, ok := parsed.(*rsa.PrivateKey); ok {
				return rsaKey, nil
			}
		}
		return nil, err
	}
	return key, nil
}

func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaKey, nil
}
