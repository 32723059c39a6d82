// Package oauthproxy implements the OAuth Extension Proxy: for each
// project-registered upstream OIDC provider, Rise itself acts as a small
// OAuth 2.0 authorization server that forwards to that provider. The
// upstream leg uses go-oidc and x/oauth2 directly, and the CSRF-state and
// single-use-code bookkeeping uses internal/cache's TTL-keyed store.
package oauthproxy

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/rise-platform/rise/internal/cache"
	"github.com/rise-platform/rise/internal/db"
	"github.com/rise-platform/rise/internal/logger"
	"github.com/rise-platform/rise/internal/models"
	"github.com/rise-platform/rise/internal/secrets"
)

const (
	stateTTL = 10 * time.Minute
	codeTTL  = 5 * time.Minute
)

// Proxy implements the handlers mounted at
// /oidc/{project}/{ext}/{authorize,callback,token,jwks,.well-known/...}.
// One Proxy instance serves every registered extension across every
// project; extension configuration is loaded per request from Extensions.
type Proxy struct {
	Extensions *db.OAuthExtensionDB
	Cache      *cache.Cache
	Secrets    *secrets.Box
	Issuer     string // Rise's own public base URL

	mu        sync.RWMutex
	upstreams map[string]*oidc.Provider // keyed by upstream issuer URL, discovered once
}

// New constructs a Proxy. Extensions, Cache, Secrets, and Issuer must all be
// populated by the caller.
func New(extensions *db.OAuthExtensionDB, c *cache.Cache, box *secrets.Box, issuer string) *Proxy {
	return &Proxy{Extensions: extensions, Cache: c, Secrets: box, Issuer: issuer, upstreams: make(map[string]*oidc.Provider)}
}

func (p *Proxy) upstream(ctx context.Context, issuer string) (*oidc.Provider, error) {
	p.mu.RLock()
	prov, ok := p.upstreams[issuer]
	p.mu.RUnlock()
	if ok {
		return prov, nil
	}
	prov, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover upstream provider: %w", err)
	}
	p.mu.Lock()
	p.upstreams[issuer] = prov
	p.mu.Unlock()
	return prov, nil
}

// clientSecretPlaintext recovers the upstream client secret sealed in
// ext.ClientSecretCipher. The token endpoint needs the plaintext both to
// present to the upstream provider and to compare against a caller-supplied
// secret, which a one-way hash could never support.
func clientSecretPlaintext(box *secrets.Box, ext *models.OAuthExtension) (string, error) {
	pt, err := box.Decrypt(ext.ClientSecretCipher)
	if err != nil {
		return "", fmt.Errorf("decrypt client secret: %w", err)
	}
	return string(pt), nil
}

// randomToken returns a URL-safe random token suitable for upstream OAuth
// state values and single-use authorization codes.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (p *Proxy) oauth2Config(ext *models.OAuthExtension, prov *oidc.Provider, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     ext.ClientID,
		ClientSecret: "", // the proxy authenticates to upstream with ext's secret only at token-exchange time
		RedirectURL:  redirectURL,
		Endpoint:     prov.Endpoint(),
		Scopes:       strings.Fields(ext.Scopes),
	}
}

func rfc6749Error(c *gin.Context, status int, code, description string) {
	c.JSON(status, gin.H{"error": code, "error_description": description})
}

func (p *Proxy) callbackURL(projectName, extName string) string {
	return fmt.Sprintf("%s/oidc/%s/%s/callback", p.Issuer, projectName, extName)
}

// stateRecord is what the authorize leg caches, keyed by the state value
// sent to the upstream provider (distinct from the client's own state,
// which is carried through unmodified and echoed back on redirect).
type stateRecord struct {
	ProjectName         string `json:"projectName"`
	ExtName              string `json:"extName"`
	ClientRedirectURI    string `json:"clientRedirectUri"`
	ClientState          string `json:"clientState"`
	CodeChallenge        string `json:"codeChallenge"`
	CodeChallengeMethod  string `json:"codeChallengeMethod"`
}

// Authorize stores CSRF state bound to the client's redirect_uri and PKCE
// challenge (if any), then redirects to the upstream provider.
func (p *Proxy) Authorize(c *gin.Context) {
	projectName, extName := c.Param("project"), c.Param("ext")
	ext, err := p.Extensions.Get(c.Request.Context(), projectName, extName)
	if err != nil || ext == nil {
		rfc6749Error(c, http.StatusBadRequest, "invalid_request", "unknown extension")
		return
	}

	clientID := c.Query("client_id")
	if subtle.ConstantTimeCompare([]byte(clientID), []byte(ext.ClientID)) != 1 {
		rfc6749Error(c, http.StatusBadRequest, "invalid_client", "client_id does not match this extension")
		return
	}
	redirectURI := c.Query("redirect_uri")
	if redirectURI == "" {
		rfc6749Error(c, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}
	if rt := c.Query("response_type"); rt != "" && rt != "code" {
		rfc6749Error(c, http.StatusBadRequest, "invalid_request", "only response_type=code is supported")
		return
	}

	prov, err := p.upstream(c.Request.Context(), ext.UpstreamIssuer)
	if err != nil {
		rfc6749Error(c, http.StatusInternalServerError, "server_error", "upstream provider unreachable")
		return
	}

	upstreamState, err := randomToken()
	if err != nil {
		rfc6749Error(c, http.StatusInternalServerError, "server_error", "generate state")
		return
	}
	rec := stateRecord{
		ProjectName:         projectName,
		ExtName:             extName,
		ClientRedirectURI:   redirectURI,
		ClientState:         c.Query("state"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: c.Query("code_challenge_method"),
	}
	if err := p.Cache.Set(c.Request.Context(), cache.OAuthStateKey(upstreamState), rec, stateTTL); err != nil {
		rfc6749Error(c, http.StatusInternalServerError, "server_error", "cache unavailable")
		return
	}

	cfg := p.oauth2Config(ext, prov, p.callbackURL(projectName, extName))
	c.Redirect(http.StatusFound, cfg.AuthCodeURL(upstreamState))
}

// codeRecord is what the callback leg caches under a freshly minted
// single-use authorization code, referencing the encrypted upstream tokens.
type codeRecord struct {
	ProjectName         string `json:"projectName"`
	ExtName             string `json:"extName"`
	ClientRedirectURI   string `json:"clientRedirectUri"`
	CodeChallenge       string `json:"codeChallenge"`
	CodeChallengeMethod string `json:"codeChallengeMethod"`
	AccessTokenCipher   []byte `json:"accessTokenCipher"`
	RefreshTokenCipher  []byte `json:"refreshTokenCipher,omitempty"`
	IDTokenCipher       []byte `json:"idTokenCipher,omitempty"`
	ExpiresIn           int64  `json:"expiresIn"`
	TokenType           string `json:"tokenType"`
}

// Callback validates the upstream state, exchanges the upstream code,
// encrypts the resulting tokens, mints a single-use code of Rise's own, and
// redirects to the original client's redirect_uri.
func (p *Proxy) Callback(c *gin.Context) {
	projectName, extName := c.Param("project"), c.Param("ext")
	ext, err := p.Extensions.Get(c.Request.Context(), projectName, extName)
	if err != nil || ext == nil {
		rfc6749Error(c, http.StatusBadRequest, "invalid_request", "unknown extension")
		return
	}

	upstreamState := c.Query("state")
	var rec stateRecord
	if err := p.Cache.Get(c.Request.Context(), cache.OAuthStateKey(upstreamState), &rec); err != nil {
		rfc6749Error(c, http.StatusBadRequest, "invalid_grant", "unknown or expired state")
		return
	}
	_ = p.Cache.Delete(c.Request.Context(), cache.OAuthStateKey(upstreamState))
	if rec.ProjectName != projectName || rec.ExtName != extName {
		rfc6749Error(c, http.StatusBadRequest, "invalid_grant", "state does not match this extension")
		return
	}

	if errCode := c.Query("error"); errCode != "" {
		redirectWithError(c, rec.ClientRedirectURI, rec.ClientState, errCode)
		return
	}

	prov, err := p.upstream(c.Request.Context(), ext.UpstreamIssuer)
	if err != nil {
		rfc6749Error(c, http.StatusInternalServerError, "server_error", "upstream provider unreachable")
		return
	}
	secret, err := clientSecretPlaintext(p.Secrets, ext)
	if err != nil {
		rfc6749Error(c, http.StatusInternalServerError, "server_error", "decrypt client secret")
		return
	}
	cfg := p.oauth2Config(ext, prov, p.callbackURL(projectName, extName))
	cfg.ClientSecret = secret

	token, err := cfg.Exchange(c.Request.Context(), c.Query("code"))
	if err != nil {
		logger.OAuthProxy().Warn().Err(err).Str("ext", extName).Msg("upstream code exchange failed")
		redirectWithError(c, rec.ClientRedirectURI, rec.ClientState, "server_error")
		return
	}

	accessCipher, err := p.Secrets.Encrypt([]byte(token.AccessToken))
	if err != nil {
		rfc6749Error(c, http.StatusInternalServerError, "server_error", "encrypt upstream tokens")
		return
	}
	out := codeRecord{
		ProjectName:         projectName,
		ExtName:             extName,
		ClientRedirectURI:   rec.ClientRedirectURI,
		CodeChallenge:       rec.CodeChallenge,
		CodeChallengeMethod: rec.CodeChallengeMethod,
		AccessTokenCipher:   accessCipher,
		TokenType:           "Bearer",
	}
	if !token.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(token.Expiry).Seconds())
	}
	if token.RefreshToken != "" {
		if rc, err := p.Secrets.Encrypt([]byte(token.RefreshToken)); err == nil {
			out.RefreshTokenCipher = rc
		}
	}
	if idTok, ok := token.Extra("id_token").(string); ok && idTok != "" {
		if ic, err := p.Secrets.Encrypt([]byte(idTok)); err == nil {
			out.IDTokenCipher = ic
		}
	}

	code, err := randomToken()
	if err != nil {
		rfc6749Error(c, http.StatusInternalServerError, "server_error", "generate authorization code")
		return
	}
	if err := p.Cache.Set(c.Request.Context(), cache.OAuthCodeKey(code), out, codeTTL); err != nil {
		rfc6749Error(c, http.StatusInternalServerError, "server_error", "cache unavailable")
		return
	}

	redirectURL := rec.ClientRedirectURI + queryJoiner(rec.ClientRedirectURI) + "code=" + code
	if rec.ClientState != "" {
		redirectURL += "&state=" + rec.ClientState
	}
	c.Redirect(http.StatusFound, redirectURL)
}

func redirectWithError(c *gin.Context, redirectURI, clientState, errCode string) {
	url := redirectURI + queryJoiner(redirectURI) + "error=" + errCode
	if clientState != "" {
		url += "&state=" + clientState
	}
	c.Redirect(http.StatusFound, url)
}

func queryJoiner(u string) string {
	if strings.Contains(u, "?") {
		return "&"
	}
	return "?"
}

// Token implements the RFC 6749 token endpoint: authorization_code (with
// either a confidential client_secret or a public-client PKCE
// code_verifier, never both) and refresh_token.
func (p *Proxy) Token(c *gin.Context) {
	projectName, extName := c.Param("project"), c.Param("ext")
	ext, err := p.Extensions.Get(c.Request.Context(), projectName, extName)
	if err != nil || ext == nil {
		rfc6749Error(c, http.StatusBadRequest, "invalid_request", "unknown extension")
		return
	}

	switch c.PostForm("grant_type") {
	case "authorization_code":
		p.tokenFromCode(c, ext)
	case "refresh_token":
		p.tokenFromRefresh(c, ext)
	default:
		rfc6749Error(c, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func (p *Proxy) tokenFromCode(c *gin.Context, ext *models.OAuthExtension) {
	code := c.PostForm("code")
	var rec codeRecord
	if err := p.Cache.Get(c.Request.Context(), cache.OAuthCodeKey(code), &rec); err != nil {
		rfc6749Error(c, http.StatusBadRequest, "invalid_grant", "unknown or expired authorization code")
		return
	}
	_ = p.Cache.Delete(c.Request.Context(), cache.OAuthCodeKey(code)) // single use

	clientSecret := c.PostForm("client_secret")
	codeVerifier := c.PostForm("code_verifier")
	if clientSecret != "" && codeVerifier != "" {
		rfc6749Error(c, http.StatusBadRequest, "invalid_request", "supply either client_secret or code_verifier, not both")
		return
	}

	switch {
	case clientSecret != "":
		if subtle.ConstantTimeCompare([]byte(c.PostForm("client_id")), []byte(ext.ClientID)) != 1 {
			rfc6749Error(c, http.StatusBadRequest, "invalid_client", "unknown client_id")
			return
		}
		secret, err := clientSecretPlaintext(p.Secrets, ext)
		if err != nil || subtle.ConstantTimeCompare([]byte(clientSecret), []byte(secret)) != 1 {
			rfc6749Error(c, http.StatusBadRequest, "invalid_client", "client authentication failed")
			return
		}
	case rec.CodeChallenge != "":
		if !verifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, codeVerifier) {
			rfc6749Error(c, http.StatusBadRequest, "invalid_grant", "code_verifier does not match code_challenge")
			return
		}
	default:
		rfc6749Error(c, http.StatusBadRequest, "invalid_request", "client_secret or code_verifier is required")
		return
	}

	accessToken, err := p.Secrets.Decrypt(rec.AccessTokenCipher)
	if err != nil {
		rfc6749Error(c, http.StatusInternalServerError, "server_error", "decrypt upstream token")
		return
	}
	resp := gin.H{"access_token": string(accessToken), "token_type": rec.TokenType, "expires_in": rec.ExpiresIn}
	if rec.RefreshTokenCipher != nil {
		if rt, err := p.Secrets.Decrypt(rec.RefreshTokenCipher); err == nil {
			resp["refresh_token"] = string(rt)
		}
	}
	if rec.IDTokenCipher != nil {
		if idTok, err := p.Secrets.Decrypt(rec.IDTokenCipher); err == nil {
			resp["id_token"] = string(idTok)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (p *Proxy) tokenFromRefresh(c *gin.Context, ext *models.OAuthExtension) {
	if subtle.ConstantTimeCompare([]byte(c.PostForm("client_id")), []byte(ext.ClientID)) != 1 {
		rfc6749Error(c, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	secret, err := clientSecretPlaintext(p.Secrets, ext)
	if err != nil || subtle.ConstantTimeCompare([]byte(c.PostForm("client_secret")), []byte(secret)) != 1 {
		rfc6749Error(c, http.StatusBadRequest, "invalid_client", "client authentication failed")
		return
	}
	refreshToken := c.PostForm("refresh_token")
	if refreshToken == "" {
		rfc6749Error(c, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	prov, err := p.upstream(c.Request.Context(), ext.UpstreamIssuer)
	if err != nil {
		rfc6749Error(c, http.StatusInternalServerError, "server_error", "upstream provider unreachable")
		return
	}
	cfg := &oauth2.Config{ClientID: ext.ClientID, ClientSecret: secret, Endpoint: prov.Endpoint()}
	src := cfg.TokenSource(c.Request.Context(), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		rfc6749Error(c, http.StatusBadRequest, "invalid_grant", "upstream refresh failed")
		return
	}
	resp := gin.H{"access_token": token.AccessToken, "token_type": token.TokenType}
	if !token.Expiry.IsZero() {
		resp["expires_in"] = int64(time.Until(token.Expiry).Seconds())
	}
	if token.RefreshToken != "" {
		resp["refresh_token"] = token.RefreshToken
	}
	c.JSON(http.StatusOK, resp)
}

// JWKS proxies the upstream provider's published key set verbatim — app
// code that verifies upstream-issued ID tokens reads keys from here instead
// of reaching across to the upstream issuer directly.
func (p *Proxy) JWKS(c *gin.Context) {
	ext, err := p.Extensions.Get(c.Request.Context(), c.Param("project"), c.Param("ext"))
	if err != nil || ext == nil {
		c.Status(http.StatusNotFound)
		return
	}
	var claims struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := p.discoveryClaims(c.Request.Context(), ext.UpstreamIssuer, &claims); err != nil || claims.JWKSURI == "" {
		c.Status(http.StatusBadGateway)
		return
	}
	resp, err := http.Get(claims.JWKSURI)
	if err != nil {
		c.Status(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	c.DataFromReader(resp.StatusCode, resp.ContentLength, "application/json", resp.Body, nil)
}

// Discovery renders a per-extension discovery document whose endpoint URLs
// point back at Rise rather than the upstream provider.
func (p *Proxy) Discovery(c *gin.Context) {
	projectName, extName := c.Param("project"), c.Param("ext")
	ext, err := p.Extensions.Get(c.Request.Context(), projectName, extName)
	if err != nil || ext == nil {
		c.Status(http.StatusNotFound)
		return
	}
	base := fmt.Sprintf("%s/oidc/%s/%s", p.Issuer, projectName, extName)
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                         base + "/token",
		"jwks_uri":                               base + "/jwks",
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported":  []string{"client_secret_post", "none"},
		"code_challenge_methods_supported":        []string{"S256", "plain"},
	})
}

// RegisterRoutes mounts the extension-proxy endpoints under the
// /oidc/:project/:ext prefix, keeping route wiring next to the handlers;
// cmd/main.go calls it on the router built by api.Server.Router.
func (p *Proxy) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/oidc/:project/:ext")
	g.GET("/authorize", p.Authorize)
	g.GET("/callback", p.Callback)
	g.POST("/token", p.Token)
	g.GET("/jwks", p.JWKS)
	g.GET("/.well-known/openid-configuration", p.Discovery)
}

func (p *Proxy) discoveryClaims(ctx context.Context, issuer string, out interface{}) error {
	prov, err := p.upstream(ctx, issuer)
	if err != nil {
		return err
	}
	return prov.Claims(out)
}

func verifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	if method == "" {
		method = "plain"
	}
	switch method {
	case "plain":
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(verifier)) == 1
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(computed)) == 1
	default:
		return false
	}
}
