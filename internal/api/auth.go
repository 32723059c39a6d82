package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/rise-platform/rise/internal/errors"
	"github.com/rise-platform/rise/internal/ingressauth"
	"github.com/rise-platform/rise/internal/logger"
)

// identity is what requireBearer resolves a request's bearer token to:
// either a signed-in dashboard user, or a service account scoped to one
// project.
type identity struct {
	UserID           string
	ServiceAccountID string
	ProjectID        string // populated only for the service-account case
}

const identityContextKey = "rise.identity"

// issuerVerifierCache memoizes OIDC discovery per external issuer: a
// read-many/write-few cache around signing-key and JWKS material.
type issuerVerifierCache struct {
	mu        sync.RWMutex
	verifiers map[string]*oidc.IDTokenVerifier
}

var externalVerifiers = &issuerVerifierCache{verifiers: make(map[string]*oidc.IDTokenVerifier)}

func (c *issuerVerifierCache) get(ctx context.Context, issuer string) (*oidc.IDTokenVerifier, error) {
	c.mu.RLock()
	v, ok := c.verifiers[issuer]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	v = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})

	c.mu.Lock()
	c.verifiers[issuer] = v
	c.mu.Unlock()
	return v, nil
}

// requireBearer authenticates a mutating request by either the Rise-issued
// dashboard-user API token (an ingress-family HS256 JWT, reused here as the
// control-plane's own bearer token rather than standing up a third token
// family) or an external service-account JWT matched against
// ServiceAccountDB's claim requirements.
func (s *Server) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			apperrors.AbortWithError(c, apperrors.Unauthenticated("missing bearer token"))
			return
		}

		unverified := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, unverified); err != nil {
			apperrors.AbortWithError(c, apperrors.Unauthenticated("malformed bearer token"))
			return
		}
		iss, _ := unverified["iss"].(string)

		if iss == s.Issuer {
			claims, err := s.JWT.VerifyIngressToken(tokenString)
			if err != nil {
				apperrors.AbortWithError(c, apperrors.Unauthenticated("invalid bearer token"))
				return
			}
			c.Set(identityContextKey, identity{UserID: claims.Subject})
			c.Next()
			return
		}

		id, err := s.authenticateServiceAccount(c.Request.Context(), c.Param("name"), iss, tokenString)
		if err != nil {
			apperrors.AbortWithError(c, apperrors.Unauthenticated(err.Error()))
			return
		}
		c.Set(identityContextKey, *id)
		c.Next()
	}
}

func (s *Server) authenticateServiceAccount(ctx context.Context, projectName, issuer, tokenString string) (*identity, error) {
	if issuer == "" {
		return nil, apperrors.Unauthenticated("token has no issuer")
	}
	verifier, err := externalVerifiers.get(ctx, issuer)
	if err != nil {
		return nil, apperrors.Unauthenticated("unknown or unreachable token issuer")
	}
	idToken, err := verifier.Verify(ctx, tokenString)
	if err != nil {
		return nil, apperrors.Unauthenticated("token signature or claims invalid")
	}

	var rawClaims map[string]interface{}
	if err := idToken.Claims(&rawClaims); err != nil {
		return nil, apperrors.Unauthenticated("unreadable token claims")
	}
	presented := make(map[string]string, len(rawClaims))
	for k, v := range rawClaims {
		if sv, ok := v.(string); ok {
			presented[k] = sv
		}
	}

	candidates, err := s.ServiceAccounts.ListByIssuer(ctx, issuer)
	if err != nil {
		return nil, apperrors.Unauthenticated("service account lookup failed")
	}
	for _, sa := range candidates {
		if !sa.Satisfies(presented) {
			continue
		}
		if projectName != "" {
			proj, err := s.Projects.GetProjectByName(ctx, projectName)
			if err != nil || proj == nil || proj.ID != sa.ProjectID {
				continue
			}
		}
		return &identity{ServiceAccountID: sa.ID, ProjectID: sa.ProjectID}, nil
	}
	return nil, apperrors.Unauthenticated("no service account matches the presented claims")
}

func currentIdentity(c *gin.Context) (identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return identity{}, false
	}
	id, ok := v.(identity)
	return id, ok
}

// handleDiscovery serves /.well-known/openid-configuration for Rise's own
// issuer, used for app-user JWT verification.
func (s *Server) handleDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, ingressauth.DiscoveryDocument(s.Issuer))
}

// handleJWKS publishes every retained app-user signing-key generation.
func (s *Server) handleJWKS(c *gin.Context) {
	doc, err := s.JWT.JWKSDocument()
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("build JWKS document"))
		return
	}
	c.JSON(http.StatusOK, doc)
}

// handleSignInStart redirects the browser to the upstream OIDC provider.
func (s *Server) handleSignInStart(c *gin.Context) {
	if s.SignIn == nil {
		apperrors.HandleError(c, apperrors.PermanentExternal("oidc", "sign-in not configured"))
		return
	}
	state, err := ingressauth.GenerateState()
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("generate CSRF state"))
		return
	}
	if s.Cache != nil {
		_ = s.Cache.Set(c.Request.Context(), "signinstate:"+state, true, 10*time.Minute)
	}
	c.Redirect(http.StatusFound, s.SignIn.AuthorizationURL(state))
}

// handleSignInCallback exchanges the authorization code, mints the ingress
// session cookie, and redirects back to the dashboard.
func (s *Server) handleSignInCallback(c *gin.Context) {
	if s.SignIn == nil {
		apperrors.HandleError(c, apperrors.PermanentExternal("oidc", "sign-in not configured"))
		return
	}
	state := c.Query("state")
	code := c.Query("code")
	if s.Cache != nil {
		var seen bool
		if err := s.Cache.Get(c.Request.Context(), "signinstate:"+state, &seen); err != nil || !seen {
			apperrors.HandleError(c, apperrors.Forbidden("invalid or expired sign-in state"))
			return
		}
		_ = s.Cache.Delete(c.Request.Context(), "signinstate:"+state)
	}

	info, err := s.SignIn.HandleCallback(c.Request.Context(), code)
	if err != nil {
		logger.IngressAuth().Warn().Err(err).Msg("sign-in callback failed")
		apperrors.HandleError(c, apperrors.Unauthenticated("sign-in failed"))
		return
	}

	user, err := s.Users.EnsureByEmail(c.Request.Context(), info.Email, info.Name)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("ensure user record"))
		return
	}

	token, err := s.JWT.IssueIngressToken(user.ID, user.Email, user.Name, 24*time.Hour)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("issue ingress session"))
		return
	}
	c.SetCookie("_rise_ingress", token, int((24 * time.Hour).Seconds()), "/", "", true, true)
	c.Redirect(http.StatusFound, "/")
}

// handleSignInStatus reports whether the caller already holds a valid
// ingress session, used by the dashboard to decide whether to start the
// sign-in flow.
func (s *Server) handleSignInStatus(c *gin.Context) {
	cookie, err := c.Cookie("_rise_ingress")
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"signedIn": false})
		return
	}
	claims, err := s.JWT.VerifyIngressToken(cookie)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"signedIn": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signedIn": true, "email": claims.Email, "name": claims.Name})
}

// handleAuthIngress is the data-plane proxy's per-request subrequest
// endpoint: 200 forwards X-Auth-Request-* headers, 401/403 deny. project is
// passed by the proxy as a query parameter since the subrequest has no
// path context of its own.
func (s *Server) handleAuthIngress(c *gin.Context) {
	projectName := c.Query("project")
	proj, err := s.Projects.GetProjectByName(c.Request.Context(), projectName)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("load project"))
		return
	}
	if proj == nil {
		apperrors.HandleError(c, apperrors.NotFound("project"))
		return
	}
	if proj.AccessClass == "Public" {
		c.Status(http.StatusOK)
		return
	}

	cookie, err := c.Cookie("_rise_ingress")
	if err != nil {
		apperrors.HandleError(c, apperrors.Unauthenticated("no ingress session"))
		return
	}
	claims, err := s.JWT.VerifyIngressToken(cookie)
	if err != nil {
		apperrors.HandleError(c, apperrors.Unauthenticated("invalid ingress session"))
		return
	}

	allowed, err := s.Access.MayAccess(c.Request.Context(), claims.Subject, proj)
	if err != nil {
		apperrors.HandleError(c, apperrors.FatalInternal("evaluate access policy"))
		return
	}
	if !allowed {
		apperrors.HandleError(c, apperrors.Forbidden("not authorized for this project"))
		return
	}

	c.Header("X-Auth-Request-Email", claims.Email)
	c.Header("X-Auth-Request-User", claims.Subject)
	c.Status(http.StatusOK)
}
