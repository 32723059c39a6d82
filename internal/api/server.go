// Package api implements the control-plane HTTP API: the resource-style
// endpoints for projects, domains, env-vars, service accounts, and
// deployments, plus the registry-credential and ingress-auth endpoints
// that front internal/ingressauth.
//
// Routing is built in Server.Router: a gin.Engine, one route group per
// resource, shared middleware applied once at the top.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rise-platform/rise/internal/cache"
	"github.com/rise-platform/rise/internal/db"
	apperrors "github.com/rise-platform/rise/internal/errors"
	"github.com/rise-platform/rise/internal/ingressauth"
	"github.com/rise-platform/rise/internal/logger"
	"github.com/rise-platform/rise/internal/middleware"
	"github.com/rise-platform/rise/internal/registry"
	"github.com/rise-platform/rise/internal/runtime"
	"github.com/rise-platform/rise/internal/secrets"
)

// Server wires every collaborator the control-plane API's handlers need. It
// holds no mutable state of its own beyond the event hub; every handler
// reads and writes through Store/Projects/etc.
type Server struct {
	Projects        *db.ProjectDB
	Teams           *db.TeamDB
	Users           *db.UserDB
	Deployments     *db.DeploymentDB
	EnvVars         *db.EnvVarDB
	ServiceAccounts *db.ServiceAccountDB
	SigningKeys     *db.SigningKeyDB
	Audit           *db.AuditDB

	Registry registry.Provider
	Runtime  runtime.Adapter
	Cache    *cache.Cache
	JWT      *ingressauth.JWTManager
	SignIn   *ingressauth.SignIn
	Access   *ingressauth.AccessPolicy
	Secrets  *secrets.Box
	Events   *Hub

	Issuer string // RISE_PUBLIC_URL, also used as the bearer-auth issuer comparand

	sanitizer *bluemonday.Policy
}

// NewServer constructs a Server. Every field above must be populated by the
// caller (cmd/main.go); NewServer only fills in the sanitizer.
func NewServer() *Server {
	return &Server{sanitizer: bluemonday.StrictPolicy()}
}

// callerKey resolves the bearer identity a per-caller rate limiter should
// key on: the project-scoped service account when the request authenticated
// as one, otherwise the signed-in user. Used to ground middleware's
// UserRateLimiter/EndpointRateLimiter (which have no visibility into this
// package's identity context) in the real caller on each request.
func callerKey(c *gin.Context) (string, bool) {
	id, ok := currentIdentity(c)
	if !ok {
		return "", false
	}
	if id.ServiceAccountID != "" {
		return "sa:" + id.ServiceAccountID, true
	}
	if id.UserID != "" {
		return "user:" + id.UserID, true
	}
	return "", false
}

// sanitize strips any markup from a free-text field before it is persisted
// or echoed back: user-supplied strings (team/project display fields,
// domain names) are never trusted verbatim.
func (s *Server) sanitize(in string) string {
	return s.sanitizer.Sanitize(in)
}

// Router builds the gin.Engine, mounting every route group behind the
// shared middleware stack.
//
// Rate limiting is layered the way the control plane needs backpressure:
// an IP-scoped bucket on every request (protects the whole API, including
// the unauthenticated /auth/* surface, from a single noisy source), a
// coarser per-caller bucket once a request is known to carry a bearer
// identity, and tight per-endpoint buckets on the two operations that
// drive real provisioning work downstream (deployment creation, which
// enters the Reconciler's queue, and registry credential minting, which
// calls out to the Registry Credential Broker).
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.StructuredLogger())
	r.Use(apperrors.Recovery())
	r.Use(apperrors.ErrorHandler())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.AllowedHTTPMethods())
	r.Use(middleware.DisallowedHTTPMethods())
	r.Use(middleware.DefaultSizeLimiter())
	r.Use(middleware.Gzip(5))

	inputValidator := middleware.NewInputValidator()
	r.Use(inputValidator.Middleware())
	r.Use(inputValidator.SanitizeJSONMiddleware())

	ipLimiter := middleware.NewRateLimiter(50, 100)
	r.Use(ipLimiter.Middleware())

	callerLimiter := middleware.NewUserRateLimiter(3600, 60, callerKey)
	deployLimiter := middleware.NewEndpointRateLimiter(120, 20, callerKey)
	registryLimiter := middleware.NewEndpointRateLimiter(240, 40, callerKey)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(MetricsHandler()))

	r.GET("/.well-known/openid-configuration", s.handleDiscovery)
	r.GET("/auth/jwks", s.handleJWKS)
	r.GET("/auth/signin", s.handleSignInStatus)
	r.GET("/auth/signin/start", s.handleSignInStart)
	r.GET("/auth/callback", s.handleSignInCallback)
	r.GET("/auth/ingress", s.handleAuthIngress)

	projects := r.Group("/projects")
	projects.Use(s.requireBearer())
	projects.Use(callerLimiter.Middleware())
	{
		projects.POST("", cache.InvalidateCacheMiddleware(s.Cache, "response:*"), s.createProject)
		projects.GET("", cache.CacheMiddleware(s.Cache, 10*time.Second), s.listProjects)
		projects.GET("/:name", cache.CacheMiddleware(s.Cache, 10*time.Second), s.getProject)
		projects.PATCH("/:name", cache.InvalidateCacheMiddleware(s.Cache, "response:*"), s.updateProject)
		projects.DELETE("/:name", cache.InvalidateCacheMiddleware(s.Cache, "response:*"), s.deleteProject)
		projects.POST("/:name/transfer", cache.InvalidateCacheMiddleware(s.Cache, "response:*"), s.transferProject)

		projects.GET("/:name/domains", s.listDomains)
		projects.POST("/:name/domains", s.addDomain)
		projects.DELETE("/:name/domains/:dom", s.deleteDomain)
		projects.PUT("/:name/domains/:dom/primary", s.setPrimaryDomain)

		projects.GET("/:name/env-vars", s.listEnvVars)
		projects.POST("/:name/env-vars", s.setEnvVar)
		projects.PATCH("/:name/env-vars/:key", s.setEnvVar)
		projects.DELETE("/:name/env-vars/:key", s.deleteEnvVar)

		projects.GET("/:name/service-accounts", s.listServiceAccounts)
		projects.POST("/:name/service-accounts", s.createServiceAccount)
		projects.DELETE("/:name/service-accounts/:id", s.deleteServiceAccount)

		projects.POST("/:name/deployments", deployLimiter.Middleware("deployments.create"),
			cache.InvalidateCacheMiddleware(s.Cache, "response:*"), s.createDeployment)
		projects.GET("/:name/deployments", cache.CacheMiddleware(s.Cache, 5*time.Second), s.listDeployments)
		projects.GET("/:name/deployments/:id", cache.CacheMiddleware(s.Cache, 5*time.Second), s.getDeployment)
		projects.POST("/:name/deployments/:id/stop", cache.InvalidateCacheMiddleware(s.Cache, "response:*"), s.stopDeployment)
		projects.POST("/:name/deployments/:id/rollback", cache.InvalidateCacheMiddleware(s.Cache, "response:*"), s.rollbackDeployment)
		projects.GET("/:name/deployments/:id/logs", s.tailDeploymentLogs)
		projects.GET("/:name/deployments/:id/events", s.watchDeploymentEvents)

		projects.GET("/:name/audit", s.listProjectAudit)
	}

	r.GET("/registry/credentials", s.requireBearer(), callerLimiter.Middleware(),
		registryLimiter.Middleware("registry.credentials"), s.mintRegistryCredentials)

	return r
}
