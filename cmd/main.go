// Command rise runs the control plane: the deployment state-machine
// reconciler, its expiration/pull-secret sweeper, and the HTTP API
// (projects, deployments, env-vars, registry credentials, ingress auth, and
// the OAuth extension proxy) behind one gin.Engine.
//
// Startup follows a fixed shape: environment-driven configuration, a
// construct-then-serve-then-drain sequence, and graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/rise-platform/rise/internal/api"
	"github.com/rise-platform/rise/internal/cache"
	"github.com/rise-platform/rise/internal/db"
	"github.com/rise-platform/rise/internal/ingressauth"
	"github.com/rise-platform/rise/internal/logger"
	"github.com/rise-platform/rise/internal/oauthproxy"
	"github.com/rise-platform/rise/internal/reconciler"
	"github.com/rise-platform/rise/internal/registry"
	"github.com/rise-platform/rise/internal/runtime"
	"github.com/rise-platform/rise/internal/secrets"
	"github.com/rise-platform/rise/internal/urls"
)

func main() {
	logger.Initialize(getEnv("RISE_LOG_LEVEL", "info"), getEnv("RISE_LOG_PRETTY", "false") == "true")
	log := logger.GetLogger()

	issuer := strings.TrimSuffix(getEnv("RISE_PUBLIC_URL", "http://localhost:8080"), "/")

	log.Info().Msg("connecting to database")
	database, err := db.NewDatabase(db.Config{
		Host:     getEnv("RISE_DB_HOST", "localhost"),
		Port:     getEnv("RISE_DB_PORT", "5432"),
		User:     getEnv("RISE_DB_USER", "rise"),
		Password: getEnv("RISE_DB_PASSWORD", "rise"),
		DBName:   getEnv("RISE_DB_NAME", "rise"),
		SSLMode:  getEnv("RISE_DB_SSL_MODE", "disable"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	log.Info().Msg("running database migrations")
	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	sqlDB := database.DB()
	projects := db.NewProjectDB(sqlDB)
	teams := db.NewTeamDB(sqlDB)
	users := db.NewUserDB(sqlDB)
	deployments := db.NewDeploymentDB(sqlDB)
	envVars := db.NewEnvVarDB(sqlDB)
	serviceAccounts := db.NewServiceAccountDB(sqlDB)
	signingKeys := db.NewSigningKeyDB(sqlDB)
	audit := db.NewAuditDB(sqlDB)
	oauthExtensions := db.NewOAuthExtensionDB(sqlDB)

	redisCache, err := cache.NewCache(cache.Config{
		Host:     getEnv("RISE_REDIS_HOST", "localhost"),
		Port:     getEnv("RISE_REDIS_PORT", "6379"),
		Password: getEnv("RISE_REDIS_PASSWORD", ""),
		DB:       0,
		Enabled:  getEnv("RISE_CACHE_ENABLED", "false") == "true",
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize redis cache; continuing with it disabled")
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	secretBox, err := newSecretBox(log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize env-var encryption box")
	}

	if err := ensureSigningKey(context.Background(), signingKeys); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure an app-user signing key exists")
	}

	ingressSecret := []byte(requireEnv(log, "RISE_INGRESS_SECRET"))
	jwtManager := ingressauth.NewJWTManager(ingressSecret, issuer, signingKeys)
	if err := jwtManager.RefreshKeys(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to load app-user signing keys")
	}

	accessPolicy := &ingressauth.AccessPolicy{Projects: projects, Teams: teams, Users: users}

	signIn, err := newSignIn(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("OIDC sign-in not configured; sign-in endpoints will return errors until RISE_OIDC_* is set")
	}

	registryProvider, err := newRegistryProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize registry provider")
	}

	rt, err := newRuntimeAdapter(issuer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize runtime adapter")
	}

	resolver := urls.New(projects, requireEnv(log, "RISE_APPS_BASE_DOMAIN"), getEnv("RISE_APPS_SCHEME", "https"))

	server := api.NewServer()
	server.Projects = projects
	server.Teams = teams
	server.Users = users
	server.Deployments = deployments
	server.EnvVars = envVars
	server.ServiceAccounts = serviceAccounts
	server.SigningKeys = signingKeys
	server.Audit = audit
	server.Registry = registryProvider
	server.Runtime = rt
	server.Cache = redisCache
	server.JWT = jwtManager
	server.SignIn = signIn
	server.Access = accessPolicy
	server.Secrets = secretBox
	server.Events = api.NewHub()
	server.Issuer = issuer

	router := server.Router()

	extensionProxy := oauthproxy.New(oauthExtensions, redisCache, secretBox, issuer)
	extensionProxy.RegisterRoutes(router)

	reconcilerCfg := reconciler.DefaultConfig()
	if v := os.Getenv("RISE_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			reconcilerCfg.ReconcileInterval = d
		}
	}
	if v := os.Getenv("RISE_RETRY_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			reconcilerCfg.RetryBudget = n
		}
	}

	rec := reconciler.New(deployments, projects, rt, registryProvider, resolver, reconcilerCfg)
	rec.Issuer = issuer
	rec.Extensions = oauthExtensions
	rec.Secrets = secretBox
	rec.JWKS = jwtManager

	sweeper := reconciler.NewSweeper(deployments, projects, registryProvider, rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recDone := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(recDone)
	}()
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweeper")
	}

	port := getEnv("RISE_API_PORT", "8080")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("port", port).Msg("control-plane API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	cancel() // lets the reconcile loop finish its in-flight iteration
	<-recDone

	log.Info().Msg("shutdown complete")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// requireEnv exits the process with a clear message when a setting this
// system cannot run safely without is missing, rather than falling back to
// an insecure default.
func requireEnv(log *zerolog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatal().Str("var", key).Msg("required environment variable is not set")
	}
	return v
}

// newSecretBox loads RISE_ENV_ENCRYPTION_KEY, a 32-byte AES-256 key supplied
// directly as raw bytes. Falls back to an ephemeral key for local
// development, which invalidates every secret env-var and OAuth-extension
// client secret across restarts — logged loudly since that surprises people.
func newSecretBox(log *zerolog.Logger) (*secrets.Box, error) {
	key := os.Getenv("RISE_ENV_ENCRYPTION_KEY")
	if key == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate ephemeral encryption key: %w", err)
		}
		key = string(buf)
		log.Warn().Msg("RISE_ENV_ENCRYPTION_KEY not set; using an ephemeral key that will not survive a restart")
	}
	return secrets.NewBox([]byte(key))
}

// ensureSigningKey generates the first app-user JWT signing-key generation
// if none exists yet, so JWKS publication and token issuance have a key on
// a fresh install.
func ensureSigningKey(ctx context.Context, keys *db.SigningKeyDB) error {
	existing, err := keys.All(ctx)
	if err != nil {
		return fmt.Errorf("list signing keys: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate RSA key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	_, err = keys.Insert(ctx, privPEM, pubPEM)
	return err
}

// newSignIn builds the browser sign-in OIDC client from RISE_OIDC_*
// environment variables. Returns (nil, err) when sign-in is intentionally
// left unconfigured (no provider URL set); the caller treats that as a
// non-fatal warning.
func newSignIn(ctx context.Context) (*ingressauth.SignIn, error) {
	if os.Getenv("RISE_OIDC_PROVIDER_URL") == "" {
		return nil, fmt.Errorf("RISE_OIDC_PROVIDER_URL not set")
	}
	return ingressauth.NewSignIn(ctx, ingressauth.SignInConfig{
		ProviderURL:  os.Getenv("RISE_OIDC_PROVIDER_URL"),
		ClientID:     os.Getenv("RISE_OIDC_CLIENT_ID"),
		ClientSecret: os.Getenv("RISE_OIDC_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("RISE_OIDC_REDIRECT_URL"),
	})
}

// newRegistryProvider selects the Registry Broker variant per
// RISE_REGISTRY_PROVIDER: "ecr" (default) assumes an AWS role with an
// inline session policy scoped to one repository per project; "oci" hands
// back one operator-supplied credential unchanged, for self-hosted
// OCI-distribution-spec registries.
func newRegistryProvider() (registry.Provider, error) {
	if strings.ToLower(getEnv("RISE_REGISTRY_PROVIDER", "ecr")) == "oci" {
		return &registry.OciClientProvider{
			RegistryURL: os.Getenv("RISE_OCI_REGISTRY_URL"),
			Username:    os.Getenv("RISE_OCI_USERNAME"),
			Password:    os.Getenv("RISE_OCI_PASSWORD"),
			RepoPrefix:  getEnv("RISE_REPO_PREFIX", "rise-"),
		}, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(getEnv("AWS_REGION", "us-east-1")))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	sessionDuration := 12 * time.Hour
	if v := os.Getenv("RISE_ECR_SESSION_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			sessionDuration = d
		}
	}
	return &registry.EcrProvider{
		STS:             sts.NewFromConfig(cfg),
		ECR:             ecr.NewFromConfig(cfg),
		RoleARN:         os.Getenv("RISE_ECR_ROLE_ARN"),
		RepoPrefix:      getEnv("RISE_REPO_PREFIX", "rise-"),
		AccountID:       os.Getenv("RISE_AWS_ACCOUNT_ID"),
		Region:          getEnv("AWS_REGION", "us-east-1"),
		SessionDuration: sessionDuration,
	}, nil
}

// newRuntimeAdapter selects the Runtime Adapter variant per RISE_RUNTIME:
// "k8s" (default) targets an orchestrator cluster via in-cluster config or
// $KUBECONFIG; "docker" targets a single local Docker daemon.
func newRuntimeAdapter(issuer string) (runtime.Adapter, error) {
	if strings.ToLower(getEnv("RISE_RUNTIME", "k8s")) == "docker" {
		return runtime.NewDockerAdapter(getEnv("RISE_DOCKER_NETWORK", "rise"))
	}
	authAnnotations := map[string]string{
		"nginx.ingress.kubernetes.io/auth-url":    issuer + "/auth/ingress",
		"nginx.ingress.kubernetes.io/auth-signin": issuer + "/auth/signin",
	}
	return runtime.NewK8sAdapter(getEnv("RISE_INGRESS_CLASS", "nginx"), authAnnotations)
}
