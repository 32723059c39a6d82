// Package reconciler implements the Deployment Reconciler: the state
// machine executor that drives every non-terminal deployment toward
// Healthy or a terminal state, enforcing the group-serving invariant and
// honoring cancellation, termination, and expiration requests.
//
// Modeled on the polling/claim pattern internal/k8s uses for its watch
// loops, and run as one ticker-driven background goroutine started by
// cmd/main.go — a plain goroutine, not a controller-runtime
// Reconcile(ctx, req) loop, since the Deployment Store (not an API server
// watch) is this system's source of truth.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rise-platform/rise/internal/db"
	apperrors "github.com/rise-platform/rise/internal/errors"
	"github.com/rise-platform/rise/internal/logger"
	"github.com/rise-platform/rise/internal/models"
	"github.com/rise-platform/rise/internal/registry"
	"github.com/rise-platform/rise/internal/runtime"
	"github.com/rise-platform/rise/internal/secrets"
)

// JWKSPublisher is satisfied by *ingressauth.JWTManager; kept as a narrow
// interface here so internal/reconciler never imports internal/ingressauth
// (it would be the only consumer cycle-adjacent to it).
type JWKSPublisher interface {
	JWKSDocument() (map[string]interface{}, error)
}

// Config holds the reconcile loop's tunables, each exposed as configuration
// rather than hardcoded so retry-budget and timing behavior can be tuned
// per deployment without a code change.
type Config struct {
	ReconcileInterval     time.Duration // default 5s
	RetryBudget           int           // default 10
	UnhealthyThreshold    int           // consecutive probe failures before Healthy->Unhealthy, default 3
	RecoveryThreshold     int           // consecutive probe successes before Unhealthy->Healthy, default 2
	DrainTimeout          time.Duration // bound on the supersession drain wait, default 60s
	IterationTimeout      time.Duration // per-iteration upper bound, default 60s
	ScheduleFailedTimeout time.Duration // workload schedule-impossible duration before Failed, default 5m
	ConcurrencyLimit      int           // bounded parallel per-deployment operations, default 10
}

// DefaultConfig returns the reconcile loop's stated defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:     5 * time.Second,
		RetryBudget:           10,
		UnhealthyThreshold:    3,
		RecoveryThreshold:     2,
		DrainTimeout:          60 * time.Second,
		IterationTimeout:      60 * time.Second,
		ScheduleFailedTimeout: 5 * time.Minute,
		ConcurrencyLimit:      10,
	}
}

// URLResolver computes the hostnames and path prefix a deployment's group
// should be reachable under. internal/urls.Resolver implements it; the
// Reconciler only consumes it.
type URLResolver interface {
	Hostnames(ctx context.Context, projectID, projectName, group string) (hostnames []string, pathPrefix string, err error)
	CanonicalURL(ctx context.Context, projectID, projectName, group string) (string, error)
	AllURLs(ctx context.Context, projectID, projectName, group string) ([]string, error)
}

// Reconciler owns one reconcile loop instance. It is safe to run many
// Reconciler processes against the same store concurrently: ClaimNext and
// SetStatus's CAS discipline arbitrate between them.
type Reconciler struct {
	Store    *db.DeploymentDB
	Projects *db.ProjectDB
	Runtime  runtime.Adapter
	Registry registry.Provider
	URLs     URLResolver
	Config   Config

	// Issuer is RISE_ISSUER: the Rise server's own public URL, injected into
	// every workload and used as the iss of app-user JWTs.
	Issuer string
	// Extensions and Secrets back per-extension {EXT}_CLIENT_ID/SECRET/ISSUER
	// injection; both may be nil when no extensions are in use.
	Extensions *db.OAuthExtensionDB
	Secrets    *secrets.Box
	// JWKS, when non-nil, causes RISE_JWKS to be injected with the current
	// JWKS document.
	JWKS JWKSPublisher

	// retries tracks the consecutive-failure count per deployment id for
	// the transient-error retry budget, and per-deployment probe-flap
	// counters for the Healthy<->Unhealthy hysteresis. In-memory state is
	// safe to lose on restart: on restart every count simply restarts at
	// zero, which only delays (never skips) a Failed/Unhealthy transition.
	retries map[string]int
	probes  map[string]int
}

// New constructs a Reconciler with the given collaborators.
func New(store *db.DeploymentDB, projects *db.ProjectDB, rt runtime.Adapter, reg registry.Provider, urls URLResolver, cfg Config) *Reconciler {
	return &Reconciler{
		Store: store, Projects: projects, Runtime: rt, Registry: reg, URLs: urls, Config: cfg,
		retries: make(map[string]int),
		probes:  make(map[string]int),
	}
}

// Run executes the reconcile loop until ctx is cancelled. On shutdown it
// lets the in-flight iteration finish its committed transactions before
// returning.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Reconciler().Info().Msg("reconcile loop stopping")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick performs one reconcile iteration: claim a new Pending deployment if
// one is eligible, then advance every other non-terminal deployment one
// step, each under the configured iteration timeout.
func (r *Reconciler) tick(ctx context.Context) {
	iterCtx, cancel := context.WithTimeout(ctx, r.Config.IterationTimeout)
	defer cancel()

	claimed, err := r.Store.ClaimNextReconcilable(iterCtx)
	if err != nil {
		logger.Reconciler().Error().Err(err).Msg("claim next reconcilable")
	} else if claimed != nil {
		logger.Reconciler().Info().Str("deployment", claimed.ID).Msg("claimed deployment")
	}

	deployments, err := r.Store.ListNonTerminal(iterCtx)
	if err != nil {
		logger.Reconciler().Error().Err(err).Msg("list non-terminal deployments")
		return
	}

	sem := make(chan struct{}, max(1, r.Config.ConcurrencyLimit))
	done := make(chan struct{}, len(deployments))
	for _, dep := range deployments {
		dep := dep
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			r.step(iterCtx, dep)
		}()
	}
	for range deployments {
		<-done
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// step computes and applies the single next action for dep, given its
// current status. Every action is state-addressed (keyed by the row's
// current status via CAS), so re-executing it after a crash or a missed
// iteration produces no additional side effects: the actions are
// at-least-once and idempotent.
func (r *Reconciler) step(ctx context.Context, dep *models.Deployment) {
	var err error
	switch dep.Status {
	case models.StatusBuilding, models.StatusPushing:
		// Driven by an external build subsystem; this implementation's build
		// worker writes Pushed directly, so the Reconciler has nothing to do
		// here but wait for that row update on the next tick.
		return
	case models.StatusPushed:
		err = r.handlePushed(ctx, dep)
	case models.StatusDeploying:
		err = r.handleDeploying(ctx, dep)
	case models.StatusHealthy:
		err = r.handleHealthy(ctx, dep)
	case models.StatusUnhealthy:
		err = r.handleUnhealthy(ctx, dep)
	case models.StatusCancelling:
		err = r.handleCancelling(ctx, dep)
	case models.StatusTerminating:
		err = r.handleTerminating(ctx, dep)
	default:
		return
	}

	if err == nil {
		delete(r.retries, dep.ID)
		return
	}
	r.handleActionError(ctx, dep, err)
}

// handleActionError applies the transient/permanent error split: transient
// failures consume the retry budget; exceeding it (or any permanent
// failure) promotes the deployment to Failed.
func (r *Reconciler) handleActionError(ctx context.Context, dep *models.Deployment, err error) {
	if apperrors.IsConflict(err) {
		// Another reconciler pass already moved this row; re-read next tick.
		return
	}

	logger.Reconciler().Warn().Str("deployment", dep.ID).Err(err).Msg("reconcile action failed")

	if !apperrors.IsTransient(err) {
		r.fail(ctx, dep, err.Error())
		return
	}

	r.retries[dep.ID]++
	if r.retries[dep.ID] > r.Config.RetryBudget {
		r.fail(ctx, dep, fmt.Sprintf("exceeded retry budget (%d): %s", r.Config.RetryBudget, err.Error()))
	}
}

func (r *Reconciler) fail(ctx context.Context, dep *models.Deployment, reason string) {
	delete(r.retries, dep.ID)
	if _, err := r.Store.MarkTerminal(ctx, dep.ID, dep.Status, models.StatusFailed, reason); err != nil {
		logger.Reconciler().Error().Str("deployment", dep.ID).Err(err).Msg("mark failed")
	}
}

// handlePushed ensures the project's repository exists through the Registry
// Broker, then instructs the Runtime Adapter to create the workload. It does
// not request or apply a pull secret, and the WorkloadSpec it builds sets no
// PullSecretRef; pull secrets are installed only by the Sweeper's refresh job.
func (r *Reconciler) handlePushed(ctx context.Context, dep *models.Deployment) error {
	if !models.ValidDigestRef(dep.ImageRef) {
		return apperrors.PermanentExternal("reconciler", fmt.Sprintf("image ref %q is not digest-pinned", dep.ImageRef))
	}

	project, err := r.Projects.GetProjectByID(ctx, dep.ProjectID)
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}

	if err := r.Registry.EnsureRepository(ctx, project.Name); err != nil {
		return err
	}

	hostnames, pathPrefix, err := r.URLs.Hostnames(ctx, dep.ProjectID, project.Name, dep.Group)
	if err != nil {
		return apperrors.TransientExternal("url resolver", err)
	}

	env, err := r.buildEnv(ctx, project, dep)
	if err != nil {
		return apperrors.TransientExternal("env build", err)
	}

	spec := runtime.WorkloadSpec{
		ProjectName:  project.Name,
		DeploymentID: dep.ID,
		Group:        dep.Group,
		ImageRef:     dep.ImageRef,
		HTTPPort:     dep.HTTPPort,
		Env:          env,
		Hostnames:    hostnames,
		PathPrefix:   pathPrefix,
		Private:      project.AccessClass == models.AccessClassPrivate,
	}

	if _, err := r.Runtime.ApplyWorkload(ctx, spec); err != nil {
		return apperrors.TransientExternal("runtime", err)
	}

	ok, err := r.Store.SetStatus(ctx, dep.ID, models.StatusPushed, models.StatusDeploying)
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}
	if !ok {
		return apperrors.Conflict("status changed under us")
	}
	return nil
}

// buildEnv layers the platform-computed workload environment variables on
// top of the deployment's frozen env snapshot: PORT, RISE_ISSUER,
// RISE_APP_URL, RISE_APP_URLS, the optional RISE_JWKS document, and any
// registered OAuth extensions' {EXT}_CLIENT_ID/{EXT}_CLIENT_SECRET/
// {EXT}_ISSUER triple. Injected names never overwrite a key the snapshot
// already defines, since the snapshot is user-authored configuration and
// these are platform-computed defaults layered underneath it.
func (r *Reconciler) buildEnv(ctx context.Context, project *models.Project, dep *models.Deployment) (map[string]string, error) {
	env := make(map[string]string, len(dep.EnvSnapshot)+8)

	set := func(k, v string) {
		if _, exists := dep.EnvSnapshot[k]; !exists {
			env[k] = v
		}
	}

	set("PORT", fmt.Sprintf("%d", dep.HTTPPort))
	if r.Issuer != "" {
		set("RISE_ISSUER", r.Issuer)
	}

	if r.URLs != nil {
		canonical, err := r.URLs.CanonicalURL(ctx, dep.ProjectID, project.Name, dep.Group)
		if err != nil {
			return nil, fmt.Errorf("canonical URL: %w", err)
		}
		set("RISE_APP_URL", canonical)

		all, err := r.URLs.AllURLs(ctx, dep.ProjectID, project.Name, dep.Group)
		if err != nil {
			return nil, fmt.Errorf("all URLs: %w", err)
		}
		encoded, err := json.Marshal(all)
		if err != nil {
			return nil, fmt.Errorf("encode RISE_APP_URLS: %w", err)
		}
		set("RISE_APP_URLS", string(encoded))
	}

	if r.JWKS != nil {
		doc, err := r.JWKS.JWKSDocument()
		if err == nil {
			if encoded, err := json.Marshal(doc); err == nil {
				set("RISE_JWKS", string(encoded))
			}
		}
	}

	if r.Extensions != nil {
		exts, err := r.Extensions.ListByProject(ctx, project.ID)
		if err != nil {
			return nil, fmt.Errorf("list oauth extensions: %w", err)
		}
		for _, ext := range exts {
			prefix := extensionEnvPrefix(ext.ExtName)
			set(prefix+"_CLIENT_ID", ext.ClientID)
			set(prefix+"_ISSUER", ext.UpstreamIssuer)
			if r.Secrets != nil {
				if plaintext, err := r.Secrets.Decrypt(ext.ClientSecretCipher); err == nil {
					set(prefix+"_CLIENT_SECRET", string(plaintext))
				}
			}
		}
	}

	for k, v := range dep.EnvSnapshot {
		env[k] = v
	}
	return env, nil
}

// extensionEnvPrefix upper-cases an extension name into the {EXT} token
// used by its per-extension env-var names.
func extensionEnvPrefix(extName string) string {
	out := make([]byte, len(extName))
	for i := 0; i < len(extName); i++ {
		c := extName[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

// handleDeploying probes the workload; on success, transitions to Healthy
// and performs the supersession step.
func (r *Reconciler) handleDeploying(ctx context.Context, dep *models.Deployment) error {
	project, err := r.Projects.GetProjectByID(ctx, dep.ProjectID)
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}
	handle := runtime.WorkloadHandle{ProjectName: project.Name, DeploymentID: dep.ID, Group: dep.Group}

	state, err := r.Runtime.ProbeHealth(ctx, handle)
	if err != nil {
		return apperrors.TransientExternal("runtime", err)
	}
	if state != runtime.Ready {
		return nil // keep waiting; not yet an error
	}

	ok, incumbent, err := r.Store.MarkHealthyAndFindIncumbent(ctx, dep.ID, models.StatusDeploying, dep.ProjectID, dep.Group)
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}
	if !ok {
		return apperrors.Conflict("status changed under us")
	}

	return r.supersede(ctx, project, dep, incumbent)
}

// handleHealthy evaluates probe failures for the Healthy->Unhealthy
// transition. Expiration is handled by the separate sweeper, which runs on
// its own timer.
func (r *Reconciler) handleHealthy(ctx context.Context, dep *models.Deployment) error {
	project, err := r.Projects.GetProjectByID(ctx, dep.ProjectID)
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}
	handle := runtime.WorkloadHandle{ProjectName: project.Name, DeploymentID: dep.ID, Group: dep.Group}

	state, err := r.Runtime.ProbeHealth(ctx, handle)
	if err != nil {
		return apperrors.TransientExternal("runtime", err)
	}
	if state == runtime.Ready {
		r.probes[dep.ID] = 0
		return nil
	}

	r.probes[dep.ID]++
	if r.probes[dep.ID] < r.Config.UnhealthyThreshold {
		return nil
	}
	r.probes[dep.ID] = 0

	ok, err := r.Store.SetStatus(ctx, dep.ID, models.StatusHealthy, models.StatusUnhealthy)
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}
	if !ok {
		return apperrors.Conflict("status changed under us")
	}
	logger.Reconciler().Warn().Str("deployment", dep.ID).Msg("deployment became unhealthy")
	return nil
}

// handleUnhealthy evaluates recovery: M consecutive successful probes move
// the deployment back to Healthy without relinquishing traffic — an
// Unhealthy deployment keeps serving until an operator rolls it back.
func (r *Reconciler) handleUnhealthy(ctx context.Context, dep *models.Deployment) error {
	project, err := r.Projects.GetProjectByID(ctx, dep.ProjectID)
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}
	handle := runtime.WorkloadHandle{ProjectName: project.Name, DeploymentID: dep.ID, Group: dep.Group}

	state, err := r.Runtime.ProbeHealth(ctx, handle)
	if err != nil {
		return apperrors.TransientExternal("runtime", err)
	}
	if state != runtime.Ready {
		r.probes[dep.ID] = 0
		return nil
	}

	r.probes[dep.ID]++
	if r.probes[dep.ID] < r.Config.RecoveryThreshold {
		return nil
	}
	r.probes[dep.ID] = 0

	ok, err := r.Store.SetStatus(ctx, dep.ID, models.StatusUnhealthy, models.StatusHealthy)
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}
	if !ok {
		return apperrors.Conflict("status changed under us")
	}
	return nil
}

// handleCancelling tears down metadata-only state: no infrastructure was
// ever provisioned, so cancellation is a pure status transition.
func (r *Reconciler) handleCancelling(ctx context.Context, dep *models.Deployment) error {
	_, err := r.Store.MarkTerminal(ctx, dep.ID, models.StatusCancelling, models.StatusCancelled, "")
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}
	return nil
}

// handleTerminating releases runtime resources and lands on the terminal
// status recorded as the deployment's fail_reason (Stopped, Superseded, or
// Expired), set by whichever caller requested termination.
func (r *Reconciler) handleTerminating(ctx context.Context, dep *models.Deployment) error {
	project, err := r.Projects.GetProjectByID(ctx, dep.ProjectID)
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}
	handle := runtime.WorkloadHandle{ProjectName: project.Name, DeploymentID: dep.ID, Group: dep.Group}

	if dep.FailReason == "Superseded" {
		if err := r.awaitDrain(ctx, handle); err != nil {
			logger.Reconciler().Warn().Str("deployment", dep.ID).Err(err).Msg("drain wait ended early")
		}
	}

	if err := r.Runtime.DeleteWorkload(ctx, handle); err != nil {
		return apperrors.TransientExternal("runtime", err)
	}

	target := models.Status(dep.FailReason)
	if target == "" {
		target = models.StatusStopped
	}
	_, err = r.Store.MarkTerminal(ctx, dep.ID, models.StatusTerminating, target, dep.FailReason)
	if err != nil {
		return apperrors.TransientExternal("store", err)
	}
	return nil
}

// awaitDrain waits until the Runtime Adapter reports no active connections
// against handle, bounded by DrainTimeout. When the adapter reports a count,
// that count ends the wait and the timeout is only a safety bound; when it
// reports unknown (a negative count), the wait runs until DrainTimeout.
func (r *Reconciler) awaitDrain(ctx context.Context, handle runtime.WorkloadHandle) error {
	deadline := time.Now().Add(r.Config.DrainTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		n, err := r.Runtime.ActiveConnections(ctx, handle)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil // timeout bound reached; proceed to teardown regardless
}
