package reconciler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rise-platform/rise/internal/db"
	"github.com/rise-platform/rise/internal/logger"
	"github.com/rise-platform/rise/internal/models"
	"github.com/rise-platform/rise/internal/registry"
)

// Sweeper runs the two timer-driven duties that sit outside the per-row
// reconcile step: expiring deployments whose expire_after has elapsed, and
// refreshing each project's pull secret before it goes stale. Both are
// plain cron jobs rather than goroutine loops; nothing else in this
// codebase uses cron.
type Sweeper struct {
	Store    *db.DeploymentDB
	Projects *db.ProjectDB
	Registry registry.Provider
	Runtime  interface {
		ApplyPullSecret(ctx context.Context, projectName string, dockerConfigJSON []byte, ttl time.Duration) error
	}

	secretAge map[string]time.Time // project name -> last ApplyPullSecret call
	cron      *cron.Cron
}

// NewSweeper constructs a Sweeper. Call Start to begin its cron schedule.
func NewSweeper(store *db.DeploymentDB, projects *db.ProjectDB, reg registry.Provider, rt interface {
	ApplyPullSecret(ctx context.Context, projectName string, dockerConfigJSON []byte, ttl time.Duration) error
}) *Sweeper {
	return &Sweeper{
		Store: store, Projects: projects, Registry: reg, Runtime: rt,
		secretAge: make(map[string]time.Time),
		cron:      cron.New(),
	}
}

// Start registers the expiration sweep (every minute) and the pull-secret
// refresh (every 15 minutes) and begins running them in the background.
// Cancel ctx to stop both; Start returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 1m", func() { s.sweepExpired(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 15m", func() { s.refreshPullSecrets(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// sweepExpired transitions every Healthy deployment whose expire-after
// window has elapsed into Terminating, so the next reconcile tick tears
// down its workload. Marked idempotent by the CAS inside MarkTerminal: a
// deployment already moved by a concurrent sweeper instance is silently
// skipped.
func (s *Sweeper) sweepExpired(ctx context.Context) {
	due, err := s.Store.ExpireDue(ctx, time.Now())
	if err != nil {
		logger.Reconciler().Error().Err(err).Msg("expire sweep: list due deployments")
		return
	}
	for _, dep := range due {
		ok, err := s.Store.MarkTerminal(ctx, dep.ID, models.StatusHealthy, models.StatusTerminating, string(models.StatusExpired))
		if err != nil {
			logger.Reconciler().Error().Str("deployment", dep.ID).Err(err).Msg("expire sweep: mark terminating")
			continue
		}
		if ok {
			logger.Reconciler().Info().Str("deployment", dep.ID).Msg("deployment expired")
		}
	}
}

// refreshPullSecrets asks the Registry Broker for each project's pull
// credential and installs what it returns via the Runtime Adapter. It passes
// the age of the last install but an existingExpiresIn of zero, since the
// returned ttl is not recorded: the ECR provider's refresh-window check
// therefore always re-mints, and the OCI provider re-mints only for a
// project not yet installed since startup.
func (s *Sweeper) refreshPullSecrets(ctx context.Context) {
	projects, err := s.Projects.ListProjects(ctx)
	if err != nil {
		logger.Reconciler().Error().Err(err).Msg("pull secret refresh: list projects")
		return
	}
	for _, project := range projects {
		last, seen := s.secretAge[project.Name]
		age := time.Duration(0)
		if seen {
			age = time.Since(last)
		}

		dockerConfig, ttl, err := s.Registry.EnsurePullSecret(ctx, project.Name, age, 0)
		if err != nil {
			logger.Reconciler().Warn().Str("project", project.Name).Err(err).Msg("pull secret refresh: ensure secret")
			continue
		}
		if dockerConfig == nil {
			continue // broker declined; existing secret still fresh enough
		}
		if err := s.Runtime.ApplyPullSecret(ctx, project.Name, dockerConfig, ttl); err != nil {
			logger.Reconciler().Warn().Str("project", project.Name).Err(err).Msg("pull secret refresh: apply secret")
			continue
		}
		s.secretAge[project.Name] = time.Now()
	}
}
