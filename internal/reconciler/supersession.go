package reconciler

import (
	"context"

	apperrors "github.com/rise-platform/rise/internal/errors"
	"github.com/rise-platform/rise/internal/logger"
	"github.com/rise-platform/rise/internal/models"
)

// supersede performs the traffic swap for dep, which has just become
// Healthy: incumbent is the group's prior serving deployment, already
// resolved by handleDeploying in the same transaction that marked dep
// Healthy (DeploymentDB.MarkHealthyAndFindIncumbent), so there is no
// separate read here that could race against dep's own row. supersede
// points the group's traffic at dep, then begins the incumbent's
// termination; that row transition and the supersedes backlink commit in
// one transaction (DeploymentDB.Supersede), so no window exists where the
// group routes to a deployment neither Healthy nor in the process of
// draining.
func (r *Reconciler) supersede(ctx context.Context, project *models.Project, dep *models.Deployment, incumbent *models.Deployment) error {
	if err := r.Runtime.SetGroupTraffic(ctx, project.Name, dep.Group, dep.ID); err != nil {
		return apperrors.TransientExternal("runtime", err)
	}

	if incumbent == nil {
		return nil
	}

	if err := r.Store.Supersede(ctx, dep.ID, incumbent.ID); err != nil {
		return apperrors.TransientExternal("store", err)
	}

	logger.Reconciler().Info().
		Str("project", project.Name).
		Str("group", dep.Group).
		Str("new", dep.ID).
		Str("superseded", incumbent.ID).
		Msg("traffic cut over")
	return nil
}
