package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rise-platform/rise/internal/models"
)

// DeploymentDB is the Deployment Store: transactional persistence of
// deployments, their frozen env snapshots, and the group-serving invariant.
type DeploymentDB struct {
	db *sql.DB
}

// NewDeploymentDB wraps a pooled connection for deployment operations.
func NewDeploymentDB(sqlDB *sql.DB) *DeploymentDB {
	return &DeploymentDB{db: sqlDB}
}

// CreateDeployment inserts a new Pending deployment and freezes its env
// snapshot in the same transaction.
func (d *DeploymentDB) CreateDeployment(ctx context.Context, projectID, group, imageRef string, httpPort int, env map[string]string, expireAfter *time.Duration) (*models.Deployment, error) {
	if !models.ValidGroup(group) {
		return nil, fmt.Errorf("invalid deployment group %q", group)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	dep := &models.Deployment{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Group:       group,
		Status:      models.StatusPending,
		ImageRef:    imageRef,
		HTTPPort:    httpPort,
		EnvSnapshot: env,
		ExpireAfter: expireAfter,
	}

	var expireSeconds sql.NullInt64
	if expireAfter != nil {
		expireSeconds = sql.NullInt64{Int64: int64(expireAfter.Seconds()), Valid: true}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO deployments (id, project_id, group_name, status, image_ref, http_port, expire_after_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		dep.ID, dep.ProjectID, dep.Group, dep.Status, dep.ImageRef, dep.HTTPPort, expireSeconds,
	).Scan(&dep.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	for k, v := range env {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deployment_env_snapshots (deployment_id, key, value) VALUES ($1, $2, $3)`,
			dep.ID, k, v); err != nil {
			return nil, fmt.Errorf("freeze env snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return dep, nil
}

// GetDeployment fetches one deployment with its frozen env snapshot.
func (d *DeploymentDB) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	dep, err := d.scanDeployment(ctx, d.db.QueryRowContext(ctx, deploymentSelectSQL+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	env, err := d.loadEnvSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	dep.EnvSnapshot = env
	return dep, nil
}

// ListByProject returns every deployment belonging to a project, newest
// first.
func (d *DeploymentDB) ListByProject(ctx context.Context, projectID string) ([]*models.Deployment, error) {
	rows, err := d.db.QueryContext(ctx, deploymentSelectSQL+` WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()
	return scanDeploymentRows(rows)
}

// ClaimNextReconcilable marks a single Pending deployment as Building,
// returning it, or (nil, nil) if none are eligible. The UPDATE ... WHERE
// status='Pending' RETURNING idiom makes this safe under concurrent
// callers: only one transaction's UPDATE can match a given row.
func (d *DeploymentDB) ClaimNextReconcilable(ctx context.Context) (*models.Deployment, error) {
	row := d.db.QueryRowContext(ctx, `
		UPDATE deployments SET status = 'Building'
		WHERE id = (
			SELECT id FROM deployments
			WHERE status = 'Pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+deploymentColumns)
	dep, err := d.scanDeployment(ctx, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next reconcilable: %w", err)
	}
	return dep, nil
}

// SetStatus performs the CAS transition UPDATE ... WHERE id=? AND status=?
// that every reconciler action is expressed through. ok=false, err=nil means
// the row had already moved to a different status, a benign race the caller
// should treat as "re-read and recompute".
func (d *DeploymentDB) SetStatus(ctx context.Context, id string, from, to models.Status) (ok bool, err error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE deployments SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkTerminal CAS-transitions a deployment to `to`, records reason as
// fail_reason, and stamps terminal_at. Callers pass a terminal status,
// except the expiration sweep, which moves Healthy to Terminating with
// reason "Expired"; terminal_at is stamped again when that row reaches its
// terminal status. Terminal rows are never mutated again by anything
// calling SetStatus afterward, since the CAS predicate requires the old
// status and terminal statuses are never the `from` of any transition.
func (d *DeploymentDB) MarkTerminal(ctx context.Context, id string, from, to models.Status, reason string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE deployments SET status = $3, terminal_at = NOW(), fail_reason = $4
		WHERE id = $1 AND status = $2`, id, from, to, reason)
	if err != nil {
		return false, fmt.Errorf("mark terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkHealthyAndFindIncumbent atomically transitions id from `from` to
// Healthy and, in the same transaction, locates the group's incumbent: the
// other deployment (if any) already holding traffic for (projectID, group).
// Doing the CAS and the incumbent lookup in one transaction closes the
// window a separate MarkHealthy-then-query sequence would leave open, where
// the newly Healthy row itself would satisfy a later "who's serving this
// group" query and supersession would see no incumbent at all. The lookup
// excludes id explicitly, orders deterministically by created_at, and locks
// the row FOR UPDATE so a concurrent reconciler tick can't supersede the
// same incumbent twice.
func (d *DeploymentDB) MarkHealthyAndFindIncumbent(ctx context.Context, id string, from models.Status, projectID, group string) (ok bool, incumbent *models.Deployment, err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE deployments SET status = 'Healthy', healthy_at = COALESCE(healthy_at, NOW())
		WHERE id = $1 AND status = $2`, id, from)
	if err != nil {
		return false, nil, fmt.Errorf("mark healthy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return false, nil, nil
	}

	row := tx.QueryRowContext(ctx, deploymentSelectSQL+`
		WHERE project_id = $1 AND group_name = $2 AND status IN ('Healthy', 'Unhealthy') AND id <> $3
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE`, projectID, group, id)
	incumbent, err = d.scanDeployment(ctx, row)
	if err == sql.ErrNoRows {
		incumbent = nil
	} else if err != nil {
		return false, nil, fmt.Errorf("find incumbent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit: %w", err)
	}
	return true, incumbent, nil
}

// Supersede is a single-transaction commit: the newly healthy deployment is
// already Healthy (via MarkHealthyAndFindIncumbent); this call
// transitions the prior serving deployment to Terminating with reason
// "Superseded" and records the supersedes backlink, atomically.
func (d *DeploymentDB) Supersede(ctx context.Context, newID, oldID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE deployments SET status = 'Terminating', fail_reason = 'Superseded'
		WHERE id = $1 AND status IN ('Healthy', 'Unhealthy')`, oldID)
	if err != nil {
		return fmt.Errorf("terminate superseded: %w", err)
	}
	if err := rowsAffectedOrNotFound(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE deployments SET supersedes = $2 WHERE id = $1`, newID, oldID); err != nil {
		return fmt.Errorf("record supersedes: %w", err)
	}

	return tx.Commit()
}

// RequestStop moves a deployment into the reconciler's teardown path: one
// not yet past Pushing goes to Cancelling (pure status flip, nothing was
// ever provisioned); one from Pushed onward goes to Terminating with
// fail_reason "Stopped" so handleTerminating releases its workload and
// lands it on Stopped rather than Expired or Superseded. A deployment
// already Cancelling or Terminating is left as it is and ok is false.
func (d *DeploymentDB) RequestStop(ctx context.Context, id string, from models.Status) (bool, error) {
	var res sql.Result
	var err error
	switch from {
	case models.StatusPushed, models.StatusDeploying, models.StatusHealthy, models.StatusUnhealthy:
		res, err = d.db.ExecContext(ctx, `
			UPDATE deployments SET status = 'Terminating', fail_reason = 'Stopped'
			WHERE id = $1 AND status = $2`, id, from)
	case models.StatusPending, models.StatusBuilding, models.StatusPushing:
		res, err = d.db.ExecContext(ctx, `
			UPDATE deployments SET status = 'Cancelling' WHERE id = $1 AND status = $2`, id, from)
	default:
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("request stop: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpireDue returns every Healthy deployment whose expire_after has elapsed
// past healthy_at.
func (d *DeploymentDB) ExpireDue(ctx context.Context, now time.Time) ([]*models.Deployment, error) {
	rows, err := d.db.QueryContext(ctx, deploymentSelectSQL+`
		WHERE status = 'Healthy'
		  AND expire_after_seconds IS NOT NULL
		  AND healthy_at IS NOT NULL
		  AND healthy_at + (expire_after_seconds || ' seconds')::interval <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("expire due: %w", err)
	}
	defer rows.Close()
	return scanDeploymentRows(rows)
}

// ListNonTerminal returns every deployment the reconciler must still drive,
// used by the reconcile loop's per-tick selection step.
func (d *DeploymentDB) ListNonTerminal(ctx context.Context) ([]*models.Deployment, error) {
	rows, err := d.db.QueryContext(ctx, deploymentSelectSQL+`
		WHERE status NOT IN ('Stopped', 'Superseded', 'Failed', 'Cancelled', 'Expired')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal: %w", err)
	}
	defer rows.Close()
	return scanDeploymentRows(rows)
}

const deploymentColumns = `id, project_id, group_name, created_at, status, image_ref, http_port,
	expire_after_seconds, supersedes, terminal_at, healthy_at, fail_reason`

const deploymentSelectSQL = `SELECT ` + deploymentColumns + ` FROM deployments`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *DeploymentDB) scanDeployment(ctx context.Context, row rowScanner) (*models.Deployment, error) {
	dep := &models.Deployment{}
	var expireSeconds sql.NullInt64
	var supersedes sql.NullString
	var failReason sql.NullString
	err := row.Scan(&dep.ID, &dep.ProjectID, &dep.Group, &dep.CreatedAt, &dep.Status, &dep.ImageRef,
		&dep.HTTPPort, &expireSeconds, &supersedes, &dep.TerminalAt, &dep.HealthyAt, &failReason)
	if err != nil {
		return nil, err
	}
	if expireSeconds.Valid {
		dur := time.Duration(expireSeconds.Int64) * time.Second
		dep.ExpireAfter = &dur
	}
	if supersedes.Valid {
		dep.Supersedes = &supersedes.String
	}
	dep.FailReason = failReason.String
	return dep, nil
}

func scanDeploymentRows(rows *sql.Rows) ([]*models.Deployment, error) {
	var out []*models.Deployment
	for rows.Next() {
		dep := &models.Deployment{}
		var expireSeconds sql.NullInt64
		var supersedes sql.NullString
		var failReason sql.NullString
		if err := rows.Scan(&dep.ID, &dep.ProjectID, &dep.Group, &dep.CreatedAt, &dep.Status, &dep.ImageRef,
			&dep.HTTPPort, &expireSeconds, &supersedes, &dep.TerminalAt, &dep.HealthyAt, &failReason); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		if expireSeconds.Valid {
			dur := time.Duration(expireSeconds.Int64) * time.Second
			dep.ExpireAfter = &dur
		}
		if supersedes.Valid {
			dep.Supersedes = &supersedes.String
		}
		dep.FailReason = failReason.String
		out = append(out, dep)
	}
	return out, rows.Err()
}

func (d *DeploymentDB) loadEnvSnapshot(ctx context.Context, deploymentID string) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT key, value FROM deployment_env_snapshots WHERE deployment_id = $1`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("load env snapshot: %w", err)
	}
	defer rows.Close()

	env := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan env snapshot entry: %w", err)
		}
		env[k] = v
	}
	return env, rows.Err()
}
