package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rise-platform/rise/internal/models"
)

// ProjectDB persists projects, their custom domains, and app-user grants.
type ProjectDB struct {
	db *sql.DB
}

// NewProjectDB wraps a pooled connection for project operations.
func NewProjectDB(sqlDB *sql.DB) *ProjectDB {
	return &ProjectDB{db: sqlDB}
}

// CreateProject inserts a new project, failing with a unique-constraint
// error if the name is already taken.
func (p *ProjectDB) CreateProject(ctx context.Context, name string, accessClass models.AccessClass, ownerKind models.OwnerKind, ownerID string) (*models.Project, error) {
	proj := &models.Project{
		ID:          uuid.NewString(),
		Name:        name,
		AccessClass: accessClass,
		OwnerKind:   ownerKind,
		OwnerID:     ownerID,
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, name, access_class, owner_kind, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		proj.ID, proj.Name, proj.AccessClass, proj.OwnerKind, proj.OwnerID,
	).Scan(&proj.CreatedAt, &proj.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return proj, nil
}

// GetProjectByName fetches a project by its unique natural key.
func (p *ProjectDB) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	proj := &models.Project{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, access_class, owner_kind, owner_id, created_at, updated_at
		FROM projects WHERE name = $1`, name,
	).Scan(&proj.ID, &proj.Name, &proj.AccessClass, &proj.OwnerKind, &proj.OwnerID, &proj.CreatedAt, &proj.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return proj, nil
}

// GetProjectByID fetches a project by id, as used internally by the
// Reconciler and the deployment API handlers.
func (p *ProjectDB) GetProjectByID(ctx context.Context, id string) (*models.Project, error) {
	proj := &models.Project{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, access_class, owner_kind, owner_id, created_at, updated_at
		FROM projects WHERE id = $1`, id,
	).Scan(&proj.ID, &proj.Name, &proj.AccessClass, &proj.OwnerKind, &proj.OwnerID, &proj.CreatedAt, &proj.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return proj, nil
}

// ListProjects returns every project, ordered by name. It applies no
// visibility filtering (ownership/team membership/app-user grants), and
// neither of its callers filters the result.
func (p *ProjectDB) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, access_class, owner_kind, owner_id, created_at, updated_at
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		proj := &models.Project{}
		if err := rows.Scan(&proj.ID, &proj.Name, &proj.AccessClass, &proj.OwnerKind, &proj.OwnerID, &proj.CreatedAt, &proj.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, proj)
	}
	return out, rows.Err()
}

// UpdateProjectAccessClass changes Public/Private; ownership fields are
// deliberately not settable here, see TransferProject.
func (p *ProjectDB) UpdateProjectAccessClass(ctx context.Context, id string, accessClass models.AccessClass) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE projects SET access_class = $2, updated_at = NOW() WHERE id = $1`, id, accessClass)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// TransferProject reassigns ownership; it is the only sanctioned mutator of
// owner_kind/owner_id, matching the Project invariant that ownership is
// otherwise immutable.
func (p *ProjectDB) TransferProject(ctx context.Context, id string, ownerKind models.OwnerKind, ownerID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE projects SET owner_kind = $2, owner_id = $3, updated_at = NOW() WHERE id = $1`,
		id, ownerKind, ownerID)
	if err != nil {
		return fmt.Errorf("transfer project: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// DeleteProject removes a project and, via ON DELETE CASCADE, everything it
// exclusively owns (deployments, env vars, domains, service accounts).
func (p *ProjectDB) DeleteProject(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// AddCustomDomain attaches a hostname to a project. Newly added domains
// start unverified and non-primary.
func (p *ProjectDB) AddCustomDomain(ctx context.Context, projectID, name string) (*models.CustomDomain, error) {
	dom := &models.CustomDomain{ProjectID: projectID, Name: name}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO custom_domains (project_id, name) VALUES ($1, $2)`, projectID, name)
	if err != nil {
		return nil, fmt.Errorf("add custom domain: %w", err)
	}
	return dom, nil
}

// ListCustomDomains returns every domain bound to a project.
func (p *ProjectDB) ListCustomDomains(ctx context.Context, projectID string) ([]*models.CustomDomain, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT project_id, name, verified_at, is_primary FROM custom_domains
		WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list custom domains: %w", err)
	}
	defer rows.Close()

	var out []*models.CustomDomain
	for rows.Next() {
		dom := &models.CustomDomain{}
		if err := rows.Scan(&dom.ProjectID, &dom.Name, &dom.VerifiedAt, &dom.IsPrimary); err != nil {
			return nil, fmt.Errorf("scan custom domain: %w", err)
		}
		out = append(out, dom)
	}
	return out, rows.Err()
}

// SetPrimaryDomain clears any existing primary for the project and marks
// name as primary, in one transaction so the at-most-one invariant never
// observes two primaries.
func (p *ProjectDB) SetPrimaryDomain(ctx context.Context, projectID, name string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE custom_domains SET is_primary = FALSE WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("clear primary: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE custom_domains SET is_primary = TRUE WHERE project_id = $1 AND name = $2`, projectID, name)
	if err != nil {
		return fmt.Errorf("set primary: %w", err)
	}
	if err := rowsAffectedOrNotFound(res); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteCustomDomain removes a domain binding.
func (p *ProjectDB) DeleteCustomDomain(ctx context.Context, projectID, name string) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM custom_domains WHERE project_id = $1 AND name = $2`, projectID, name)
	if err != nil {
		return fmt.Errorf("delete custom domain: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// AddAppUser grants a specific user access to an otherwise-private project.
func (p *ProjectDB) AddAppUser(ctx context.Context, projectID, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO project_app_users (project_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, projectID, userID)
	if err != nil {
		return fmt.Errorf("add app user: %w", err)
	}
	return nil
}

// IsAppUser reports whether userID was explicitly granted access to
// projectID (independent of ownership/team membership).
func (p *ProjectDB) IsAppUser(ctx context.Context, projectID, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM project_app_users WHERE project_id = $1 AND user_id = $2)`,
		projectID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check app user: %w", err)
	}
	return exists, nil
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
