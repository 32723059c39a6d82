package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rise-platform/rise/internal/models"
)

// EnvVarDB persists project-scoped configuration entries.
type EnvVarDB struct {
	db *sql.DB
}

// NewEnvVarDB wraps a pooled connection for env-var operations.
func NewEnvVarDB(sqlDB *sql.DB) *EnvVarDB {
	return &EnvVarDB{db: sqlDB}
}

// Set upserts an env var. ciphertext is nil for Plain entries.
func (e *EnvVarDB) Set(ctx context.Context, projectID, key string, kind models.ValueKind, ciphertext []byte) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO env_vars (project_id, key, value_kind, ciphertext, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (project_id, key) DO UPDATE SET value_kind = $3, ciphertext = $4, updated_at = NOW()`,
		projectID, key, kind, ciphertext)
	if err != nil {
		return fmt.Errorf("set env var: %w", err)
	}
	return nil
}

// List returns every env var for a project. Ciphertext is returned raw;
// callers decide whether the requesting identity may decrypt Secret values
// and must never decrypt Protected ones over the HTTP API.
func (e *EnvVarDB) List(ctx context.Context, projectID string) ([]*models.EnvVar, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT project_id, key, value_kind, ciphertext, updated_at FROM env_vars
		WHERE project_id = $1 ORDER BY key`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list env vars: %w", err)
	}
	defer rows.Close()

	var out []*models.EnvVar
	for rows.Next() {
		ev := &models.EnvVar{}
		if err := rows.Scan(&ev.ProjectID, &ev.Key, &ev.ValueKind, &ev.Ciphertext, &ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan env var: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Delete removes one env var.
func (e *EnvVarDB) Delete(ctx context.Context, projectID, key string) error {
	res, err := e.db.ExecContext(ctx, `
		DELETE FROM env_vars WHERE project_id = $1 AND key = $2`, projectID, key)
	if err != nil {
		return fmt.Errorf("delete env var: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}
