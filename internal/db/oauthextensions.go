package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rise-platform/rise/internal/models"
)

// OAuthExtensionDB persists the registered OAuth Extension Proxy configs,
// one row per (project, ext_name).
type OAuthExtensionDB struct {
	db *sql.DB
}

// NewOAuthExtensionDB wraps a pooled connection for OAuth-extension operations.
func NewOAuthExtensionDB(sqlDB *sql.DB) *OAuthExtensionDB {
	return &OAuthExtensionDB{db: sqlDB}
}

// Create registers a new extension. clientSecretCipher is the upstream
// client secret already sealed by internal/secrets.Box; the plaintext is
// never persisted.
func (o *OAuthExtensionDB) Create(ctx context.Context, projectID, extName, upstreamIssuer, clientID string, clientSecretCipher []byte, scopes string) (*models.OAuthExtension, error) {
	ext := &models.OAuthExtension{
		ID: uuid.NewString(), ProjectID: projectID, ExtName: extName,
		UpstreamIssuer: upstreamIssuer, ClientID: clientID,
		ClientSecretCipher: clientSecretCipher, Scopes: scopes,
	}
	err := o.db.QueryRowContext(ctx, `
		INSERT INTO oauth_extensions (id, project_id, ext_name, upstream_issuer, client_id, client_secret_cipher, scopes)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		ext.ID, ext.ProjectID, ext.ExtName, ext.UpstreamIssuer, ext.ClientID, ext.ClientSecretCipher, ext.Scopes,
	).Scan(&ext.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create oauth extension: %w", err)
	}
	return ext, nil
}

// Get fetches one extension by (project name, ext name), the pair the
// /oidc/{project}/{ext}/... routes are keyed on.
func (o *OAuthExtensionDB) Get(ctx context.Context, projectName, extName string) (*models.OAuthExtension, error) {
	ext := &models.OAuthExtension{}
	err := o.db.QueryRowContext(ctx, `
		SELECT e.id, e.project_id, e.ext_name, e.upstream_issuer, e.client_id, e.client_secret_cipher, e.scopes, e.created_at
		FROM oauth_extensions e JOIN projects p ON p.id = e.project_id
		WHERE p.name = $1 AND e.ext_name = $2`, projectName, extName,
	).Scan(&ext.ID, &ext.ProjectID, &ext.ExtName, &ext.UpstreamIssuer, &ext.ClientID, &ext.ClientSecretCipher, &ext.Scopes, &ext.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth extension: %w", err)
	}
	return ext, nil
}

// ListByProject returns every extension registered for a project.
func (o *OAuthExtensionDB) ListByProject(ctx context.Context, projectID string) ([]*models.OAuthExtension, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, project_id, ext_name, upstream_issuer, client_id, client_secret_cipher, scopes, created_at
		FROM oauth_extensions WHERE project_id = $1 ORDER BY ext_name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list oauth extensions: %w", err)
	}
	defer rows.Close()

	var out []*models.OAuthExtension
	for rows.Next() {
		ext := &models.OAuthExtension{}
		if err := rows.Scan(&ext.ID, &ext.ProjectID, &ext.ExtName, &ext.UpstreamIssuer, &ext.ClientID, &ext.ClientSecretCipher, &ext.Scopes, &ext.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan oauth extension: %w", err)
		}
		out = append(out, ext)
	}
	return out, rows.Err()
}

// Delete removes an extension registration.
func (o *OAuthExtensionDB) Delete(ctx context.Context, id string) error {
	res, err := o.db.ExecContext(ctx, `DELETE FROM oauth_extensions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete oauth extension: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}
