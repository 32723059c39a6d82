package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rise-platform/rise/internal/models"
)

// ServiceAccountDB persists machine-identity bindings for a project.
type ServiceAccountDB struct {
	db *sql.DB
}

// NewServiceAccountDB wraps a pooled connection for service-account operations.
func NewServiceAccountDB(sqlDB *sql.DB) *ServiceAccountDB {
	return &ServiceAccountDB{db: sqlDB}
}

// Create registers a new service account binding.
func (s *ServiceAccountDB) Create(ctx context.Context, projectID, issuerURL string, claims map[string]string) (*models.ServiceAccount, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("marshal claim requirements: %w", err)
	}

	sa := &models.ServiceAccount{
		ID:                uuid.NewString(),
		ProjectID:         projectID,
		IssuerURL:         issuerURL,
		ClaimRequirements: claims,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO service_accounts (id, project_id, issuer_url, claim_requirements)
		VALUES ($1, $2, $3, $4) RETURNING created_at`,
		sa.ID, sa.ProjectID, sa.IssuerURL, raw,
	).Scan(&sa.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create service account: %w", err)
	}
	return sa, nil
}

// ListByProject returns every service account bound to a project.
func (s *ServiceAccountDB) ListByProject(ctx context.Context, projectID string) ([]*models.ServiceAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, issuer_url, claim_requirements, created_at
		FROM service_accounts WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list service accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.ServiceAccount
	for rows.Next() {
		sa := &models.ServiceAccount{}
		var raw []byte
		if err := rows.Scan(&sa.ID, &sa.ProjectID, &sa.IssuerURL, &raw, &sa.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan service account: %w", err)
		}
		if err := json.Unmarshal(raw, &sa.ClaimRequirements); err != nil {
			return nil, fmt.Errorf("unmarshal claim requirements: %w", err)
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

// ListByIssuer returns every service account across all projects that
// declares the given issuer, used by the bearer-JWT matching path so it
// need not be told which project a caller claims in advance.
func (s *ServiceAccountDB) ListByIssuer(ctx context.Context, issuerURL string) ([]*models.ServiceAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, issuer_url, claim_requirements, created_at
		FROM service_accounts WHERE issuer_url = $1`, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("list service accounts by issuer: %w", err)
	}
	defer rows.Close()

	var out []*models.ServiceAccount
	for rows.Next() {
		sa := &models.ServiceAccount{}
		var raw []byte
		if err := rows.Scan(&sa.ID, &sa.ProjectID, &sa.IssuerURL, &raw, &sa.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan service account: %w", err)
		}
		if err := json.Unmarshal(raw, &sa.ClaimRequirements); err != nil {
			return nil, fmt.Errorf("unmarshal claim requirements: %w", err)
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

// Delete removes a service account binding, revoking it immediately.
func (s *ServiceAccountDB) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete service account: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}
