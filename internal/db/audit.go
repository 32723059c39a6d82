package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rise-platform/rise/internal/models"
)

// AuditDB persists the control-plane's mutation trail: project lifecycle,
// deployment stop/rollback, registry-credential minting.
type AuditDB struct {
	db *sql.DB
}

// NewAuditDB wraps a pooled connection for audit-log operations.
func NewAuditDB(sqlDB *sql.DB) *AuditDB {
	return &AuditDB{db: sqlDB}
}

// Record appends one audit entry. actorID is empty for system-initiated
// actions (e.g. the reconciler's own terminal transitions).
func (a *AuditDB) Record(ctx context.Context, actorID, action, resourceType, resourceID string, details map[string]interface{}) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, resource_type, resource_id, details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), nullIfEmpty(actorID), action, resourceType, resourceID, raw)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// ListByResource returns the audit trail for one resource, newest first.
func (a *AuditDB) ListByResource(ctx context.Context, resourceType, resourceID string) ([]*models.AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, actor_id, action, resource_type, resource_id, details, created_at
		FROM audit_log WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// ListRecent returns the most recent audit entries across every resource,
// bounded by limit, for a top-level activity view.
func (a *AuditDB) ListRecent(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, actor_id, action, resource_type, resource_id, details, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	for rows.Next() {
		e := &models.AuditEntry{}
		var actorID sql.NullString
		var raw []byte
		if err := rows.Scan(&e.ID, &actorID, &e.Action, &e.ResourceType, &e.ResourceID, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ActorID = actorID.String
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
