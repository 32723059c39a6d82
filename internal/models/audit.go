package models

import "time"

// AuditEntry is one recorded control-plane mutation.
type AuditEntry struct {
	ID           string                 `json:"id" db:"id"`
	ActorID      string                 `json:"actorId,omitempty" db:"actor_id"`
	Action       string                 `json:"action" db:"action"`
	ResourceType string                 `json:"resourceType" db:"resource_type"`
	ResourceID   string                 `json:"resourceId,omitempty" db:"resource_id"`
	Details      map[string]interface{} `json:"details,omitempty" db:"-"`
	CreatedAt    time.Time              `json:"createdAt" db:"created_at"`
}
