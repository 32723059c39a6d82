// Package models defines the core data structures for the Rise API.
package models

import "time"

// User is a Rise account holder: someone who can own projects, belong to
// teams, and authenticate against the control-plane API.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	Name         string    `json:"name,omitempty" db:"name"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// Team groups users for shared project ownership. Owners is always a subset
// of Members; the inverse is a data-integrity bug, not merely unusual.
type Team struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	// Owners and Members are populated by joining team_members; they are
	// not stored columns on this row.
	Owners  []string `json:"owners,omitempty"`
	Members []string `json:"members,omitempty"`
}

// TeamRole is the membership kind recorded in team_members.
type TeamRole string

const (
	TeamRoleOwner  TeamRole = "owner"
	TeamRoleMember TeamRole = "member"
)
