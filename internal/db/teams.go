package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rise-platform/rise/internal/models"
)

// TeamDB persists teams and their membership rows.
type TeamDB struct {
	db *sql.DB
}

// NewTeamDB wraps a pooled connection for team operations.
func NewTeamDB(sqlDB *sql.DB) *TeamDB {
	return &TeamDB{db: sqlDB}
}

// CreateTeam inserts a team and records its creator as the first owner.
func (t *TeamDB) CreateTeam(ctx context.Context, name, creatorUserID string) (*models.Team, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	team := &models.Team{ID: uuid.NewString(), Name: name}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO teams (id, name) VALUES ($1, $2) RETURNING created_at`,
		team.ID, team.Name).Scan(&team.CreatedAt); err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO team_members (team_id, user_id, role) VALUES ($1, $2, $3)`,
		team.ID, creatorUserID, models.TeamRoleOwner); err != nil {
		return nil, fmt.Errorf("add team owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	team.Owners = []string{creatorUserID}
	team.Members = []string{creatorUserID}
	return team, nil
}

// GetTeam fetches a team with its resolved membership lists.
func (t *TeamDB) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	team := &models.Team{}
	err := t.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM teams WHERE id = $1`, id).
		Scan(&team.ID, &team.Name, &team.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT user_id, role FROM team_members WHERE team_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		team.Members = append(team.Members, userID)
		if models.TeamRole(role) == models.TeamRoleOwner {
			team.Owners = append(team.Owners, userID)
		}
	}
	return team, rows.Err()
}

// AddMember adds a user to a team with the given role. Adding as Owner
// implicitly also makes them a Member, satisfying Owners ⊆ Members.
func (t *TeamDB) AddMember(ctx context.Context, teamID, userID string, role models.TeamRole) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO team_members (team_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (team_id, user_id) DO UPDATE SET role = $3`, teamID, userID, role)
	if err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a team entirely (both membership and any
// ownership it implied).
func (t *TeamDB) RemoveMember(ctx context.Context, teamID, userID string) error {
	_, err := t.db.ExecContext(ctx, `
		DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return fmt.Errorf("remove team member: %w", err)
	}
	return nil
}

// IsMember reports whether userID belongs to teamID in any role.
func (t *TeamDB) IsMember(ctx context.Context, teamID, userID string) (bool, error) {
	var exists bool
	err := t.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM team_members WHERE team_id = $1 AND user_id = $2)`,
		teamID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check team membership: %w", err)
	}
	return exists, nil
}

// ListTeamsForUser returns every team a user owns or belongs to.
func (t *TeamDB) ListTeamsForUser(ctx context.Context, userID string) ([]*models.Team, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.created_at FROM teams t
		JOIN team_members m ON m.team_id = t.id
		WHERE m.user_id = $1 ORDER BY t.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list teams for user: %w", err)
	}
	defer rows.Close()

	var out []*models.Team
	for rows.Next() {
		team := &models.Team{}
		if err := rows.Scan(&team.ID, &team.Name, &team.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		out = append(out, team)
	}
	return out, rows.Err()
}
