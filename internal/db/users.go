package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rise-platform/rise/internal/models"
)

// UserDB persists Rise account holders.
type UserDB struct {
	db *sql.DB
}

// NewUserDB wraps a pooled connection for user operations.
func NewUserDB(sqlDB *sql.DB) *UserDB {
	return &UserDB{db: sqlDB}
}

// CreateUser inserts a new user. passwordHash is empty for OIDC-only
// accounts; nothing in this tree reads it back to authenticate a login.
func (u *UserDB) CreateUser(ctx context.Context, email, name, passwordHash string) (*models.User, error) {
	user := &models.User{ID: uuid.NewString(), Email: email, Name: name, PasswordHash: passwordHash}
	err := u.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, name, password_hash) VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		user.ID, user.Email, user.Name, nullIfEmpty(passwordHash),
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// GetByEmail fetches a user by email, or (nil, nil) if absent.
func (u *UserDB) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	var passwordHash sql.NullString
	err := u.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at, updated_at FROM users WHERE email = $1`, email).
		Scan(&user.ID, &user.Email, &user.Name, &passwordHash, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	user.PasswordHash = passwordHash.String
	return user, nil
}

// GetByID fetches a user by id.
func (u *UserDB) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	var passwordHash sql.NullString
	err := u.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.Name, &passwordHash, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	user.PasswordHash = passwordHash.String
	return user, nil
}

// EnsureByEmail returns the existing user for email, creating one (with no
// local password) if absent. Used by the OIDC callback handler, which
// authenticates by upstream identity, not by a Rise-local password.
func (u *UserDB) EnsureByEmail(ctx context.Context, email, name string) (*models.User, error) {
	existing, err := u.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return u.CreateUser(ctx, email, name, "")
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
