// Package db provides the Deployment Store: transactional Postgres
// persistence for projects, teams, deployments, and the identity data the
// Ingress Auth and Registry Broker components read.
package db

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Database wraps the pooled SQL connection shared by every *DB helper type
// in this package.
type Database struct {
	db *sql.DB
}

// validateConfig rejects configuration values that could otherwise be used
// to smuggle options into the connection string.
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	userRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s (only alphanumeric, underscore, and hyphen allowed)", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	dbNameRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s (only alphanumeric, underscore, and hyphen allowed)", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	if config.SSLMode == "" || config.SSLMode == "disable" {
		fmt.Println("WARNING: Database SSL/TLS is DISABLED - This is INSECURE for production!")
		fmt.Println("         Set RISE_DB_SSL_MODE to 'require', 'verify-ca', or 'verify-full'")
	}

	return nil
}

// NewDatabase opens a pooled Postgres connection per config.
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: sqlDB}, nil
}

// NewDatabaseForTesting wraps an existing *sql.DB (e.g. from sqlmock) for
// dependency injection in tests. Not for production use.
func NewDatabaseForTesting(sqlDB *sql.DB) *Database {
	return &Database{db: sqlDB}
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sql.DB for callers that build their own
// *DB-style helper around it.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate applies every migration in order. Migrations are forward-only and
// idempotent (CREATE TABLE IF NOT EXISTS / ON CONFLICT DO NOTHING), matching
// the lexicographic-timestamp-ordered, no-down-migration model described in
// the persisted-state layout.
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(255) PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			name VARCHAR(255),
			password_hash VARCHAR(255),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) UNIQUE NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			team_id VARCHAR(255) NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			user_id VARCHAR(255) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role VARCHAR(32) NOT NULL DEFAULT 'member',
			PRIMARY KEY (team_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) UNIQUE NOT NULL,
			access_class VARCHAR(16) NOT NULL DEFAULT 'Private',
			owner_kind VARCHAR(16) NOT NULL,
			owner_id VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS project_app_users (
			project_id VARCHAR(255) NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id VARCHAR(255) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			added_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (project_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS service_accounts (
			id VARCHAR(255) PRIMARY KEY,
			project_id VARCHAR(255) NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			issuer_url VARCHAR(512) NOT NULL,
			claim_requirements JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS env_vars (
			project_id VARCHAR(255) NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			key VARCHAR(255) NOT NULL,
			value_kind VARCHAR(16) NOT NULL DEFAULT 'Plain',
			ciphertext BYTEA,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (project_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS custom_domains (
			project_id VARCHAR(255) NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name VARCHAR(255) UNIQUE NOT NULL,
			verified_at TIMESTAMP,
			is_primary BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS deployments (
			id VARCHAR(255) PRIMARY KEY,
			project_id VARCHAR(255) NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			group_name VARCHAR(100) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			status VARCHAR(32) NOT NULL DEFAULT 'Pending',
			image_ref VARCHAR(1024) NOT NULL,
			http_port INTEGER NOT NULL,
			expire_after_seconds BIGINT,
			supersedes VARCHAR(255),
			terminal_at TIMESTAMP,
			healthy_at TIMESTAMP,
			fail_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_project_group ON deployments(project_id, group_name)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status)`,
		`CREATE TABLE IF NOT EXISTS deployment_env_snapshots (
			deployment_id VARCHAR(255) NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
			key VARCHAR(255) NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (deployment_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS signing_keys (
			kid VARCHAR(255) PRIMARY KEY,
			private_key BYTEA NOT NULL,
			public_key BYTEA NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id VARCHAR(255) PRIMARY KEY,
			actor_id VARCHAR(255),
			action VARCHAR(128) NOT NULL,
			resource_type VARCHAR(64) NOT NULL,
			resource_id VARCHAR(255),
			details JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_extensions (
			id VARCHAR(255) PRIMARY KEY,
			project_id VARCHAR(255) NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			ext_name VARCHAR(255) NOT NULL,
			upstream_issuer VARCHAR(512) NOT NULL,
			client_id VARCHAR(255) NOT NULL,
			client_secret_cipher BYTEA NOT NULL,
			scopes VARCHAR(512) NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE(project_id, ext_name)
		)`,
		`CREATE TABLE IF NOT EXISTS mfa_methods (
			user_id VARCHAR(255) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			method_type VARCHAR(32) NOT NULL DEFAULT 'totp',
			secret BYTEA NOT NULL,
			confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, method_type)
		)`,
	}

	for i, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}
