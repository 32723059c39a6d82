package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rise-platform/rise/internal/models"
)

// SigningKeyDB persists the asymmetric keypairs used to sign app-user JWTs.
// Old keys are retained so verification keeps working until every token
// signed under them has expired; Prune is the only method that deletes keys.
type SigningKeyDB struct {
	db *sql.DB
}

// NewSigningKeyDB wraps a pooled connection for signing-key operations.
func NewSigningKeyDB(sqlDB *sql.DB) *SigningKeyDB {
	return &SigningKeyDB{db: sqlDB}
}

// Insert records a newly generated keypair under a fresh kid.
func (s *SigningKeyDB) Insert(ctx context.Context, privateKey, publicKey []byte) (*models.SigningKey, error) {
	key := &models.SigningKey{KID: uuid.NewString(), PrivateKey: privateKey, PublicKey: publicKey}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO signing_keys (kid, private_key, public_key) VALUES ($1, $2, $3)
		RETURNING created_at`, key.KID, key.PrivateKey, key.PublicKey).Scan(&key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert signing key: %w", err)
	}
	return key, nil
}

// Latest returns the most recently created key, the one new tokens are
// signed with.
func (s *SigningKeyDB) Latest(ctx context.Context) (*models.SigningKey, error) {
	key := &models.SigningKey{}
	err := s.db.QueryRowContext(ctx, `
		SELECT kid, private_key, public_key, created_at FROM signing_keys
		ORDER BY created_at DESC LIMIT 1`).
		Scan(&key.KID, &key.PrivateKey, &key.PublicKey, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest signing key: %w", err)
	}
	return key, nil
}

// All returns every retained key, newest first, for JWKS publication and
// verification of tokens signed under any non-expired generation.
func (s *SigningKeyDB) All(ctx context.Context) ([]*models.SigningKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kid, private_key, public_key, created_at FROM signing_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	defer rows.Close()

	var out []*models.SigningKey
	for rows.Next() {
		key := &models.SigningKey{}
		if err := rows.Scan(&key.KID, &key.PrivateKey, &key.PublicKey, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// ByKID fetches one key by id, used when verifying a token whose header
// names a specific kid.
func (s *SigningKeyDB) ByKID(ctx context.Context, kid string) (*models.SigningKey, error) {
	key := &models.SigningKey{}
	err := s.db.QueryRowContext(ctx, `
		SELECT kid, private_key, public_key, created_at FROM signing_keys WHERE kid = $1`, kid).
		Scan(&key.KID, &key.PrivateKey, &key.PublicKey, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get signing key: %w", err)
	}
	return key, nil
}

// Prune deletes every key except the keepNewest most recently created ones.
// It does not look at key age or outstanding tokens, and nothing in this
// tree calls it.
func (s *SigningKeyDB) Prune(ctx context.Context, keepNewest int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM signing_keys WHERE kid NOT IN (
			SELECT kid FROM signing_keys ORDER BY created_at DESC LIMIT $1
		)`, keepNewest)
	if err != nil {
		return fmt.Errorf("prune signing keys: %w", err)
	}
	return nil
}
