package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// PGStore is a Postgres-backed public key registry. Published versions are never
// replaced; the only column that may change after insert is archived_at, and only
// from NULL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore returns a PGStore and ensures the signing_keys table exists.
func NewPGStore(db *sql.DB) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) ensureTable() error {
	const q = `
CREATE TABLE IF NOT EXISTS signing_keys (
  key_version integer PRIMARY KEY,
  algorithm text NOT NULL,
  public_key text NOT NULL,
  created_at timestamptz NOT NULL,
  archived_at timestamptz
);
`
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("ensure signing_keys table: %w", err)
	}
	return nil
}

// Publish records kp. Re-publishing identical key material is a no-op apart from
// filling archived_at; different material for an existing version is refused.
func (s *PGStore) Publish(ctx context.Context, kp models.KeyPair) error {
	const q = `
INSERT INTO signing_keys (key_version, algorithm, public_key, created_at, archived_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (key_version) DO UPDATE
  SET archived_at = COALESCE(signing_keys.archived_at, EXCLUDED.archived_at)
  WHERE signing_keys.public_key = EXCLUDED.public_key
`
	createdAt := kp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var archivedAt sql.NullTime
	if kp.ArchivedAt != nil {
		archivedAt = sql.NullTime{Time: *kp.ArchivedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, q, kp.Version, kp.Algorithm, kp.PublicKeyPEM, createdAt, archivedAt)
	if err != nil {
		return fmt.Errorf("publish key version %d: %w", kp.Version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish key version %d: %w", kp.Version, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: key version %d already published with different key material", models.ErrImmutabilityViolation, kp.Version)
	}
	return nil
}

// Get fetches one key version.
func (s *PGStore) Get(ctx context.Context, version int) (models.KeyPair, error) {
	const q = `SELECT key_version, algorithm, public_key, created_at, archived_at FROM signing_keys WHERE key_version=$1`
	kp, err := scanKeyPair(s.db.QueryRowContext(ctx, q, version))
	if errors.Is(err, sql.ErrNoRows) {
		return models.KeyPair{}, fmt.Errorf("key version %d: %w", version, models.ErrNotFound)
	}
	if err != nil {
		return models.KeyPair{}, fmt.Errorf("query key version %d: %w", version, err)
	}
	return kp, nil
}

// List returns all published versions, oldest first.
func (s *PGStore) List(ctx context.Context) ([]models.KeyPair, error) {
	const q = `SELECT key_version, algorithm, public_key, created_at, archived_at FROM signing_keys ORDER BY key_version ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query signing keys: %w", err)
	}
	defer rows.Close()

	out := make([]models.KeyPair, 0)
	for rows.Next() {
		kp, err := scanKeyPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signing key row: %w", err)
		}
		out = append(out, kp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKeyPair(row rowScanner) (models.KeyPair, error) {
	var (
		kp         models.KeyPair
		archivedAt sql.NullTime
	)
	if err := row.Scan(&kp.Version, &kp.Algorithm, &kp.PublicKeyPEM, &kp.CreatedAt, &archivedAt); err != nil {
		return models.KeyPair{}, err
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		kp.ArchivedAt = &t
	}
	return kp, nil
}
