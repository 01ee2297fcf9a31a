package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// PGStorage persists entries into the ledger_entries table created by Migrate. The table
// refuses UPDATE, DELETE and TRUNCATE through triggers and refuses forks through unique
// constraints, so the guarantees hold for every database client.
type PGStorage struct {
	db *sql.DB
}

// NewPGStorage constructs a Postgres-backed storage.
func NewPGStorage(db *sql.DB) *PGStorage {
	return &PGStorage{db: db}
}

const entryColumns = `id, stream, sequence, event_type, actor_id, payload, metadata, ts, previous_hash, hash, integrity_hash, signature, key_version`

const (
	pgUniqueViolation   = "23505"
	pgRestrictViolation = "23001"
)

// Ping verifies connectivity to Postgres.
func (p *PGStorage) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PGStorage) Insert(ctx context.Context, e models.LedgerEntry) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %w", models.ErrSerialization, err)
	}
	// Empty metadata is stored as SQL NULL.
	var metadataArg interface{}
	if len(e.Metadata) > 0 {
		metadataJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("%w: marshal metadata: %w", models.ErrSerialization, err)
		}
		metadataArg = metadataJSON
	}

	q := `INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err = p.db.ExecContext(ctx, q,
		e.ID,
		e.Stream,
		e.Sequence,
		e.EventType,
		e.ActorID,
		payloadJSON,
		metadataArg,
		e.Timestamp,
		e.PreviousHash,
		e.Hash,
		e.IntegrityHash,
		e.Signature,
		e.KeyVersion,
	)
	if err != nil {
		return p.mapInsertError(e, err)
	}
	return nil
}

func (p *PGStorage) mapInsertError(e models.LedgerEntry, err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	switch string(pqErr.Code) {
	case pgUniqueViolation:
		if pqErr.Constraint == "ledger_entries_pkey" {
			return &models.ImmutabilityError{EntryID: e.ID, Op: "insert"}
		}
		return fmt.Errorf("%w: stream %q already has an entry at sequence %d or linking %s (%s)",
			models.ErrChainFork, e.Stream, e.Sequence, e.PreviousHash, pqErr.Constraint)
	case pgRestrictViolation:
		return &models.ImmutabilityError{EntryID: e.ID, Op: "insert"}
	}
	return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
}

func (p *PGStorage) Head(ctx context.Context, stream string) (Head, error) {
	var h Head
	q := `SELECT hash, sequence FROM ledger_entries WHERE stream = $1 ORDER BY sequence DESC LIMIT 1`
	if err := p.db.QueryRowContext(ctx, q, stream).Scan(&h.Hash, &h.Sequence); err != nil {
		if err == sql.ErrNoRows {
			return genesisHead(), nil
		}
		return Head{}, fmt.Errorf("query head of %q: %w", stream, err)
	}
	h.Hash = strings.TrimSpace(h.Hash)
	return h, nil
}

func (p *PGStorage) Get(ctx context.Context, id string) (models.LedgerEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`
	e, err := scanEntry(p.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return models.LedgerEntry{}, models.ErrNotFound
		}
		return models.LedgerEntry{}, fmt.Errorf("query ledger entry %s: %w", id, err)
	}
	return e, nil
}

func (p *PGStorage) Query(ctx context.Context, f Filter) ([]models.LedgerEntry, int, error) {
	f = f.normalized()
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Stream != "" {
		add("stream = $%d", f.Stream)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts < $%d", f.To)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM ledger_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}

	q := `SELECT ` + entryColumns + ` FROM ledger_entries` + where +
		fmt.Sprintf(` ORDER BY ts, stream, sequence LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	entries, err := p.queryEntries(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (p *PGStorage) Stream(ctx context.Context, stream string) ([]models.LedgerEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE stream = $1 ORDER BY sequence`
	return p.queryEntries(ctx, q, stream)
}

func (p *PGStorage) queryEntries(ctx context.Context, q string, args ...interface{}) ([]models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	out := []models.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Update never reaches the database; the table trigger refuses it for other clients.
func (p *PGStorage) Update(_ context.Context, e models.LedgerEntry) error {
	return &models.ImmutabilityError{EntryID: e.ID, Op: "update"}
}

func (p *PGStorage) Delete(_ context.Context, id string) error {
	return &models.ImmutabilityError{EntryID: id, Op: "delete"}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (models.LedgerEntry, error) {
	var (
		e                       models.LedgerEntry
		payloadBytes, metaBytes []byte
		ts                      time.Time
		prevHash, hash, ih      string
	)
	if err := row.Scan(&e.ID, &e.Stream, &e.Sequence, &e.EventType, &e.ActorID, &payloadBytes, &metaBytes,
		&ts, &prevHash, &hash, &ih, &e.Signature, &e.KeyVersion); err != nil {
		return models.LedgerEntry{}, err
	}
	e.Timestamp = ts.UTC()
	e.PreviousHash = strings.TrimSpace(prevHash)
	e.Hash = strings.TrimSpace(hash)
	e.IntegrityHash = strings.TrimSpace(ih)

	if len(payloadBytes) > 0 {
		if err := decodeJSON(payloadBytes, &e.Payload); err != nil {
			return models.LedgerEntry{}, fmt.Errorf("decode payload of %s: %w", e.ID, err)
		}
	}
	if len(metaBytes) > 0 && string(metaBytes) != "null" {
		if err := decodeJSON(metaBytes, &e.Metadata); err != nil {
			return models.LedgerEntry{}, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func decodeJSON(b []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}
