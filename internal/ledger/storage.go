package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/models"
)

// Storage persists ledger entries. Implementations are write-once: Insert refuses an
// existing ID with an *models.ImmutabilityError and a stale or duplicate link with
// models.ErrChainFork, and Update and Delete always fail with ErrImmutabilityViolation.
type Storage interface {
	Insert(ctx context.Context, e models.LedgerEntry) error
	// Head returns the last entry link of a stream; an empty stream has the genesis hash
	// at sequence 0.
	Head(ctx context.Context, stream string) (Head, error)
	Get(ctx context.Context, id string) (models.LedgerEntry, error)
	Query(ctx context.Context, f Filter) ([]models.LedgerEntry, int, error)
	// Stream returns every entry of a stream ordered by sequence.
	Stream(ctx context.Context, stream string) ([]models.LedgerEntry, error)
	Update(ctx context.Context, e models.LedgerEntry) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Head is the tip of a stream.
type Head struct {
	Hash     string `json:"hash"`
	Sequence int64  `json:"sequence"`
}

func genesisHead() Head {
	return Head{Hash: hashengine.GenesisHash}
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects entries for Query. Zero fields match everything. Results are ordered
// by timestamp, then stream and sequence.
type Filter struct {
	Stream    string
	EventType string
	ActorID   string
	From      time.Time // inclusive
	To        time.Time // exclusive
	Limit     int
	Offset    int
}

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f Filter) matches(e models.LedgerEntry) bool {
	if f.Stream != "" && e.Stream != f.Stream {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// filterPage applies f to entries in memory and returns the requested page plus the
// total number of matches.
func filterPage(entries []models.LedgerEntry, f Filter) ([]models.LedgerEntry, int) {
	f = f.normalized()
	matched := make([]models.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Stream != b.Stream {
			return a.Stream < b.Stream
		}
		return a.Sequence < b.Sequence
	})
	total := len(matched)
	if f.Offset >= total {
		return []models.LedgerEntry{}, total
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total
}

var entryIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidID reports whether id is usable as a ledger entry ID. IDs double as file names
// for the file storage, so path separators are not allowed.
func ValidID(id string) bool {
	return entryIDPattern.MatchString(id)
}

// encodeEntry is the persisted form of an entry. Verified and State are read-time values.
func encodeEntry(e models.LedgerEntry) ([]byte, error) {
	e.Verified = false
	e.State = ""
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encode entry %s: %w", models.ErrSerialization, e.ID, err)
	}
	return b, nil
}

func decodeEntry(b []byte) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

// storedForm returns v as every storage hands it back: marshalled by encoding/json and
// decoded into generic values with json.Number. Hashing this form keeps the integrity
// and chain hashes reproducible on read for payloads holding times, float32 values,
// structs or other types JSON does not round-trip.
func storedForm(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrSerialization, err)
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrSerialization, err)
	}
	return out, nil
}

func forkError(stream string, want Head, e models.LedgerEntry) error {
	return fmt.Errorf("%w: stream %q head is %s at %d, entry %s links %s at %d",
		models.ErrChainFork, stream, want.Hash, want.Sequence, e.ID, e.PreviousHash, e.Sequence)
}
