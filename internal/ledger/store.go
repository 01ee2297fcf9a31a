// Package ledger is the append-only audit log. Every entry is linked into a per-stream
// hash chain, carries an HMAC integrity hash keyed by a server secret and can be signed
// with the service key. Entries are never modified: updates and deletes are refused and
// reported as security events, and corruption found on read is surfaced, not repaired.
package ledger

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ILLUVRSE/certledger/internal/archive"
	"github.com/ILLUVRSE/certledger/internal/escalation"
	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/models"
	"github.com/ILLUVRSE/certledger/internal/signature"
)

// DefaultStream holds entries appended without a stream.
const DefaultStream = "default"

const maxStreamLen = 120

// Signer signs integrity hashes. *signature.Engine implements it.
type Signer interface {
	Sign(ctx context.Context, hashHex string) (signature.Signature, error)
	Verify(ctx context.Context, hashHex, sigHex string, opts signature.VerifyOptions) (bool, error)
}

// Store appends to and reads from a Storage.
type Store struct {
	storage   Storage
	secret    []byte
	signer    Signer
	escalator escalation.Escalator
	mirror    archive.Archiver
	now       func() time.Time

	// Appends to one stream are serialized in-process; storages refuse forks across
	// processes.
	locks [64]sync.Mutex
}

type Option func(*Store)

// WithSigner signs every appended entry's integrity hash.
func WithSigner(s Signer) Option {
	return func(st *Store) { st.signer = s }
}

// WithEscalator replaces the default LogEscalator.
func WithEscalator(e escalation.Escalator) Option {
	return func(st *Store) { st.escalator = e }
}

// WithMirror copies every appended entry to an archive.
func WithMirror(a archive.Archiver) Option {
	return func(st *Store) { st.mirror = a }
}

func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// NewStore returns a Store over storage. The secret keys the integrity HMAC and must be
// at least MinSecretLen bytes.
func NewStore(storage Storage, secret []byte, opts ...Option) (*Store, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: ledger storage required", models.ErrConfig)
	}
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: ledger hmac secret must be at least %d bytes", models.ErrConfig, MinSecretLen)
	}
	s := &Store{
		storage:   storage,
		secret:    append([]byte(nil), secret...),
		escalator: escalation.LogEscalator{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) lock(stream string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(stream))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// Ping checks the underlying storage.
func (s *Store) Ping(ctx context.Context) error {
	return s.storage.Ping(ctx)
}

// Append links e to the head of its stream, computes its integrity hash and optional
// signature, and writes it once. ID, stream and timestamp are defaulted when empty. A
// non-empty PreviousHash must equal the current head, otherwise the append is refused
// with models.ErrChainFork.
//
// A write that fails for any other reason is dead-lettered before the error is
// returned. When the entry was written but the mirror copy failed, the entry is
// returned together with an error only if the failure could not be dead-lettered.
func (s *Store) Append(ctx context.Context, e models.LedgerEntry) (models.LedgerEntry, error) {
	if err := s.prepare(&e); err != nil {
		return models.LedgerEntry{}, err
	}

	mu := s.lock(e.Stream)
	mu.Lock()
	defer mu.Unlock()

	head, err := s.storage.Head(ctx, e.Stream)
	if err != nil {
		return models.LedgerEntry{}, s.deadLetter(ctx, escalation.ReasonAppendFailed, e, fmt.Errorf("read head of %q: %w", e.Stream, err))
	}
	if e.PreviousHash != "" && !strings.EqualFold(e.PreviousHash, head.Hash) {
		err := fmt.Errorf("%w: stream %q head is %s, entry %s links %s", models.ErrChainFork, e.Stream, head.Hash, e.ID, e.PreviousHash)
		return models.LedgerEntry{}, s.raise(ctx, escalation.KindChainFork, e, err)
	}
	e.PreviousHash = head.Hash
	e.Sequence = head.Sequence + 1

	if e.Hash, err = hashengine.ChainHash(chainRecord(e), e.PreviousHash); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("hash entry %s: %w", e.ID, err)
	}
	if e.IntegrityHash, err = computeIntegrity(s.secret, e); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("integrity hash for entry %s: %w", e.ID, err)
	}
	if s.signer != nil {
		sig, err := s.signer.Sign(ctx, e.IntegrityHash)
		if err != nil {
			return models.LedgerEntry{}, s.deadLetter(ctx, escalation.ReasonAppendFailed, e, fmt.Errorf("sign entry %s: %w", e.ID, err))
		}
		e.Signature = sig.Value
		e.KeyVersion = sig.KeyVersion
	}

	if err := s.storage.Insert(ctx, e); err != nil {
		switch {
		case errors.Is(err, models.ErrImmutabilityViolation):
			return models.LedgerEntry{}, s.raise(ctx, escalation.KindImmutabilityViolation, e, err)
		case errors.Is(err, models.ErrChainFork):
			return models.LedgerEntry{}, s.raise(ctx, escalation.KindChainFork, e, err)
		}
		return models.LedgerEntry{}, s.deadLetter(ctx, escalation.ReasonAppendFailed, e, fmt.Errorf("insert entry %s: %w", e.ID, err))
	}
	e.Verified = true
	e.State = models.EntryAppended

	if s.mirror != nil {
		if err := s.mirror.Archive(ctx, e); err != nil {
			cause := fmt.Errorf("mirror entry %s: %w", e.ID, err)
			if dlErr := s.sendDeadLetter(ctx, escalation.ReasonMirrorFailed, e, cause); dlErr != nil {
				return e, errors.Join(cause, dlErr)
			}
		}
	}
	return e, nil
}

func (s *Store) prepare(e *models.LedgerEntry) error {
	if e.EventType == "" {
		return fmt.Errorf("%w: event type required", models.ErrInvalidRecord)
	}
	if e.ID == "" {
		e.ID = models.NewUUID()
	} else if !ValidID(e.ID) {
		return fmt.Errorf("%w: entry id %q must match %s", models.ErrInvalidRecord, e.ID, entryIDPattern)
	}
	if e.Stream == "" {
		e.Stream = DefaultStream
	}
	if len(e.Stream) > maxStreamLen {
		return fmt.Errorf("%w: stream name longer than %d bytes", models.ErrInvalidRecord, maxStreamLen)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	payload, err := storedForm(e.Payload)
	if err != nil {
		return fmt.Errorf("payload of entry %s: %w", e.ID, err)
	}
	e.Payload = payload
	if len(e.Metadata) > 0 {
		md, err := storedForm(e.Metadata)
		if err != nil {
			return fmt.Errorf("metadata of entry %s: %w", e.ID, err)
		}
		e.Metadata = md.(map[string]any)
	}
	// Postgres keeps microseconds; every storage must hash the same instant.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.PreviousHash = strings.ToLower(e.PreviousHash)
	e.Hash, e.IntegrityHash, e.Signature, e.KeyVersion = "", "", "", 0
	e.Verified, e.State = false, ""
	return nil
}

// deadLetter escalates a failed write. It returns cause, joined with the escalation
// error when the dead letter was lost too.
func (s *Store) deadLetter(ctx context.Context, reason string, e models.LedgerEntry, cause error) error {
	if err := s.sendDeadLetter(ctx, reason, e, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Store) sendDeadLetter(ctx context.Context, reason string, e models.LedgerEntry, cause error) error {
	dl := escalation.DeadLetter{Reason: reason, Error: cause.Error(), Entry: e, At: s.now().UTC()}
	if err := s.escalator.DeadLetter(ctx, dl); err != nil {
		log.Printf("[ledger] dead letter for entry %s lost: %v", e.ID, err)
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

// raise reports a security event. It returns cause, joined with the escalation error
// when the alert was lost.
func (s *Store) raise(ctx context.Context, kind string, e models.LedgerEntry, cause error) error {
	if err := s.alert(ctx, kind, e, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Store) alert(ctx context.Context, kind string, e models.LedgerEntry, cause error) error {
	log.Printf("[ledger] SECURITY %s entry=%s stream=%s: %v", kind, e.ID, e.Stream, cause)
	a := escalation.Alert{
		Kind:     kind,
		Severity: escalation.SeverityCritical,
		EntryID:  e.ID,
		Stream:   e.Stream,
		Message:  cause.Error(),
		At:       s.now().UTC(),
	}
	if err := s.escalator.Alert(ctx, a); err != nil {
		return fmt.Errorf("alert: %w", err)
	}
	return nil
}

// Update is always refused with models.ErrImmutabilityViolation and raises an alert.
func (s *Store) Update(ctx context.Context, e models.LedgerEntry) error {
	return s.refuse(ctx, "update", e, s.storage.Update(ctx, e))
}

// Delete is always refused with models.ErrImmutabilityViolation and raises an alert.
func (s *Store) Delete(ctx context.Context, id string) error {
	e := models.LedgerEntry{ID: id}
	if stored, err := s.storage.Get(ctx, id); err == nil {
		e.Stream = stored.Stream
	}
	return s.refuse(ctx, "delete", e, s.storage.Delete(ctx, id))
}

func (s *Store) refuse(ctx context.Context, op string, e models.LedgerEntry, storageErr error) error {
	var refused error = &models.ImmutabilityError{EntryID: e.ID, Op: op}
	if storageErr != nil && !errors.Is(storageErr, models.ErrImmutabilityViolation) {
		refused = errors.Join(refused, storageErr)
	}
	return s.raise(ctx, escalation.KindImmutabilityViolation, e, refused)
}

// VerifyIntegrity recomputes the integrity HMAC of e and compares it in constant time.
func (s *Store) VerifyIntegrity(e models.LedgerEntry) bool {
	want, err := computeIntegrity(s.secret, e)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(strings.ToLower(e.IntegrityHash)))
}

// inspect sets the read-time Verified and State fields and reports corruption.
func (s *Store) inspect(ctx context.Context, e *models.LedgerEntry) error {
	e.Verified = s.VerifyIntegrity(*e) && chainValid(*e)
	if e.Verified {
		e.State = models.EntryAppended
		return nil
	}
	e.State = models.EntryCorruptionDetected
	return s.alert(ctx, escalation.KindCorruptionDetected, *e, fmt.Errorf("ledger entry %s failed integrity verification", e.ID))
}

// Get returns the entry with its freshly computed Verified and State. A corrupted entry
// is returned as found; the error is non-nil only when reading failed or the corruption
// alert could not be delivered.
func (s *Store) Get(ctx context.Context, id string) (models.LedgerEntry, error) {
	e, err := s.storage.Get(ctx, id)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if err := s.inspect(ctx, &e); err != nil {
		return e, err
	}
	return e, nil
}

// QueryResult is one page of a Query.
type QueryResult struct {
	Entries []models.LedgerEntry `json:"entries"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// Query returns entries matching f, each freshly verified.
func (s *Store) Query(ctx context.Context, f Filter) (QueryResult, error) {
	f = f.normalized()
	entries, total, err := s.storage.Query(ctx, f)
	if err != nil {
		return QueryResult{}, err
	}
	var alertErrs []error
	for i := range entries {
		if err := s.inspect(ctx, &entries[i]); err != nil {
			alertErrs = append(alertErrs, err)
		}
	}
	res := QueryResult{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}
	return res, errors.Join(alertErrs...)
}

// StreamReport is the result of a full pass over one stream.
type StreamReport struct {
	Stream string `json:"stream"`
	Length int    `json:"length"`
	Head   string `json:"head"`
	Valid  bool   `json:"valid"`
	// Corrupted lists entries whose integrity hash or chain hash does not match.
	Corrupted []string `json:"corrupted,omitempty"`
	// BrokenLinks lists entries that do not follow their predecessor.
	BrokenLinks []string `json:"brokenLinks,omitempty"`
	// BadSignatures lists entries whose signature does not verify.
	BadSignatures []string `json:"badSignatures,omitempty"`
}

// VerifyStream walks a stream from genesis, checking every integrity hash, chain hash,
// link and, when a signer is configured, signature. Any finding raises one alert.
func (s *Store) VerifyStream(ctx context.Context, stream string) (StreamReport, error) {
	entries, err := s.storage.Stream(ctx, stream)
	if err != nil {
		return StreamReport{}, err
	}
	rep := StreamReport{Stream: stream, Length: len(entries), Head: hashengine.GenesisHash}
	prev := hashengine.GenesisHash
	for i, e := range entries {
		if !s.VerifyIntegrity(e) || !chainValid(e) {
			rep.Corrupted = append(rep.Corrupted, e.ID)
		}
		if e.PreviousHash != prev || e.Sequence != int64(i+1) {
			rep.BrokenLinks = append(rep.BrokenLinks, e.ID)
		}
		if s.signer != nil && e.Signature != "" {
			ok, err := s.signer.Verify(ctx, e.IntegrityHash, e.Signature, signature.VerifyOptions{KeyVersion: e.KeyVersion})
			if err != nil {
				return StreamReport{}, fmt.Errorf("verify signature of %s: %w", e.ID, err)
			}
			if !ok {
				rep.BadSignatures = append(rep.BadSignatures, e.ID)
			}
		}
		prev = e.Hash
	}
	rep.Head = prev
	rep.Valid = len(rep.Corrupted) == 0 && len(rep.BrokenLinks) == 0 && len(rep.BadSignatures) == 0
	if !rep.Valid {
		err := fmt.Errorf("stream %q failed verification: %d corrupted, %d broken links, %d bad signatures",
			stream, len(rep.Corrupted), len(rep.BrokenLinks), len(rep.BadSignatures))
		if aErr := s.alert(ctx, escalation.KindCorruptionDetected, models.LedgerEntry{Stream: stream}, err); aErr != nil {
			return rep, aErr
		}
	}
	return rep, nil
}
