// Package models contains the records, ledger entries and key metadata shared by the
// signing and ledger subsystems.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Algorithm is the only signing algorithm this service issues keys for.
const Algorithm = "RSA-2048/SHA-256"

// Record is an opaque business payload plus its chain metadata.
type Record struct {
	ID           string    `json:"id"`
	Stream       string    `json:"stream,omitempty"`
	RecordType   string    `json:"recordType"`
	Payload      any       `json:"payload"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previousHash,omitempty"`
	Hash         string    `json:"hash,omitempty"`
	Signature    string    `json:"signature,omitempty"` // hex-encoded RSA-SHA256 over Hash
	AuthorID     string    `json:"authorId"`
	KeyVersion   int       `json:"keyVersion,omitempty"`
}

// VerificationResult reports the two independent checks performed on a signed record.
// HashValid answers "was the data altered"; SignatureValid answers "does the signature
// match the claimed signer".
type VerificationResult struct {
	HashValid      bool    `json:"hashValid"`
	SignatureValid bool    `json:"signatureValid"`
	Valid          bool    `json:"valid"`
	ExpectedHash   string  `json:"expectedHash,omitempty"`
	KeyVersion     int     `json:"keyVersion,omitempty"`
	Errors         []error `json:"-"`
}

// Problems renders Errors for JSON responses.
func (v VerificationResult) Problems() []string {
	out := make([]string, 0, len(v.Errors))
	for _, err := range v.Errors {
		out = append(out, err.Error())
	}
	return out
}

// KeyPair is the public view of one signing key generation. Private material never
// leaves the key backend.
type KeyPair struct {
	Algorithm    string     `json:"algorithm"`
	PublicKeyPEM string     `json:"publicKey"`
	Version      int        `json:"version"`
	CreatedAt    time.Time  `json:"createdAt"`
	ArchivedAt   *time.Time `json:"archivedAt,omitempty"`
}

// EntryState is the lifecycle state of a ledger entry as observed on read.
type EntryState string

const (
	EntryAppended           EntryState = "appended"
	EntryCorruptionDetected EntryState = "corruption_detected"
)

// LedgerEntry is an audit event stored in the append-only ledger.
type LedgerEntry struct {
	ID            string         `json:"id"`
	Stream        string         `json:"stream"`
	Sequence      int64          `json:"sequence"`
	EventType     string         `json:"eventType"`
	ActorID       string         `json:"actorId,omitempty"`
	Payload       any            `json:"payload"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	PreviousHash  string         `json:"previousHash"`
	Hash          string         `json:"hash"`
	IntegrityHash string         `json:"integrityHash"`
	Signature     string         `json:"signature,omitempty"`
	KeyVersion    int            `json:"keyVersion,omitempty"`

	// Verified and State are computed on every read and never persisted.
	Verified bool       `json:"verified"`
	State    EntryState `json:"state,omitempty"`
}

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
