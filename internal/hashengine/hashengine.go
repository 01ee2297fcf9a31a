// Package hashengine computes deterministic SHA-256 digests of record payloads and
// builds and checks the hash chain that links each record to its predecessor.
package hashengine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ILLUVRSE/certledger/internal/canonical"
	"github.com/ILLUVRSE/certledger/internal/models"
)

// GenesisHash stands in for the previous hash of the first record of a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DigestLen is the length of a hex-encoded SHA-256 digest.
const DigestLen = 64

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// Hash returns the hex SHA-256 of the canonical serialization of payload.
func Hash(payload any) (string, error) {
	b, err := canonical.MarshalCanonical(payload)
	if err != nil {
		return "", err
	}
	return HashHex(b), nil
}

// IsDigest reports whether s is a 64-character lowercase hex digest.
func IsDigest(s string) bool {
	if len(s) != DigestLen {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// FormatTimestamp is the stable textual form of a timestamp inside a hash projection.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Projection is the canonical field set a record hash is computed over.
func Projection(r models.Record, previousHash string) map[string]any {
	return map[string]any{
		"id":           r.ID,
		"recordType":   r.RecordType,
		"payload":      r.Payload,
		"timestamp":    FormatTimestamp(r.Timestamp),
		"previousHash": previousHash,
		"authorId":     r.AuthorID,
	}
}

// ChainHash hashes the record projection linked to previousHash. An empty previousHash
// means the record is the genesis of its chain.
func ChainHash(r models.Record, previousHash string) (string, error) {
	prev, err := normalizePrevious(previousHash)
	if err != nil {
		return "", err
	}
	return Hash(Projection(r, prev))
}

// VerifyChain recomputes the record hash and compares it with r.Hash. When
// expectedPreviousHash is empty the record's own PreviousHash is trusted, which only
// proves internal consistency; pass the externally tracked predecessor hash to prove
// the record follows it.
func VerifyChain(r models.Record, expectedPreviousHash string) (bool, error) {
	prev := expectedPreviousHash
	if prev == "" {
		prev = r.PreviousHash
	}
	got, err := ChainHash(r, prev)
	if err != nil {
		return false, err
	}
	return got == strings.ToLower(r.Hash), nil
}

func normalizePrevious(previousHash string) (string, error) {
	if previousHash == "" {
		return GenesisHash, nil
	}
	p := strings.ToLower(previousHash)
	if !IsDigest(p) {
		return "", fmt.Errorf("%w: previous hash %q is not a 64-character hex digest", models.ErrInvalidRecord, previousHash)
	}
	return p, nil
}
