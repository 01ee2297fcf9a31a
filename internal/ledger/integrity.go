package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ILLUVRSE/certledger/internal/canonical"
	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/models"
)

// MinSecretLen is the minimum HMAC secret length in bytes.
const MinSecretLen = 32

// integrityProjection is the field set the integrity HMAC covers. It includes the chain
// hash, so an entry can only be rewritten consistently by someone holding both the
// secret and every later entry.
func integrityProjection(e models.LedgerEntry) map[string]any {
	return map[string]any{
		"actorId":      e.ActorID,
		"eventType":    e.EventType,
		"hash":         e.Hash,
		"id":           e.ID,
		"metadata":     e.Metadata,
		"payload":      e.Payload,
		"previousHash": e.PreviousHash,
		"stream":       e.Stream,
		"timestamp":    hashengine.FormatTimestamp(e.Timestamp),
	}
}

func computeIntegrity(secret []byte, e models.LedgerEntry) (string, error) {
	b, err := canonical.MarshalCanonical(integrityProjection(e))
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// chainRecord is the record view of an entry used for its stream chain hash.
func chainRecord(e models.LedgerEntry) models.Record {
	return models.Record{
		ID:         e.ID,
		RecordType: e.EventType,
		Payload:    e.Payload,
		Timestamp:  e.Timestamp,
		AuthorID:   e.ActorID,
	}
}

func chainValid(e models.LedgerEntry) bool {
	if !hashengine.IsDigest(e.PreviousHash) {
		return false
	}
	got, err := hashengine.ChainHash(chainRecord(e), e.PreviousHash)
	return err == nil && got == strings.ToLower(e.Hash)
}
