// Package escalation carries ledger failures and security events somewhere a human or
// a replay job will see them. The ledger never logs-and-continues: a write it could not
// complete goes to a dead letter, and a refused mutation or detected corruption raises
// an alert.
package escalation

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// Severity of an Alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert kinds raised by the ledger.
const (
	KindImmutabilityViolation = "immutability_violation"
	KindCorruptionDetected    = "corruption_detected"
	KindChainFork             = "chain_fork"
)

// Dead letter reasons.
const (
	ReasonAppendFailed = "append_failed"
	ReasonMirrorFailed = "mirror_failed"
)

// DeadLetter is a ledger entry that could not be durably written or mirrored.
type DeadLetter struct {
	Reason string             `json:"reason"`
	Error  string             `json:"error"`
	Entry  models.LedgerEntry `json:"entry"`
	At     time.Time          `json:"at"`
}

// Alert is a security-relevant event.
type Alert struct {
	Kind     string    `json:"kind"`
	Severity Severity  `json:"severity"`
	EntryID  string    `json:"entryId,omitempty"`
	Stream   string    `json:"stream,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Escalator receives dead letters and alerts. An error means the escalation itself
// was lost and must be surfaced to the caller.
type Escalator interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
	Alert(ctx context.Context, a Alert) error
}

// LogEscalator writes escalations to the standard logger. Use it in development or
// alongside a durable escalator.
type LogEscalator struct{}

func (LogEscalator) DeadLetter(_ context.Context, dl DeadLetter) error {
	log.Printf("[escalation] DEAD LETTER reason=%s entry=%s stream=%s: %s", dl.Reason, dl.Entry.ID, dl.Entry.Stream, dl.Error)
	return nil
}

func (LogEscalator) Alert(_ context.Context, a Alert) error {
	log.Printf("[escalation] ALERT %s kind=%s entry=%s stream=%s: %s", a.Severity, a.Kind, a.EntryID, a.Stream, a.Message)
	return nil
}

// Multi fans out to every escalator and joins their errors.
type Multi []Escalator

func (m Multi) DeadLetter(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, e := range m {
		if err := e.DeadLetter(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, e := range m {
		if err := e.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
