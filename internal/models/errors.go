package models

import (
	"errors"
	"fmt"
)

var (
	// ErrSerialization is returned when a payload cannot be canonically serialized.
	// It is never retried and blocks record creation.
	ErrSerialization = errors.New("serialization error")

	// ErrKeyUnavailable is returned while the key manager is not Ready, or after its
	// initialization failed.
	ErrKeyUnavailable = errors.New("signing key unavailable")

	// ErrSignatureBackend wraps failures talking to the signing backend.
	ErrSignatureBackend = errors.New("signature backend error")

	ErrHashMismatch      = errors.New("hash mismatch")
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrImmutabilityViolation is returned for any update or delete addressed to an
	// existing ledger entry. Callers must treat it as a security event.
	ErrImmutabilityViolation = errors.New("immutability violation")

	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrChainFork is returned when an append claims a previous hash that is not the
	// current head of its stream.
	ErrChainFork = errors.New("chain fork")

	ErrNotFound      = errors.New("not found")
	ErrInvalidRecord = errors.New("invalid record")
	ErrConfig        = errors.New("invalid configuration")
)

// BackendError describes a failed call to a signing backend. Transient errors may be
// retried with backoff; all others are fatal for the operation.
type BackendError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *BackendError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("signature backend %s (%s): %v", e.Op, kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSignatureBackend) match any BackendError.
func (e *BackendError) Is(target error) bool { return target == ErrSignatureBackend }

// IsTransient reports whether err is a BackendError marked transient.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient
}

// ImmutabilityError records which entry and operation were refused.
type ImmutabilityError struct {
	EntryID string
	Op      string
}

func (e *ImmutabilityError) Error() string {
	return fmt.Sprintf("immutability violation: %s refused for ledger entry %q", e.Op, e.EntryID)
}

func (e *ImmutabilityError) Is(target error) bool { return target == ErrImmutabilityViolation }
