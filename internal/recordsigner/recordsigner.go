// Package recordsigner hashes, chains and signs whole records, and verifies them.
package recordsigner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/models"
	"github.com/ILLUVRSE/certledger/internal/signature"
)

const tracerName = "github.com/ILLUVRSE/certledger/internal/recordsigner"

// SignatureEngine is implemented by *signature.Engine.
type SignatureEngine interface {
	Sign(ctx context.Context, hashHex string) (signature.Signature, error)
	Verify(ctx context.Context, hashHex, sigHex string, opts signature.VerifyOptions) (bool, error)
}

// Signer produces and checks signed records.
type Signer struct {
	engine SignatureEngine
	now    func() time.Time
	tracer trace.Tracer
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock sets the clock used to stamp records that arrive without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// New returns a Signer backed by engine.
func New(engine SignatureEngine, opts ...Option) (*Signer, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: signature engine is required", models.ErrConfig)
	}
	s := &Signer{
		engine: engine,
		now:    time.Now,
		tracer: otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SignRecord links r to previousHash (genesis when empty), hashes and signs it, and
// returns the signed copy. On any error nothing is returned; there is no half-signed
// record.
func (s *Signer) SignRecord(ctx context.Context, r models.Record, previousHash string) (out models.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "recordsigner.SignRecord", trace.WithAttributes(
		attribute.String("record.id", r.ID),
		attribute.String("record.stream", r.Stream),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(r.ID) == "" {
		return models.Record{}, fmt.Errorf("%w: record id is required", models.ErrInvalidRecord)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now().UTC().Truncate(time.Microsecond)
	}
	prev := strings.ToLower(previousHash)
	if prev == "" {
		prev = hashengine.GenesisHash
	}

	h, err := hashengine.ChainHash(r, prev)
	if err != nil {
		return models.Record{}, err
	}
	sig, err := s.engine.Sign(ctx, h)
	if err != nil {
		return models.Record{}, fmt.Errorf("sign record %s: %w", r.ID, err)
	}

	r.PreviousHash = prev
	r.Hash = h
	r.Signature = sig.Value
	r.KeyVersion = sig.KeyVersion
	span.SetAttributes(attribute.Int("key.version", sig.KeyVersion))
	return r, nil
}

// VerifyOptions tune VerifyRecord.
type VerifyOptions struct {
	// PreviousHash is the externally tracked hash of the predecessor. When empty the
	// record's own PreviousHash is used, which only proves internal consistency.
	PreviousHash string
	// PublicKeyPEM verifies against a caller-supplied key instead of the managed key
	// version recorded in the record.
	PublicKeyPEM string
}

// VerifyRecord recomputes the record hash and checks the stored signature. Mismatches
// are reported in the result; an error means verification could not be carried out.
func (s *Signer) VerifyRecord(ctx context.Context, r models.Record, opts VerifyOptions) (res models.VerificationResult, err error) {
	ctx, span := s.tracer.Start(ctx, "recordsigner.VerifyRecord", trace.WithAttributes(
		attribute.String("record.id", r.ID),
		attribute.String("record.stream", r.Stream),
	))
	defer func() {
		span.SetAttributes(
			attribute.Bool("verify.hash_valid", res.HashValid),
			attribute.Bool("verify.signature_valid", res.SignatureValid),
		)
		endSpan(span, err)
	}()

	res.KeyVersion = r.KeyVersion

	prev := opts.PreviousHash
	if prev == "" {
		prev = r.PreviousHash
	}
	expected, hashErr := hashengine.ChainHash(r, prev)
	switch {
	case hashErr == nil:
		res.ExpectedHash = expected
		res.HashValid = r.Hash != "" && expected == strings.ToLower(r.Hash)
		if !res.HashValid {
			res.Errors = append(res.Errors, fmt.Errorf("%w: record %s carries %q, recomputed %q", models.ErrHashMismatch, r.ID, r.Hash, expected))
		}
	case errors.Is(hashErr, models.ErrSerialization), errors.Is(hashErr, models.ErrInvalidRecord):
		res.Errors = append(res.Errors, fmt.Errorf("%w: %w", models.ErrHashMismatch, hashErr))
	default:
		return res, hashErr
	}

	if r.Hash != "" && r.Signature != "" {
		ok, err := s.engine.Verify(ctx, r.Hash, r.Signature, signature.VerifyOptions{
			PublicKeyPEM: opts.PublicKeyPEM,
			KeyVersion:   r.KeyVersion,
		})
		if err != nil {
			return res, fmt.Errorf("verify signature of record %s: %w", r.ID, err)
		}
		res.SignatureValid = ok
	}
	if !res.SignatureValid {
		res.Errors = append(res.Errors, fmt.Errorf("%w: record %s", models.ErrSignatureMismatch, r.ID))
	}

	res.Valid = res.HashValid && res.SignatureValid
	return res, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
