package recordsigner_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/keys"
	"github.com/ILLUVRSE/certledger/internal/models"
	"github.com/ILLUVRSE/certledger/internal/recordsigner"
	"github.com/ILLUVRSE/certledger/internal/signature"
)

var fixedNow = time.Date(2024, 6, 1, 9, 30, 0, 123456789, time.UTC)

func newSigner(t *testing.T) (*recordsigner.Signer, *keys.Manager) {
	t.Helper()
	b, err := keys.NewLocalBackend(t.TempDir(), "test-passphrase")
	require.NoError(t, err)
	m, err := keys.NewManager(b)
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background()))
	engine, err := signature.NewEngine(m)
	require.NoError(t, err)
	s, err := recordsigner.New(engine, recordsigner.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return s, m
}

func record(id string, x any) models.Record {
	return models.Record{
		ID:         id,
		RecordType: "certification",
		Payload:    map[string]any{"x": x},
		AuthorID:   "u1",
	}
}

func TestEndToEndTwoRecordChain(t *testing.T) {
	s, _ := newSigner(t)
	ctx := context.Background()

	r1, err := s.SignRecord(ctx, record("r1", 1), "")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0", 64), r1.PreviousHash)
	assert.True(t, hashengine.IsDigest(r1.Hash))
	assert.Equal(t, fixedNow.Truncate(time.Microsecond), r1.Timestamp)

	r2, err := s.SignRecord(ctx, record("r2", 5), r1.Hash)
	require.NoError(t, err)
	assert.Equal(t, r1.Hash, r2.PreviousHash)

	for _, tc := range []struct {
		r    models.Record
		prev string
	}{{r1, hashengine.GenesisHash}, {r2, r1.Hash}} {
		ok, err := hashengine.VerifyChain(tc.r, tc.prev)
		require.NoError(t, err)
		assert.True(t, ok, tc.r.ID)

		res, err := s.VerifyRecord(ctx, tc.r, recordsigner.VerifyOptions{PreviousHash: tc.prev})
		require.NoError(t, err)
		assert.True(t, res.Valid, tc.r.ID)
	}

	tampered := r1
	tampered.Payload = map[string]any{"x": 2}
	res, err := s.VerifyRecord(ctx, tampered, recordsigner.VerifyOptions{PreviousHash: hashengine.GenesisHash})
	require.NoError(t, err)
	assert.False(t, res.HashValid)
	assert.True(t, res.SignatureValid)
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.True(t, errors.Is(res.Errors[0], models.ErrHashMismatch))
}

func TestPayloadMutationInvalidatesHash(t *testing.T) {
	s, _ := newSigner(t)
	ctx := context.Background()
	signed, err := s.SignRecord(ctx, models.Record{
		ID:       "r1",
		Payload:  map[string]any{"grade": "A", "score": 97, "nested": map[string]any{"k": true}},
		AuthorID: "u1",
	}, "")
	require.NoError(t, err)

	mutations := map[string]map[string]any{
		"grade":  {"grade": "B", "score": 97, "nested": map[string]any{"k": true}},
		"score":  {"grade": "A", "score": 98, "nested": map[string]any{"k": true}},
		"nested": {"grade": "A", "score": 97, "nested": map[string]any{"k": false}},
		"added":  {"grade": "A", "score": 97, "nested": map[string]any{"k": true}, "extra": 1},
	}
	for name, payload := range mutations {
		t.Run(name, func(t *testing.T) {
			r := signed
			r.Payload = payload
			res, err := s.VerifyRecord(ctx, r, recordsigner.VerifyOptions{})
			require.NoError(t, err)
			assert.False(t, res.HashValid)
		})
	}
}

func TestSubstitutedSignatureIsDetected(t *testing.T) {
	s, _ := newSigner(t)
	ctx := context.Background()
	a, err := s.SignRecord(ctx, record("a", 1), "")
	require.NoError(t, err)
	b, err := s.SignRecord(ctx, record("b", 2), "")
	require.NoError(t, err)

	a.Signature = b.Signature
	res, err := s.VerifyRecord(ctx, a, recordsigner.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, res.HashValid)
	assert.False(t, res.SignatureValid)
	assert.False(t, res.Valid)

	var sawSig bool
	for _, e := range res.Errors {
		sawSig = sawSig || errors.Is(e, models.ErrSignatureMismatch)
	}
	assert.True(t, sawSig)
}

func TestExplicitPredecessorIsStricterThanEmbedded(t *testing.T) {
	s, _ := newSigner(t)
	ctx := context.Background()
	r1, err := s.SignRecord(ctx, record("r1", 1), "")
	require.NoError(t, err)
	r2, err := s.SignRecord(ctx, record("r2", 2), r1.Hash)
	require.NoError(t, err)

	// Internally consistent on its own.
	res, err := s.VerifyRecord(ctx, r2, recordsigner.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, res.Valid)

	// But it does not follow some other predecessor.
	res, err = s.VerifyRecord(ctx, r2, recordsigner.VerifyOptions{PreviousHash: strings.Repeat("f", 64)})
	require.NoError(t, err)
	assert.False(t, res.HashValid)
}

func TestSignRecordIsAtomic(t *testing.T) {
	s, _ := newSigner(t)
	ctx := context.Background()

	out, err := s.SignRecord(ctx, record("", 1), "")
	require.ErrorIs(t, err, models.ErrInvalidRecord)
	assert.Equal(t, models.Record{}, out)

	bad := record("r1", 1)
	bad.Payload = map[string]any{"ch": make(chan int)}
	out, err = s.SignRecord(ctx, bad, "")
	require.ErrorIs(t, err, models.ErrSerialization)
	assert.Equal(t, models.Record{}, out)

	out, err = s.SignRecord(ctx, record("r1", 1), "xyz")
	require.ErrorIs(t, err, models.ErrInvalidRecord)
	assert.Equal(t, models.Record{}, out)
}

type brokenEngine struct{}

func (brokenEngine) Sign(context.Context, string) (signature.Signature, error) {
	return signature.Signature{}, &models.BackendError{Op: "sign", Err: errors.New("kms unreachable")}
}

func (brokenEngine) Verify(context.Context, string, string, signature.VerifyOptions) (bool, error) {
	return false, &models.BackendError{Op: "verify", Transient: true, Err: errors.New("kms unreachable")}
}

func TestBackendFailuresPropagate(t *testing.T) {
	s, err := recordsigner.New(brokenEngine{})
	require.NoError(t, err)
	ctx := context.Background()

	out, err := s.SignRecord(ctx, record("r1", 1), "")
	require.ErrorIs(t, err, models.ErrSignatureBackend)
	assert.Equal(t, models.Record{}, out)

	good, _ := newSigner(t)
	r, err := good.SignRecord(ctx, record("r1", 1), "")
	require.NoError(t, err)
	_, err = s.VerifyRecord(ctx, r, recordsigner.VerifyOptions{})
	require.ErrorIs(t, err, models.ErrSignatureBackend)
}

func TestRotationKeepsSignedRecordsVerifiable(t *testing.T) {
	s, m := newSigner(t)
	ctx := context.Background()

	old, err := s.SignRecord(ctx, record("r1", 1), "")
	require.NoError(t, err)
	require.Equal(t, 1, old.KeyVersion)

	_, err = m.Rotate(ctx)
	require.NoError(t, err)

	fresh, err := s.SignRecord(ctx, record("r2", 2), old.Hash)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.KeyVersion)

	for _, r := range []models.Record{old, fresh} {
		res, err := s.VerifyRecord(ctx, r, recordsigner.VerifyOptions{})
		require.NoError(t, err)
		assert.True(t, res.Valid, "record %s signed with version %d", r.ID, r.KeyVersion)
	}

	v1, err := m.PublicKey(ctx, 1)
	require.NoError(t, err)
	res, err := s.VerifyRecord(ctx, old, recordsigner.VerifyOptions{PublicKeyPEM: v1})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestCrossValidationWithForeignKey(t *testing.T) {
	issuer, issuerKeys := newSigner(t)
	auditor, _ := newSigner(t)
	ctx := context.Background()

	r, err := issuer.SignRecord(ctx, record("r1", 1), "")
	require.NoError(t, err)
	pub, err := issuerKeys.PublicKey(ctx, 0)
	require.NoError(t, err)

	res, err := auditor.VerifyRecord(ctx, r, recordsigner.VerifyOptions{PublicKeyPEM: pub})
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = auditor.VerifyRecord(ctx, r, recordsigner.VerifyOptions{})
	require.NoError(t, err)
	assert.False(t, res.SignatureValid)
}
