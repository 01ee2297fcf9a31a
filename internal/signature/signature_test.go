package signature_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/keys"
	"github.com/ILLUVRSE/certledger/internal/models"
	"github.com/ILLUVRSE/certledger/internal/signature"
)

func newLocalEngine(t *testing.T) (*signature.Engine, *keys.Manager) {
	t.Helper()
	b, err := keys.NewLocalBackend(t.TempDir(), "test-passphrase")
	require.NoError(t, err)
	m, err := keys.NewManager(b)
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background()))
	e, err := signature.NewEngine(m)
	require.NoError(t, err)
	return e, m
}

func TestSignVerifyRoundTrip(t *testing.T) {
	e, _ := newLocalEngine(t)
	ctx := context.Background()
	h := hashengine.HashHex([]byte("record"))

	sig, err := e.Sign(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 1, sig.KeyVersion)
	assert.Len(t, sig.Value, 512) // 256-byte RSA-2048 signature, hex encoded

	ok, err := e.Verify(ctx, h, sig.Value, signature.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Verify(ctx, hashengine.HashHex([]byte("other")), sig.Value, signature.VerifyOptions{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMalformedSignatureIsFalse(t *testing.T) {
	e, _ := newLocalEngine(t)
	h := hashengine.HashHex([]byte("record"))

	for _, sig := range []string{"", "zz-not-hex", "abcd"} {
		ok, err := e.Verify(context.Background(), h, sig, signature.VerifyOptions{})
		require.NoError(t, err, sig)
		assert.False(t, ok, sig)
	}
}

func TestVerifyWithCallerSuppliedKey(t *testing.T) {
	signer, signerKeys := newLocalEngine(t)
	other, _ := newLocalEngine(t)
	ctx := context.Background()
	h := hashengine.HashHex([]byte("record"))

	sig, err := signer.Sign(ctx, h)
	require.NoError(t, err)
	pub, err := signerKeys.PublicKey(ctx, 0)
	require.NoError(t, err)

	// A different party's engine verifies with the trusted signer's public key.
	ok, err := other.Verify(ctx, h, sig.Value, signature.VerifyOptions{PublicKeyPEM: pub})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = other.Verify(ctx, h, sig.Value, signature.VerifyOptions{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = signature.VerifyWithPublicKey(pub, h, sig.Value)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWithInvalidPublicKey(t *testing.T) {
	_, err := signature.VerifyWithPublicKey("not a pem", "ab", "cd")
	assert.True(t, errors.Is(err, models.ErrInvalidRecord))
}

type failingKeys struct{ err error }

func (f failingKeys) Sign(context.Context, []byte) (keys.Signature, error) {
	return keys.Signature{}, f.err
}

func (f failingKeys) Verify(context.Context, []byte, []byte, keys.VerifyOptions) (bool, error) {
	return false, f.err
}

func TestBackendErrorsAreNotFalse(t *testing.T) {
	backendErr := &models.BackendError{Op: "verify", Transient: true, Err: errors.New("timeout")}
	e, err := signature.NewEngine(failingKeys{err: backendErr})
	require.NoError(t, err)

	_, err = e.Sign(context.Background(), "ab")
	require.ErrorIs(t, err, models.ErrSignatureBackend)

	_, err = e.Verify(context.Background(), "ab", "cd", signature.VerifyOptions{})
	require.ErrorIs(t, err, models.ErrSignatureBackend)
}
