package keys_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/certledger/internal/keys"
	"github.com/ILLUVRSE/certledger/internal/models"
)

// fakeKMS signs with an in-process key and fails the first failSigns Sign calls.
type fakeKMS struct {
	priv      *rsa.PrivateKey
	enabled   bool
	signCalls atomic.Int32
	failSigns int32
	signErr   error
	block     bool
}

func (f *fakeKMS) Sign(ctx context.Context, _ string, digest []byte) ([]byte, error) {
	n := f.signCalls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= f.failSigns {
		return nil, f.signErr
	}
	return rsa.SignPKCS1v15(rand.Reader, f.priv, crypto.SHA256, digest)
}

func (f *fakeKMS) Verify(_ context.Context, _ string, digest, sig []byte) (bool, error) {
	return rsa.VerifyPKCS1v15(&f.priv.PublicKey, crypto.SHA256, digest, sig) == nil, nil
}

func (f *fakeKMS) GetPublicKey(context.Context, string) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&f.priv.PublicKey)
}

func (f *fakeKMS) DescribeKey(_ context.Context, keyID string) (keys.KeyDescription, error) {
	return keys.KeyDescription{KeyID: keyID, Enabled: f.enabled, KeySpec: "RSA_2048"}, nil
}

func newKMSManager(t *testing.T, client keys.KMSClient, cfg keys.KMSConfig) *keys.Manager {
	t.Helper()
	if cfg.KeyID == "" {
		cfg.KeyID = "alias/ledger"
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = time.Millisecond
	}
	b, err := keys.NewKMSBackend(client, cfg)
	require.NoError(t, err)
	m, err := keys.NewManager(b)
	require.NoError(t, err)
	return m
}

func TestKMSBackendSignsWithConfiguredVersion(t *testing.T) {
	kms := &fakeKMS{priv: testKey(t), enabled: true}
	m := newKMSManager(t, kms, keys.KMSConfig{KeyVersion: 3})
	ctx := context.Background()
	require.NoError(t, m.Init(ctx))
	assert.Equal(t, "kms", m.Backend())

	digest := digestOf("hash")
	sig, err := m.Sign(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, 3, sig.KeyVersion)

	pubPEM, err := m.PublicKey(ctx, 0)
	require.NoError(t, err)
	pub, err := keys.ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig.Value))

	ok, err := m.Verify(ctx, digest, sig.Value, keys.VerifyOptions{Version: 3})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Verify(ctx, digest, sig.Value, keys.VerifyOptions{Version: 2})
	assert.ErrorIs(t, err, models.ErrKeyUnavailable)
}

func TestKMSBackendRetriesTransientErrors(t *testing.T) {
	kms := &fakeKMS{
		priv:      testKey(t),
		enabled:   true,
		failSigns: 2,
		signErr:   &models.BackendError{Op: "sign", Transient: true, Err: errors.New("throttled")},
	}
	m := newKMSManager(t, kms, keys.KMSConfig{MaxRetries: 3})
	require.NoError(t, m.Init(context.Background()))

	_, err := m.Sign(context.Background(), digestOf("hash"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), kms.signCalls.Load())
}

func TestKMSBackendGivesUpAfterMaxRetries(t *testing.T) {
	kms := &fakeKMS{
		priv:      testKey(t),
		enabled:   true,
		failSigns: 100,
		signErr:   &models.BackendError{Op: "sign", Transient: true, Err: errors.New("throttled")},
	}
	m := newKMSManager(t, kms, keys.KMSConfig{MaxRetries: 2})
	require.NoError(t, m.Init(context.Background()))

	_, err := m.Sign(context.Background(), digestOf("hash"))
	require.ErrorIs(t, err, models.ErrSignatureBackend)
	assert.True(t, models.IsTransient(err))
	assert.Equal(t, int32(3), kms.signCalls.Load())
}

func TestKMSBackendDoesNotRetryPermanentErrors(t *testing.T) {
	kms := &fakeKMS{
		priv:      testKey(t),
		enabled:   true,
		failSigns: 100,
		signErr:   &models.BackendError{Op: "sign", Err: errors.New("access denied")},
	}
	m := newKMSManager(t, kms, keys.KMSConfig{MaxRetries: 5})
	require.NoError(t, m.Init(context.Background()))

	_, err := m.Sign(context.Background(), digestOf("hash"))
	require.ErrorIs(t, err, models.ErrSignatureBackend)
	assert.False(t, models.IsTransient(err))
	assert.Equal(t, int32(1), kms.signCalls.Load())
}

func TestKMSBackendAttemptTimeout(t *testing.T) {
	kms := &fakeKMS{priv: testKey(t), enabled: true, block: true}
	m := newKMSManager(t, kms, keys.KMSConfig{MaxRetries: 1, Timeout: 10 * time.Millisecond})
	require.NoError(t, m.Init(context.Background()))

	_, err := m.Sign(context.Background(), digestOf("hash"))
	require.ErrorIs(t, err, models.ErrSignatureBackend)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), kms.signCalls.Load())
}

func TestKMSBackendDisabledKey(t *testing.T) {
	kms := &fakeKMS{priv: testKey(t), enabled: false}
	m := newKMSManager(t, kms, keys.KMSConfig{})

	err := m.Init(context.Background())
	require.ErrorIs(t, err, models.ErrKeyUnavailable)
	assert.Equal(t, keys.StateFailed, m.State())
}

func TestKMSBackendRotateUnsupported(t *testing.T) {
	kms := &fakeKMS{priv: testKey(t), enabled: true}
	m := newKMSManager(t, kms, keys.KMSConfig{})
	require.NoError(t, m.Init(context.Background()))

	_, err := m.Rotate(context.Background())
	require.ErrorIs(t, err, models.ErrUnsupportedOperation)
}

func TestNewKMSBackendValidatesConfig(t *testing.T) {
	_, err := keys.NewKMSBackend(nil, keys.KMSConfig{KeyID: "k"})
	require.ErrorIs(t, err, models.ErrConfig)
	_, err = keys.NewKMSBackend(&fakeKMS{}, keys.KMSConfig{})
	require.ErrorIs(t, err, models.ErrConfig)
}
