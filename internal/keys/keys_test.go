package keys_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/certledger/internal/keys"
	"github.com/ILLUVRSE/certledger/internal/models"
)

// slowBackend counts initializations and blocks them until release is closed.
type slowBackend struct {
	inits   atomic.Int32
	release chan struct{}
	initErr error
	version int
}

func newSlowBackend() *slowBackend {
	return &slowBackend{release: make(chan struct{}), version: 1}
}

func (b *slowBackend) Name() string { return "fake" }

func (b *slowBackend) Init(ctx context.Context) error {
	b.inits.Add(1)
	<-b.release
	return b.initErr
}

func (b *slowBackend) Sign(_ context.Context, digest []byte) (keys.Signature, error) {
	return keys.Signature{Value: append([]byte("sig:"), digest...), KeyVersion: b.version}, nil
}

func (b *slowBackend) Verify(context.Context, []byte, []byte, int) (bool, error) { return true, nil }

func (b *slowBackend) PublicKey(context.Context, int) (string, error) { return "pem", nil }

func (b *slowBackend) KeyPairs(context.Context) ([]models.KeyPair, error) {
	return []models.KeyPair{{Algorithm: models.Algorithm, PublicKeyPEM: "pem", Version: b.version}}, nil
}

func (b *slowBackend) Rotate(context.Context) (models.KeyPair, error) {
	b.version++
	return models.KeyPair{Algorithm: models.Algorithm, PublicKeyPEM: "pem", Version: b.version}, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	versions []int
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, kp models.KeyPair) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.versions = append(p.versions, kp.Version)
	return p.err
}

func TestManagerInitializesOnceUnderConcurrency(t *testing.T) {
	backend := newSlowBackend()
	m, err := keys.NewManager(backend)
	require.NoError(t, err)
	assert.Equal(t, keys.StateUninitialized, m.State())

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Sign(context.Background(), digestOf("x"))
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return m.State() == keys.StateInitializing }, time.Second, time.Millisecond)
	close(backend.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), backend.inits.Load())
	assert.Equal(t, keys.StateReady, m.State())
}

func TestManagerFailedInitIsSticky(t *testing.T) {
	backend := newSlowBackend()
	backend.initErr = errors.New("disk on fire")
	close(backend.release)

	m, err := keys.NewManager(backend)
	require.NoError(t, err)

	err = m.Init(context.Background())
	require.ErrorIs(t, err, models.ErrKeyUnavailable)
	assert.Equal(t, keys.StateFailed, m.State())

	_, err = m.Sign(context.Background(), digestOf("x"))
	require.ErrorIs(t, err, models.ErrKeyUnavailable)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, int32(1), backend.inits.Load())
}

func TestManagerWaitRespectsContext(t *testing.T) {
	backend := newSlowBackend()
	defer close(backend.release)

	m, err := keys.NewManager(backend)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Sign(ctx, digestOf("x"))
	require.ErrorIs(t, err, models.ErrKeyUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManagerRejectsWrongDigestLength(t *testing.T) {
	backend := newSlowBackend()
	close(backend.release)
	m, err := keys.NewManager(backend)
	require.NoError(t, err)

	_, err = m.Sign(context.Background(), []byte("short"))
	require.ErrorIs(t, err, models.ErrInvalidRecord)
}

func TestManagerPublishesOnInitAndRotate(t *testing.T) {
	backend := newSlowBackend()
	close(backend.release)
	pub := &recordingPublisher{}
	m, err := keys.NewManager(backend, keys.WithPublisher(pub))
	require.NoError(t, err)

	require.NoError(t, m.Init(context.Background()))
	kp, err := m.Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, kp.Version)
	assert.Equal(t, []int{1, 2}, pub.versions)
}

func TestManagerPublishFailureAfterRotateStillReturnsKey(t *testing.T) {
	backend := newSlowBackend()
	close(backend.release)
	pub := &recordingPublisher{}
	m, err := keys.NewManager(backend, keys.WithPublisher(pub))
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background()))

	pub.err = errors.New("db down")
	kp, err := m.Rotate(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, kp.Version)
}

func TestNewManagerRequiresBackend(t *testing.T) {
	_, err := keys.NewManager(nil)
	require.ErrorIs(t, err, models.ErrConfig)
}
