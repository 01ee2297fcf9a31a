// Package keys owns the signing key material. A Manager wraps exactly one Backend
// (local encrypted key files or a remote KMS) and exposes only derived capabilities:
// sign, verify, public key lookup and rotation. Private keys never leave a backend.
package keys

import (
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// Signature is a raw signature plus the key version that produced it.
type Signature struct {
	Value      []byte
	KeyVersion int
}

// Backend is the capability contract shared by LocalBackend and KMSBackend.
// A version argument of 0 means the active key.
type Backend interface {
	Name() string
	Init(ctx context.Context) error
	Sign(ctx context.Context, digest []byte) (Signature, error)
	Verify(ctx context.Context, digest, sig []byte, version int) (bool, error)
	PublicKey(ctx context.Context, version int) (string, error)
	KeyPairs(ctx context.Context) ([]models.KeyPair, error)
	Rotate(ctx context.Context) (models.KeyPair, error)
}

// Publisher receives every key version the manager learns about so auditors can
// discover historical public keys. PGStore implements it.
type Publisher interface {
	Publish(ctx context.Context, kp models.KeyPair) error
}

// State is the manager lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Manager serializes key lifecycle around a Backend. Initialization runs once; every
// caller that arrives before it finishes waits on the same result.
type Manager struct {
	backend   Backend
	publisher Publisher

	state     atomic.Int32
	startOnce sync.Once
	ready     chan struct{}
	initErr   error

	rotateMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher publishes key versions after initialization and every rotation.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// NewManager constructs a Manager for backend. Nothing is loaded until Start or the
// first operation.
func NewManager(backend Backend, opts ...Option) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: key backend is required", models.ErrConfig)
	}
	m := &Manager{
		backend: backend,
		ready:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Backend returns the name of the active backend ("local" or "kms").
func (m *Manager) Backend() string { return m.backend.Name() }

// State reports the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Start launches initialization if it has not started yet. It does not wait.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.state.Store(int32(StateInitializing))
		// Initialization outlives the caller that happened to trigger it.
		initCtx := context.WithoutCancel(ctx)
		go m.initialize(initCtx)
	})
}

func (m *Manager) initialize(ctx context.Context) {
	defer close(m.ready)

	if err := m.backend.Init(ctx); err != nil {
		m.initErr = err
		m.state.Store(int32(StateFailed))
		log.Printf("[keys] %s backend initialization failed: %v", m.backend.Name(), err)
		return
	}
	if err := m.publishAll(ctx); err != nil {
		m.initErr = err
		m.state.Store(int32(StateFailed))
		log.Printf("[keys] publishing key registry failed: %v", err)
		return
	}
	m.state.Store(int32(StateReady))
	log.Printf("[keys] %s backend ready", m.backend.Name())
}

// Init starts initialization and blocks until the manager is Ready or Failed.
func (m *Manager) Init(ctx context.Context) error {
	return m.await(ctx)
}

func (m *Manager) await(ctx context.Context) error {
	m.Start(ctx)
	select {
	case <-m.ready:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for key initialization: %w", models.ErrKeyUnavailable, ctx.Err())
	}
	if m.initErr != nil {
		return fmt.Errorf("%w: %w", models.ErrKeyUnavailable, m.initErr)
	}
	return nil
}

// Sign signs a SHA-256 digest with the active key.
func (m *Manager) Sign(ctx context.Context, digest []byte) (Signature, error) {
	if err := m.await(ctx); err != nil {
		return Signature{}, err
	}
	if len(digest) != crypto.SHA256.Size() {
		return Signature{}, fmt.Errorf("%w: digest must be %d bytes, got %d", models.ErrInvalidRecord, crypto.SHA256.Size(), len(digest))
	}
	return m.backend.Sign(ctx, digest)
}

// VerifyOptions selects which public key a verification runs against.
type VerifyOptions struct {
	// PublicKeyPEM verifies against a caller-supplied key instead of the managed ones.
	PublicKeyPEM string
	// Version selects a historical managed key; 0 means the active one.
	Version int
}

// Verify checks sig over digest. A bad signature is (false, nil); errors are reserved
// for backend and key-lookup failures.
func (m *Manager) Verify(ctx context.Context, digest, sig []byte, opts VerifyOptions) (bool, error) {
	if opts.PublicKeyPEM != "" {
		pub, err := ParsePublicKeyPEM(opts.PublicKeyPEM)
		if err != nil {
			return false, err
		}
		return VerifyPKCS1v15(pub, digest, sig), nil
	}
	if err := m.await(ctx); err != nil {
		return false, err
	}
	return m.backend.Verify(ctx, digest, sig, opts.Version)
}

// PublicKey returns the PEM public key for version (0 = active).
func (m *Manager) PublicKey(ctx context.Context, version int) (string, error) {
	if err := m.await(ctx); err != nil {
		return "", err
	}
	return m.backend.PublicKey(ctx, version)
}

// KeyPairs lists every known key version, oldest first.
func (m *Manager) KeyPairs(ctx context.Context) ([]models.KeyPair, error) {
	if err := m.await(ctx); err != nil {
		return nil, err
	}
	return m.backend.KeyPairs(ctx)
}

// Rotate replaces the active key with a new version. Only one rotation runs at a time;
// signatures already in flight complete with the key they started with. If the new key
// cannot be published the rotation has still happened and the error says so.
func (m *Manager) Rotate(ctx context.Context) (models.KeyPair, error) {
	if err := m.await(ctx); err != nil {
		return models.KeyPair{}, err
	}
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	kp, err := m.backend.Rotate(ctx)
	if err != nil {
		return models.KeyPair{}, err
	}
	log.Printf("[keys] rotated %s key to version %d", m.backend.Name(), kp.Version)
	if err := m.publishAll(ctx); err != nil {
		return kp, fmt.Errorf("key rotated to version %d but publishing failed: %w", kp.Version, err)
	}
	return kp, nil
}

// Close releases backend resources. The manager must not be used afterwards.
func (m *Manager) Close() error {
	if c, ok := m.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (m *Manager) publishAll(ctx context.Context) error {
	if m.publisher == nil {
		return nil
	}
	pairs, err := m.backend.KeyPairs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, kp := range pairs {
		if err := m.publisher.Publish(ctx, kp); err != nil {
			errs = append(errs, fmt.Errorf("publish key version %d: %w", kp.Version, err))
		}
	}
	return errors.Join(errs...)
}

// VerifyPKCS1v15 checks an RSASSA-PKCS1-v1_5 signature over a SHA-256 digest.
func VerifyPKCS1v15(pub *rsa.PublicKey, digest, sig []byte) bool {
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig) == nil
}
