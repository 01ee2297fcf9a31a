package keys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// KeyDescription is the subset of KMS key metadata the backend checks before use.
type KeyDescription struct {
	KeyID     string
	Enabled   bool
	KeySpec   string
	CreatedAt time.Time
}

// KMSClient is a remote key service holding an RSA-2048 key under keyID. Implementations
// return *models.BackendError with Transient set for failures worth retrying.
type KMSClient interface {
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)
	Verify(ctx context.Context, keyID string, digest, sig []byte) (bool, error)
	// GetPublicKey returns the SPKI DER encoding of the public key.
	GetPublicKey(ctx context.Context, keyID string) ([]byte, error)
	DescribeKey(ctx context.Context, keyID string) (KeyDescription, error)
}

// KMSConfig bounds every remote call.
type KMSConfig struct {
	KeyID      string
	KeyVersion int
	// Timeout applies to each attempt, not to the retried call as a whole.
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
}

func (c *KMSConfig) setDefaults() {
	if c.KeyVersion <= 0 {
		c.KeyVersion = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
}

// KMSBackend delegates every private-key operation to a KMSClient. The private key
// never exists in this process.
type KMSBackend struct {
	client KMSClient
	cfg    KMSConfig

	mu      sync.RWMutex
	keyPair *models.KeyPair
}

// NewKMSBackend validates cfg and returns an uninitialized backend.
func NewKMSBackend(client KMSClient, cfg KMSConfig) (*KMSBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: kms client is required", models.ErrConfig)
	}
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("%w: kms key id is required", models.ErrConfig)
	}
	cfg.setDefaults()
	return &KMSBackend{client: client, cfg: cfg}, nil
}

func (b *KMSBackend) Name() string { return "kms" }

// Init confirms the key is enabled and caches its public key.
func (b *KMSBackend) Init(ctx context.Context) error {
	var desc KeyDescription
	err := b.call(ctx, "describeKey", func(ctx context.Context) error {
		var err error
		desc, err = b.client.DescribeKey(ctx, b.cfg.KeyID)
		return err
	})
	if err != nil {
		return err
	}
	if !desc.Enabled {
		return fmt.Errorf("%w: kms key %s is not enabled", models.ErrKeyUnavailable, b.cfg.KeyID)
	}

	var der []byte
	err = b.call(ctx, "getPublicKey", func(ctx context.Context) error {
		var err error
		der, err = b.client.GetPublicKey(ctx, b.cfg.KeyID)
		return err
	})
	if err != nil {
		return err
	}
	pemStr, err := DERToPEM(der)
	if err != nil {
		return fmt.Errorf("kms key %s: %w", b.cfg.KeyID, err)
	}

	b.mu.Lock()
	b.keyPair = &models.KeyPair{
		Algorithm:    models.Algorithm,
		PublicKeyPEM: pemStr,
		Version:      b.cfg.KeyVersion,
		CreatedAt:    desc.CreatedAt,
	}
	b.mu.Unlock()
	return nil
}

func (b *KMSBackend) Sign(ctx context.Context, digest []byte) (Signature, error) {
	var sig []byte
	err := b.call(ctx, "sign", func(ctx context.Context) error {
		var err error
		sig, err = b.client.Sign(ctx, b.cfg.KeyID, digest)
		return err
	})
	if err != nil {
		return Signature{}, err
	}
	return Signature{Value: sig, KeyVersion: b.cfg.KeyVersion}, nil
}

func (b *KMSBackend) Verify(ctx context.Context, digest, sig []byte, version int) (bool, error) {
	if err := b.checkVersion(version); err != nil {
		return false, err
	}
	var ok bool
	err := b.call(ctx, "verify", func(ctx context.Context) error {
		var err error
		ok, err = b.client.Verify(ctx, b.cfg.KeyID, digest, sig)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (b *KMSBackend) PublicKey(_ context.Context, version int) (string, error) {
	if err := b.checkVersion(version); err != nil {
		return "", err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.keyPair == nil {
		return "", fmt.Errorf("%w: kms public key not loaded", models.ErrKeyUnavailable)
	}
	return b.keyPair.PublicKeyPEM, nil
}

func (b *KMSBackend) KeyPairs(context.Context) ([]models.KeyPair, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.keyPair == nil {
		return nil, fmt.Errorf("%w: kms public key not loaded", models.ErrKeyUnavailable)
	}
	return []models.KeyPair{*b.keyPair}, nil
}

// Rotate is managed by the KMS itself; a new key is configured as a new key ID and version.
func (b *KMSBackend) Rotate(context.Context) (models.KeyPair, error) {
	return models.KeyPair{}, fmt.Errorf("%w: kms keys are rotated in the key service", models.ErrUnsupportedOperation)
}

// Close closes the client when it holds resources.
func (b *KMSBackend) Close() error {
	if c, ok := b.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *KMSBackend) checkVersion(version int) error {
	if version != 0 && version != b.cfg.KeyVersion {
		return fmt.Errorf("%w: kms backend holds key version %d, not %d", models.ErrKeyUnavailable, b.cfg.KeyVersion, version)
	}
	return nil
}

// call runs fn with a per-attempt timeout, retrying transient failures with exponential
// backoff. The final error is always a *models.BackendError.
func (b *KMSBackend) call(ctx context.Context, op string, fn func(context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = b.cfg.InitialInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return struct{}{}, nil
		}
		if b.transient(ctx, err) {
			log.Printf("[keys] kms %s attempt %d failed: %v", op, attempt, err)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(b.cfg.MaxRetries+1)))
	if err == nil {
		return nil
	}

	var be *models.BackendError
	if errors.As(err, &be) {
		return err
	}
	return &models.BackendError{Op: op, Transient: b.transient(ctx, err), Err: err}
}

// transient treats an attempt timeout as retryable as long as the caller's context
// is still live.
func (b *KMSBackend) transient(ctx context.Context, err error) bool {
	if models.IsTransient(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}
