// Package signature signs and verifies record hashes with whichever key backend the
// keys.Manager was built with. Callers see the same two operations for every backend.
//
// A signature is RSASSA-PKCS1-v1_5 over SHA-256 of the hash's hex string, hex encoded.
package signature

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/keys"
	"github.com/ILLUVRSE/certledger/internal/models"
)

// Signature is a hex-encoded signature and the key version that produced it.
type Signature struct {
	Value      string
	KeyVersion int
}

// VerifyOptions selects the key a signature is checked against.
type VerifyOptions struct {
	// PublicKeyPEM checks locally against a caller-supplied key (cross validation).
	PublicKeyPEM string
	// KeyVersion selects a managed key version; 0 means the active key.
	KeyVersion int
}

// KeyManager is the part of keys.Manager the engine needs.
type KeyManager interface {
	Sign(ctx context.Context, digest []byte) (keys.Signature, error)
	Verify(ctx context.Context, digest, sig []byte, opts keys.VerifyOptions) (bool, error)
}

// Engine signs hashes through a KeyManager.
type Engine struct {
	keys KeyManager
}

// NewEngine returns an Engine using km.
func NewEngine(km KeyManager) (*Engine, error) {
	if km == nil {
		return nil, fmt.Errorf("%w: key manager is required", models.ErrConfig)
	}
	return &Engine{keys: km}, nil
}

// Sign signs hashHex.
func (e *Engine) Sign(ctx context.Context, hashHex string) (Signature, error) {
	if hashHex == "" {
		return Signature{}, fmt.Errorf("%w: empty hash", models.ErrInvalidRecord)
	}
	sig, err := e.keys.Sign(ctx, Digest(hashHex))
	if err != nil {
		return Signature{}, err
	}
	return Signature{Value: hex.EncodeToString(sig.Value), KeyVersion: sig.KeyVersion}, nil
}

// Verify checks sigHex over hashHex. A signature that is malformed or does not match
// is (false, nil); an error means verification could not be performed.
func (e *Engine) Verify(ctx context.Context, hashHex, sigHex string, opts VerifyOptions) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) == 0 {
		return false, nil
	}
	return e.keys.Verify(ctx, Digest(hashHex), sig, keys.VerifyOptions{
		PublicKeyPEM: opts.PublicKeyPEM,
		Version:      opts.KeyVersion,
	})
}

// VerifyWithPublicKey checks a signature offline against a PEM public key, without a
// key manager.
func VerifyWithPublicKey(publicKeyPEM, hashHex, sigHex string) (bool, error) {
	pub, err := keys.ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) == 0 {
		return false, nil
	}
	return keys.VerifyPKCS1v15(pub, Digest(hashHex), sig), nil
}

// Digest is the SHA-256 of the hash's hex string, the message every backend signs.
func Digest(hashHex string) []byte {
	return hashengine.HashBytes([]byte(hashHex))
}
