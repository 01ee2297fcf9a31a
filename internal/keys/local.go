package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/youmark/pkcs8"

	"github.com/ILLUVRSE/certledger/internal/models"
)

const (
	publicKeyFile  = "public.pem"
	privateKeyFile = "private.pem"
	metadataFile   = "key.json"
	archiveDir     = "archive"

	pbkdf2Iterations = 100000
)

// keyMetadata is the on-disk key.json document.
type keyMetadata struct {
	Version    int        `json:"version"`
	Algorithm  string     `json:"algorithm"`
	CreatedAt  time.Time  `json:"createdAt"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

type localKey struct {
	priv *rsa.PrivateKey
	meta keyMetadata
	pem  string
}

// LocalBackend keeps an RSA-2048 key pair in a directory, with the private key stored
// as passphrase-encrypted PKCS#8. Retired versions are kept under archive/v<N>/.
type LocalBackend struct {
	dir        string
	passphrase []byte
	now        func() time.Time

	registry *Registry
	active   atomic.Pointer[localKey]
	mu       sync.Mutex
}

// LocalOption configures a LocalBackend.
type LocalOption func(*LocalBackend)

// WithClock overrides the clock used for key metadata timestamps.
func WithClock(now func() time.Time) LocalOption {
	return func(b *LocalBackend) { b.now = now }
}

// NewLocalBackend returns a backend rooted at dir. The passphrase protects the private
// key at rest and has no default.
func NewLocalBackend(dir, passphrase string, opts ...LocalOption) (*LocalBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("%w: key directory is required", models.ErrConfig)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("%w: key passphrase is required for the local backend", models.ErrConfig)
	}
	b := &LocalBackend{
		dir:        dir,
		passphrase: []byte(passphrase),
		now:        time.Now,
		registry:   NewRegistry(),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

func (b *LocalBackend) Name() string { return "local" }

// Registry exposes the public keys known to this backend.
func (b *LocalBackend) Registry() *Registry { return b.registry }

// Init loads the key pair from disk, generating and persisting a new one when the
// directory holds none. Generation failures are returned as-is and never retried.
func (b *LocalBackend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	key, err := b.loadKey(b.dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if _, statErr := os.Stat(filepath.Join(b.dir, publicKeyFile)); statErr == nil {
			return fmt.Errorf("%s exists without %s in %s", publicKeyFile, privateKeyFile, b.dir)
		}
		key, err = b.generate(1)
		if err != nil {
			return err
		}
		if err := b.writeKey(b.dir, key); err != nil {
			return err
		}
		log.Printf("[keys] generated local key version %d in %s", key.meta.Version, b.dir)
	case err != nil:
		return err
	default:
		if err := b.resumeRotation(key); err != nil {
			return err
		}
		if err := b.checkPublicKey(key); err != nil {
			return err
		}
		log.Printf("[keys] loaded local key version %d from %s", key.meta.Version, b.dir)
	}

	if err := b.loadArchive(); err != nil {
		return err
	}
	b.registry.Add(key.keyPair())
	b.active.Store(key)
	return nil
}

// Sign signs digest with the key that is active when the call starts.
func (b *LocalBackend) Sign(_ context.Context, digest []byte) (Signature, error) {
	key := b.active.Load()
	if key == nil {
		return Signature{}, fmt.Errorf("%w: local key not loaded", models.ErrKeyUnavailable)
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, key.priv, crypto.SHA256, digest)
	if err != nil {
		return Signature{}, fmt.Errorf("rsa sign: %w", err)
	}
	return Signature{Value: sig, KeyVersion: key.meta.Version}, nil
}

func (b *LocalBackend) Verify(ctx context.Context, digest, sig []byte, version int) (bool, error) {
	if version == 0 {
		key := b.active.Load()
		if key == nil {
			return false, fmt.Errorf("%w: local key not loaded", models.ErrKeyUnavailable)
		}
		return VerifyPKCS1v15(&key.priv.PublicKey, digest, sig), nil
	}
	pemStr, err := b.PublicKey(ctx, version)
	if err != nil {
		return false, err
	}
	pub, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		return false, err
	}
	return VerifyPKCS1v15(pub, digest, sig), nil
}

func (b *LocalBackend) PublicKey(_ context.Context, version int) (string, error) {
	if version == 0 {
		key := b.active.Load()
		if key == nil {
			return "", fmt.Errorf("%w: local key not loaded", models.ErrKeyUnavailable)
		}
		return key.pem, nil
	}
	kp, ok := b.registry.Get(version)
	if !ok {
		return "", fmt.Errorf("%w: unknown key version %d", models.ErrKeyUnavailable, version)
	}
	return kp.PublicKeyPEM, nil
}

func (b *LocalBackend) KeyPairs(context.Context) ([]models.KeyPair, error) {
	return b.registry.List(), nil
}

// Rotate archives the current key files under archive/v<N>/ and replaces them with a
// freshly generated version N+1. Signs already holding the old key finish with it.
func (b *LocalBackend) Rotate(ctx context.Context) (models.KeyPair, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.active.Load()
	if cur == nil {
		return models.KeyPair{}, fmt.Errorf("%w: local key not loaded", models.ErrKeyUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return models.KeyPair{}, err
	}

	archivedAt := b.now().UTC()
	retired := *cur
	retired.meta.ArchivedAt = &archivedAt
	if err := b.archive(&retired); err != nil {
		return models.KeyPair{}, err
	}

	next, err := b.generate(cur.meta.Version + 1)
	if err != nil {
		return models.KeyPair{}, err
	}
	if err := b.writeKey(b.dir, next); err != nil {
		return models.KeyPair{}, err
	}

	b.registry.Add(retired.keyPair())
	b.registry.Add(next.keyPair())
	b.active.Store(next)
	return next.keyPair(), nil
}

func (b *LocalBackend) generate(version int) (*localKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, requiredModulusBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	pubPEM, err := MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &localKey{
		priv: priv,
		pem:  pubPEM,
		meta: keyMetadata{
			Version:   version,
			Algorithm: models.Algorithm,
			CreatedAt: b.now().UTC(),
		},
	}, nil
}

func (b *LocalBackend) archive(key *localKey) error {
	dst := filepath.Join(b.dir, archiveDir, "v"+strconv.Itoa(key.meta.Version))
	if err := os.MkdirAll(dst, 0o700); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	for _, name := range []string{publicKeyFile, privateKeyFile} {
		src := filepath.Join(b.dir, name)
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read %s for archive: %w", src, err)
		}
		perm := os.FileMode(0o644)
		if name == privateKeyFile {
			perm = 0o600
		}
		if err := writeFileAtomic(filepath.Join(dst, name), data, perm); err != nil {
			return err
		}
	}
	meta, err := json.MarshalIndent(key.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(dst, metadataFile), meta, 0o644)
}

// writeKey replaces the key files one atomic rename at a time, private.pem first. A
// crash between renames is repaired by resumeRotation on the next Init.
func (b *LocalBackend) writeKey(dir string, key *localKey) error {
	der, err := pkcs8.MarshalPrivateKey(key.priv, b.passphrase, &pkcs8.Opts{
		Cipher: pkcs8.AES256CBC,
		KDFOpts: pkcs8.PBKDF2Opts{
			SaltSize:       16,
			IterationCount: pbkdf2Iterations,
			HMACHash:       crypto.SHA256,
		},
	})
	if err != nil {
		return fmt.Errorf("encrypt private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: pemEncryptedPrivate, Bytes: der})

	meta, err := json.MarshalIndent(key.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key metadata: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(dir, privateKeyFile), privPEM, 0o600); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, publicKeyFile), []byte(key.pem), 0o644); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, metadataFile), meta, 0o644)
}

// loadKey reads a key directory. A missing private.pem surfaces as fs.ErrNotExist.
func (b *LocalBackend) loadKey(dir string) (*localKey, error) {
	raw, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemEncryptedPrivate {
		return nil, fmt.Errorf("%s: expected %q PEM block", filepath.Join(dir, privateKeyFile), pemEncryptedPrivate)
	}
	priv, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, b.passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key (wrong passphrase?): %w", err)
	}
	if priv.N.BitLen() < requiredModulusBits {
		return nil, fmt.Errorf("private key has %d bits, want at least %d", priv.N.BitLen(), requiredModulusBits)
	}

	pubPEM, err := MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	meta := keyMetadata{Version: 1, Algorithm: models.Algorithm}
	metaRaw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return nil, fmt.Errorf("parse %s: %w", metadataFile, err)
		}
		if meta.Version < 1 {
			return nil, fmt.Errorf("%s: invalid key version %d", metadataFile, meta.Version)
		}
	case errors.Is(err, fs.ErrNotExist):
		if fi, statErr := os.Stat(filepath.Join(dir, privateKeyFile)); statErr == nil {
			meta.CreatedAt = fi.ModTime().UTC()
		}
	default:
		return nil, fmt.Errorf("read %s: %w", metadataFile, err)
	}
	return &localKey{priv: priv, pem: pubPEM, meta: meta}, nil
}

// resumeRotation finishes a Rotate that stopped between file renames. Rotate archives
// version N before writing anything else, so archive/v<N> existing next to key.json
// version N means a rotation started. If private.pem still holds the archived key the
// rotation never wrote the new one and the stale archive copy is dropped; otherwise
// private.pem is already version N+1 and public.pem and key.json are rewritten for it.
func (b *LocalBackend) resumeRotation(key *localKey) error {
	archived := filepath.Join(b.dir, archiveDir, "v"+strconv.Itoa(key.meta.Version))
	pub, err := os.ReadFile(filepath.Join(archived, publicKeyFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read archived key v%d: %w", key.meta.Version, err)
	}
	if samePEM(string(pub), key.pem) {
		log.Printf("[keys] discarding unfinished rotation of version %d", key.meta.Version)
		return os.RemoveAll(archived)
	}

	createdAt := b.now().UTC()
	if fi, err := os.Stat(filepath.Join(b.dir, privateKeyFile)); err == nil {
		createdAt = fi.ModTime().UTC()
	}
	key.meta = keyMetadata{Version: key.meta.Version + 1, Algorithm: models.Algorithm, CreatedAt: createdAt}
	meta, err := json.MarshalIndent(key.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(b.dir, publicKeyFile), []byte(key.pem), 0o644); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(b.dir, metadataFile), meta, 0o644); err != nil {
		return err
	}
	log.Printf("[keys] completed unfinished rotation to version %d", key.meta.Version)
	return nil
}

// checkPublicKey refuses a public.pem that does not belong to private.pem and recreates
// a missing one.
func (b *LocalBackend) checkPublicKey(key *localKey) error {
	path := filepath.Join(b.dir, publicKeyFile)
	onDisk, err := os.ReadFile(path)
	switch {
	case err == nil:
		if !samePEM(string(onDisk), key.pem) {
			return fmt.Errorf("%s does not match %s in %s", publicKeyFile, privateKeyFile, b.dir)
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return writeFileAtomic(path, []byte(key.pem), 0o644)
	default:
		return fmt.Errorf("read public key: %w", err)
	}
}

func samePEM(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// loadArchive registers the public half of every archived version. Archived private
// keys stay on disk untouched.
func (b *LocalBackend) loadArchive() error {
	root := filepath.Join(b.dir, archiveDir)
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read key archive: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "v") {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "v"))
		if err != nil || version < 1 {
			continue
		}
		dir := filepath.Join(root, e.Name())
		pubPEM, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
		if err != nil {
			return fmt.Errorf("read archived key v%d: %w", version, err)
		}
		if _, err := ParsePublicKeyPEM(string(pubPEM)); err != nil {
			return fmt.Errorf("archived key v%d: %w", version, err)
		}
		meta := keyMetadata{Version: version, Algorithm: models.Algorithm}
		if raw, err := os.ReadFile(filepath.Join(dir, metadataFile)); err == nil {
			if err := json.Unmarshal(raw, &meta); err != nil {
				return fmt.Errorf("parse archived key v%d metadata: %w", version, err)
			}
		}
		meta.Version = version
		b.registry.Add(models.KeyPair{
			Algorithm:    meta.Algorithm,
			PublicKeyPEM: string(pubPEM),
			Version:      version,
			CreatedAt:    meta.CreatedAt,
			ArchivedAt:   meta.ArchivedAt,
		})
	}
	return nil
}

func (k *localKey) keyPair() models.KeyPair {
	return models.KeyPair{
		Algorithm:    k.meta.Algorithm,
		PublicKeyPEM: k.pem,
		Version:      k.meta.Version,
		CreatedAt:    k.meta.CreatedAt,
		ArchivedAt:   k.meta.ArchivedAt,
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
