package ledger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/models"
)

func TestFileStorageAppendGet(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage error: %v", err)
	}
	s, _ := newTestStore(t, fs)
	ctx := context.Background()

	e1, err := s.Append(ctx, issued("cert-a", "a1"))
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	e2, err := s.Append(ctx, issued("cert-a", "a2"))
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "entries", "a1.json"))
	if err != nil {
		t.Fatalf("stat entry file: %v", err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Fatalf("entry file mode = %v, want read-only", info.Mode().Perm())
	}

	got, err := s.Get(ctx, "a2")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !got.Verified || got.PreviousHash != e1.Hash || got.Hash != e2.Hash {
		t.Fatalf("unexpected entry read back: %+v", got)
	}

	// A second process over the same directory continues the chain.
	fs2, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2, _ := newTestStore(t, fs2)
	e3, err := s2.Append(ctx, issued("cert-a", "a3"))
	if err != nil {
		t.Fatalf("Append after reopen error: %v", err)
	}
	if e3.PreviousHash != e2.Hash || e3.Sequence != 3 {
		t.Fatalf("reopened store did not continue chain: prev=%s seq=%d", e3.PreviousHash, e3.Sequence)
	}

	rep, err := s2.VerifyStream(ctx, "cert-a")
	if err != nil {
		t.Fatalf("VerifyStream error: %v", err)
	}
	if !rep.Valid || rep.Length != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestFileStorageDetectsTamperedFile(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage error: %v", err)
	}
	s, esc := newTestStore(t, fs)
	ctx := context.Background()

	if _, err := s.Append(ctx, issued("cert-a", "a1")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	path := filepath.Join(dir, "entries", "a1.json")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	tampered := bytes.Replace(b, []byte(`"registrar-1"`), []byte(`"registrar-2"`), 1)
	if bytes.Equal(b, tampered) {
		t.Fatalf("tamper did not change file")
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("rewrite entry: %v", err)
	}

	got, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Verified || got.State != models.EntryCorruptionDetected {
		t.Fatalf("tampered entry not flagged: verified=%v state=%s", got.Verified, got.State)
	}
	if got.ActorID != "registrar-2" {
		t.Fatalf("tampered entry was repaired: actor=%s", got.ActorID)
	}
	if len(esc.alerts) != 1 {
		t.Fatalf("expected one corruption alert, got %d", len(esc.alerts))
	}
}

func TestFileStorageRefusesForkAndReuse(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage error: %v", err)
	}
	ctx := context.Background()

	first := models.LedgerEntry{ID: "e1", Stream: "s", Sequence: 1, PreviousHash: hashengine.GenesisHash, Hash: hashengine.HashHex([]byte("1"))}
	if err := fs.Insert(ctx, first); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	fork := models.LedgerEntry{ID: "e2", Stream: "s", Sequence: 1, PreviousHash: hashengine.GenesisHash, Hash: hashengine.HashHex([]byte("2"))}
	if err := fs.Insert(ctx, fork); !errors.Is(err, models.ErrChainFork) {
		t.Fatalf("expected ErrChainFork, got %v", err)
	}

	reuse := models.LedgerEntry{ID: "e1", Stream: "s", Sequence: 2, PreviousHash: first.Hash, Hash: hashengine.HashHex([]byte("3"))}
	if err := fs.Insert(ctx, reuse); !errors.Is(err, models.ErrImmutabilityViolation) {
		t.Fatalf("expected ErrImmutabilityViolation, got %v", err)
	}

	// The refused insert must not leave its link claimed.
	next := models.LedgerEntry{ID: "e3", Stream: "s", Sequence: 2, PreviousHash: first.Hash, Hash: hashengine.HashHex([]byte("4"))}
	if err := fs.Insert(ctx, next); err != nil {
		t.Fatalf("Insert after refused reuse: %v", err)
	}

	if err := fs.Update(ctx, first); !errors.Is(err, models.ErrImmutabilityViolation) {
		t.Fatalf("expected update refusal, got %v", err)
	}
	if err := fs.Delete(ctx, "e1"); !errors.Is(err, models.ErrImmutabilityViolation) {
		t.Fatalf("expected delete refusal, got %v", err)
	}
	if _, err := fs.Get(ctx, "../e1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unsafe id, got %v", err)
	}
}
