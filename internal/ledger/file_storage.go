package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// FileStorage is a file-backed storage for dev and single-node deployments.
//
// Layout under dir:
//
//	entries/<id>.json                   one read-only file per entry, created with O_EXCL
//	streams/<hex(stream)>/links/<prev>  claims a predecessor hash, created with O_EXCL
//	streams/<hex(stream)>/head.json     current head, replaced atomically
//
// The link files make a second entry claiming the same predecessor fail even across
// processes sharing the directory.
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileStorage returns a FileStorage and ensures its directories exist.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: ledger file dir required", models.ErrConfig)
	}
	for _, sub := range []string{"entries", "streams"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) entryPath(id string) string {
	return filepath.Join(f.dir, "entries", id+".json")
}

func (f *FileStorage) streamDir(stream string) string {
	return filepath.Join(f.dir, "streams", hex.EncodeToString([]byte(stream)))
}

func (f *FileStorage) Insert(_ context.Context, e models.LedgerEntry) error {
	if !ValidID(e.ID) {
		return fmt.Errorf("%w: entry id %q", models.ErrInvalidRecord, e.ID)
	}
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	head, err := f.readHead(e.Stream)
	if err != nil {
		return err
	}
	if e.PreviousHash != head.Hash || e.Sequence != head.Sequence+1 {
		return forkError(e.Stream, head, e)
	}
	if _, err := os.Stat(f.entryPath(e.ID)); err == nil {
		return &models.ImmutabilityError{EntryID: e.ID, Op: "insert"}
	}

	linksDir := filepath.Join(f.streamDir(e.Stream), "links")
	if err := os.MkdirAll(linksDir, 0o755); err != nil {
		return fmt.Errorf("create links dir: %w", err)
	}
	link := filepath.Join(linksDir, e.PreviousHash)
	if err := writeOnce(link, []byte(e.ID)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return forkError(e.Stream, head, e)
		}
		return fmt.Errorf("claim link: %w", err)
	}

	if err := writeOnce(f.entryPath(e.ID), b); err != nil {
		_ = os.Remove(link)
		if errors.Is(err, os.ErrExist) {
			return &models.ImmutabilityError{EntryID: e.ID, Op: "insert"}
		}
		return fmt.Errorf("write entry file: %w", err)
	}

	hb, _ := json.Marshal(Head{Hash: e.Hash, Sequence: e.Sequence})
	if err := writeFileAtomic(filepath.Join(f.streamDir(e.Stream), "head.json"), hb); err != nil {
		return fmt.Errorf("write head: %w", err)
	}
	return nil
}

// writeOnce creates path with O_EXCL and leaves it read-only.
func writeOnce(path string, data []byte) error {
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		return err
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (f *FileStorage) readHead(stream string) (Head, error) {
	b, err := os.ReadFile(filepath.Join(f.streamDir(stream), "head.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return genesisHead(), nil
		}
		return Head{}, fmt.Errorf("read head: %w", err)
	}
	var h Head
	if err := json.Unmarshal(b, &h); err != nil {
		return Head{}, fmt.Errorf("decode head of %q: %w", stream, err)
	}
	return h, nil
}

func (f *FileStorage) Head(_ context.Context, stream string) (Head, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readHead(stream)
}

func (f *FileStorage) Get(_ context.Context, id string) (models.LedgerEntry, error) {
	if !ValidID(id) {
		return models.LedgerEntry{}, models.ErrNotFound
	}
	b, err := os.ReadFile(f.entryPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.LedgerEntry{}, models.ErrNotFound
		}
		return models.LedgerEntry{}, err
	}
	return decodeEntry(b)
}

func (f *FileStorage) all() ([]models.LedgerEntry, error) {
	dirEntries, err := os.ReadDir(filepath.Join(f.dir, "entries"))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	out := make([]models.LedgerEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(f.dir, "entries", de.Name()))
		if err != nil {
			return nil, err
		}
		e, err := decodeEntry(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", de.Name(), err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *FileStorage) Query(_ context.Context, flt Filter) ([]models.LedgerEntry, int, error) {
	all, err := f.all()
	if err != nil {
		return nil, 0, err
	}
	page, total := filterPage(all, flt)
	return page, total, nil
}

func (f *FileStorage) Stream(_ context.Context, stream string) ([]models.LedgerEntry, error) {
	all, err := f.all()
	if err != nil {
		return nil, err
	}
	var out []models.LedgerEntry
	for _, e := range all {
		if e.Stream == stream {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (f *FileStorage) Update(_ context.Context, e models.LedgerEntry) error {
	return &models.ImmutabilityError{EntryID: e.ID, Op: "update"}
}

func (f *FileStorage) Delete(_ context.Context, id string) error {
	return &models.ImmutabilityError{EntryID: id, Op: "delete"}
}

func (f *FileStorage) Ping(context.Context) error {
	_, err := os.Stat(f.dir)
	return err
}
