package ledger

import (
	"context"
	"sync"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// MemoryStorage keeps encoded entries in process memory. Entries are stored as JSON so
// readers never share mutable payload maps with the writer. Use it in tests and dev.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string][]byte
	order   []string
	streams map[string]*memoryStream
}

type memoryStream struct {
	head Head
	ids  []string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[string][]byte),
		streams: make(map[string]*memoryStream),
	}
}

func (m *MemoryStorage) Insert(_ context.Context, e models.LedgerEntry) error {
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[e.ID]; exists {
		return &models.ImmutabilityError{EntryID: e.ID, Op: "insert"}
	}
	s, ok := m.streams[e.Stream]
	if !ok {
		s = &memoryStream{head: genesisHead()}
	}
	if e.PreviousHash != s.head.Hash || e.Sequence != s.head.Sequence+1 {
		return forkError(e.Stream, s.head, e)
	}

	m.entries[e.ID] = b
	m.order = append(m.order, e.ID)
	s.head = Head{Hash: e.Hash, Sequence: e.Sequence}
	s.ids = append(s.ids, e.ID)
	m.streams[e.Stream] = s
	return nil
}

func (m *MemoryStorage) Head(_ context.Context, stream string) (Head, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.streams[stream]; ok {
		return s.head, nil
	}
	return genesisHead(), nil
}

func (m *MemoryStorage) Get(_ context.Context, id string) (models.LedgerEntry, error) {
	m.mu.RLock()
	b, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return models.LedgerEntry{}, models.ErrNotFound
	}
	return decodeEntry(b)
}

func (m *MemoryStorage) Query(_ context.Context, f Filter) ([]models.LedgerEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]models.LedgerEntry, 0, len(m.order))
	for _, id := range m.order {
		e, err := decodeEntry(m.entries[id])
		if err != nil {
			return nil, 0, err
		}
		all = append(all, e)
	}
	page, total := filterPage(all, f)
	return page, total, nil
}

func (m *MemoryStorage) Stream(_ context.Context, stream string) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	out := make([]models.LedgerEntry, 0, len(s.ids))
	for _, id := range s.ids {
		e, err := decodeEntry(m.entries[id])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStorage) Update(_ context.Context, e models.LedgerEntry) error {
	return &models.ImmutabilityError{EntryID: e.ID, Op: "update"}
}

func (m *MemoryStorage) Delete(_ context.Context, id string) error {
	return &models.ImmutabilityError{EntryID: id, Op: "delete"}
}

func (m *MemoryStorage) Ping(context.Context) error { return nil }
