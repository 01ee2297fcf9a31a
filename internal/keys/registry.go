package keys

import (
	"sort"
	"sync"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// Registry is an in-memory registry of public keys by version.
// It is safe for concurrent access.
type Registry struct {
	mtx  sync.RWMutex
	keys map[int]models.KeyPair
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		keys: make(map[int]models.KeyPair),
	}
}

// Add registers a key version, replacing any earlier entry for the same version.
func (r *Registry) Add(kp models.KeyPair) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.keys[kp.Version] = kp
}

// Get returns a copy of the KeyPair for version and true, or false if missing.
func (r *Registry) Get(version int) (models.KeyPair, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	kp, ok := r.keys[version]
	return kp, ok
}

// List returns all key versions, oldest first.
func (r *Registry) List() []models.KeyPair {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]models.KeyPair, 0, len(r.keys))
	for _, v := range r.keys {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}
