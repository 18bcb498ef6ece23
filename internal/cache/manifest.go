package cache

import (
	"sync"
	"time"

	"github.com/slurmlink/slurmlink/internal/types"
)

// InMemoryManifest is a thread-safe in-memory Manifest. The remote
// worker uses it for its own payload cache layer; tests use it
// everywhere.
type InMemoryManifest struct {
	mu      sync.RWMutex
	entries map[string]types.CacheEntry
}

// NewInMemoryManifest creates an empty manifest.
func NewInMemoryManifest() *InMemoryManifest {
	return &InMemoryManifest{entries: make(map[string]types.CacheEntry)}
}

func manifestKey(hash string, class types.PayloadClass) string {
	return string(class) + "/" + hash
}

// GetEntry returns the entry for (hash, class) if present.
func (m *InMemoryManifest) GetEntry(hash string, class types.PayloadClass) (types.CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[manifestKey(hash, class)]
	return entry, ok, nil
}

// PutEntry records the entry, replacing any existing one.
func (m *InMemoryManifest) PutEntry(entry types.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[manifestKey(entry.Hash, entry.Class)] = entry
	return nil
}

// TouchEntry updates last-used; missing entries are a silent no-op.
func (m *InMemoryManifest) TouchEntry(hash string, class types.PayloadClass, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := manifestKey(hash, class)
	if entry, ok := m.entries[key]; ok {
		entry.LastUsed = usedAt
		m.entries[key] = entry
	}
	return nil
}

// DeleteEntry removes the entry if present.
func (m *InMemoryManifest) DeleteEntry(hash string, class types.PayloadClass) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, manifestKey(hash, class))
	return nil
}

// ListEntries returns all entries.
func (m *InMemoryManifest) ListEntries() ([]types.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]types.CacheEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	return entries, nil
}
