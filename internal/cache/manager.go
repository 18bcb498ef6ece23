package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/slurmlink/slurmlink/internal/metrics"
	"github.com/slurmlink/slurmlink/internal/store"
	"github.com/slurmlink/slurmlink/internal/types"
)

// ErrEntryNotFound is returned by Materialize when no manifest entry
// exists for the requested (hash, class) key.
var ErrEntryNotFound = fmt.Errorf("cache entry %w", types.ErrNotFound)

// Manifest persists CacheEntry records keyed by (hash, class). The
// local proxy backs it with its task database; the remote worker and
// tests use the in-memory implementation.
type Manifest interface {
	GetEntry(hash string, class types.PayloadClass) (types.CacheEntry, bool, error)
	PutEntry(entry types.CacheEntry) error
	TouchEntry(hash string, class types.PayloadClass, usedAt time.Time) error
	DeleteEntry(hash string, class types.PayloadClass) error
	ListEntries() ([]types.CacheEntry, error)
}

// PinFunc reports whether an entry is referenced by a task that has
// not reached a terminal state. Pinned entries are never evicted.
type PinFunc func(hash string, class types.PayloadClass) bool

// Manager is the content-addressed cache over the bulk store. Put
// uploads a payload at most once per (hash, class) key, verifying the
// upload before recording it; Materialize downloads and re-verifies.
type Manager struct {
	store     store.ObjectStore
	manifest  Manifest
	highWater int64 // total cached bytes that trigger eviction; 0 disables
	pinned    PinFunc

	mu       sync.Mutex
	inflight map[string]*inflightPut
}

type inflightPut struct {
	done  chan struct{}
	entry types.CacheEntry
	err   error
}

// NewManager creates a cache manager. highWater of 0 disables
// eviction; pinned may be nil when no tasks pin entries (remote side).
func NewManager(s store.ObjectStore, manifest Manifest, highWater int64, pinned PinFunc) *Manager {
	return &Manager{
		store:     s,
		manifest:  manifest,
		highWater: highWater,
		pinned:    pinned,
		inflight:  make(map[string]*inflightPut),
	}
}

func payloadKey(hash string, class types.PayloadClass) string {
	return fmt.Sprintf("payloads/%s/%s.tar.zst", class, hash)
}

func flightKey(hash string, class types.PayloadClass) string {
	return string(class) + "/" + hash
}

// Has reports whether the payload is already in the store. A manifest
// entry is proof: entries are only recorded after a verified upload.
func (m *Manager) Has(hash string, class types.PayloadClass) (bool, error) {
	_, ok, err := m.manifest.GetEntry(hash, class)
	return ok, err
}

// Put ensures the payload rooted at dir is in the store and returns
// its entry. A manifest hit skips the transfer entirely. Concurrent
// callers for the same (hash, class) share a single upload: the first
// performs it, the rest wait for its outcome.
func (m *Manager) Put(ctx context.Context, hash string, class types.PayloadClass, dir string, ignore []string) (types.CacheEntry, error) {
	entry, ok, err := m.manifest.GetEntry(hash, class)
	if err != nil {
		return types.CacheEntry{}, err
	}
	if ok {
		metrics.CacheHits.WithLabelValues(string(class)).Inc()
		now := time.Now()
		if err := m.manifest.TouchEntry(hash, class, now); err != nil {
			log.Printf("cache: failed to touch entry %s/%s: %v", class, hash, err)
		}
		entry.LastUsed = now
		return entry, nil
	}
	metrics.CacheMisses.WithLabelValues(string(class)).Inc()

	fk := flightKey(hash, class)
	m.mu.Lock()
	if flight, exists := m.inflight[fk]; exists {
		m.mu.Unlock()
		select {
		case <-flight.done:
			return flight.entry, flight.err
		case <-ctx.Done():
			return types.CacheEntry{}, ctx.Err()
		}
	}
	flight := &inflightPut{done: make(chan struct{})}
	m.inflight[fk] = flight
	m.mu.Unlock()

	flight.entry, flight.err = m.upload(ctx, hash, class, dir, ignore)
	close(flight.done)

	m.mu.Lock()
	delete(m.inflight, fk)
	m.mu.Unlock()

	if flight.err == nil {
		m.evictIfNeeded(ctx)
	}
	return flight.entry, flight.err
}

// upload packs, uploads, verifies, then records the entry. A failure
// at any point leaves no manifest entry behind.
func (m *Manager) upload(ctx context.Context, hash string, class types.PayloadClass, dir string, ignore []string) (types.CacheEntry, error) {
	// Entry may have appeared while we were acquiring the flight:
	// another process sharing the manifest can win the race.
	if entry, ok, err := m.manifest.GetEntry(hash, class); err != nil {
		return types.CacheEntry{}, err
	} else if ok {
		return entry, nil
	}

	var buf bytes.Buffer
	if err := PackDir(dir, ignore, &buf); err != nil {
		return types.CacheEntry{}, fmt.Errorf("failed to pack payload %s/%s: %w", class, hash, err)
	}
	size := int64(buf.Len())

	key := payloadKey(hash, class)
	if err := m.store.Upload(ctx, key, &buf); err != nil {
		return types.CacheEntry{}, fmt.Errorf("failed to upload payload %s/%s: %w", class, hash, err)
	}

	// Verify-then-record: never claim an entry the store cannot prove.
	ok, err := m.store.Exists(ctx, key)
	if err != nil {
		return types.CacheEntry{}, fmt.Errorf("failed to verify payload %s/%s: %w", class, hash, err)
	}
	if !ok {
		return types.CacheEntry{}, fmt.Errorf("payload %s/%s missing after upload", class, hash)
	}

	now := time.Now()
	entry := types.CacheEntry{
		Hash:      hash,
		Class:     class,
		StoreKey:  key,
		Size:      size,
		FirstSeen: now,
		LastUsed:  now,
	}
	if err := m.manifest.PutEntry(entry); err != nil {
		return types.CacheEntry{}, fmt.Errorf("failed to record cache entry %s/%s: %w", class, hash, err)
	}
	return entry, nil
}

// Adopt records a manifest entry for a payload some other party
// already uploaded, after verifying the object exists. The remote
// worker uses it to join its local manifest to objects the proxy put
// in the shared store. Size is left zero; adopted entries are sized
// by whoever uploaded them and never dominate eviction accounting.
func (m *Manager) Adopt(ctx context.Context, hash string, class types.PayloadClass) error {
	if _, ok, err := m.manifest.GetEntry(hash, class); err != nil {
		return err
	} else if ok {
		return nil
	}

	key := payloadKey(hash, class)
	ok, err := m.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to verify payload %s/%s: %w", class, hash, err)
	}
	if !ok {
		return fmt.Errorf("%s/%s: %w", class, hash, ErrEntryNotFound)
	}

	now := time.Now()
	return m.manifest.PutEntry(types.CacheEntry{
		Hash:      hash,
		Class:     class,
		StoreKey:  key,
		FirstSeen: now,
		LastUsed:  now,
	})
}

// Materialize downloads the payload into dest and verifies its
// content hash against the key. A missing entry is a hard NotFound; a
// hash mismatch evicts the entry and forces re-upload on the next
// Put.
func (m *Manager) Materialize(ctx context.Context, hash string, class types.PayloadClass, dest string) error {
	entry, ok, err := m.manifest.GetEntry(hash, class)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s/%s: %w", class, hash, ErrEntryNotFound)
	}

	rc, err := m.store.Download(ctx, entry.StoreKey)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			// Manifest claimed an object the store lost. Drop the
			// claim so the invariant holds again.
			m.evict(ctx, entry)
			return fmt.Errorf("%s/%s: %w", class, hash, ErrEntryNotFound)
		}
		return fmt.Errorf("failed to download payload %s/%s: %w", class, hash, err)
	}
	err = UnpackDir(rc, dest)
	rc.Close()
	if err != nil {
		return fmt.Errorf("failed to unpack payload %s/%s: %w", class, hash, err)
	}

	got, err := HashDir(dest, nil)
	if err != nil {
		return fmt.Errorf("failed to verify payload %s/%s: %w", class, hash, err)
	}
	if got != hash {
		m.evict(ctx, entry)
		os.RemoveAll(dest)
		return fmt.Errorf("payload %s/%s hashed to %s: %w", class, hash, got, types.ErrCacheCorruption)
	}

	if err := m.manifest.TouchEntry(hash, class, time.Now()); err != nil {
		log.Printf("cache: failed to touch entry %s/%s: %v", class, hash, err)
	}
	return nil
}

// evict removes an entry and its object. Best effort on the object:
// the manifest record goes first so the invariant (entry implies
// retrievable object) is never violated in the other direction.
func (m *Manager) evict(ctx context.Context, entry types.CacheEntry) {
	if err := m.manifest.DeleteEntry(entry.Hash, entry.Class); err != nil {
		log.Printf("cache: failed to delete entry %s/%s: %v", entry.Class, entry.Hash, err)
		return
	}
	if err := m.store.Delete(ctx, entry.StoreKey); err != nil {
		log.Printf("cache: failed to delete object %s: %v", entry.StoreKey, err)
	}
	metrics.CacheEvictions.Inc()
}

// evictIfNeeded removes least-recently-used unpinned entries until
// total cached size is back under the high-water mark.
func (m *Manager) evictIfNeeded(ctx context.Context) {
	if m.highWater <= 0 {
		return
	}

	entries, err := m.manifest.ListEntries()
	if err != nil {
		log.Printf("cache: failed to list entries for eviction: %v", err)
		return
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total <= m.highWater {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastUsed.Before(entries[j].LastUsed)
	})

	for _, e := range entries {
		if total <= m.highWater {
			return
		}
		if m.pinned != nil && m.pinned(e.Hash, e.Class) {
			continue
		}
		m.evict(ctx, e)
		total -= e.Size
	}
}
