package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dreamware/nameserver/internal/cluster"
)

// ManifestStore persists snapshot manifests.
type ManifestStore interface {
	SaveManifest(ctx context.Context, m cluster.Manifest) error
	DeleteManifest(ctx context.Context, m cluster.Manifest) error
}

type manifestKey struct {
	endpoint string
	tid      uint32
	pid      uint32
}

// ManifestCatalog is the nameserver's authoritative copy of the latest
// snapshot manifest per (tid, pid, endpoint).
type ManifestCatalog struct {
	entries map[manifestKey]cluster.Manifest
	store   ManifestStore
	mu      sync.Mutex
}

// NewManifestCatalog creates an empty catalog. A nil store keeps manifests in
// memory only.
func NewManifestCatalog(store ManifestStore) *ManifestCatalog {
	return &ManifestCatalog{entries: make(map[manifestKey]cluster.Manifest), store: store}
}

// Record stores m as the latest manifest for its replica. An offset lower
// than the one already recorded is rejected with ErrOffsetRegression.
func (c *ManifestCatalog) Record(ctx context.Context, m cluster.Manifest) error {
	key := manifestKey{tid: m.TID, pid: m.PID, endpoint: m.Endpoint}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[key]; ok && m.Offset < prev.Offset {
		return fmt.Errorf("%w: tid %d pid %d %s at %d, got %d",
			ErrOffsetRegression, m.TID, m.PID, m.Endpoint, prev.Offset, m.Offset)
	}
	if c.store != nil {
		if err := c.store.SaveManifest(ctx, m); err != nil {
			return fmt.Errorf("persisting manifest: %w", err)
		}
	}
	c.entries[key] = m
	log.Info().Uint32("tid", m.TID).Uint32("pid", m.PID).Str("endpoint", m.Endpoint).
		Uint64("offset", m.Offset).Str("name", m.Name).Msg("manifest recorded")
	return nil
}

// Get returns the manifest recorded for one replica.
func (c *ManifestCatalog) Get(tid, pid uint32, endpoint string) (cluster.Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[manifestKey{tid: tid, pid: pid, endpoint: endpoint}]
	return m, ok
}

// List returns the manifests of one table, or all manifests when tid is 0,
// ordered by tid, pid and endpoint.
func (c *ManifestCatalog) List(tid uint32) []cluster.Manifest {
	c.mu.Lock()
	out := make([]cluster.Manifest, 0, len(c.entries))
	for k, m := range c.entries {
		if tid == 0 || k.tid == tid {
			out = append(out, m)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TID != b.TID {
			return a.TID < b.TID
		}
		if a.PID != b.PID {
			return a.PID < b.PID
		}
		return a.Endpoint < b.Endpoint
	})
	return out
}

// Forget removes every manifest of a table. Store failures are logged; a
// stale manifest for a dropped table is harmless.
func (c *ManifestCatalog) Forget(ctx context.Context, tid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, m := range c.entries {
		if k.tid != tid {
			continue
		}
		if c.store != nil {
			if err := c.store.DeleteManifest(ctx, m); err != nil {
				log.Warn().Err(err).Uint32("tid", tid).Uint32("pid", k.pid).Msg("failed to delete manifest")
			}
		}
		delete(c.entries, k)
	}
}

// Load replaces the catalog content with persisted manifests.
func (c *ManifestCatalog) Load(manifests []cluster.Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[manifestKey]cluster.Manifest, len(manifests))
	for _, m := range manifests {
		c.entries[manifestKey{tid: m.TID, pid: m.PID, endpoint: m.Endpoint}] = m
	}
}
