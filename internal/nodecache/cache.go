// Package nodecache keeps recently completed conversation chains keyed by the
// id of their newest message, and persists them across restarts.
package nodecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/observability"
)

// FormatVersion is written into every snapshot. Restores accept any version
// with the same major.minor.
const FormatVersion = "1.0.0"

const DefaultCapacity = 100

var ErrIncompatible = errors.New("incompatible snapshot version")

// Cache is a bounded, insertion-ordered map from anchor id to chain.
// Chains are stored newest-first. When full, the oldest-inserted anchor goes
// first; reads and re-puts do not change an anchor's position.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	chains   map[string][]chat.Node
	now      func() time.Time
	metrics  *observability.Metrics
}

func New(capacity int, metrics *observability.Metrics) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		chains:   make(map[string][]chat.Node),
		now:      func() time.Time { return time.Now().UTC() },
		metrics:  metrics,
	}
}

// Get returns a copy of the chain stored under anchor.
func (c *Cache) Get(anchor string) ([]chat.Node, bool) {
	c.mu.Lock()
	chain, ok := c.chains[anchor]
	if ok {
		chain = chat.CloneNodes(chain)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		result := "miss"
		if ok {
			result = "hit"
		}
		c.metrics.NodeCacheLookups.WithLabelValues(result).Inc()
	}
	return chain, ok
}

// Put stores chain under anchor, evicting the oldest entries beyond capacity.
func (c *Cache) Put(anchor string, chain []chat.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(anchor, chat.CloneNodes(chain))
	c.evictLocked()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *Cache) Capacity() int {
	return c.capacity
}

// Anchors lists the cached anchors, oldest-inserted first.
func (c *Cache) Anchors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Prune truncates every chain to its newest maxMessages nodes and removes
// entries whose newest node is older than ttl. It returns the number removed.
func (c *Cache) Prune(now time.Time, ttl time.Duration, maxMessages int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	removed := 0
	for _, anchor := range c.order {
		chain := c.chains[anchor]
		if maxMessages > 0 && len(chain) > maxMessages {
			chain = chain[:maxMessages]
			c.chains[anchor] = chain
		}
		if len(chain) == 0 || (ttl > 0 && now.Sub(chain[0].Timestamp) > ttl) {
			delete(c.chains, anchor)
			removed++
			continue
		}
		kept = append(kept, anchor)
	}
	c.order = kept
	c.observeLen()
	return removed
}

type snapshotEntry struct {
	Anchor string      `json:"anchor"`
	Chain  []chat.Node `json:"chain"`
}

type snapshotFile struct {
	Version string          `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Entries []snapshotEntry `json:"entries"`
}

// Snapshot encodes the cache contents in insertion order.
func (c *Cache) Snapshot() ([]byte, error) {
	c.mu.Lock()
	file := snapshotFile{
		Version: FormatVersion,
		SavedAt: c.now(),
		Entries: make([]snapshotEntry, 0, len(c.order)),
	}
	for _, anchor := range c.order {
		file.Entries = append(file.Entries, snapshotEntry{Anchor: anchor, Chain: chat.CloneNodes(c.chains[anchor])})
	}
	c.mu.Unlock()

	data, err := json.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Restore merges a snapshot into the cache. The cache is left untouched when
// the data is malformed or its version is incompatible.
func (c *Cache) Restore(data []byte) error {
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if !Compatible(file.Version) {
		return fmt.Errorf("%w: got %q, want %s", ErrIncompatible, file.Version, semver.MajorMinor("v"+FormatVersion))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range file.Entries {
		if e.Anchor == "" {
			continue
		}
		c.putLocked(e.Anchor, e.Chain)
	}
	c.evictLocked()
	return nil
}

// Compatible reports whether version shares FormatVersion's major.minor.
func Compatible(version string) bool {
	got := semver.MajorMinor("v" + version)
	return got != "" && got == semver.MajorMinor("v"+FormatVersion)
}

func (c *Cache) putLocked(anchor string, chain []chat.Node) {
	if _, exists := c.chains[anchor]; !exists {
		c.order = append(c.order, anchor)
	}
	c.chains[anchor] = chain
}

func (c *Cache) evictLocked() {
	evicted := 0
	for len(c.order) > c.capacity {
		delete(c.chains, c.order[0])
		c.order = c.order[1:]
		evicted++
	}
	if c.metrics != nil && evicted > 0 {
		c.metrics.NodeCacheEvictions.Add(float64(evicted))
	}
	c.observeLen()
}

func (c *Cache) observeLen() {
	if c.metrics != nil {
		c.metrics.NodeCacheEntries.Set(float64(len(c.order)))
	}
}
