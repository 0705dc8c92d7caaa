package cache

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/flowstore/flowstore/pkg/types"
)

// Inventory is an in-memory types.IOCache filled by backend listings.
type Inventory struct {
	mu           sync.RWMutex
	existsLocal  map[string]bool
	existsRemote map[string]bool
	mtime        map[string]types.Mtime
	size         map[string]int64
	inventoried  map[string]struct{}

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ types.IOCache = (*Inventory)(nil)

// InventoryStats reports lookups served from the inventory
type InventoryStats struct {
	Entries     int     `json:"entries"`
	Inventoried int     `json:"inventoried"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
}

// NewInventory creates an empty inventory
func NewInventory() *Inventory {
	return &Inventory{
		existsLocal:  make(map[string]bool),
		existsRemote: make(map[string]bool),
		mtime:        make(map[string]types.Mtime),
		size:         make(map[string]int64),
		inventoried:  make(map[string]struct{}),
	}
}

func (c *Inventory) record(found bool) {
	if found {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *Inventory) SetExistsLocal(path string, exists bool) {
	c.mu.Lock()
	c.existsLocal[path] = exists
	c.mu.Unlock()
}

func (c *Inventory) ExistsLocal(path string) (bool, bool) {
	c.mu.RLock()
	v, ok := c.existsLocal[path]
	c.mu.RUnlock()
	c.record(ok)
	return v, ok
}

func (c *Inventory) SetExistsRemote(path string, exists bool) {
	c.mu.Lock()
	c.existsRemote[path] = exists
	c.mu.Unlock()
}

func (c *Inventory) ExistsRemote(path string) (bool, bool) {
	c.mu.RLock()
	v, ok := c.existsRemote[path]
	c.mu.RUnlock()
	c.record(ok)
	return v, ok
}

func (c *Inventory) SetMtime(path string, mtime types.Mtime) {
	c.mu.Lock()
	c.mtime[path] = mtime
	c.mu.Unlock()
}

func (c *Inventory) Mtime(path string) (types.Mtime, bool) {
	c.mu.RLock()
	v, ok := c.mtime[path]
	c.mu.RUnlock()
	c.record(ok)
	return v, ok
}

func (c *Inventory) SetSize(path string, size int64) {
	c.mu.Lock()
	c.size[path] = size
	c.mu.Unlock()
}

func (c *Inventory) Size(path string) (int64, bool) {
	c.mu.RLock()
	v, ok := c.size[path]
	c.mu.RUnlock()
	c.record(ok)
	return v, ok
}

// Forget drops the facts about path and any path below it. Listed parents
// stay marked, so later lookups of path go to the backend.
func (c *Inventory) Forget(path string) {
	below := strings.TrimSuffix(path, "/") + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range []map[string]bool{c.existsLocal, c.existsRemote} {
		for k := range m {
			if k == path || strings.HasPrefix(k, below) {
				delete(m, k)
			}
		}
	}
	for k := range c.mtime {
		if k == path || strings.HasPrefix(k, below) {
			delete(c.mtime, k)
		}
	}
	for k := range c.size {
		if k == path || strings.HasPrefix(k, below) {
			delete(c.size, k)
		}
	}
}

// MarkInventoried records parent as listed and reports whether this call was the first
func (c *Inventory) MarkInventoried(parent string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.inventoried[parent]; done {
		return false
	}
	c.inventoried[parent] = struct{}{}
	return true
}

func (c *Inventory) Inventoried(parent string) bool {
	c.mu.RLock()
	_, done := c.inventoried[parent]
	c.mu.RUnlock()
	return done
}

// Clear drops every fact
func (c *Inventory) Clear() {
	c.mu.Lock()
	c.existsLocal = make(map[string]bool)
	c.existsRemote = make(map[string]bool)
	c.mtime = make(map[string]types.Mtime)
	c.size = make(map[string]int64)
	c.inventoried = make(map[string]struct{})
	c.mu.Unlock()
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns inventory statistics
func (c *Inventory) Stats() InventoryStats {
	c.mu.RLock()
	entries := len(c.existsRemote)
	inventoried := len(c.inventoried)
	c.mu.RUnlock()

	s := InventoryStats{
		Entries:     entries,
		Inventoried: inventoried,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
