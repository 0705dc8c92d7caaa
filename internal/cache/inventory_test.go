package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowstore/flowstore/pkg/types"
)

func TestInventory_Facts(t *testing.T) {
	c := NewInventory()

	_, ok := c.ExistsRemote("s3://b/k")
	assert.False(t, ok)

	c.SetExistsRemote("s3://b/k", true)
	c.SetExistsLocal("/tmp/b/k", false)
	c.SetSize("s3://b/k", 42)
	c.SetMtime("s3://b/k", types.Mtime{}.WithRemote(1700000000))

	exists, ok := c.ExistsRemote("s3://b/k")
	assert.True(t, ok)
	assert.True(t, exists)

	exists, ok = c.ExistsLocal("/tmp/b/k")
	assert.True(t, ok)
	assert.False(t, exists)

	size, ok := c.Size("s3://b/k")
	assert.True(t, ok)
	assert.Equal(t, int64(42), size)

	m, ok := c.Mtime("s3://b/k")
	assert.True(t, ok)
	remote, _ := m.Remote()
	assert.Equal(t, float64(1700000000), remote)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(4), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.8, stats.HitRate, 1e-9)
}

func TestInventory_MarkInventoriedOnce(t *testing.T) {
	c := NewInventory()

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.MarkInventoried("s3://bucket/prefix") {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, firsts)
	assert.True(t, c.Inventoried("s3://bucket/prefix"))
	assert.False(t, c.Inventoried("s3://bucket/other"))
}

func TestInventory_Clear(t *testing.T) {
	c := NewInventory()
	for i := 0; i < 5; i++ {
		c.SetExistsRemote(fmt.Sprintf("k%d", i), true)
	}
	c.MarkInventoried("p")
	c.Clear()

	assert.Equal(t, InventoryStats{}, c.Stats())
	assert.False(t, c.Inventoried("p"))
}

func TestInventory_Forget(t *testing.T) {
	c := NewInventory()
	for _, k := range []string{"s3://b/dir", "s3://b/dir/a", "s3://b/dir/sub/b", "s3://b/dirx"} {
		c.SetExistsRemote(k, true)
		c.SetSize(k, 1)
		c.SetMtime(k, types.Mtime{}.WithRemote(1))
	}
	c.MarkInventoried("s3://b/")

	c.Forget("s3://b/dir")

	for _, k := range []string{"s3://b/dir", "s3://b/dir/a", "s3://b/dir/sub/b"} {
		_, known := c.ExistsRemote(k)
		assert.False(t, known, k)
		_, known = c.Size(k)
		assert.False(t, known, k)
		_, known = c.Mtime(k)
		assert.False(t, known, k)
	}
	exists, known := c.ExistsRemote("s3://b/dirx")
	assert.True(t, known && exists, "siblings sharing a name prefix are kept")
	assert.True(t, c.Inventoried("s3://b/"))
}
