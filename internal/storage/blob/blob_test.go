package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstore/flowstore/internal/cache"
	"github.com/flowstore/flowstore/internal/storage"
	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
)

type memBlob struct {
	data     []byte
	modified time.Time
}

// memClient is an in-memory Client
type memClient struct {
	mu      sync.Mutex
	blobs   map[string]memBlob // bucket/key
	touched []string
	listErr error
}

func newMem() *memClient { return &memClient{blobs: make(map[string]memBlob)} }

func (m *memClient) put(bucket, key, data string, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[bucket+"/"+key] = memBlob{data: []byte(data), modified: modified}
}

func (m *memClient) data(bucket, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[bucket+"/"+key]
	return string(b.data), ok
}

func (m *memClient) Stat(_ context.Context, bucket, key string) (Attrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[bucket+"/"+key]
	if !ok {
		return Attrs{}, fmt.Errorf("stat %s: %w", key, ErrNotExist)
	}
	return Attrs{Key: key, Size: int64(len(b.data)), Modified: b.modified}, nil
}

func (m *memClient) List(_ context.Context, bucket, prefix, delimiter string) ([]Attrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []Attrs
	dirs := map[string]bool{}
	for k, b := range m.blobs {
		key, ok := strings.CutPrefix(k, bucket+"/")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if delimiter != "" {
			if i := strings.Index(key[len(prefix):], delimiter); i >= 0 {
				dir := key[:len(prefix)+i+1]
				if !dirs[dir] {
					dirs[dir] = true
					out = append(out, Attrs{Key: dir, Dir: true})
				}
				continue
			}
		}
		out = append(out, Attrs{Key: key, Size: int64(len(b.data)), Modified: b.modified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memClient) Download(_ context.Context, bucket, key string, w io.Writer) error {
	data, ok := m.data(bucket, key)
	if !ok {
		return ErrNotExist
	}
	_, err := io.WriteString(w, data)
	return err
}

func (m *memClient) Upload(_ context.Context, bucket, key string, r io.Reader, _ int64) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.put(bucket, key, buf.String(), time.Now())
	return nil
}

func (m *memClient) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[bucket+"/"+key]; !ok {
		return ErrNotExist
	}
	delete(m.blobs, bucket+"/"+key)
	return nil
}

func (m *memClient) Touch(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[bucket+"/"+key]
	if !ok {
		return ErrNotExist
	}
	b.modified = time.Now()
	m.blobs[bucket+"/"+key] = b
	m.touched = append(m.touched, key)
	return nil
}

var (
	t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(2 * time.Hour)

	testScheme = Scheme{
		Name:                 "mem",
		Protocol:             "mem://",
		Bucket:               regexp.MustCompile(`^[a-z0-9-]{3,}$`),
		MaxRequestsPerSecond: 50,
		Examples:             []types.QueryExample{{Query: "mem://bucket/a.txt", Description: "a blob"}},
	}
)

func newTestBackend(m *memClient) *Backend { return New(testScheme, m, WithConcurrency(2)) }

func obj(t *testing.T, b *Backend, q string) *Object {
	t.Helper()
	o, err := b.NewObject(q)
	require.NoError(t, err)
	return o.(*Object)
}

func TestBackend_Query(t *testing.T) {
	b := newTestBackend(newMem())

	assert.True(t, b.IsValidQuery("mem://bucket/a/b.txt").Valid)
	for _, q := range []string{"gs://bucket/a", "mem://bucket", "mem://bucket/", "mem://Bucket/a", "mem://bucket//a"} {
		assert.False(t, b.IsValidQuery(q).Valid, q)
	}
	assert.Equal(t, "bucket", b.RateLimiterKey("mem://bucket/a/b.txt", types.OpRetrieve))
	assert.Equal(t, float64(50), b.DefaultMaxRequestsPerSecond())
	assert.Equal(t, "bucket/a/b.txt", obj(t, b, "mem://bucket/a/b.txt").LocalSuffix())

	r := storage.NewRegistry()
	require.NoError(t, r.Register(b))
}

func TestObject_FileAndDirectory(t *testing.T) {
	m := newMem()
	m.put("bucket", "a.txt", "hello", t0)
	m.put("bucket", "dir/x", "xx", t0)
	m.put("bucket", "dir/sub/y", "yyy", t1)
	m.put("bucket", "dir/sub/", "", t0)
	b := newTestBackend(m)
	ctx := context.Background()

	file := obj(t, b, "mem://bucket/a.txt")
	size, err := file.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	dir := obj(t, b, "mem://bucket/dir")
	exists, err := dir.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	size, err = dir.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
	footprint, err := dir.LocalFootprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), footprint)
	mtime, err := dir.Mtime(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(t1.Unix()), mtime)

	missing := obj(t, b, "mem://bucket/nope")
	exists, err = missing.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = missing.Mtime(ctx)
	assert.True(t, errors.IsCode(err, errors.ErrCodeObjectNotFound))
}

func TestObject_Retrieve(t *testing.T) {
	m := newMem()
	m.put("bucket", "a.txt", "hello", t0)
	m.put("bucket", "dir/x", "xx", t0)
	m.put("bucket", "dir/sub/y", "yyy", t1)
	b := newTestBackend(m)
	ctx := context.Background()
	local := t.TempDir()

	require.NoError(t, obj(t, b, "mem://bucket/a.txt").RetrieveObject(ctx, filepath.Join(local, "a.txt"), false))
	data, err := os.ReadFile(filepath.Join(local, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	info, err := os.Stat(filepath.Join(local, "a.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(t0))

	require.NoError(t, obj(t, b, "mem://bucket/dir").RetrieveObject(ctx, filepath.Join(local, "dir"), false))
	data, err = os.ReadFile(filepath.Join(local, "dir", "sub", "y"))
	require.NoError(t, err)
	assert.Equal(t, "yyy", string(data))

	err = obj(t, b, "mem://bucket/nope").RetrieveObject(ctx, filepath.Join(local, "nope"), false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeObjectNotFound))
}

func TestObject_StoreRemoveTouch(t *testing.T) {
	m := newMem()
	b := newTestBackend(m)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b"), []byte("bb"), 0o644))

	dir := obj(t, b, "mem://bucket/out")
	require.NoError(t, dir.StoreObject(ctx, src))
	got, ok := m.data("bucket", "out/sub/b")
	require.True(t, ok)
	assert.Equal(t, "bb", got)

	require.NoError(t, dir.Remove(ctx))
	exists, err := dir.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, dir.Remove(ctx))

	f := obj(t, b, "mem://bucket/flag")
	require.NoError(t, f.Touch(ctx))
	_, ok = m.data("bucket", "flag")
	assert.True(t, ok)
	assert.Empty(t, m.touched)

	require.NoError(t, f.Touch(ctx))
	assert.Equal(t, []string{"flag"}, m.touched)
}

func TestObject_GlobAndInventory(t *testing.T) {
	m := newMem()
	for _, k := range []string{"in/s1.fq", "in/s2.fq", "in/nested/s3.fq", "in/", "other.fq"} {
		m.put("bucket", k, "AC", t0)
	}
	b := newTestBackend(m)
	ctx := context.Background()

	got, err := obj(t, b, "mem://bucket/in/{sample}.fq").ListCandidateMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://bucket/in/nested/s3.fq", "mem://bucket/in/s1.fq", "mem://bucket/in/s2.fq"}, got)

	inv := cache.NewInventory()
	o := obj(t, b, "mem://bucket/in/s9.fq")
	require.NoError(t, o.Inventory(ctx, inv))

	exists, known := inv.ExistsRemote("mem://bucket/in/s1.fq")
	assert.True(t, known && exists)
	exists, known = inv.ExistsRemote("mem://bucket/in/nested")
	assert.True(t, known && exists)
	exists, known = inv.ExistsRemote("mem://bucket/in/s9.fq")
	assert.True(t, known)
	assert.False(t, exists)
	_, known = inv.ExistsRemote("mem://bucket/in")
	assert.False(t, known)
}

func TestObject_InventoryFailedListingRecordsNothing(t *testing.T) {
	m := newMem()
	m.put("bucket", "in/s1.fq", "AC", t0)
	b := newTestBackend(m)
	ctx := context.Background()
	inv := cache.NewInventory()
	o := obj(t, b, "mem://bucket/in/s1.fq")

	m.listErr = errors.NewError(errors.ErrCodeNetworkError, "connection reset")
	require.Error(t, o.Inventory(ctx, inv))
	assert.False(t, inv.Inventoried(o.InventoryParent()))
	_, known := inv.ExistsRemote("mem://bucket/in/s1.fq")
	assert.False(t, known)

	m.listErr = nil
	require.NoError(t, o.Inventory(ctx, inv))
	exists, known := inv.ExistsRemote("mem://bucket/in/s1.fq")
	assert.True(t, known && exists)
}
