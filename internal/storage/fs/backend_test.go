package fs

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstore/flowstore/internal/cache"
	"github.com/flowstore/flowstore/internal/storage"
	"github.com/flowstore/flowstore/internal/storage/storagetest"
	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
)

func newProvider(t *testing.T, settings Settings) (*storage.Provider, string) {
	t.Helper()
	remote := t.TempDir()
	p, err := storage.NewProvider(New(settings), storage.Settings{
		LocalPrefix: filepath.Join(t.TempDir(), "local"),
	}, storage.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return p, remote
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestBackend_Registers(t *testing.T) {
	r := storage.NewRegistry()
	require.NoError(t, r.Register(New(Settings{})))

	b, err := r.ForQuery("file:///tmp/x")
	require.NoError(t, err)
	assert.Equal(t, Name, b.Name())
}

func TestBackend_IsValidQuery(t *testing.T) {
	b := New(Settings{})
	assert.True(t, b.IsValidQuery("data/a.txt").Valid)
	assert.True(t, b.IsValidQuery("file:///data/a.txt").Valid)
	assert.False(t, b.IsValidQuery("data/../../etc/passwd").Valid)
	assert.False(t, b.IsValidQuery("s3://bucket/key").Valid)
	assert.False(t, b.IsValidQuery("").Valid)
}

func TestObject_LocalSuffix(t *testing.T) {
	b := New(Settings{})
	o, err := b.NewObject("/mnt/shared/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "mnt/shared/a.txt", o.LocalSuffix())

	o, err = b.NewObject("file://results/x")
	require.NoError(t, err)
	assert.Equal(t, "results/x", o.LocalSuffix())
}

func TestRetrieveFile(t *testing.T) {
	p, remote := newProvider(t, Settings{})
	src := filepath.Join(remote, "data", "sample.txt")
	writeFile(t, src, "ACGT")
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(src, past, past))

	o, err := p.Object(src)
	require.NoError(t, err)
	ctx := context.Background()

	exists, err := o.ManagedExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	mtime, err := o.ManagedMtime(ctx)
	require.NoError(t, err)
	assert.InDelta(t, float64(past.Unix()), mtime, 1)

	require.NoError(t, o.ManagedRetrieve(ctx))
	data, err := os.ReadFile(o.LocalPath())
	require.NoError(t, err)
	assert.Equal(t, "ACGT", string(data))

	info, err := os.Stat(o.LocalPath())
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past), "mtime is preserved")
}

func TestRetrieveDirectory(t *testing.T) {
	p, remote := newProvider(t, Settings{})
	dir := filepath.Join(remote, "tree")
	writeFile(t, filepath.Join(dir, "a.txt"), "aaaa")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "bb")

	o, err := p.Object(dir)
	require.NoError(t, err)
	ctx := context.Background()

	size, err := o.ManagedSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	footprint, err := o.ManagedLocalFootprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), footprint)

	require.NoError(t, o.ManagedRetrieve(ctx))
	data, err := os.ReadFile(filepath.Join(o.LocalPath(), "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bb", string(data))
}

func TestRetrieveMissing(t *testing.T) {
	p, remote := newProvider(t, Settings{})

	o, err := p.Object(filepath.Join(remote, "missing.txt"))
	require.NoError(t, err)

	exists, err := o.ManagedExists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)

	err = o.ManagedRetrieve(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeObjectNotFound))
	_, statErr := os.Lstat(o.LocalPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestRetrieveOnDemandSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	p, remote := newProvider(t, Settings{SymlinkOnDemand: true})
	src := filepath.Join(remote, "big.bam")
	writeFile(t, src, "reads")

	o, err := p.Object(src, storage.WithOnDemandEligible(true), storage.WithKeepLocal(false))
	require.NoError(t, err)
	require.NoError(t, o.ManagedRetrieve(context.Background()))

	info, err := os.Lstat(o.LocalPath())
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)

	o, err = p.Object(src, storage.WithOnDemandEligible(true), storage.WithKeepLocal(true),
		storage.WithLocalPath(filepath.Join(t.TempDir(), "copy.bam")))
	require.NoError(t, err)
	require.NoError(t, o.ManagedRetrieve(context.Background()))
	info, err = os.Lstat(o.LocalPath())
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSymlink, "kept objects are copied")
}

func TestStoreTouchRemove(t *testing.T) {
	p, remote := newProvider(t, Settings{})
	dst := filepath.Join(remote, "results", "out.txt")
	ctx := context.Background()

	o, err := p.Object(dst)
	require.NoError(t, err)
	writeFile(t, o.LocalPath(), "done")

	require.NoError(t, o.ManagedStore(ctx))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))

	old := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(dst, old, old))
	require.NoError(t, o.ManagedTouch(ctx))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), time.Minute)

	require.NoError(t, o.ManagedRemove(ctx))
	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))
}

func TestTouchCreates(t *testing.T) {
	p, remote := newProvider(t, Settings{})
	flag := filepath.Join(remote, "flags", "done")

	o, err := p.Object(flag)
	require.NoError(t, err)
	require.NoError(t, o.ManagedTouch(context.Background()))
	_, err = os.Stat(flag)
	assert.NoError(t, err)
}

func TestGlob(t *testing.T) {
	p, remote := newProvider(t, Settings{})
	writeFile(t, filepath.Join(remote, "reads", "A", "1.fq"), "")
	writeFile(t, filepath.Join(remote, "reads", "B", "2.fq"), "")
	writeFile(t, filepath.Join(remote, "reads", "B", "notes.txt"), "")

	pattern := filepath.Join(remote, "reads", "{sample}", "{unit,[0-9]+}.fq")
	bindings, err := p.Glob(context.Background(), pattern)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, bindings.Values["sample"])
	assert.Equal(t, 2, bindings.Matches)

	objects, err := p.Objects(context.Background(), pattern)
	require.NoError(t, err)
	require.Len(t, objects, 2)
	for _, o := range objects {
		exists, err := o.ManagedExists(context.Background())
		require.NoError(t, err)
		assert.True(t, exists)
	}
}

func TestInventory(t *testing.T) {
	_, remote := newProvider(t, Settings{})
	writeFile(t, filepath.Join(remote, "a.txt"), "aaa")
	writeFile(t, filepath.Join(remote, "b.txt"), "b")
	require.NoError(t, os.Mkdir(filepath.Join(remote, "sub"), 0o755))

	inv := cache.NewInventory()
	b := New(Settings{})
	obj, err := b.NewObject(filepath.Join(remote, "a.txt"))
	require.NoError(t, err)

	require.NoError(t, obj.(types.Inventorier).Inventory(context.Background(), inv))
	assert.True(t, inv.Inventoried(remote))

	size, ok := inv.Size(filepath.Join(remote, "b.txt"))
	require.True(t, ok)
	assert.Equal(t, int64(1), size)

	size, ok = inv.Size(filepath.Join(remote, "sub"))
	require.True(t, ok)
	assert.Equal(t, int64(0), size)

	exists, ok := inv.ExistsRemote(filepath.Join(remote, "a.txt"))
	require.True(t, ok)
	assert.True(t, exists)

	missing, err := b.NewObject(filepath.Join(remote, "nope", "x"))
	require.NoError(t, err)
	require.NoError(t, missing.(types.Inventorier).Inventory(context.Background(), inv))
	exists, ok = inv.ExistsRemote(filepath.Join(remote, "nope", "x"))
	require.True(t, ok)
	assert.False(t, exists)
}

func TestConformance(t *testing.T) {
	remote := t.TempDir()
	storagetest.Run(t, storagetest.Case{
		Backend:          New(Settings{}),
		Query:            filepath.Join(remote, "conformance", "a.txt"),
		QueryNotExisting: filepath.Join(remote, "conformance", "missing.txt"),
	})
}
