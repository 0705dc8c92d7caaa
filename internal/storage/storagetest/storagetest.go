// Package storagetest drives the managed object lifecycle against a storage
// backend. Backend packages call Run from their tests with a fake or local
// server behind the backend.
package storagetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstore/flowstore/internal/storage"
	"github.com/flowstore/flowstore/pkg/types"
)

// Content is what Run stores and expects to retrieve for writable backends
const Content = "test"

// Case describes one backend under test
type Case struct {
	Backend  types.Backend
	Settings storage.Settings

	// Query names the object used for the lifecycle. For retrieve only
	// backends it must already exist.
	Query string

	// QueryNotExisting, if set, must report that it does not exist
	QueryNotExisting string

	// RetrieveOnly skips store, touch and remove
	RetrieveOnly bool
}

// Run registers the backend, stores Content under Query unless the case is
// retrieve only, checks existence, mtime and size, retrieves the object into
// the local prefix and finally touches and removes it when the backend
// supports that.
func Run(t *testing.T, c Case) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, storage.NewRegistry().Register(c.Backend), "register %s", c.Backend.Name())

	settings := c.Settings
	if settings.LocalPrefix == "" {
		settings.LocalPrefix = filepath.Join(t.TempDir(), "local")
	}
	p, err := storage.NewProvider(c.Backend, settings, storage.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	o, err := p.Object(c.Query)
	require.NoError(t, err)

	caps := c.Backend.Capabilities()
	writable := !c.RetrieveOnly && caps.Has(types.CapWrite)
	if writable {
		require.NoError(t, os.MkdirAll(filepath.Dir(o.LocalPath()), 0o755))
		require.NoError(t, os.WriteFile(o.LocalPath(), []byte(Content), 0o644))
		require.NoError(t, o.ManagedStore(ctx), "store %s", o.PrintQuery())
	}

	exists, err := o.ManagedExists(ctx)
	require.NoError(t, err)
	require.True(t, exists, "%s should exist", o.PrintQuery())

	mtime, err := o.ManagedMtime(ctx)
	require.NoError(t, err)
	assert.Greater(t, mtime, 0.0, "mtime of %s", o.PrintQuery())

	size, err := o.ManagedSize(ctx)
	require.NoError(t, err)
	if writable {
		assert.Equal(t, int64(len(Content)), size)
	} else {
		assert.GreaterOrEqual(t, size, int64(0))
	}

	require.NoError(t, os.RemoveAll(o.LocalPath()))
	require.NoError(t, o.ManagedRetrieve(ctx), "retrieve %s", o.PrintQuery())
	data, err := os.ReadFile(o.LocalPath())
	require.NoError(t, err)
	if writable {
		assert.Equal(t, Content, string(data))
	}

	if c.QueryNotExisting != "" {
		missing, err := p.Object(c.QueryNotExisting)
		require.NoError(t, err)
		exists, err := missing.ManagedExists(ctx)
		require.NoError(t, err)
		assert.False(t, exists, "%s should not exist", missing.PrintQuery())
	}

	if !writable {
		return
	}
	if caps.Has(types.CapTouch) {
		require.NoError(t, o.ManagedTouch(ctx), "touch %s", o.PrintQuery())
		exists, err := o.ManagedExists(ctx)
		require.NoError(t, err)
		assert.True(t, exists, "%s should exist after touch", o.PrintQuery())
	}
	require.NoError(t, o.ManagedRemove(ctx), "remove %s", o.PrintQuery())
	exists, err = o.ManagedExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists, "%s should not exist after remove", o.PrintQuery())
}
