package storage

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
)

// ObjectOption configures an Object
type ObjectOption func(*Object)

// WithKeepLocal overrides the provider's keep-local setting
func WithKeepLocal(keep bool) ObjectOption {
	return func(o *Object) { o.keepLocal = keep }
}

// WithRetrieve sets whether the object is retrieved eagerly
func WithRetrieve(retrieve bool) ObjectOption {
	return func(o *Object) { o.retrieve = retrieve }
}

// WithStatic marks the object as always up to date
func WithStatic(static bool) ObjectOption {
	return func(o *Object) { o.static = static }
}

// WithLocalPath stores the object at path instead of below the local prefix
func WithLocalPath(path string) ObjectOption {
	return func(o *Object) { o.localPathOverride = path }
}

// WithOnDemandEligible allows the backend to expose the object without a
// full transfer. It has no effect when the object is kept locally.
func WithOnDemandEligible(eligible bool) ObjectOption {
	return func(o *Object) { o.onDemand = eligible }
}

// Object is a managed handle for one concrete query of a provider. It is
// owned by the caller that created it; operations on the same object must be
// sequenced by that caller.
type Object struct {
	provider          *Provider
	inner             types.StorageObject
	query             string
	printQuery        string
	localPath         string
	localPathOverride string

	keepLocal bool
	retrieve  bool
	static    bool
	onDemand  bool
}

func (o *Object) Query() string { return o.query }

// PrintQuery returns the query without credentials
func (o *Object) PrintQuery() string { return o.printQuery }

func (o *Object) Provider() *Provider { return o.provider }

// Inner returns the backend primitive object
func (o *Object) Inner() types.StorageObject { return o.inner }

func (o *Object) KeepLocal() bool { return o.keepLocal }

// ShouldRetrieve reports whether the object is retrieved eagerly
func (o *Object) ShouldRetrieve() bool { return o.retrieve }

func (o *Object) IsStatic() bool { return o.static }

// IsOnDemandEligible is never true for objects kept locally
func (o *Object) IsOnDemandEligible() bool { return o.onDemand && !o.keepLocal }

// LocalSuffix returns the backend's relative local path for the query
func (o *Object) LocalSuffix() string { return o.inner.LocalSuffix() }

// LocalPath returns the override path if set, else LocalPrefix/LocalSuffix
func (o *Object) LocalPath() string {
	if o.localPathOverride != "" {
		return o.localPathOverride
	}
	return o.localPath
}

// CacheKey identifies the object in an output cache. Objects with an
// overridden local path have no cache key.
func (o *Object) CacheKey() (string, error) {
	if o.localPathOverride != "" {
		return "", errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("cache key of %s is undefined: local path is overridden", o.printQuery)).
			WithComponent(o.provider.Name())
	}
	return o.provider.Name() + "/" + o.inner.LocalSuffix(), nil
}

// Clone returns an independent copy. The inner object is duplicated, never shared.
func (o *Object) Clone() (*Object, error) {
	cp := *o
	if c, ok := o.inner.(types.Cloner); ok {
		cp.inner = c.Clone()
		return &cp, nil
	}
	inner, err := o.provider.newInner(o.query)
	if err != nil {
		return nil, err
	}
	cp.inner = inner
	return &cp, nil
}

func (o *Object) String() string { return o.printQuery }

// action describes one managed call: the operation used for capability
// checks and rate limiting, the metrics label and the verb used in errors.
type action struct {
	op    types.Operation
	label string
	verb  string
}

var (
	actExists    = action{types.OpExists, "exists", "check existence of"}
	actMtime     = action{types.OpMtime, "mtime", "get modification time of"}
	actSize      = action{types.OpSize, "size", "get size of"}
	actFootprint = action{types.OpSize, "footprint", "get local footprint of"}
	actRetrieve  = action{types.OpRetrieve, "retrieve", "retrieve"}
	actStore     = action{types.OpStore, "store", "store"}
	actRemove    = action{types.OpRemove, "remove", "remove"}
	actTouch     = action{types.OpTouch, "touch", "touch"}
	actInventory = action{types.OpExists, "inventory", "inventory"}
)

// run wraps one backend primitive in the capability check, circuit breaker,
// rate limiter permit, metrics and error wrapping. fn returns the number of bytes moved.
func (o *Object) run(ctx context.Context, a action, fn func(context.Context) (int64, error)) error {
	p := o.provider
	if !p.backend.Capabilities().Has(a.op.Required()) {
		return errors.NewUnsupportedOperationError(p.Name(), a.label, o.printQuery)
	}

	done := p.metrics.TrackInFlight(p.Name(), a.label)
	defer done()

	start := time.Now()
	release, err := p.acquire(ctx, o.query, a.op)
	if err != nil {
		return errors.NewOperationFailure(p.Name(), a.verb, o.printQuery, err)
	}

	n, err := fn(ctx)
	release(err)
	p.metrics.RecordOperation(p.Name(), a.label, time.Since(start), n, err)
	if err != nil {
		p.logger.Debug().Err(err).Str("operation", a.label).Str("query", o.printQuery).Msg("Storage operation failed")
		return errors.NewOperationFailure(p.Name(), a.verb, o.printQuery, err)
	}
	return nil
}

func (o *Object) reader() types.Reader { return o.inner.(types.Reader) }

// inventory returns the cache consulted for a, nil when there is none. The
// capability check runs first so a cache hit never hides an unsupported call.
func (o *Object) inventory(a action) (types.IOCache, error) {
	p := o.provider
	if !p.backend.Capabilities().Has(a.op.Required()) {
		return nil, errors.NewUnsupportedOperationError(p.Name(), a.label, o.printQuery)
	}
	return p.inventory, nil
}

// forget drops cached facts about the object after it was changed
func (o *Object) forget() {
	if inv := o.provider.inventory; inv != nil {
		inv.Forget(o.query)
	}
}

// ManagedExists reports whether the object exists. Static objects always exist.
func (o *Object) ManagedExists(ctx context.Context) (bool, error) {
	if o.static {
		return true, nil
	}
	inv, err := o.inventory(actExists)
	if err != nil {
		return false, err
	}
	if inv != nil {
		if exists, ok := inv.ExistsRemote(o.query); ok {
			return exists, nil
		}
	}

	var exists bool
	err = o.run(ctx, actExists, func(ctx context.Context) (int64, error) {
		var err error
		exists, err = o.reader().Exists(ctx)
		return 0, err
	})
	return exists, err
}

// ManagedMtime returns the modification time in seconds since the epoch.
// Static objects report negative infinity.
func (o *Object) ManagedMtime(ctx context.Context) (float64, error) {
	if o.static {
		return math.Inf(-1), nil
	}
	inv, err := o.inventory(actMtime)
	if err != nil {
		return 0, err
	}
	if inv != nil {
		if m, ok := inv.Mtime(o.query); ok {
			if ts, ok := m.Remote(); ok {
				return ts, nil
			}
		}
	}

	var mtime float64
	err = o.run(ctx, actMtime, func(ctx context.Context) (int64, error) {
		var err error
		mtime, err = o.reader().Mtime(ctx)
		return 0, err
	})
	return mtime, err
}

// IsNewer reports whether the object was modified after ts. Static objects never are.
func (o *Object) IsNewer(ctx context.Context, ts float64) (bool, error) {
	if o.static {
		return false, nil
	}
	mtime, err := o.ManagedMtime(ctx)
	if err != nil {
		return false, err
	}
	return mtime > ts, nil
}

// ManagedSize returns the size in bytes, 0 for directories
func (o *Object) ManagedSize(ctx context.Context) (int64, error) {
	inv, err := o.inventory(actSize)
	if err != nil {
		return 0, err
	}
	if inv != nil {
		if size, ok := inv.Size(o.query); ok {
			return size, nil
		}
	}

	var size int64
	err = o.run(ctx, actSize, func(ctx context.Context) (int64, error) {
		var err error
		size, err = o.reader().Size(ctx)
		return 0, err
	})
	return size, err
}

// ManagedLocalFootprint returns the space a local copy will need. It equals
// ManagedSize unless the backend reports a footprint of its own, e.g. the
// recursive size of a directory. The value is only used to wait for free
// space and is not checked against the retrieved copy.
func (o *Object) ManagedLocalFootprint(ctx context.Context) (int64, error) {
	fr, ok := o.inner.(types.FootprintReporter)
	if !ok {
		return o.ManagedSize(ctx)
	}
	var footprint int64
	err := o.run(ctx, actFootprint, func(ctx context.Context) (int64, error) {
		var err error
		footprint, err = fr.LocalFootprint(ctx)
		return 0, err
	})
	return footprint, err
}

// ManagedRetrieve copies the object to LocalPath. It first waits for enough
// free space for the local footprint. If the retrieval fails, is canceled or
// panics, whatever was written to LocalPath is removed before the error
// propagates.
func (o *Object) ManagedRetrieve(ctx context.Context) error {
	p := o.provider
	if !p.backend.Capabilities().Has(types.CapRead) {
		return errors.NewUnsupportedOperationError(p.Name(), "retrieve", o.printQuery)
	}
	localPath := o.LocalPath()

	footprint, err := o.ManagedLocalFootprint(ctx)
	if err != nil {
		return err
	}
	if footprint < 0 {
		footprint = 0
	}
	if err := p.waiter.WaitForFreeSpace(ctx, uint64(footprint), localPath, p.settings.WaitForFreeLocalStorage); err != nil {
		return err
	}

	completed := false
	defer func() {
		if completed {
			return
		}
		// Runs for errors and panics alike; a panic keeps unwinding afterwards.
		o.removePartial(localPath)
	}()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.NewOperationFailure(p.Name(), "retrieve", o.printQuery,
			fmt.Errorf("create local directory: %w", err))
	}

	err = o.run(ctx, actRetrieve, func(ctx context.Context) (int64, error) {
		if err := o.reader().RetrieveObject(ctx, localPath, o.IsOnDemandEligible()); err != nil {
			return 0, err
		}
		return footprint, nil
	})
	if err != nil {
		return err
	}

	completed = true
	p.logger.Debug().Str("query", o.printQuery).Str("local_path", localPath).Msg("Retrieved object")
	return nil
}

func (o *Object) removePartial(localPath string) {
	p := o.provider
	if _, err := os.Lstat(localPath); err != nil {
		if !stderr.Is(err, os.ErrNotExist) {
			p.logger.Warn().Err(err).Str("local_path", localPath).Msg("Failed to inspect partial download")
		}
		return
	}
	err := os.RemoveAll(localPath)
	p.metrics.RecordCleanup(p.Name(), err)
	if err != nil {
		p.logger.Error().Err(err).
			Str("query", o.printQuery).
			Str("local_path", localPath).
			Msg("Failed to remove partial download")
		return
	}
	p.logger.Debug().Str("local_path", localPath).Msg("Removed partial download")
}

// ManagedStore uploads LocalPath to the object's location
func (o *Object) ManagedStore(ctx context.Context) error {
	localPath := o.LocalPath()
	defer o.forget()
	return o.run(ctx, actStore, func(ctx context.Context) (int64, error) {
		var n int64
		if info, err := os.Stat(localPath); err == nil && !info.IsDir() {
			n = info.Size()
		}
		if err := o.inner.(types.Writer).StoreObject(ctx, localPath); err != nil {
			return 0, err
		}
		return n, nil
	})
}

// ManagedRemove deletes the remote object
func (o *Object) ManagedRemove(ctx context.Context) error {
	defer o.forget()
	return o.run(ctx, actRemove, func(ctx context.Context) (int64, error) {
		return 0, o.inner.(types.Writer).Remove(ctx)
	})
}

// ManagedTouch updates the modification time of the remote object
func (o *Object) ManagedTouch(ctx context.Context) error {
	defer o.forget()
	return o.run(ctx, actTouch, func(ctx context.Context) (int64, error) {
		return 0, o.inner.(types.Toucher).Touch(ctx)
	})
}

// Inventory lets the backend record facts about the object and its siblings
// in cache. Parents already listed are skipped.
func (o *Object) Inventory(ctx context.Context, cache types.IOCache) error {
	inv, ok := o.inner.(types.Inventorier)
	if !ok || cache.Inventoried(inv.InventoryParent()) {
		return nil
	}
	return o.run(ctx, actInventory, func(ctx context.Context) (int64, error) {
		return 0, inv.Inventory(ctx, cache)
	})
}

// Cleanup removes the local copy unless it is kept, together with any
// backend specific leftovers.
func (o *Object) Cleanup() error {
	if o.keepLocal {
		return nil
	}
	localPath := o.LocalPath()
	if r, ok := o.inner.(types.Reader); ok {
		if err := r.Cleanup(localPath); err != nil {
			return errors.NewOperationFailure(o.provider.Name(), "clean up", o.printQuery, err)
		}
	}
	if err := os.RemoveAll(localPath); err != nil {
		return errors.NewOperationFailure(o.provider.Name(), "clean up", o.printQuery, err)
	}
	return nil
}
