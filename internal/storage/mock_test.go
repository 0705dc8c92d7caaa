package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowstore/flowstore/internal/diskspace"
	"github.com/flowstore/flowstore/pkg/types"
)

// mockBackend serves "mock://bucket/key" queries from an in-memory map.
type mockBackend struct {
	caps      types.Capability
	rate      float64
	limited   bool
	readOnly  bool
	noClone   bool
	created   atomic.Int64
	mu        sync.Mutex
	objects   map[string][]byte
	mtimes    map[string]float64
	retrieve  func(ctx context.Context, o *mockObject, localPath string) error
	footprint map[string]int64
	fail      map[string]error
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		caps:    types.CapAll,
		rate:    100,
		objects: make(map[string][]byte),
		mtimes:  make(map[string]float64),
	}
}

func (b *mockBackend) put(query string, data string, mtime float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[query] = []byte(data)
	b.mtimes[query] = mtime
}

func (b *mockBackend) Name() string { return "mock" }
func (b *mockBackend) Capabilities() types.Capability { return b.caps }
func (b *mockBackend) DefaultMaxRequestsPerSecond() float64 { return b.rate }
func (b *mockBackend) UseRateLimiter() bool { return b.limited }
func (b *mockBackend) DefaultProtocol() string { return "mock://" }
func (b *mockBackend) AvailableProtocols() []string { return []string{"mock://"} }

func (b *mockBackend) ExampleQueries() []types.QueryExample {
	return []types.QueryExample{{Query: "mock://bucket/key", Description: "an object"}}
}

func (b *mockBackend) IsValidQuery(query string) types.ValidationResult {
	if !strings.HasPrefix(query, "mock://") {
		return types.Invalid(query, "must start with mock://")
	}
	return types.Valid(query)
}

// SafePrint hides everything between "secret=" and the next slash
func (b *mockBackend) SafePrint(query string) string {
	if i := strings.Index(query, "secret="); i >= 0 {
		end := strings.Index(query[i:], "/")
		if end < 0 {
			return query[:i] + "secret=***"
		}
		return query[:i] + "secret=***" + query[i+end:]
	}
	return query
}

func (b *mockBackend) RateLimiterKey(query string, _ types.Operation) string {
	rest := strings.TrimPrefix(query, "mock://")
	bucket, _, _ := strings.Cut(rest, "/")
	return bucket
}

func (b *mockBackend) NewObject(query string) (types.StorageObject, error) {
	b.created.Add(1)
	base := &mockObject{backend: b, query: query}
	switch {
	case b.readOnly:
		return &readOnlyObject{base}, nil
	case b.noClone:
		return &plainObject{base}, nil
	}
	return base, nil
}

type mockObject struct {
	backend *mockBackend
	query   string
	calls   atomic.Int64
	label   string
}

var (
	_ types.Reader            = (*mockObject)(nil)
	_ types.Writer            = (*mockObject)(nil)
	_ types.Globber           = (*mockObject)(nil)
	_ types.Toucher           = (*mockObject)(nil)
	_ types.FootprintReporter = (*mockObject)(nil)
	_ types.Inventorier       = (*mockObject)(nil)
	_ types.Cloner            = (*mockObject)(nil)
)

func (o *mockObject) Query() string { return o.query }

func (o *mockObject) LocalSuffix() string {
	return strings.TrimPrefix(o.query, "mock://")
}

func (o *mockObject) Exists(context.Context) (bool, error) {
	o.calls.Add(1)
	o.backend.mu.Lock()
	defer o.backend.mu.Unlock()
	if err := o.backend.fail[o.query]; err != nil {
		return false, err
	}
	_, ok := o.backend.objects[o.query]
	return ok, nil
}

func (o *mockObject) Mtime(context.Context) (float64, error) {
	o.calls.Add(1)
	o.backend.mu.Lock()
	defer o.backend.mu.Unlock()
	ts, ok := o.backend.mtimes[o.query]
	if !ok {
		return 0, fmt.Errorf("no such object")
	}
	return ts, nil
}

func (o *mockObject) Size(context.Context) (int64, error) {
	o.calls.Add(1)
	o.backend.mu.Lock()
	defer o.backend.mu.Unlock()
	return int64(len(o.backend.objects[o.query])), nil
}

func (o *mockObject) LocalFootprint(ctx context.Context) (int64, error) {
	if fp, ok := o.backend.footprint[o.query]; ok {
		return fp, nil
	}
	return o.Size(ctx)
}

func (o *mockObject) RetrieveObject(ctx context.Context, localPath string, _ bool) error {
	o.calls.Add(1)
	if o.backend.retrieve != nil {
		return o.backend.retrieve(ctx, o, localPath)
	}
	o.backend.mu.Lock()
	data, ok := o.backend.objects[o.query]
	o.backend.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such object")
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (o *mockObject) Cleanup(string) error { return nil }

func (o *mockObject) StoreObject(_ context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	o.backend.put(o.query, string(data), float64(time.Now().Unix()))
	return nil
}

func (o *mockObject) Remove(context.Context) error {
	o.backend.mu.Lock()
	defer o.backend.mu.Unlock()
	delete(o.backend.objects, o.query)
	return nil
}

func (o *mockObject) Touch(context.Context) error {
	o.backend.mu.Lock()
	defer o.backend.mu.Unlock()
	o.backend.mtimes[o.query] = float64(time.Now().Unix())
	return nil
}

func (o *mockObject) ListCandidateMatches(context.Context) ([]string, error) {
	o.backend.mu.Lock()
	defer o.backend.mu.Unlock()
	var out []string
	for q := range o.backend.objects {
		out = append(out, q)
	}
	sort.Strings(out)
	return out, nil
}

func (o *mockObject) InventoryParent() string {
	return o.backend.RateLimiterKey(o.query, types.OpExists)
}

func (o *mockObject) Inventory(_ context.Context, cache types.IOCache) error {
	if !cache.MarkInventoried(o.InventoryParent()) {
		return nil
	}
	o.calls.Add(1)
	o.backend.mu.Lock()
	defer o.backend.mu.Unlock()
	for q, data := range o.backend.objects {
		cache.SetExistsRemote(q, true)
		cache.SetSize(q, int64(len(data)))
		cache.SetMtime(q, types.Mtime{}.WithRemote(o.backend.mtimes[q]))
	}
	return nil
}

func (o *mockObject) Clone() types.StorageObject {
	return &mockObject{backend: o.backend, query: o.query, label: o.label}
}

// plainObject hides Clone
type plainObject struct{ *mockObject }

func (o *plainObject) Clone() {}

// readOnlyObject only implements Reader
type readOnlyObject struct{ inner *mockObject }

func (o *readOnlyObject) Query() string { return o.inner.Query() }
func (o *readOnlyObject) LocalSuffix() string { return o.inner.LocalSuffix() }
func (o *readOnlyObject) Exists(ctx context.Context) (bool, error) {
	return o.inner.Exists(ctx)
}
func (o *readOnlyObject) Mtime(ctx context.Context) (float64, error) { return o.inner.Mtime(ctx) }
func (o *readOnlyObject) Size(ctx context.Context) (int64, error) { return o.inner.Size(ctx) }
func (o *readOnlyObject) RetrieveObject(ctx context.Context, p string, od bool) error {
	return o.inner.RetrieveObject(ctx, p, od)
}
func (o *readOnlyObject) Cleanup(p string) error { return o.inner.Cleanup(p) }

// plentyOfSpace never waits
func plentyOfSpace() *diskspace.Waiter {
	return &diskspace.Waiter{
		Free:   func(string) (uint64, error) { return 1 << 40, nil },
		Sleep:  func(context.Context, time.Duration) error { return nil },
		Logger: zerolog.Nop(),
	}
}

func newTestProvider(t *testing.T, b *mockBackend, settings Settings, opts ...ProviderOption) *Provider {
	t.Helper()
	if settings.LocalPrefix == "" {
		settings.LocalPrefix = filepath.Join(t.TempDir(), "storage")
	}
	opts = append([]ProviderOption{WithLogger(zerolog.Nop()), WithWaiter(plentyOfSpace())}, opts...)
	p, err := NewProvider(b, settings, opts...)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}
