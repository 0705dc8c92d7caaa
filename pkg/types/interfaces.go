package types

import (
	"context"
)

// Backend is the provider-level contract a storage plugin implements.
// A backend instance is shared read-only by every object it produces.
type Backend interface {
	// Name is the registry name of the backend, e.g. "s3"
	Name() string

	// Capabilities declares which primitive groups objects of this backend implement
	Capabilities() Capability

	// NewObject creates the primitive object for a concrete query
	NewObject(query string) (StorageObject, error)

	// IsValidQuery checks the backend-specific query syntax
	IsValidQuery(query string) ValidationResult

	// SafePrint returns query with any embedded credentials removed
	SafePrint(query string) string

	// Rate limiting
	DefaultMaxRequestsPerSecond() float64
	UseRateLimiter() bool
	RateLimiterKey(query string, op Operation) string

	// Protocols
	DefaultProtocol() string
	AvailableProtocols() []string

	// ExampleQueries documents accepted query forms
	ExampleQueries() []QueryExample
}

// QueryExample documents one accepted query form of a backend
type QueryExample struct {
	Query       string `json:"query" yaml:"query"`
	Description string `json:"description" yaml:"description"`
}

// StorageObject is the base every primitive object implements.
type StorageObject interface {
	Query() string

	// LocalSuffix is a stable, unique relative local path for the query
	LocalSuffix() string
}

// Reader is implemented by objects of backends declaring CapRead.
type Reader interface {
	StorageObject

	Exists(ctx context.Context) (bool, error)
	Mtime(ctx context.Context) (float64, error)

	// Size is 0 for directories
	Size(ctx context.Context) (int64, error)

	// RetrieveObject must leave localPath populated on success. onDemand is
	// true when the content may be exposed without a full transfer.
	RetrieveObject(ctx context.Context, localPath string, onDemand bool) error

	// Cleanup removes backend-specific local leftovers of the object
	Cleanup(localPath string) error
}

// Writer is implemented by objects of backends declaring CapWrite.
type Writer interface {
	StorageObject

	StoreObject(ctx context.Context, localPath string) error
	Remove(ctx context.Context) error
}

// Globber is implemented by objects of backends declaring CapGlob.
type Globber interface {
	StorageObject

	// ListCandidateMatches returns concrete queries below the constant prefix
	// of the object's query, without remaining wildcards.
	ListCandidateMatches(ctx context.Context) ([]string, error)
}

// Toucher is implemented by objects of backends declaring CapTouch.
type Toucher interface {
	StorageObject

	Touch(ctx context.Context) error
}

// FootprintReporter is implemented by objects whose local footprint differs
// from Size, e.g. directories reporting the recursive sum of their files.
type FootprintReporter interface {
	LocalFootprint(ctx context.Context) (int64, error)
}

// Inventorier is implemented by objects that can populate an IOCache from a
// listing of their parent. Inventory must be idempotent per parent.
type Inventorier interface {
	Inventory(ctx context.Context, cache IOCache) error
	InventoryParent() string
}

// Cloner is implemented by objects that know how to duplicate themselves.
type Cloner interface {
	Clone() StorageObject
}

// IOCache holds existence, mtime and size facts gathered by backends.
// Implementations must be safe for concurrent use.
type IOCache interface {
	SetExistsLocal(path string, exists bool)
	ExistsLocal(path string) (exists, known bool)

	SetExistsRemote(path string, exists bool)
	ExistsRemote(path string) (exists, known bool)

	SetMtime(path string, mtime Mtime)
	Mtime(path string) (Mtime, bool)

	SetSize(path string, size int64)
	Size(path string) (int64, bool)

	// Forget drops the facts about path and everything below it, e.g.
	// after the object was stored, removed or touched.
	Forget(path string)

	// MarkInventoried records that parent was listed. It returns false when
	// parent had already been marked.
	MarkInventoried(parent string) bool
	Inventoried(parent string) bool
}
