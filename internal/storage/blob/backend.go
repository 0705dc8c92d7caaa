// Package blob implements the storage backend contract for bucket/key object
// stores behind a small Client interface. The gcs and azure packages provide
// the SDK clients; queries have the form <protocol><bucket>/<key>.
package blob

import (
	"context"
	stderr "errors"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flowstore/flowstore/pkg/types"
	"github.com/flowstore/flowstore/pkg/utils"
)

// ErrNotExist is returned, possibly wrapped, by clients for missing objects and buckets
var ErrNotExist = stderr.New("blob does not exist")

// Attrs describes a listed or inspected object
type Attrs struct {
	Key      string
	Size     int64
	Modified time.Time

	// Dir marks a common prefix returned by a delimited listing
	Dir bool
}

// Client is the subset of an object store SDK the backend needs. Keys never
// start with a slash; directory prefixes end with one.
type Client interface {
	Stat(ctx context.Context, bucket, key string) (Attrs, error)

	// List returns objects below prefix in key order. With a delimiter,
	// deeper keys are folded into Dir entries.
	List(ctx context.Context, bucket, prefix, delimiter string) ([]Attrs, error)

	Download(ctx context.Context, bucket, key string, w io.Writer) error
	Upload(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	Delete(ctx context.Context, bucket, key string) error

	// Touch refreshes the modification time of an existing object
	Touch(ctx context.Context, bucket, key string) error
}

// Scheme names a store and its query syntax
type Scheme struct {
	Name     string
	Protocol string

	// Bucket validates bucket or container names
	Bucket *regexp.Regexp

	// MaxRequestsPerSecond is the default per-bucket request rate
	MaxRequestsPerSecond float64

	Examples []types.QueryExample
}

// Backend implements types.Backend over a Client
type Backend struct {
	scheme      Scheme
	client      Client
	concurrency int
	logger      zerolog.Logger
}

var _ types.Backend = (*Backend)(nil)

// Option configures a Backend
type Option func(*Backend)

// WithConcurrency bounds parallel transfers of directory retrieves and stores
func WithConcurrency(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// New creates a backend for scheme served by client
func New(scheme Scheme, client Client, opts ...Option) *Backend {
	b := &Backend{
		scheme:      scheme,
		client:      client,
		concurrency: 4,
		logger:      log.With().Str("component", "storage").Str("backend", scheme.Name).Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return b.scheme.Name }

func (b *Backend) Capabilities() types.Capability { return types.CapAll }

func (b *Backend) DefaultMaxRequestsPerSecond() float64 { return b.scheme.MaxRequestsPerSecond }

func (b *Backend) UseRateLimiter() bool { return true }

func (b *Backend) RateLimiterKey(query string, _ types.Operation) string {
	bucket, _, _ := b.parse(query)
	return bucket
}

func (b *Backend) DefaultProtocol() string { return b.scheme.Protocol }

func (b *Backend) AvailableProtocols() []string { return []string{b.scheme.Protocol} }

func (b *Backend) ExampleQueries() []types.QueryExample { return b.scheme.Examples }

func (b *Backend) IsValidQuery(query string) types.ValidationResult {
	if !strings.HasPrefix(query, b.scheme.Protocol) {
		return types.Invalid(query, "must start with %s", b.scheme.Protocol)
	}
	bucket, key, ok := b.parse(query)
	if !ok {
		return types.Invalid(query, "must have the form %sbucket/key", b.scheme.Protocol)
	}
	if b.scheme.Bucket != nil && !b.scheme.Bucket.MatchString(bucket) {
		return types.Invalid(query, "invalid bucket name %q", bucket)
	}
	if key == "" || strings.HasSuffix(key, "/") || strings.HasPrefix(key, "/") {
		return types.Invalid(query, "key must not be empty or start or end with /")
	}
	return types.Valid(query)
}

func (b *Backend) SafePrint(query string) string { return utils.RedactURL(query) }

func (b *Backend) NewObject(query string) (types.StorageObject, error) {
	bucket, key, _ := b.parse(query)
	return &Object{backend: b, query: query, bucket: bucket, key: key}, nil
}

func (b *Backend) parse(query string) (bucket, key string, ok bool) {
	bucket, key, ok = strings.Cut(strings.TrimPrefix(query, b.scheme.Protocol), "/")
	return bucket, key, ok && bucket != ""
}
