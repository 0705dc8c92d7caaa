package s3

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flowstore/flowstore/pkg/types"
	"github.com/flowstore/flowstore/pkg/utils"
)

const (
	// Name is the registry name of the backend
	Name = "s3"

	protocol = "s3://"
)

var bucketName = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// Backend implements types.Backend for S3 buckets
type Backend struct {
	settings Settings
	api      API
	transfer transfer
	logger   zerolog.Logger
}

var _ types.Backend = (*Backend)(nil)

// New creates an S3 backend. No request is issued until an object is used.
func New(ctx context.Context, settings Settings) (*Backend, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings = settings.withDefaults()
	logger := log.With().Str("component", "storage").Str("backend", Name).Logger()

	client, err := newClient(ctx, settings)
	if err != nil {
		return nil, err
	}
	logger.Debug().
		Str("region", settings.Region).
		Str("endpoint", settings.Endpoint).
		Bool("cargoship", settings.EnableCargoShip).
		Str("storage_class", settings.StorageClass).
		Msg("S3 backend created")

	return newBackend(settings, client, newTransfer(client, settings, logger), logger), nil
}

func newBackend(settings Settings, api API, tr transfer, logger zerolog.Logger) *Backend {
	return &Backend{settings: settings.withDefaults(), api: api, transfer: tr, logger: logger}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Capabilities() types.Capability { return types.CapAll }

func (b *Backend) DefaultMaxRequestsPerSecond() float64 { return b.settings.MaxRequestsPerSecond }

func (b *Backend) UseRateLimiter() bool { return true }

// RateLimiterKey partitions requests by bucket
func (b *Backend) RateLimiterKey(query string, _ types.Operation) string {
	bucket, _, _ := parseQuery(query)
	return bucket
}

func (b *Backend) DefaultProtocol() string { return protocol }

func (b *Backend) AvailableProtocols() []string { return []string{protocol} }

func (b *Backend) ExampleQueries() []types.QueryExample {
	return []types.QueryExample{
		{Query: "s3://mybucket/data/sample.txt", Description: "an object"},
		{Query: "s3://mybucket/results", Description: "a directory: every object below results/"},
	}
}

// IsValidQuery accepts s3://bucket/key with a valid bucket name and a non-empty key
func (b *Backend) IsValidQuery(query string) types.ValidationResult {
	if !strings.HasPrefix(query, protocol) {
		return types.Invalid(query, "must start with %s", protocol)
	}
	bucket, key, ok := parseQuery(query)
	if !ok {
		return types.Invalid(query, "must have the form s3://bucket/key")
	}
	if !bucketName.MatchString(bucket) || strings.Contains(bucket, "..") {
		return types.Invalid(query, "invalid bucket name %q", bucket)
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return types.Invalid(query, "key must not be empty or end with /")
	}
	return types.Valid(query)
}

// SafePrint removes credentials an endpoint-style query may carry
func (b *Backend) SafePrint(query string) string { return utils.RedactURL(query) }

// NewObject creates the object for an s3://bucket/key query
func (b *Backend) NewObject(query string) (types.StorageObject, error) {
	bucket, key, _ := parseQuery(query)
	return &Object{backend: b, query: query, bucket: bucket, key: key}, nil
}

// parseQuery splits s3://bucket/key. ok is false without a bucket or key separator.
func parseQuery(query string) (bucket, key string, ok bool) {
	rest := strings.TrimPrefix(query, protocol)
	bucket, key, ok = strings.Cut(rest, "/")
	return bucket, key, ok && bucket != ""
}
