// Package fs is the local or shared filesystem storage backend. Queries are
// plain paths, optionally prefixed with file://.
package fs

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flowstore/flowstore/pkg/types"
	"github.com/flowstore/flowstore/pkg/utils"
)

const (
	// Name is the registry name of the backend
	Name = "fs"

	protocol = "file://"
)

// Settings configures the filesystem backend
type Settings struct {
	// FollowSymlinks descends into symlinked directories when listing
	FollowSymlinks bool `yaml:"follow_symlinks"`

	// SymlinkOnDemand symlinks on-demand eligible objects instead of copying them
	SymlinkOnDemand bool `yaml:"symlink_on_demand"`
}

// Backend implements types.Backend for filesystem paths
type Backend struct {
	settings Settings
	logger   zerolog.Logger
}

var _ types.Backend = (*Backend)(nil)

// New creates a filesystem backend
func New(settings Settings) *Backend {
	return &Backend{
		settings: settings,
		logger:   log.With().Str("component", "storage").Str("backend", Name).Logger(),
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Capabilities() types.Capability { return types.CapAll }

// DefaultMaxRequestsPerSecond is unused since the filesystem is not rate limited
func (b *Backend) DefaultMaxRequestsPerSecond() float64 { return 1000 }

func (b *Backend) UseRateLimiter() bool { return false }

func (b *Backend) RateLimiterKey(query string, _ types.Operation) string { return Name }

func (b *Backend) DefaultProtocol() string { return protocol }

func (b *Backend) AvailableProtocols() []string { return []string{protocol} }

func (b *Backend) ExampleQueries() []types.QueryExample {
	return []types.QueryExample{
		{Query: "data/sample.txt", Description: "a file relative to the working directory"},
		{Query: "/mnt/shared/reference/genome.fa", Description: "a file on a shared filesystem"},
		{Query: "file:///mnt/shared/results", Description: "a directory, addressed with the file:// protocol"},
	}
}

// IsValidQuery accepts relative and absolute paths without ".." segments
func (b *Backend) IsValidQuery(query string) types.ValidationResult {
	path := stripProtocol(query)
	if strings.Contains(path, "://") {
		return types.Invalid(query, "not a filesystem path")
	}
	if err := utils.ValidatePath(path, true); err != nil {
		return types.Invalid(query, "%v", err)
	}
	return types.Valid(query)
}

// SafePrint returns query unchanged; paths carry no credentials
func (b *Backend) SafePrint(query string) string { return query }

// NewObject creates the object for a path
func (b *Backend) NewObject(query string) (types.StorageObject, error) {
	return &Object{backend: b, query: query, path: stripProtocol(query)}, nil
}

func stripProtocol(query string) string {
	return strings.TrimPrefix(query, protocol)
}
