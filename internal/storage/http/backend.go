// Package http is a read-only backend for files served over HTTP(S).
// Existence, size and mtime come from HEAD responses; retrieval streams a GET.
package http

import (
	"crypto/tls"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/retry"
	"github.com/flowstore/flowstore/pkg/types"
	"github.com/flowstore/flowstore/pkg/utils"
)

// Name is the registry name of the backend
const Name = "http"

// Settings configures the HTTP backend
type Settings struct {
	Timeout time.Duration `yaml:"timeout"`

	// Headers are sent with every request
	Headers map[string]string `yaml:"headers"`

	// Basic authentication
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// AllowRedirects follows redirects. A nil value means true.
	AllowRedirects *bool `yaml:"allow_redirects"`

	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`

	// Retry applies to requests failing with network errors or 429/5xx responses
	Retry retry.Policy `yaml:"retry"`
}

// Validate checks the settings
func (s Settings) Validate() error {
	if s.Timeout < 0 {
		return errors.NewConfigurationError("http timeout", "must not be negative")
	}
	if s.MaxRequestsPerSecond < 0 {
		return errors.NewConfigurationError("http max_requests_per_second", "must not be negative")
	}
	if s.Password != "" && s.Username == "" {
		return errors.NewConfigurationError("http credentials", "password requires a username")
	}
	return nil
}

// Doer sends HTTP requests; *http.Client implements it
type Doer interface {
	Do(req *nethttp.Request) (*nethttp.Response, error)
}

// Backend implements types.Backend for http:// and https:// URLs
type Backend struct {
	settings Settings
	client   Doer
	policy   retry.Policy
	logger   zerolog.Logger
}

var _ types.Backend = (*Backend)(nil)

// New creates an HTTP backend with its own client
func New(settings Settings) (*Backend, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	timeout := settings.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	transport := nethttp.DefaultTransport.(*nethttp.Transport).Clone()
	if settings.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in setting
	}
	client := &nethttp.Client{Timeout: timeout, Transport: transport}
	if settings.AllowRedirects != nil && !*settings.AllowRedirects {
		client.CheckRedirect = func(*nethttp.Request, []*nethttp.Request) error {
			return nethttp.ErrUseLastResponse
		}
	}
	return NewWithClient(settings, client), nil
}

// NewWithClient creates an HTTP backend sending requests through client
func NewWithClient(settings Settings, client Doer) *Backend {
	policy := settings.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	if settings.MaxRequestsPerSecond == 0 {
		settings.MaxRequestsPerSecond = 10
	}
	logger := log.With().Str("component", "storage").Str("backend", Name).Logger()
	policy = policy.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying request")
	})
	return &Backend{settings: settings, client: client, policy: policy, logger: logger}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Capabilities() types.Capability { return types.CapRead }

func (b *Backend) DefaultMaxRequestsPerSecond() float64 { return b.settings.MaxRequestsPerSecond }

func (b *Backend) UseRateLimiter() bool { return true }

// RateLimiterKey partitions requests by host
func (b *Backend) RateLimiterKey(query string, _ types.Operation) string {
	u, err := url.Parse(query)
	if err != nil {
		return query
	}
	return u.Host
}

func (b *Backend) DefaultProtocol() string { return "https://" }

func (b *Backend) AvailableProtocols() []string { return []string{"https://", "http://"} }

func (b *Backend) ExampleQueries() []types.QueryExample {
	return []types.QueryExample{
		{Query: "https://example.com/data/reference.fa", Description: "a file served over HTTPS"},
		{Query: "http://mirror.example.org/releases/v1/annotation.gtf?format=raw", Description: "a file with query parameters"},
	}
}

func (b *Backend) IsValidQuery(query string) types.ValidationResult {
	u, err := url.Parse(query)
	if err != nil {
		return types.Invalid(query, "not a URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return types.Invalid(query, "scheme must be http or https")
	}
	if u.Host == "" {
		return types.Invalid(query, "missing host")
	}
	if strings.Trim(u.Path, "/") == "" {
		return types.Invalid(query, "missing path")
	}
	if err := utils.ValidatePath(strings.TrimPrefix(u.Path, "/"), false); err != nil {
		return types.Invalid(query, "%v", err)
	}
	return types.Valid(query)
}

// SafePrint strips user info and credential query parameters
func (b *Backend) SafePrint(query string) string { return utils.RedactURL(query) }

func (b *Backend) NewObject(query string) (types.StorageObject, error) {
	u, err := url.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %s", b.SafePrint(query))
	}
	return &Object{backend: b, query: query, url: u}, nil
}
