package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/flowstore/flowstore/internal/circuit"
	"github.com/flowstore/flowstore/internal/metrics"
	"github.com/flowstore/flowstore/internal/storage"
	"github.com/flowstore/flowstore/internal/storage/azure"
	"github.com/flowstore/flowstore/internal/storage/fs"
	"github.com/flowstore/flowstore/internal/storage/gcs"
	"github.com/flowstore/flowstore/internal/storage/http"
	"github.com/flowstore/flowstore/internal/storage/s3"
	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/retry"
	"github.com/flowstore/flowstore/pkg/utils"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FLOWSTORE_"

// Backends lists the backend names a provider may use
var Backends = []string{fs.Name, s3.Name, gcs.Name, azure.Name, http.Name}

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig               `yaml:"global"`
	Network    NetworkConfig              `yaml:"network"`
	Monitoring MonitoringConfig           `yaml:"monitoring"`
	Providers  map[string]*ProviderConfig `yaml:"providers"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string               `yaml:"log_level"`
	LogFile     string               `yaml:"log_file"`
	LogFormat   string               `yaml:"log_format"`
	LogRotation utils.RotationConfig `yaml:"log_rotation"`

	// MaxConcurrency bounds concurrent retrievals of a fetch
	MaxConcurrency int `yaml:"max_concurrency"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig is the retry policy applied by the command line around
// managed operations
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      bool          `yaml:"jitter"`
}

// Policy converts the settings into a retry policy
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = r.MaxAttempts
	if r.BaseDelay > 0 {
		p.InitialDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	if r.Multiplier > 0 {
		p.Multiplier = r.Multiplier
	}
	p.Jitter = r.Jitter
	return p
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics metrics.Config `yaml:"metrics"`

	// Serve exposes the metrics endpoint while a command runs
	Serve bool `yaml:"serve"`

	Health HealthConfig `yaml:"health"`
}

// HealthConfig configures the provider health checks
type HealthConfig struct {
	// Timeout bounds each check
	Timeout time.Duration `yaml:"timeout"`

	// MinFreeSpace is the free space required below each local prefix, e.g. "1GiB"
	MinFreeSpace string `yaml:"min_free_space"`
}

// MinFreeBytes parses MinFreeSpace; empty means no requirement
func (h HealthConfig) MinFreeBytes() (uint64, error) {
	if h.MinFreeSpace == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(h.MinFreeSpace)
	if err != nil {
		return 0, errors.NewConfigurationError("health.min_free_space", err.Error())
	}
	return n, nil
}

// ProviderConfig configures one named storage provider. Only the section
// matching Backend is used.
type ProviderConfig struct {
	Backend string           `yaml:"backend"`
	Storage storage.Settings `yaml:"storage"`

	// Probe is an object queried by health checks, optional
	Probe string `yaml:"probe,omitempty"`

	FS    fs.Settings    `yaml:"fs,omitempty"`
	S3    s3.Settings    `yaml:"s3,omitempty"`
	GCS   gcs.Settings   `yaml:"gcs,omitempty"`
	Azure azure.Settings `yaml:"azure,omitempty"`
	HTTP  http.Settings  `yaml:"http,omitempty"`
}

// Validate checks the backend name and the settings used by it
func (p *ProviderConfig) Validate() error {
	if err := p.Storage.Validate(); err != nil {
		return err
	}
	switch p.Backend {
	case fs.Name:
		return nil
	case s3.Name:
		return p.S3.Validate()
	case gcs.Name:
		return p.GCS.Validate()
	case azure.Name:
		return p.Azure.Validate()
	case http.Name:
		return p.HTTP.Validate()
	}
	return errors.NewConfigurationError("backend",
		fmt.Sprintf("unknown backend %q (must be one of: %s)", p.Backend, strings.Join(Backends, ", ")))
}

// NewDefault returns a configuration with a local filesystem provider
func NewDefault() *Configuration {
	mc := metrics.DefaultConfig()
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:       "INFO",
			LogFormat:      utils.FormatConsole,
			LogRotation:    utils.RotationConfig{MaxSizeMB: 100, MaxBackups: 5, Compress: true},
			MaxConcurrency: 8,
		},
		Network: NetworkConfig{
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    30 * time.Second,
				Multiplier:  2,
				Jitter:      true,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: *mc,
			Health:  HealthConfig{Timeout: 10 * time.Second, MinFreeSpace: "1GiB"},
		},
		Providers: map[string]*ProviderConfig{
			"local": {Backend: fs.Name},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies FLOWSTORE_* environment overrides. Storage overrides
// apply to every provider; S3 overrides to every s3 provider.
func (c *Configuration) LoadFromEnv() error {
	env := func(name string) (string, bool) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		return v, ok && v != ""
	}

	if val, ok := env("LOG_LEVEL"); ok {
		c.Global.LogLevel = val
	}
	if val, ok := env("LOG_FILE"); ok {
		c.Global.LogFile = val
	}
	if val, ok := env("LOG_FORMAT"); ok {
		c.Global.LogFormat = val
	}
	if val, ok := env("MAX_CONCURRENCY"); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			return envError("MAX_CONCURRENCY", err)
		}
		c.Global.MaxConcurrency = n
	}
	if val, ok := env("RETRY_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			return envError("RETRY_MAX_ATTEMPTS", err)
		}
		c.Network.Retry.MaxAttempts = n
	}
	if val, ok := env("METRICS_ENABLED"); ok {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val, ok := env("METRICS_PORT"); ok {
		port, err := strconv.Atoi(val)
		if err != nil {
			return envError("METRICS_PORT", err)
		}
		c.Monitoring.Metrics.Port = port
		c.Monitoring.Serve = true
	}

	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if val, ok := env("LOCAL_PREFIX"); ok {
			p.Storage.LocalPrefix = val
		}
		if val, ok := env("KEEP_LOCAL"); ok {
			p.Storage.KeepLocal = strings.ToLower(val) == "true"
		}
		if val, ok := env("MAX_REQUESTS_PER_SECOND"); ok {
			rate, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return envError("MAX_REQUESTS_PER_SECOND", err)
			}
			p.Storage.MaxRequestsPerSecond = &rate
		}
		if val, ok := env("WAIT_FOR_FREE_LOCAL_STORAGE"); ok {
			wait, err := time.ParseDuration(val)
			if err != nil {
				return envError("WAIT_FOR_FREE_LOCAL_STORAGE", err)
			}
			p.Storage.WaitForFreeLocalStorage = &wait
		}
		if val, ok := env("CIRCUIT_BREAKER"); ok {
			if strings.ToLower(val) == "true" {
				if !p.Storage.CircuitBreaker.Enabled {
					p.Storage.CircuitBreaker = circuit.DefaultConfig()
				}
			} else {
				p.Storage.CircuitBreaker.Enabled = false
			}
		}
		if p.Backend != s3.Name {
			continue
		}
		if val, ok := env("S3_ENDPOINT"); ok {
			p.S3.Endpoint = val
			p.S3.ForcePathStyle = true
		}
		if val, ok := env("S3_REGION"); ok {
			p.S3.Region = val
		}
	}

	return nil
}

func envError(name string, err error) error {
	return errors.NewConfigurationError(EnvPrefix+name, "invalid value").WithCause(err)
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return errors.NewConfigurationError("log_level", err.Error())
	}
	switch c.Global.LogFormat {
	case "", utils.FormatConsole, utils.FormatJSON:
	default:
		return errors.NewConfigurationError("log_format",
			fmt.Sprintf("invalid log_format: %s (must be console or json)", c.Global.LogFormat))
	}
	if c.Global.MaxConcurrency <= 0 {
		return errors.NewConfigurationError("max_concurrency", "must be greater than 0")
	}
	if c.Network.Retry.MaxAttempts <= 0 {
		return errors.NewConfigurationError("retry.max_attempts", "must be greater than 0")
	}
	if m := c.Monitoring.Metrics; c.Monitoring.Serve && (m.Port <= 0 || m.Port > 65535) {
		return errors.NewConfigurationError("metrics.port", fmt.Sprintf("invalid port %d", m.Port))
	}
	if c.Monitoring.Health.Timeout < 0 {
		return errors.NewConfigurationError("health.timeout", "must not be negative")
	}
	if _, err := c.Monitoring.Health.MinFreeBytes(); err != nil {
		return err
	}

	if len(c.Providers) == 0 {
		return errors.NewConfigurationError("providers", "at least one provider is required")
	}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if p == nil {
			return errors.NewConfigurationError("providers."+name, "empty provider")
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}

	return nil
}

// ProviderNames returns the configured provider names in sorted order
func (c *Configuration) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogOptions returns the logging setup for utils.SetupLogging
func (c *Configuration) LogOptions() utils.LogOptions {
	rotation := c.Global.LogRotation
	return utils.LogOptions{
		Level:    c.Global.LogLevel,
		Format:   c.Global.LogFormat,
		File:     c.Global.LogFile,
		Rotation: &rotation,
	}
}

// Load builds the configuration from defaults, an optional file and the
// environment, then validates it.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
