package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowstore/flowstore/internal/storage"
	"github.com/flowstore/flowstore/internal/storage/fs"
	"github.com/flowstore/flowstore/internal/storage/s3"
	"github.com/flowstore/flowstore/pkg/errors"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestPrefix     = "/scratch/flowstore"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MaxConcurrency != 8 {
		t.Errorf("Expected MaxConcurrency to be 8, got %d", cfg.Global.MaxConcurrency)
	}
	if cfg.Network.Retry.MaxAttempts != 3 {
		t.Errorf("Expected 3 retry attempts, got %d", cfg.Network.Retry.MaxAttempts)
	}
	if !cfg.Monitoring.Metrics.Enabled || cfg.Monitoring.Serve {
		t.Error("Expected metrics to be collected but not served by default")
	}

	local, ok := cfg.Providers["local"]
	if !ok || local.Backend != fs.Name {
		t.Fatalf("Expected a local fs provider, got %+v", cfg.Providers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration is invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			config: NewDefault,
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Global.LogLevel = "LOUD"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log level",
		},
		{
			name: "invalid log format",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Global.LogFormat = "xml"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_format",
		},
		{
			name: "invalid max concurrency",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Global.MaxConcurrency = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "max_concurrency",
		},
		{
			name: "invalid retry attempts",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Network.Retry.MaxAttempts = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "retry.max_attempts",
		},
		{
			name: "invalid min free space",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Monitoring.Health.MinFreeSpace = "lots"
				return cfg
			},
			wantErr: true,
			errMsg:  "health.min_free_space",
		},
		{
			name: "served metrics need a port",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Monitoring.Serve = true
				cfg.Monitoring.Metrics.Port = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid port",
		},
		{
			name: "no providers",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Providers = nil
				return cfg
			},
			wantErr: true,
			errMsg:  "at least one provider",
		},
		{
			name: "unknown backend",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Providers["tape"] = &ProviderConfig{Backend: "tape"}
				return cfg
			},
			wantErr: true,
			errMsg:  "unknown backend",
		},
		{
			name: "wait below one second",
			config: func() *Configuration {
				cfg := NewDefault()
				wait := 500 * time.Millisecond
				cfg.Providers["local"].Storage.WaitForFreeLocalStorage = &wait
				return cfg
			},
			wantErr: true,
			errMsg:  "provider local",
		},
		{
			name: "invalid backend section",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Providers["lake"] = &ProviderConfig{Backend: s3.Name, S3: s3.Settings{AccessKeyID: "AKIA"}}
				return cfg
			},
			wantErr: true,
			errMsg:  "provider lake",
		},
		{
			name: "unused backend section is ignored",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Providers["local"].S3.AccessKeyID = "AKIA"
				return cfg
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestValidate_ConfigurationErrorCode(t *testing.T) {
	cfg := NewDefault()
	cfg.Global.MaxConcurrency = -1
	if err := cfg.Validate(); !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("Expected INVALID_CONFIG, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  log_format: json
  max_concurrency: 16

network:
  retry:
    max_attempts: 5
    base_delay: 2s

providers:
  results:
    backend: s3
    storage:
      local_prefix: /scratch/flowstore
      keep_local: true
      max_requests_per_second: 0.5
      wait_for_free_local_storage: 10m
    s3:
      region: eu-west-1
      endpoint: http://localhost:9000
      force_path_style: true
  mirror:
    backend: http
    http:
      timeout: 30s
      headers:
        X-Api-Key: k1
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MaxConcurrency != 16 {
		t.Errorf("Expected MaxConcurrency to be 16, got %d", cfg.Global.MaxConcurrency)
	}
	if p := cfg.Network.Retry.Policy(); p.MaxAttempts != 5 || p.InitialDelay != 2*time.Second {
		t.Errorf("Unexpected retry policy %+v", p)
	}
	if got := cfg.ProviderNames(); strings.Join(got, ",") != "local,mirror,results" {
		t.Errorf("Expected providers local,mirror,results, got %v", got)
	}

	results := cfg.Providers["results"]
	if results.Storage.LocalPrefix != TestPrefix || !results.Storage.KeepLocal {
		t.Errorf("Unexpected storage settings %+v", results.Storage)
	}
	if r := results.Storage.MaxRequestsPerSecond; r == nil || *r != 0.5 {
		t.Errorf("Expected max_requests_per_second 0.5, got %v", r)
	}
	if w := results.Storage.WaitForFreeLocalStorage; w == nil || *w != 10*time.Minute {
		t.Errorf("Expected wait_for_free_local_storage 10m, got %v", w)
	}
	if results.S3.Region != "eu-west-1" || !results.S3.ForcePathStyle {
		t.Errorf("Unexpected s3 settings %+v", results.S3)
	}

	mirror := cfg.Providers["mirror"]
	if mirror.HTTP.Timeout != 30*time.Second || mirror.HTTP.Headers["X-Api-Key"] != "k1" {
		t.Errorf("Unexpected http settings %+v", mirror.HTTP)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Loaded configuration is invalid: %v", err)
	}
}

func TestLoadFromFileUnknownField(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("global:\n  cache_size: 2GB\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := NewDefault().LoadFromFile(configFile); err == nil {
		t.Error("Expected error for unknown configuration field")
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"FLOWSTORE_LOG_LEVEL":                   "ERROR",
		"FLOWSTORE_LOG_FORMAT":                  "json",
		"FLOWSTORE_MAX_CONCURRENCY":             "32",
		"FLOWSTORE_RETRY_MAX_ATTEMPTS":          "7",
		"FLOWSTORE_METRICS_PORT":                "9100",
		"FLOWSTORE_LOCAL_PREFIX":                TestPrefix,
		"FLOWSTORE_KEEP_LOCAL":                  "true",
		"FLOWSTORE_MAX_REQUESTS_PER_SECOND":     "2.5",
		"FLOWSTORE_WAIT_FOR_FREE_LOCAL_STORAGE": "90s",
		"FLOWSTORE_S3_ENDPOINT":                 "http://localhost:9000",
		"FLOWSTORE_CIRCUIT_BREAKER":             "true",
	}
	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	cfg.Providers["lake"] = &ProviderConfig{Backend: s3.Name}
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" || cfg.Global.LogFormat != "json" {
		t.Errorf("Unexpected logging settings %+v", cfg.Global)
	}
	if cfg.Global.MaxConcurrency != 32 {
		t.Errorf("Expected MaxConcurrency to be 32, got %d", cfg.Global.MaxConcurrency)
	}
	if cfg.Network.Retry.MaxAttempts != 7 {
		t.Errorf("Expected 7 retry attempts, got %d", cfg.Network.Retry.MaxAttempts)
	}
	if cfg.Monitoring.Metrics.Port != 9100 || !cfg.Monitoring.Serve {
		t.Errorf("Expected metrics served on 9100, got %+v", cfg.Monitoring)
	}

	for _, name := range []string{"local", "lake"} {
		s := cfg.Providers[name].Storage
		if s.LocalPrefix != TestPrefix || !s.KeepLocal {
			t.Errorf("%s: unexpected storage settings %+v", name, s)
		}
		if s.MaxRequestsPerSecond == nil || *s.MaxRequestsPerSecond != 2.5 {
			t.Errorf("%s: expected rate 2.5", name)
		}
		if s.WaitForFreeLocalStorage == nil || *s.WaitForFreeLocalStorage != 90*time.Second {
			t.Errorf("%s: expected wait 90s", name)
		}
		if !s.CircuitBreaker.Enabled || s.CircuitBreaker.FailureThreshold == 0 {
			t.Errorf("%s: expected default circuit breaker, got %+v", name, s.CircuitBreaker)
		}
	}
	if lake := cfg.Providers["lake"].S3; lake.Endpoint != "http://localhost:9000" || !lake.ForcePathStyle {
		t.Errorf("Expected s3 endpoint override, got %+v", lake)
	}
	if cfg.Providers["local"].S3.Endpoint != "" {
		t.Error("S3 overrides must not touch non-s3 providers")
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("FLOWSTORE_WAIT_FOR_FREE_LOCAL_STORAGE", "soon")
	err := NewDefault().LoadFromEnv()
	if !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("Expected INVALID_CONFIG, got %v", err)
	}
}

func TestSaveToFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "subdir", "saved_config.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = TestDebugLevel
	rate := 4.0
	cfg.Providers["lake"] = &ProviderConfig{
		Backend: s3.Name,
		Storage: storage.Settings{MaxRequestsPerSecond: &rate},
		S3:      s3.Settings{Region: "us-west-2"},
	}

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	loaded, err := Load(configFile)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}
	if loaded.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", loaded.Global.LogLevel)
	}
	lake := loaded.Providers["lake"]
	if lake == nil || lake.S3.Region != "us-west-2" || *lake.Storage.MaxRequestsPerSecond != 4 {
		t.Errorf("Provider not preserved: %+v", lake)
	}
}

func TestLogOptions(t *testing.T) {
	cfg := NewDefault()
	cfg.Global.LogFile = "/var/log/flowstore.log"
	opts := cfg.LogOptions()
	if opts.File != cfg.Global.LogFile || opts.Rotation == nil || opts.Rotation.MaxBackups != 5 {
		t.Errorf("Unexpected log options %+v", opts)
	}
}
