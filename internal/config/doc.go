/*
Package config loads flowstore configuration from compiled-in defaults, a YAML
file and FLOWSTORE_* environment variables, in increasing order of precedence.

# Configuration Structure

	global:
	  log_level: INFO          # DEBUG, INFO, WARN, ERROR
	  log_format: console      # console or json
	  log_file: ""             # stderr when empty
	  log_rotation:
	    max_size_mb: 100
	    max_backups: 5
	    compress: true
	  max_concurrency: 8       # concurrent retrievals of a fetch

	network:
	  retry:                   # applied by the command line, never by the storage layer
	    max_attempts: 3
	    base_delay: 500ms
	    max_delay: 30s

	monitoring:
	  serve: false
	  metrics:
	    enabled: true
	    port: 9464
	    path: /metrics

	providers:
	  local:
	    backend: fs
	  results:
	    backend: s3
	    storage:
	      local_prefix: .flowstore/storage
	      keep_local: false
	      max_requests_per_second: 100
	      wait_for_free_local_storage: 10m
	      circuit_breaker:
	        enabled: true
	        failure_threshold: 5
	        open_timeout: 30s
	    s3:
	      region: us-east-1

Each provider names a backend (fs, s3, gcs, azure or http). The storage
section holds the backend independent settings; only the section named after
the backend is read for backend specific settings.

# Environment Variables

	FLOWSTORE_LOG_LEVEL, FLOWSTORE_LOG_FILE, FLOWSTORE_LOG_FORMAT
	FLOWSTORE_MAX_CONCURRENCY, FLOWSTORE_RETRY_MAX_ATTEMPTS
	FLOWSTORE_METRICS_ENABLED, FLOWSTORE_METRICS_PORT (also enables serving)
	FLOWSTORE_LOCAL_PREFIX, FLOWSTORE_KEEP_LOCAL,
	FLOWSTORE_MAX_REQUESTS_PER_SECOND, FLOWSTORE_WAIT_FOR_FREE_LOCAL_STORAGE,
	FLOWSTORE_CIRCUIT_BREAKER (true enables the default breaker)
	FLOWSTORE_S3_ENDPOINT, FLOWSTORE_S3_REGION (s3 providers only)

Storage overrides apply to every provider. Malformed values fail with an
INVALID_CONFIG error instead of being ignored.

# Usage

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	closer, err := utils.SetupLogging(cfg.LogOptions())
*/
package config
