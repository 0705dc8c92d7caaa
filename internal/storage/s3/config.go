package s3

import (
	"fmt"

	"github.com/flowstore/flowstore/pkg/errors"
)

// Settings configures the S3 backend
type Settings struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries           int     `yaml:"max_retries"`
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	PartSizeMB           int64   `yaml:"part_size_mb"`
	MultipartThresholdMB int64   `yaml:"multipart_threshold_mb"`
	Concurrency          int     `yaml:"concurrency"`

	// Advanced settings
	UseAccelerate bool `yaml:"use_accelerate"`

	// EnableCargoShip routes uploads through the CargoShip transporter
	EnableCargoShip bool `yaml:"enable_cargoship"`

	// StorageClass applies to stored objects, e.g. STANDARD_IA
	StorageClass string `yaml:"storage_class"`
}

// DefaultSettings returns the settings used when none are configured
func DefaultSettings() Settings {
	return Settings{
		Region:               "us-east-1",
		MaxRetries:           3,
		MaxRequestsPerSecond: 100,
		PartSizeMB:           16,
		MultipartThresholdMB: 32,
		Concurrency:          8,
		StorageClass:         ClassStandard,
	}
}

// Validate checks the settings
func (s Settings) Validate() error {
	if (s.AccessKeyID == "") != (s.SecretAccessKey == "") {
		return errors.NewConfigurationError("s3 credentials", "access_key_id and secret_access_key must be set together")
	}
	if s.MaxRetries < 0 {
		return errors.NewConfigurationError("s3 max_retries", fmt.Sprintf("must not be negative, got %d", s.MaxRetries))
	}
	if s.MaxRequestsPerSecond < 0 {
		return errors.NewConfigurationError("s3 max_requests_per_second", "must not be negative")
	}
	// S3 rejects multipart parts below 5 MiB
	if s.PartSizeMB != 0 && s.PartSizeMB < 5 {
		return errors.NewConfigurationError("s3 part_size_mb", fmt.Sprintf("must be at least 5, got %d", s.PartSizeMB))
	}
	if s.Concurrency < 0 {
		return errors.NewConfigurationError("s3 concurrency", "must not be negative")
	}
	if s.StorageClass != "" && !ValidStorageClass(s.StorageClass) {
		return errors.NewConfigurationError("s3 storage_class", fmt.Sprintf("unknown storage class %q", s.StorageClass))
	}
	return nil
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Region == "" {
		s.Region = d.Region
	}
	if s.MaxRequestsPerSecond == 0 {
		s.MaxRequestsPerSecond = d.MaxRequestsPerSecond
	}
	if s.PartSizeMB == 0 {
		s.PartSizeMB = d.PartSizeMB
	}
	if s.MultipartThresholdMB == 0 {
		s.MultipartThresholdMB = d.MultipartThresholdMB
	}
	if s.Concurrency == 0 {
		s.Concurrency = d.Concurrency
	}
	if s.StorageClass == "" {
		s.StorageClass = d.StorageClass
	}
	return s
}
