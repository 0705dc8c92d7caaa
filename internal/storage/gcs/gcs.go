// Package gcs serves gs://bucket/key queries from Google Cloud Storage.
//
// Credentials are resolved through Application Default Credentials unless a
// credentials file is configured or anonymous access is requested.
package gcs

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/flowstore/flowstore/internal/storage/blob"
	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
)

// Name is the registry name of the backend
const Name = "gcs"

// Settings configures the Google Cloud Storage backend
type Settings struct {
	// CredentialsFile is a service account key file
	CredentialsFile string `yaml:"credentials_file"`

	// Endpoint overrides the API endpoint, e.g. for an emulator
	Endpoint string `yaml:"endpoint"`

	// Anonymous disables authentication for public buckets
	Anonymous bool `yaml:"anonymous"`

	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	Concurrency          int     `yaml:"concurrency"`
}

// Validate checks the settings
func (s Settings) Validate() error {
	if s.Anonymous && s.CredentialsFile != "" {
		return errors.NewConfigurationError("gcs credentials", "anonymous access and a credentials file are exclusive")
	}
	if s.MaxRequestsPerSecond < 0 {
		return errors.NewConfigurationError("gcs max_requests_per_second", "must not be negative")
	}
	if s.Concurrency < 0 {
		return errors.NewConfigurationError("gcs concurrency", "must not be negative")
	}
	return nil
}

// Scheme describes gs:// queries
var Scheme = blob.Scheme{
	Name:                 Name,
	Protocol:             "gs://",
	Bucket:               regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,220}[a-z0-9]$`),
	MaxRequestsPerSecond: 100,
	Examples: []types.QueryExample{
		{Query: "gs://mybucket/data/sample.txt", Description: "an object"},
		{Query: "gs://mybucket/results", Description: "a directory: every object below results/"},
	},
}

// New creates the backend with a client built from settings
func New(ctx context.Context, settings Settings) (*blob.Backend, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	switch {
	case settings.Anonymous:
		opts = append(opts, option.WithoutAuthentication())
	case settings.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(settings.CredentialsFile))
	}
	if settings.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(settings.Endpoint))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	scheme := Scheme
	if settings.MaxRequestsPerSecond > 0 {
		scheme.MaxRequestsPerSecond = settings.MaxRequestsPerSecond
	}
	return blob.New(scheme, &Client{client: client}, blob.WithConcurrency(settings.Concurrency)), nil
}

// Client adapts the Cloud Storage client to blob.Client
type Client struct {
	client *gcs.Client
}

var _ blob.Client = (*Client)(nil)

func (c *Client) object(bucket, key string) *gcs.ObjectHandle {
	return c.client.Bucket(bucket).Object(key)
}

func (c *Client) Stat(ctx context.Context, bucket, key string) (blob.Attrs, error) {
	attrs, err := c.object(bucket, key).Attrs(ctx)
	if err != nil {
		return blob.Attrs{}, mapError(err)
	}
	return blob.Attrs{Key: attrs.Name, Size: attrs.Size, Modified: attrs.Updated}, nil
}

func (c *Client) List(ctx context.Context, bucket, prefix, delimiter string) ([]blob.Attrs, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix, Delimiter: delimiter})
	var out []blob.Attrs
	for {
		attrs, err := it.Next()
		if stderr.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, mapError(err)
		}
		if attrs.Prefix != "" {
			out = append(out, blob.Attrs{Key: attrs.Prefix, Dir: true})
			continue
		}
		out = append(out, blob.Attrs{Key: attrs.Name, Size: attrs.Size, Modified: attrs.Updated})
	}
}

func (c *Client) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	r, err := c.object(bucket, key).NewReader(ctx)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = r.Close() }()
	_, err = io.Copy(w, r)
	return mapError(err)
}

// Upload streams r into the object. A failed copy cancels the writer's
// context so no truncated object is committed.
func (c *Client) Upload(ctx context.Context, bucket, key string, r io.Reader, _ int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := c.object(bucket, key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return mapError(err)
	}
	return mapError(w.Close())
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	return mapError(c.object(bucket, key).Delete(ctx))
}

// Touch updates custom metadata, which bumps the object's update time
func (c *Client) Touch(ctx context.Context, bucket, key string) error {
	_, err := c.object(bucket, key).Update(ctx, gcs.ObjectAttrsToUpdate{
		Metadata: map[string]string{"flowstore-touched": time.Now().UTC().Format(time.RFC3339Nano)},
	})
	return mapError(err)
}

// mapError folds missing objects into blob.ErrNotExist and marks throttling
// and server errors as retryable network errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if stderr.Is(err, gcs.ErrObjectNotExist) || stderr.Is(err, gcs.ErrBucketNotExist) {
		return fmt.Errorf("%w: %w", blob.ErrNotExist, err)
	}
	var apiErr *googleapi.Error
	if stderr.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", blob.ErrNotExist, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return errors.NewError(errors.ErrCodeNetworkError, apiErr.Message).
				WithComponent(Name).
				WithCause(err)
		}
	}
	return err
}
