// Package azure serves az://container/blob queries from Azure Blob Storage.
package azure

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/flowstore/flowstore/internal/storage/blob"
	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
)

// Name is the registry name of the backend
const Name = "azure"

// Settings configures the Azure Blob Storage backend. Exactly one of
// AccountURL and ConnectionString is required.
type Settings struct {
	AccountURL         string `yaml:"account_url"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`

	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	Concurrency          int     `yaml:"concurrency"`
}

// Validate checks the settings
func (s Settings) Validate() error {
	if (s.AccountURL == "") == (s.ConnectionString == "") {
		return errors.NewConfigurationError("azure account", "set exactly one of account_url and connection_string")
	}
	if s.MaxRequestsPerSecond < 0 {
		return errors.NewConfigurationError("azure max_requests_per_second", "must not be negative")
	}
	if s.Concurrency < 0 {
		return errors.NewConfigurationError("azure concurrency", "must not be negative")
	}
	return nil
}

// Scheme describes az:// queries
var Scheme = blob.Scheme{
	Name:                 Name,
	Protocol:             "az://",
	Bucket:               regexp.MustCompile(`^[a-z0-9](?:[a-z0-9]|-[a-z0-9]){2,62}$`),
	MaxRequestsPerSecond: 100,
	Examples: []types.QueryExample{
		{Query: "az://mycontainer/data/sample.txt", Description: "a blob"},
		{Query: "az://mycontainer/results", Description: "a directory: every blob below results/"},
	},
}

// New creates the backend. Credentials come from the connection string,
// a managed identity, or DefaultAzureCredential, in that order.
func New(settings Settings) (*blob.Backend, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	client, err := newClient(settings)
	if err != nil {
		return nil, err
	}
	scheme := Scheme
	if settings.MaxRequestsPerSecond > 0 {
		scheme.MaxRequestsPerSecond = settings.MaxRequestsPerSecond
	}
	return blob.New(scheme, &Client{client: client}, blob.WithConcurrency(settings.Concurrency)), nil
}

func newClient(s Settings) (*azblob.Client, error) {
	if s.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(s.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return client, nil
	}

	var cred azcore.TokenCredential
	var err error
	if s.UseManagedIdentity {
		cred, err = azidentity.NewManagedIdentityCredential(nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(s.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return client, nil
}

// Client adapts the Azure Blob client to blob.Client
type Client struct {
	client *azblob.Client
}

var _ blob.Client = (*Client)(nil)

func (c *Client) container(name string) *container.Client {
	return c.client.ServiceClient().NewContainerClient(name)
}

func (c *Client) Stat(ctx context.Context, bucket, key string) (blob.Attrs, error) {
	props, err := c.container(bucket).NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return blob.Attrs{}, mapError(err)
	}
	a := blob.Attrs{Key: key}
	if props.ContentLength != nil {
		a.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		a.Modified = *props.LastModified
	}
	return a, nil
}

func (c *Client) List(ctx context.Context, bucket, prefix, delimiter string) ([]blob.Attrs, error) {
	var out []blob.Attrs
	if delimiter == "" {
		pager := c.client.NewListBlobsFlatPager(bucket, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, mapError(err)
			}
			for _, item := range page.Segment.BlobItems {
				out = append(out, itemAttrs(item))
			}
		}
		return out, nil
	}

	pager := c.container(bucket).NewListBlobsHierarchyPager(delimiter, &container.ListBlobsHierarchyOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		for _, p := range page.Segment.BlobPrefixes {
			if p.Name != nil {
				out = append(out, blob.Attrs{Key: *p.Name, Dir: true})
			}
		}
		for _, item := range page.Segment.BlobItems {
			out = append(out, itemAttrs(item))
		}
	}
	return out, nil
}

func itemAttrs(item *container.BlobItem) blob.Attrs {
	var a blob.Attrs
	if item.Name != nil {
		a.Key = *item.Name
	}
	if p := item.Properties; p != nil {
		if p.ContentLength != nil {
			a.Size = *p.ContentLength
		}
		if p.LastModified != nil {
			a.Modified = *p.LastModified
		}
	}
	return a
}

func (c *Client) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	resp, err := c.client.DownloadStream(ctx, bucket, key, nil)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, err = io.Copy(w, resp.Body)
	return mapError(err)
}

func (c *Client) Upload(ctx context.Context, bucket, key string, r io.Reader, _ int64) error {
	_, err := c.client.UploadStream(ctx, bucket, key, r, nil)
	return mapError(err)
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	_, err := c.client.DeleteBlob(ctx, bucket, key, nil)
	return mapError(err)
}

// Touch rewrites the blob metadata, which bumps its Last-Modified time
func (c *Client) Touch(ctx context.Context, bucket, key string) error {
	bc := c.container(bucket).NewBlobClient(key)
	props, err := bc.GetProperties(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	metadata := make(map[string]*string, len(props.Metadata)+1)
	for k, v := range props.Metadata {
		metadata[k] = v
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	metadata["flowstore_touched"] = &now
	_, err = bc.SetMetadata(ctx, metadata, nil)
	return mapError(err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return fmt.Errorf("%w: %w", blob.ErrNotExist, err)
	}
	var respErr *azcore.ResponseError
	if stderr.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", blob.ErrNotExist, err)
		case respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= 500:
			return errors.NewError(errors.ErrCodeNetworkError, respErr.ErrorCode).
				WithComponent(Name).
				WithCause(err)
		}
	}
	return err
}
