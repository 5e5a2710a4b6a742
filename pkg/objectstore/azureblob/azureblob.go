// Package azureblob implements objectstore.Client on Azure Blob Storage and
// ADLS Gen2 filesystems, authenticated by a storage connection string.
package azureblob

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
)

// Client is an Azure Blob container client.
type Client struct {
	client    *azblob.Client
	container string
	log       *zap.Logger
}

var _ objectstore.Client = (*Client)(nil)

// New creates a client from cfg.ConnectionString.
func New(_ context.Context, cfg config.StorageConfig, log *zap.Logger) (objectstore.Client, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.MissingCredential(config.EnvStorageConnectionString,
			"Pass --connection-string or set "+config.EnvStorageConnectionString+".")
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid Azure storage connection string")
	}

	log.Debug("azure blob client created")
	return &Client{client: client, container: cfg.Container, log: log}, nil
}

// Container returns the container name.
func (c *Client) Container() string { return c.container }

// List returns every blob name starting with prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	opts := &azblob.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}

	var names []string
	pager := c.client.NewListBlobsFlatPager(c.container, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, c.classify("list", prefix, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}

	c.log.Debug("listed blobs", zap.String("prefix", prefix), zap.Int("count", len(names)))
	return objectstore.FilterSorted(names, prefix), nil
}

// Fetch downloads a blob.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.client.DownloadStream(ctx, c.container, path, nil)
	if err != nil {
		return nil, c.classify("fetch", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify("fetch", path, err)
	}
	return data, nil
}

// Upload writes a block blob, replacing any existing one.
func (c *Client) Upload(ctx context.Context, path string, body []byte, contentType string, opts ...objectstore.UploadOption) error {
	if contentType == "" {
		contentType = objectstore.DefaultContentType
	}
	o := objectstore.ApplyUploadOptions(opts...)

	headers := &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)}
	if o.ContentEncoding != "" {
		headers.BlobContentEncoding = to.Ptr(o.ContentEncoding)
	}

	_, err := c.client.UploadBuffer(ctx, c.container, path, body, &azblob.UploadBufferOptions{
		HTTPHeaders: headers,
	})
	if err != nil {
		return c.classify("upload", path, err)
	}

	c.log.Debug("uploaded blob", zap.String("path", path), zap.Int("bytes", len(body)))
	return nil
}

// EnsureContainer creates the container unless it already exists.
func (c *Client) EnsureContainer(ctx context.Context) error {
	_, err := c.client.CreateContainer(ctx, c.container, nil)
	if err == nil {
		c.log.Info("container created")
		return nil
	}
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return c.classify("create container", "", err)
}

// Close releases nothing; the SDK client holds no long-lived connections
// beyond the shared HTTP transport.
func (c *Client) Close() error { return nil }

func (c *Client) classify(op, path string, err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return errors.ObjectNotFound(c.container, path, err)
	}

	e := errors.Transport(op, c.container, err)
	if path != "" {
		e = e.WithDetail("path", path)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		e = e.WithDetail("status", respErr.StatusCode).WithDetail("code", respErr.ErrorCode)
	}
	return e
}
