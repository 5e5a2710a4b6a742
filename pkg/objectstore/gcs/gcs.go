// Package gcs implements objectstore.Client on Google Cloud Storage.
package gcs

import (
	"context"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
)

// Client is a GCS bucket client.
type Client struct {
	gcsClient    *storage.Client
	bucketHandle *storage.BucketHandle
	bucket       string
	project      string
	log          *zap.Logger
}

var _ objectstore.Client = (*Client)(nil)

// New creates a client. cfg.CredentialsFile selects a service account key;
// cfg.Endpoint targets an emulator without authentication.
func New(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (objectstore.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create GCS client")
	}

	return &Client{
		gcsClient:    client,
		bucketHandle: client.Bucket(cfg.Container),
		bucket:       cfg.Container,
		project:      cfg.Project,
		log:          log,
	}, nil
}

// Container returns the bucket name.
func (c *Client) Container() string { return c.bucket }

// List returns every object name starting with prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	q := &storage.Query{Prefix: prefix}
	if err := q.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "invalid GCS query")
	}

	var names []string
	it := c.bucketHandle.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, c.classify("list", prefix, err)
		}
		names = append(names, attrs.Name)
	}

	c.log.Debug("listed objects", zap.String("prefix", prefix), zap.Int("count", len(names)))
	return objectstore.FilterSorted(names, prefix), nil
}

// Fetch downloads an object.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, error) {
	r, err := c.bucketHandle.Object(path).NewReader(ctx)
	if err != nil {
		return nil, c.classify("fetch", path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, c.classify("fetch", path, err)
	}
	return data, nil
}

// Upload writes an object, replacing any existing generation.
func (c *Client) Upload(ctx context.Context, path string, body []byte, contentType string, opts ...objectstore.UploadOption) error {
	if contentType == "" {
		contentType = objectstore.DefaultContentType
	}
	o := objectstore.ApplyUploadOptions(opts...)

	w := c.bucketHandle.Object(path).NewWriter(ctx)
	w.ContentType = contentType
	w.ContentEncoding = o.ContentEncoding

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return c.classify("upload", path, err)
	}
	if err := w.Close(); err != nil {
		return c.classify("upload", path, err)
	}

	c.log.Debug("uploaded object", zap.String("name", path), zap.Int("bytes", len(body)))
	return nil
}

// EnsureContainer creates the bucket in the configured project unless it
// already exists.
func (c *Client) EnsureContainer(ctx context.Context) error {
	_, err := c.bucketHandle.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return c.classify("get bucket", "", err)
	}

	if c.project == "" {
		return errors.New(errors.ErrorTypeConfig, "storage project is required to create a GCS bucket").
			WithDetail("bucket", c.bucket)
	}

	err = c.bucketHandle.Create(ctx, c.project, nil)
	if err == nil {
		c.log.Info("bucket created", zap.String("project", c.project))
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
		return nil
	}
	return c.classify("create bucket", "", err)
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.gcsClient.Close()
}

func (c *Client) classify(op, path string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return errors.ObjectNotFound(c.bucket, path, err)
	}

	e := errors.Transport(op, c.bucket, err)
	if path != "" {
		e = e.WithDetail("path", path)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusNotFound {
			return errors.ObjectNotFound(c.bucket, path, err)
		}
		e = e.WithDetail("status", apiErr.Code)
	}
	return e
}
