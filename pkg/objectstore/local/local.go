// Package local implements objectstore.Client on a directory tree. The
// container is a directory under the configured root and object paths map
// to slash-separated relative file paths. Content types are not persisted.
package local

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
)

// stagingDir holds in-flight uploads next to the containers, outside any
// directory List walks.
const stagingDir = ".ferry-staging"

// Client stores objects as files.
type Client struct {
	dir       string
	staging   string
	container string
	log       *zap.Logger
}

var _ objectstore.Client = (*Client)(nil)

// New creates a client rooted at cfg.Root/cfg.Container.
func New(_ context.Context, cfg config.StorageConfig, log *zap.Logger) (objectstore.Client, error) {
	root := cfg.Root
	if root == "" {
		root = "."
	}
	return &Client{
		dir:       filepath.Join(root, cfg.Container),
		staging:   filepath.Join(root, stagingDir, cfg.Container),
		container: cfg.Container,
		log:       log,
	}, nil
}

// Container returns the container name.
func (c *Client) Container() string { return c.container }

// List walks the container directory.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(c.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.dir, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.ObjectNotFound(c.container, "", err)
		}
		return nil, errors.Transport("list", c.container, err)
	}
	return objectstore.FilterSorted(paths, prefix), nil
}

// Fetch reads a file.
func (c *Client) Fetch(_ context.Context, path string) ([]byte, error) {
	file, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.ObjectNotFound(c.container, path, err)
		}
		return nil, errors.Transport("fetch", c.container, err).WithDetail("path", path)
	}
	return data, nil
}

// Upload writes the file into the staging directory and renames it into
// place so a reader never observes a partial object.
func (c *Client) Upload(_ context.Context, path string, body []byte, contentType string, _ ...objectstore.UploadOption) error {
	file, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return errors.Transport("upload", c.container, err).WithDetail("path", path)
	}

	if err := c.stage(file, body); err != nil {
		return errors.Transport("upload", c.container, err).WithDetail("path", path)
	}

	c.log.Debug("wrote object", zap.String("path", path), zap.String("content_type", contentType), zap.Int("bytes", len(body)))
	return nil
}

func (c *Client) stage(file string, body []byte) error {
	if err := os.MkdirAll(c.staging, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.staging, "upload-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, err = tmp.Write(body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(name, 0o644)
	}
	if err == nil {
		err = os.Rename(name, file)
	}
	if err != nil {
		_ = os.Remove(name)
	}
	return err
}

// EnsureContainer creates the container directory.
func (c *Client) EnsureContainer(_ context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Transport("create container", c.container, err)
	}
	return nil
}

// Close is a no-op.
func (c *Client) Close() error { return nil }

// resolve maps an object path to a file, rejecting paths that would escape
// the container.
func (c *Client) resolve(path string) (string, error) {
	if !fs.ValidPath(path) || path == "." {
		return "", errors.Newf(errors.ErrorTypeValidation, "invalid object path %q", path).
			WithDetail("path", path)
	}
	return filepath.Join(c.dir, filepath.FromSlash(path)), nil
}
