// Package objectstore is ferry's blob container client.
//
// A Client enumerates, fetches and uploads objects in one container. Backends
// (azureblob, s3, gcs, local) register a Factory from their init functions;
// import pkg/objectstore/backends to link them all.
package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/logger"
)

// Common content types.
const (
	ContentTypeJSON    = "application/json; charset=utf-8"
	ContentTypeBinary  = "application/octet-stream"
	ContentTypeCSV     = "text/csv; charset=utf-8"
	DefaultContentType = ContentTypeBinary
)

// Client is a connection to one object store container.
//
// List returns every path literally starting with prefix in lexicographic
// order; an empty prefix lists the whole container and no match yields an
// empty slice. Upload always overwrites. EnsureContainer treats an existing
// container as success.
type Client interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Fetch(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, body []byte, contentType string, opts ...UploadOption) error
	EnsureContainer(ctx context.Context) error
	Container() string
	Close() error
}

// UploadOptions carries optional object metadata.
type UploadOptions struct {
	ContentEncoding string
}

// UploadOption mutates UploadOptions.
type UploadOption func(*UploadOptions)

// WithContentEncoding sets the Content-Encoding header of the object.
func WithContentEncoding(enc string) UploadOption {
	return func(o *UploadOptions) {
		o.ContentEncoding = enc
	}
}

// ApplyUploadOptions folds opts into an UploadOptions value.
func ApplyUploadOptions(opts ...UploadOption) UploadOptions {
	var o UploadOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Factory builds a Client for a backend.
type Factory func(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (Client, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a backend available to Open. Registering a name twice
// returns a config error.
func Register(name string, factory Factory) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := factories[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("object store backend %s already registered", name))
	}
	factories[name] = factory
	return nil
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a client for cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (Client, error) {
	registryMu.RLock()
	factory, ok := factories[cfg.Backend]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("object store backend %s not found", cfg.Backend)).
			WithDetail("registered", Backends())
	}
	if cfg.Container == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "object store container is required")
	}

	log = logger.OrGlobal(log).With(
		zap.String("component", "objectstore"),
		zap.String("backend", cfg.Backend),
		zap.String("container", cfg.Container),
	)

	client, err := factory(ctx, cfg, log)
	if err != nil {
		if errors.TypeOf(err) != errors.ErrorTypeInternal {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create %s client", cfg.Backend))
	}
	return client, nil
}

// FilterSorted keeps the paths that literally start with prefix and sorts
// them. Backends run their listing through it so every Client honours the
// same ordering whatever the service returns.
func FilterSorted(paths []string, prefix string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
