// Package pipeline composes the transfer boundaries into the flows run by
// the ferry commands: API to object store, object store to relational store
// and relational store to object store.
//
// Every flow is synchronous. Components are passed in at construction so
// each flow can be exercised with in-memory fakes.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/compression"
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/ingest"
	"github.com/ajitpratap0/ferry/pkg/logger"
	"github.com/ajitpratap0/ferry/pkg/metrics"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
)

// Collector fetches raw API records. *ingest.Adapter implements it.
type Collector interface {
	Collect(ctx context.Context, q ingest.Query, auth ingest.Auth) ([]dataset.Value, error)
}

// IngestRequest describes one API to object store transfer.
type IngestRequest struct {
	Query ingest.Query
	Auth  ingest.Auth
	// Path is the object path; empty derives it from Prefix and the clock
	Path   string
	Prefix string
	// Compression is applied to the uploaded envelope
	Compression compression.Algorithm
	// LocalOutput also writes the envelope as indented JSON to this file
	LocalOutput string
}

// IngestResult reports what an ingestion produced.
type IngestResult struct {
	Records   int
	Columns   int
	Path      string
	LocalPath string
	Uploaded  bool
}

// Ingester pulls API records, normalizes them and uploads the envelope.
type Ingester struct {
	api     Collector
	store   objectstore.Client
	log     *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// Option configures the flows of this package.
type Option func(*options)

type options struct {
	log     *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// WithLogger sets the flow logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records transfers on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(component string, opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = logger.OrGlobal(o.log).With(zap.String("component", component))
	return o
}

// NewIngester creates an ingester.
func NewIngester(api Collector, store objectstore.Client, opts ...Option) *Ingester {
	o := buildOptions("ingest_pipeline", opts)
	return &Ingester{api: api, store: store, log: o.log, metrics: o.metrics, now: o.now}
}

// Run collects, normalizes and uploads. Nothing is written when the API
// returns no records.
func (i *Ingester) Run(ctx context.Context, req IngestRequest) (IngestResult, error) {
	raw, err := i.api.Collect(ctx, req.Query, req.Auth)
	if err != nil {
		return IngestResult{}, err
	}

	table, err := ingest.Normalize(raw)
	if err != nil {
		return IngestResult{}, err
	}
	result := IngestResult{Records: table.NumRows(), Columns: table.NumColumns()}
	if table.NumRows() == 0 {
		i.log.Warn("API returned no records, nothing uploaded", zap.String("url", req.Query.URL))
		return result, nil
	}

	now := i.now()
	env := ingest.NewEnvelope(req.Query, table, now)
	body, err := env.MarshalJSON()
	if err != nil {
		return result, errors.Wrap(err, errors.ErrorTypeData, "failed to encode envelope")
	}

	target := req.Path
	if target == "" {
		target = ingest.DefaultPath(req.Prefix, now)
	}

	if err := i.store.EnsureContainer(ctx); err != nil {
		return result, err
	}
	final, err := objectstore.UploadCompressed(ctx, i.store, target, body, objectstore.ContentTypeJSON, req.Compression)
	if err != nil {
		return result, err
	}
	i.metrics.ObjectTransferred(metrics.DirectionUpload)
	result.Path = final
	result.Uploaded = true

	if req.LocalOutput != "" {
		pretty, err := env.Indented()
		if err != nil {
			return result, errors.Wrap(err, errors.ErrorTypeData, "failed to encode envelope")
		}
		if err := writeLocal(req.LocalOutput, pretty); err != nil {
			return result, err
		}
		result.LocalPath = req.LocalOutput
	}

	i.log.Info("records uploaded",
		zap.String("container", i.store.Container()),
		zap.String("path", final),
		zap.Int("records", result.Records),
		zap.Int("columns", result.Columns))
	return result, nil
}

func writeLocal(target string, data []byte) error {
	if dir := filepath.Dir(target); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to create directory").WithDetail("dir", dir)
		}
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write "+target).WithDetail("file", target)
	}
	return nil
}
