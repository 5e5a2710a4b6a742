package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/compression"
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/formats/columnar"
	"github.com/ajitpratap0/ferry/pkg/ingest"
	"github.com/ajitpratap0/ferry/pkg/metrics"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
)

// RateCollector scrapes the rate barometer. *ingest.Adapter implements it.
type RateCollector interface {
	CollectRates(ctx context.Context, q ingest.RateQuery) (*dataset.Table, error)
}

// RatesRequest describes one barometer to object store transfer.
type RatesRequest struct {
	Query ingest.RateQuery
	// Path is the object path of the encoded table
	Path        string
	Format      columnar.Format
	Compression compression.Algorithm
	// LocalOutput also writes the encoded table to this file
	LocalOutput string
}

// RatesResult reports what a barometer run produced.
type RatesResult struct {
	Rows      int
	Regions   int
	Path      string
	LocalPath string
}

// RatesIngester uploads the barometer as a columnar table.
type RatesIngester struct {
	api     RateCollector
	store   objectstore.Client
	log     *zap.Logger
	metrics *metrics.Collector
}

// NewRatesIngester creates a barometer ingester.
func NewRatesIngester(api RateCollector, store objectstore.Client, opts ...Option) *RatesIngester {
	o := buildOptions("rates_pipeline", opts)
	return &RatesIngester{api: api, store: store, log: o.log, metrics: o.metrics}
}

// Run scrapes every region, then encodes and uploads the table. Nothing is
// uploaded when any region fails.
func (r *RatesIngester) Run(ctx context.Context, req RatesRequest) (RatesResult, error) {
	format := req.Format
	if format == "" {
		format = columnar.Parquet
	}
	info := columnar.GetFormatInfo(format)
	if info == nil {
		return RatesResult{}, errors.Newf(errors.ErrorTypeValidation, "unsupported columnar format: %s", format)
	}
	if req.Path == "" {
		return RatesResult{}, errors.New(errors.ErrorTypeValidation, "rates object path is required")
	}

	table, err := r.api.CollectRates(ctx, req.Query)
	if err != nil {
		return RatesResult{}, err
	}
	result := RatesResult{Rows: table.NumRows(), Regions: len(req.Query.Regions)}

	writer := columnar.DefaultWriterConfig()
	writer.Format = format
	body, err := columnar.EncodeBytes(table, writer)
	if err != nil {
		return result, errors.Wrap(err, errors.ErrorTypeData, "failed to encode rate table")
	}

	if err := r.store.EnsureContainer(ctx); err != nil {
		return result, err
	}
	final, err := objectstore.UploadCompressed(ctx, r.store, req.Path, body, info.MIMEType, req.Compression)
	if err != nil {
		return result, err
	}
	r.metrics.ObjectTransferred(metrics.DirectionUpload)
	result.Path = final

	if req.LocalOutput != "" {
		if err := writeLocal(req.LocalOutput, body); err != nil {
			return result, err
		}
		result.LocalPath = req.LocalOutput
	}

	r.log.Info("rate table uploaded",
		zap.String("container", r.store.Container()),
		zap.String("path", final),
		zap.Int("rows", result.Rows),
		zap.Int("regions", result.Regions))
	return result, nil
}
