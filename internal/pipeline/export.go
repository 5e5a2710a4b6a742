package pipeline

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/compression"
	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/formats/columnar"
	"github.com/ajitpratap0/ferry/pkg/metrics"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
	"github.com/ajitpratap0/ferry/pkg/tracing"
)

// ReaderSession is an open relational connection tables are read from.
// *sqlstore.Conn implements it.
type ReaderSession interface {
	ReadTable(ctx context.Context, table string, limit int) (*dataset.Table, error)
	Close() error
}

// ReaderDialFunc opens a ReaderSession.
type ReaderDialFunc func(ctx context.Context) (ReaderSession, error)

// ExportRequest selects the tables to export and the object layout.
type ExportRequest struct {
	Tables  []string
	Allowed []string
	// Prefix is prepended to <table><ext>
	Prefix string
	// Limit caps the rows read per table; zero reads every row
	Limit       int
	Format      columnar.Format
	Compression compression.Algorithm
}

// ExportResult describes one uploaded table.
type ExportResult struct {
	Table string
	Path  string
	Rows  int
}

// Exporter copies relational tables to the object store.
type Exporter struct {
	dial    ReaderDialFunc
	store   objectstore.Client
	log     *zap.Logger
	metrics *metrics.Collector
}

// NewExporter creates an exporter.
func NewExporter(dial ReaderDialFunc, store objectstore.Client, opts ...Option) *Exporter {
	o := buildOptions("export_pipeline", opts)
	return &Exporter{dial: dial, store: store, log: o.log, metrics: o.metrics}
}

// ExportPath returns the object path of table under prefix.
func ExportPath(prefix, table string, format columnar.Format) string {
	info := columnar.GetFormatInfo(format)
	ext := ".parquet"
	if info != nil {
		ext = info.FileExtension
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return table + ext
	}
	return prefix + "/" + table + ext
}

// Run exports the requested tables in order and stops at the first failure.
// Every table is checked against the allow-list before connecting.
func (e *Exporter) Run(ctx context.Context, req ExportRequest) ([]ExportResult, error) {
	if len(req.Tables) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "no tables to export")
	}
	allow := config.LoadConfig{AllowedTables: req.Allowed}
	for _, t := range req.Tables {
		if !allow.TableAllowed(t) {
			return nil, errors.TableNotAllowed(t)
		}
	}
	if req.Limit < 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "export limit cannot be negative")
	}
	format := req.Format
	if format == "" {
		format = columnar.Parquet
	}
	info := columnar.GetFormatInfo(format)
	if info == nil {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported columnar format: %s", format)
	}

	session, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			e.log.Warn("failed to close connection", zap.Error(cerr))
		}
	}()

	if err := e.store.EnsureContainer(ctx); err != nil {
		return nil, err
	}

	writer := columnar.DefaultWriterConfig()
	writer.Format = format

	results := make([]ExportResult, 0, len(req.Tables))
	for _, t := range req.Tables {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := e.exportTable(ctx, session, t, req, writer, info)
		if err != nil {
			return results, err
		}
		if res.Path != "" {
			results = append(results, res)
		}
	}
	return results, nil
}

// exportTable reads, encodes and uploads one table. A table without columns
// is skipped and yields a zero result.
func (e *Exporter) exportTable(ctx context.Context, session ReaderSession, t string, req ExportRequest,
	writer *columnar.WriterConfig, info *columnar.FormatInfo) (res ExportResult, err error) {
	ctx, span := tracing.Start(ctx, "export.table",
		attribute.String("db.table", t),
		attribute.String("ferry.format", string(writer.Format)))
	defer func() {
		span.SetAttributes(attribute.Int("ferry.rows", res.Rows))
		tracing.End(span, err)
	}()

	table, err := session.ReadTable(ctx, t, req.Limit)
	if err != nil {
		return ExportResult{}, err
	}
	if table.NumColumns() == 0 {
		e.log.Warn("skipping table without columns", zap.String("table", t))
		return ExportResult{}, nil
	}

	body, err := columnar.EncodeBytes(table, writer)
	if err != nil {
		return ExportResult{}, errors.Wrap(err, errors.ErrorTypeData, "failed to encode table").WithDetail("table", t)
	}
	final, err := objectstore.UploadCompressed(ctx, e.store, ExportPath(req.Prefix, t, writer.Format), body, info.MIMEType, req.Compression)
	if err != nil {
		return ExportResult{}, err
	}
	e.metrics.ObjectTransferred(metrics.DirectionUpload)
	e.log.Info("table exported",
		zap.String("table", t),
		zap.String("path", final),
		zap.Int("rows", table.NumRows()))
	return ExportResult{Table: t, Path: final, Rows: table.NumRows()}, nil
}
