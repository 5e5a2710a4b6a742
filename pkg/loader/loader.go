// Package loader writes tabular datasets to the relational store in
// fixed-size chunks.
//
// A table load runs pending -> skipped-empty, or pending -> loading ->
// loaded | failed. Nested cells are serialized to JSON text first. Only the
// first chunk carries the requested existence policy; every later chunk
// appends, so a table is replaced at most once per load. A failed chunk
// aborts the table with its row range while earlier chunks stay committed.
package loader

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/logger"
	"github.com/ajitpratap0/ferry/pkg/metrics"
	"github.com/ajitpratap0/ferry/pkg/tracing"
)

// DefaultChunkSize is used when a non-positive chunk size is given.
const DefaultChunkSize = 100

// ChunkWriter performs one chunk write. *sqlstore.Conn implements it.
type ChunkWriter interface {
	WriteChunk(ctx context.Context, table string, rows *dataset.Table, kinds []dataset.Kind, policy string) error
}

// Status is the state of a table load.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSkippedEmpty Status = "skipped-empty"
	StatusLoading      Status = "loading"
	StatusLoaded       Status = "loaded"
	StatusFailed       Status = "failed"
)

// Chunk is one contiguous row range and the policy it is written with.
type Chunk struct {
	Start  int
	Len    int
	Policy string
}

// End returns the last row index of the chunk.
func (c Chunk) End() int {
	return c.Start + c.Len - 1
}

// Plan splits n rows into ceil(n/size) chunks. The first chunk carries
// policy and the others append.
func Plan(n, size int, policy string) []Chunk {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([]Chunk, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		length := size
		if start+length > n {
			length = n - start
		}
		p := config.PolicyAppend
		if start == 0 {
			p = policy
		}
		chunks = append(chunks, Chunk{Start: start, Len: length, Policy: p})
	}
	return chunks
}

// Report summarizes one table load.
type Report struct {
	Table  string
	Status Status
	// Rows is the row count of the dataset
	Rows int
	// RowsWritten counts rows of committed chunks; it is below Rows when a
	// chunk failed
	RowsWritten int
	Chunks      int
	Columns     int
}

// Loader writes tables through a ChunkWriter.
type Loader struct {
	writer    ChunkWriter
	chunkSize int
	log       *zap.Logger
	metrics   *metrics.Collector
}

// Option configures a Loader.
type Option func(*Loader)

// WithChunkSize sets the maximum rows per chunk.
func WithChunkSize(n int) Option {
	return func(l *Loader) { l.chunkSize = n }
}

// WithLogger sets the loader logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// WithMetrics records chunk outcomes on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Loader) { l.metrics = m }
}

// New creates a loader on w.
func New(w ChunkWriter, opts ...Option) *Loader {
	l := &Loader{writer: w, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(l)
	}
	if l.chunkSize <= 0 {
		l.chunkSize = DefaultChunkSize
	}
	l.log = logger.OrGlobal(l.log).With(zap.String("component", "loader"))
	return l
}

// Load writes data to table. An empty dataset is skipped without touching
// the store. On a chunk failure the returned report has StatusFailed and the
// error is a ChunkLoadFailure naming the table and the chunk's row range.
func (l *Loader) Load(ctx context.Context, table string, data *dataset.Table, policy string) (report Report, err error) {
	ctx, span := tracing.Start(ctx, "loader.load_table",
		attribute.String("db.table", table),
		attribute.String("ferry.policy", policy),
		attribute.Int("ferry.rows", data.NumRows()))
	defer func() {
		span.SetAttributes(
			attribute.String("ferry.status", string(report.Status)),
			attribute.Int("ferry.chunks", report.Chunks))
		tracing.End(span, err)
	}()

	report = Report{Table: table, Status: StatusPending, Rows: data.NumRows(), Columns: data.NumColumns()}
	if !config.ValidPolicy(policy) {
		return report, errors.Newf(errors.ErrorTypeValidation, "unknown existence policy %q", policy)
	}
	timer := metrics.NewTimer()
	ctx = context.WithValue(ctx, logger.TableKey, table)
	log := logger.FromContextKeys(ctx, l.log, logger.TableKey)

	if data.NumRows() == 0 {
		report.Status = StatusSkippedEmpty
		log.Info("table skipped", zap.String("reason", "no rows"))
		return report, nil
	}

	encoded, err := data.SerializeNested()
	if err != nil {
		return report, errors.Wrap(err, errors.ErrorTypeData, "failed to serialize nested values").
			WithDetail("table", table)
	}
	kinds := encoded.Schema()

	report.Status = StatusLoading
	for _, c := range Plan(encoded.NumRows(), l.chunkSize, policy) {
		rows := encoded.Slice(c.Start, c.Start+c.Len)
		if err := l.writer.WriteChunk(ctx, table, rows, kinds, c.Policy); err != nil {
			report.Status = StatusFailed
			l.metrics.ChunkFailed(table)
			l.metrics.TableLoaded(table, string(report.Status), timer.Stop())
			log.Error("table load failed",
				zap.Int("start", c.Start),
				zap.Int("end", c.End()),
				zap.Int("rows_written", report.RowsWritten),
				zap.Error(err))
			return report, errors.ChunkLoadFailure(table, c.Start, c.Len, err)
		}
		report.Chunks++
		report.RowsWritten += c.Len
		l.metrics.ChunkWritten(table, c.Policy, c.Len)
		log.Debug("chunk written",
			zap.Int("start", c.Start),
			zap.Int("end", c.End()),
			zap.String("policy", c.Policy))
	}

	report.Status = StatusLoaded
	elapsed := timer.Stop()
	l.metrics.TableLoaded(table, string(report.Status), elapsed)
	log.Info("table loaded",
		zap.Int("rows", report.RowsWritten),
		zap.Int("columns", report.Columns),
		zap.Int("chunks", report.Chunks),
		zap.Duration("elapsed", elapsed))
	return report, nil
}

// Named pairs a dataset with its target table.
type Named struct {
	Table string
	Data  *dataset.Table
}

// LoadAll loads tables in order and stops at the first failure. The reports
// cover every table attempted, including the failed one.
func (l *Loader) LoadAll(ctx context.Context, tables []Named, policy string) ([]Report, error) {
	reports := make([]Report, 0, len(tables))
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		r, err := l.Load(ctx, t.Table, t.Data, policy)
		reports = append(reports, r)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}
