package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/loader"
	"github.com/ajitpratap0/ferry/pkg/metrics"
)

// WriterSession is an open relational connection that accepts chunks.
// *sqlstore.Conn implements it.
type WriterSession interface {
	loader.ChunkWriter
	Close() error
}

// DialFunc opens a WriterSession. It is only called once there is
// something to write.
type DialFunc func(ctx context.Context) (WriterSession, error)

// LoadRequest selects what a load run writes and how.
type LoadRequest struct {
	// Policy applies to the first chunk of every table
	Policy    string
	ChunkSize int
	// Tables restricts the run to these tables, in this order; empty loads
	// every prepared table
	Tables []string
	// Allowed is the table allow-list; empty allows every table
	Allowed []string
	// Preview reports what would be loaded without connecting
	Preview bool
}

// LoadRunner moves prepared datasets into the relational store.
type LoadRunner struct {
	tables  TablePreparer
	dial    DialFunc
	log     *zap.Logger
	metrics *metrics.Collector
}

// NewLoadRunner creates a load runner.
func NewLoadRunner(tables TablePreparer, dial DialFunc, opts ...Option) *LoadRunner {
	o := buildOptions("load_pipeline", opts)
	return &LoadRunner{tables: tables, dial: dial, log: o.log, metrics: o.metrics}
}

// Run prepares the datasets, applies the table selection and loads them in
// order, stopping at the first failed table.
func (r *LoadRunner) Run(ctx context.Context, req LoadRequest) ([]loader.Report, error) {
	if !config.ValidPolicy(req.Policy) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown existence policy %q", req.Policy)
	}
	allow := config.LoadConfig{AllowedTables: req.Allowed}
	for _, t := range req.Tables {
		if !allow.TableAllowed(t) {
			return nil, errors.TableNotAllowed(t)
		}
	}

	prepared, err := r.tables.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	selected, err := r.selectTables(prepared, req.Tables, allow)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		r.log.Warn("no tables to load")
		return nil, nil
	}

	if req.Preview {
		reports := make([]loader.Report, len(selected))
		for i, n := range selected {
			reports[i] = loader.Report{
				Table:   n.Table,
				Status:  loader.StatusPending,
				Rows:    n.Data.NumRows(),
				Chunks:  len(loader.Plan(n.Data.NumRows(), req.ChunkSize, req.Policy)),
				Columns: n.Data.NumColumns(),
			}
			r.log.Info("table planned",
				zap.String("table", n.Table),
				zap.Int("rows", reports[i].Rows),
				zap.Int("columns", reports[i].Columns),
				zap.Int("chunks", reports[i].Chunks))
		}
		return reports, nil
	}

	session, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			r.log.Warn("failed to close connection", zap.Error(cerr))
		}
	}()

	l := loader.New(session,
		loader.WithChunkSize(req.ChunkSize),
		loader.WithLogger(r.log),
		loader.WithMetrics(r.metrics))
	return l.LoadAll(ctx, selected, req.Policy)
}

func (r *LoadRunner) selectTables(prepared []loader.Named, requested []string, allow config.LoadConfig) ([]loader.Named, error) {
	if len(requested) == 0 {
		out := make([]loader.Named, 0, len(prepared))
		for _, n := range prepared {
			if !allow.TableAllowed(n.Table) {
				r.log.Warn("skipping table outside the allow-list", zap.String("table", n.Table))
				continue
			}
			out = append(out, n)
		}
		return out, nil
	}

	byName := make(map[string]loader.Named, len(prepared))
	for _, n := range prepared {
		byName[n.Table] = n
	}
	out := make([]loader.Named, 0, len(requested))
	for _, t := range requested {
		n, ok := byName[t]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "table %q was not found in the source", t).
				WithDetail("table", t)
		}
		out = append(out, n)
	}
	return out, nil
}
