package loader

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/logger"
	"github.com/ajitpratap0/ferry/pkg/metrics"
	"github.com/ajitpratap0/ferry/pkg/testutil"
)

type write struct {
	table  string
	rows   *dataset.Table
	kinds  []dataset.Kind
	policy string
}

type recordingWriter struct {
	writes []write
	// failAt fails the write with this index
	failAt int
}

func newWriter() *recordingWriter {
	return &recordingWriter{failAt: -1}
}

func (w *recordingWriter) WriteChunk(_ context.Context, table string, rows *dataset.Table, kinds []dataset.Kind, policy string) error {
	if len(w.writes) == w.failAt {
		return stderrors.New("String or binary data would be truncated")
	}
	w.writes = append(w.writes, write{table: table, rows: rows, kinds: kinds, policy: policy})
	return nil
}

func (w *recordingWriter) policies() []string {
	out := make([]string, len(w.writes))
	for i, wr := range w.writes {
		out[i] = wr.policy
	}
	return out
}

func rowsTable(t *testing.T, n int) *dataset.Table {
	t.Helper()
	ids := make([]dataset.Value, n)
	for i := range ids {
		ids[i] = dataset.Int(int64(i))
	}
	tbl, err := dataset.NewTable(dataset.Column{Name: "id", Values: ids})
	require.NoError(t, err)
	return tbl
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		n, size  int
		policy   string
		policies []string
		lastLen  int
	}{
		{"250 by 100 replace", 250, 100, config.PolicyReplace, []string{"replace", "append", "append"}, 50},
		{"exact multiple", 200, 100, config.PolicyFail, []string{"fail", "append"}, 100},
		{"single chunk", 7, 100, config.PolicyReplace, []string{"replace"}, 7},
		{"chunk of one", 3, 1, config.PolicyAppend, []string{"append", "append", "append"}, 1},
		{"zero size uses default", 150, 0, config.PolicyReplace, []string{"replace", "append"}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Plan(tt.n, tt.size, tt.policy)
			got := make([]string, len(chunks))
			total := 0
			for i, c := range chunks {
				got[i] = c.Policy
				assert.Equal(t, total, c.Start)
				total += c.Len
			}
			assert.Equal(t, tt.policies, got)
			assert.Equal(t, tt.n, total)
			assert.Equal(t, tt.lastLen, chunks[len(chunks)-1].Len)
		})
	}
	assert.Empty(t, Plan(0, 100, config.PolicyReplace))
}

func TestPlan_ChunkCount(t *testing.T) {
	for n := 1; n <= 60; n++ {
		for size := 1; size <= 12; size++ {
			chunks := Plan(n, size, config.PolicyReplace)
			require.Len(t, chunks, (n+size-1)/size, "n=%d size=%d", n, size)
			for i, c := range chunks[1:] {
				require.Equal(t, config.PolicyAppend, c.Policy, "chunk %d", i+1)
			}
		}
	}
}

func TestLoad_Chunks(t *testing.T) {
	w := newWriter()
	m := metrics.NewCollector()
	l := New(w, WithChunkSize(100), WithLogger(zaptest.NewLogger(t)), WithMetrics(m))

	report, err := l.Load(context.Background(), "stg_population", rowsTable(t, 250), config.PolicyReplace)
	require.NoError(t, err)

	assert.Equal(t, []string{"replace", "append", "append"}, w.policies())
	assert.Equal(t, StatusLoaded, report.Status)
	assert.Equal(t, 250, report.Rows)
	assert.Equal(t, 250, report.RowsWritten)
	assert.Equal(t, 3, report.Chunks)

	first, _ := w.writes[0].rows.Column("id")
	last, _ := w.writes[2].rows.Column("id")
	assert.Equal(t, dataset.Int(0), first.Values[0])
	assert.Equal(t, dataset.Int(200), last.Values[0])
	assert.Len(t, last.Values, 50)
	assert.Equal(t, []dataset.Kind{dataset.KindInt}, w.writes[1].kinds)
}

func TestLoad_Empty(t *testing.T) {
	w := newWriter()
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(w, WithLogger(zap.New(core)))

	report, err := l.Load(context.Background(), "stg_deces", rowsTable(t, 0), config.PolicyReplace)
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedEmpty, report.Status)
	assert.Empty(t, w.writes)
	skipped := logs.FilterMessage("table skipped").All()
	require.Len(t, skipped, 1)
	assert.Equal(t, "stg_deces", skipped[0].ContextMap()["table"])
}

func TestLoad_ChunkFailure(t *testing.T) {
	w := newWriter()
	w.failAt = 1
	m := metrics.NewCollector()
	l := New(w, WithChunkSize(100), WithLogger(zaptest.NewLogger(t)), WithMetrics(m))

	report, err := l.Load(context.Background(), "stg_logement", rowsTable(t, 250), config.PolicyReplace)
	require.Error(t, err)

	assert.True(t, errors.IsType(err, errors.ErrorTypeChunkLoadFailure))
	assert.Contains(t, err.Error(), "stg_logement")
	assert.Contains(t, err.Error(), "rows 100-199")
	assert.Contains(t, err.Error(), "would be truncated")

	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, 100, e.Details["start"])
	assert.Equal(t, 199, e.Details["end"])

	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, 100, report.RowsWritten, "the first chunk stays committed")
	assert.Len(t, w.writes, 1)
}

func TestLoad_SerializesNested(t *testing.T) {
	nested := []dataset.Value{
		dataset.List(dataset.String("02000"), dataset.String("02100")),
		dataset.Map(dataset.Field{Key: "type", Value: dataset.String("Point")}, dataset.Field{Key: "coordinates", Value: dataset.List(dataset.Float(3.5), dataset.Float(49.0))}),
		dataset.Null(),
	}
	tbl, err := dataset.NewTable(
		dataset.Column{Name: "nom", Values: []dataset.Value{dataset.String("a"), dataset.String("b"), dataset.String("c")}},
		dataset.Column{Name: "extra", Values: nested},
	)
	require.NoError(t, err)

	w := newWriter()
	_, err = New(w, WithChunkSize(2), WithLogger(zaptest.NewLogger(t))).Load(context.Background(), "dim_commune", tbl, config.PolicyAppend)
	require.NoError(t, err)
	require.Len(t, w.writes, 2)

	var written []dataset.Value
	for _, wr := range w.writes {
		assert.Equal(t, []dataset.Kind{dataset.KindString, dataset.KindString}, wr.kinds)
		col, _ := wr.rows.Column("extra")
		written = append(written, col.Values...)
	}

	for i, v := range written {
		if nested[i].IsNull() {
			assert.True(t, v.IsNull())
			continue
		}
		text, ok := v.AsString()
		require.True(t, ok, "row %d is not text", i)
		decoded, err := dataset.ParseJSON([]byte(text))
		require.NoError(t, err)
		assert.True(t, nested[i].Equal(decoded), "row %d: %s", i, text)
	}

	nom, _ := tbl.Column("extra")
	assert.True(t, nom.Values[0].IsNested(), "the input table is not modified")
}

func TestLoad_BadPolicy(t *testing.T) {
	_, err := New(newWriter()).Load(context.Background(), "t", rowsTable(t, 1), "truncate")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestLoadAll_StopsAtFailure(t *testing.T) {
	w := newWriter()
	w.failAt = 2 // the chunk of t3
	l := New(w, WithChunkSize(10), WithLogger(zaptest.NewLogger(t)))

	tables := make([]Named, 4)
	for i := range tables {
		tables[i] = Named{Table: fmt.Sprintf("t%d", i), Data: rowsTable(t, 10)}
	}
	tables[1].Data = rowsTable(t, 0)

	reports, err := l.LoadAll(context.Background(), tables, config.PolicyReplace)
	require.Error(t, err)
	require.Len(t, reports, 4)
	assert.Equal(t, StatusLoaded, reports[0].Status)
	assert.Equal(t, StatusSkippedEmpty, reports[1].Status)
	assert.Equal(t, StatusLoaded, reports[2].Status)
	assert.Equal(t, StatusFailed, reports[3].Status)

	w2 := newWriter()
	w2.failAt = 0
	reports, err = New(w2, WithLogger(zaptest.NewLogger(t))).LoadAll(context.Background(), tables, config.PolicyReplace)
	require.Error(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, StatusFailed, reports[0].Status)
}

func TestLoad_LogsRunFieldsOnce(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := context.WithValue(context.Background(), logger.JobIDKey, "job-7")
	ctx = context.WithValue(ctx, logger.CommandKey, "load")
	base := logger.FromContext(ctx, zap.New(core))

	l := New(newWriter(), WithLogger(base))
	_, err := l.Load(ctx, "dim_commune", rowsTable(t, 3), config.PolicyReplace)
	require.NoError(t, err)

	loaded := logs.FilterMessage("table loaded").All()
	require.Len(t, loaded, 1)
	counts := map[string]int{}
	for _, f := range loaded[0].Context {
		counts[f.Key]++
	}
	assert.Equal(t, 1, counts["job_id"])
	assert.Equal(t, 1, counts["command"])
	assert.Equal(t, 1, counts["table"])
}

func TestLoad_RecordsSpan(t *testing.T) {
	rec := testutil.RecordSpans(t)
	w := newWriter()
	w.failAt = 1
	l := New(w, WithChunkSize(100), WithLogger(zaptest.NewLogger(t)))

	_, err := l.Load(context.Background(), "stg_logement", rowsTable(t, 250), config.PolicyReplace)
	require.Error(t, err)

	span := testutil.EndedSpan(t, rec, "loader.load_table")
	assert.Equal(t, codes.Error, span.Status().Code)
	attrs := attribute.NewSet(span.Attributes()...)
	table, _ := attrs.Value("db.table")
	assert.Equal(t, "stg_logement", table.AsString())
	rows, _ := attrs.Value("ferry.rows")
	assert.Equal(t, int64(250), rows.AsInt64())
	status, _ := attrs.Value("ferry.status")
	assert.Equal(t, string(StatusFailed), status.AsString())
}
