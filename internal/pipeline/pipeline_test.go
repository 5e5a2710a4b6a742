package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/ajitpratap0/ferry/pkg/compression"
	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/formats/columnar"
	"github.com/ajitpratap0/ferry/pkg/ingest"
	"github.com/ajitpratap0/ferry/pkg/loader"
	"github.com/ajitpratap0/ferry/pkg/metrics"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
	"github.com/ajitpratap0/ferry/pkg/testutil"
)

func newStore(t *testing.T) objectstore.Client {
	t.Helper()
	c, _ := testutil.LocalStore(t, "raw", nil)
	return c
}

type stubCollector struct {
	records []dataset.Value
	err     error
	calls   int
}

func (s *stubCollector) Collect(context.Context, ingest.Query, ingest.Auth) ([]dataset.Value, error) {
	s.calls++
	return s.records, s.err
}

func communes(t *testing.T) []dataset.Value {
	t.Helper()
	v, err := dataset.ParseJSON([]byte(`[
		{"nom": "Laon", "code": "02408", "population": 24617,
		 "centre": {"type": "Point", "coordinates": [3.6, 49.56]},
		 "departement": {"code": "02", "nom": "Aisne"}},
		{"nom": "Beauvais", "code": "60057", "population": 56020,
		 "centre": {"type": "Point", "coordinates": [2.08, 49.43]},
		 "departement": {"code": "60", "nom": "Oise"}}
	]`))
	require.NoError(t, err)
	return v.Items()
}

// counterValue sums the series of a counter whose label matches value.
func counterValue(t *testing.T, m *metrics.Collector, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					total += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestTableName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"csv/dim_commune.csv", "dim_commune"},
		{"sql/stg_deces.parquet.gz", "stg_deces"},
		{"stg_menage.tsv", "stg_menage"},
		{"nested/dir/fact.arrow.zst", "fact"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, TableName(tt.path))
		})
	}
}

func TestIngester_UploadsEnvelope(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := metrics.NewCollector()
	api := &stubCollector{records: communes(t)}
	localCopy := filepath.Join(t.TempDir(), "out", "communes.json")

	ing := NewIngester(api, store, WithLogger(testutil.TestLogger(t)), WithMetrics(m), WithClock(fixedClock))
	res, err := ing.Run(ctx, IngestRequest{
		Query:       ingest.Query{URL: "https://geo.example/communes", Partitions: []string{"02", "60"}},
		Prefix:      "geo/",
		Compression: compression.Gzip,
		LocalOutput: localCopy,
	})
	require.NoError(t, err)

	assert.True(t, res.Uploaded)
	assert.Equal(t, 2, res.Records)
	assert.Equal(t, "geo/communes-20240301T120000Z.json.gz", res.Path)
	assert.Equal(t, localCopy, res.LocalPath)

	body, base, err := objectstore.FetchDecompressed(ctx, store, res.Path)
	require.NoError(t, err)
	assert.Equal(t, "geo/communes-20240301T120000Z.json", base)

	env, err := dataset.ParseJSON(body)
	require.NoError(t, err)
	count, _ := env.Get("commune_count")
	n, _ := count.AsInt()
	assert.EqualValues(t, 2, n)

	table, err := objectstore.DocumentTable(env)
	require.NoError(t, err)
	assert.Equal(t, 2, table.NumRows())
	_, ok := table.Column("departement_nom")
	assert.True(t, ok)

	pretty, err := os.ReadFile(localCopy)
	require.NoError(t, err)
	assert.Contains(t, string(pretty), "\n  \"source\"")

	assert.Equal(t, 1.0, counterValue(t, m, "ferry_objects_transferred_total", "direction", metrics.DirectionUpload))
}

func TestIngester_NoRecords(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	api := &stubCollector{}

	res, err := NewIngester(api, store, WithLogger(testutil.TestLogger(t))).Run(ctx, IngestRequest{Prefix: "geo/"})
	require.NoError(t, err)
	assert.False(t, res.Uploaded)
	assert.Zero(t, res.Records)

	paths, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestIngester_CollectError(t *testing.T) {
	api := &stubCollector{err: errors.UnexpectedResponseShape("02", []byte(`{}`))}
	_, err := NewIngester(api, newStore(t), WithLogger(testutil.TestLogger(t))).Run(context.Background(), IngestRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnexpectedResponseShape))
}

// recordingSession records chunk writes per table.
type recordingSession struct {
	writes map[string][]string
	rows   map[string]int
	closed bool
	failOn string
}

func newRecordingSession() *recordingSession {
	return &recordingSession{writes: map[string][]string{}, rows: map[string]int{}}
}

func (s *recordingSession) WriteChunk(_ context.Context, table string, rows *dataset.Table, _ []dataset.Kind, policy string) error {
	if table == s.failOn {
		return fmt.Errorf("write to %s refused", table)
	}
	s.writes[table] = append(s.writes[table], policy)
	s.rows[table] += rows.NumRows()
	return nil
}

func (s *recordingSession) Close() error {
	s.closed = true
	return nil
}

func seedCSV(t *testing.T, store objectstore.Client) {
	t.Helper()
	ctx := context.Background()
	files := map[string]string{
		"csv/dim_commune.csv":    "code,nom\n02408,Laon\n60057,Beauvais\n80021,Amiens\n",
		"csv/stg_population.csv": "code,population\n02408,24617\n",
		"csv/notes.md":           "# not a table\n",
	}
	for p, body := range files {
		require.NoError(t, store.Upload(ctx, p, []byte(body), objectstore.ContentTypeCSV))
	}
}

func TestLoadRunner_LoadsEveryTable(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedCSV(t, store)
	session := newRecordingSession()
	dials := 0

	runner := NewLoadRunner(
		ObjectStoreTables{Client: store, Prefix: "csv/", Logger: testutil.TestLogger(t)},
		func(context.Context) (WriterSession, error) { dials++; return session, nil },
		WithLogger(testutil.TestLogger(t)))

	reports, err := runner.Run(ctx, LoadRequest{Policy: config.PolicyReplace, ChunkSize: 2})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.Equal(t, "dim_commune", reports[0].Table)
	assert.Equal(t, loader.StatusLoaded, reports[0].Status)
	assert.Equal(t, 2, reports[0].Chunks)
	assert.Equal(t, []string{config.PolicyReplace, config.PolicyAppend}, session.writes["dim_commune"])
	assert.Equal(t, 3, session.rows["dim_commune"])
	assert.Equal(t, []string{config.PolicyReplace}, session.writes["stg_population"])
	assert.Equal(t, 1, dials)
	assert.True(t, session.closed)
}

func TestLoadRunner_Selection(t *testing.T) {
	tests := []struct {
		name       string
		req        LoadRequest
		wantType   errors.ErrorType
		wantTables []string
		wantDial   bool
	}{
		{
			name:     "requested table outside allow-list",
			req:      LoadRequest{Policy: config.PolicyAppend, Tables: []string{"stg_population"}, Allowed: []string{"dim_commune"}},
			wantType: errors.ErrorTypeTableNotAllowed,
		},
		{
			name:     "requested table missing",
			req:      LoadRequest{Policy: config.PolicyAppend, Tables: []string{"stg_deces"}},
			wantType: errors.ErrorTypeValidation,
		},
		{
			name:     "unknown policy",
			req:      LoadRequest{Policy: "truncate"},
			wantType: errors.ErrorTypeValidation,
		},
		{
			name:       "discovered table outside allow-list is skipped",
			req:        LoadRequest{Policy: config.PolicyAppend, Allowed: []string{"stg_population"}},
			wantTables: []string{"stg_population"},
			wantDial:   true,
		},
		{
			name:       "requested order wins",
			req:        LoadRequest{Policy: config.PolicyAppend, Tables: []string{"stg_population", "dim_commune"}},
			wantTables: []string{"stg_population", "dim_commune"},
			wantDial:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			seedCSV(t, store)
			dialed := false

			runner := NewLoadRunner(
				ObjectStoreTables{Client: store, Prefix: "csv/"},
				func(context.Context) (WriterSession, error) { dialed = true; return newRecordingSession(), nil },
				WithLogger(testutil.TestLogger(t)))

			reports, err := runner.Run(context.Background(), tt.req)
			assert.Equal(t, tt.wantDial, dialed)
			if tt.wantType != "" {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, tt.wantType), "got %v", err)
				return
			}
			require.NoError(t, err)
			var got []string
			for _, r := range reports {
				got = append(got, r.Table)
			}
			assert.Equal(t, tt.wantTables, got)
		})
	}
}

func TestLoadRunner_Preview(t *testing.T) {
	store := newStore(t)
	seedCSV(t, store)

	runner := NewLoadRunner(
		ObjectStoreTables{Client: store, Prefix: "csv/"},
		func(context.Context) (WriterSession, error) {
			t.Fatal("preview must not connect")
			return nil, nil
		},
		WithLogger(testutil.TestLogger(t)))

	reports, err := runner.Run(context.Background(), LoadRequest{Policy: config.PolicyReplace, ChunkSize: 2, Preview: true})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, loader.StatusPending, reports[0].Status)
	assert.Equal(t, 3, reports[0].Rows)
	assert.Equal(t, 2, reports[0].Chunks)
	assert.Equal(t, 2, reports[0].Columns)
}

func TestLoadRunner_ChunkFailureClosesSession(t *testing.T) {
	store := newStore(t)
	seedCSV(t, store)
	session := newRecordingSession()
	session.failOn = "stg_population"

	runner := NewLoadRunner(
		ObjectStoreTables{Client: store, Prefix: "csv/"},
		func(context.Context) (WriterSession, error) { return session, nil },
		WithLogger(testutil.TestLogger(t)))

	reports, err := runner.Run(context.Background(), LoadRequest{Policy: config.PolicyReplace})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeChunkLoadFailure))
	require.Len(t, reports, 2)
	assert.Equal(t, loader.StatusLoaded, reports[0].Status)
	assert.Equal(t, loader.StatusFailed, reports[1].Status)
	assert.True(t, session.closed)
}

func TestLocalTables(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_table.csv"), []byte("x\n1\n2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("skip me"), 0o644))

	comp, err := compression.NewCompressor(compression.Gzip, compression.Default)
	require.NoError(t, err)
	packed, err := comp.Compress([]byte("y;z\n"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_table.csv.gz"), packed, 0o644))

	named, err := LocalTables{Dir: dir, Logger: testutil.TestLogger(t)}.Prepare(context.Background())
	require.NoError(t, err)
	require.Len(t, named, 2)
	assert.Equal(t, "a_table", named[0].Table)
	assert.Equal(t, "b_table", named[1].Table)
	assert.Equal(t, 2, named[1].Data.NumRows())
}

func TestLocalTables_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.csv"), []byte("x\n1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.tsv"), []byte("x\n1\n"), 0o644))

	_, err := LocalTables{Dir: dir}.Prepare(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestLocalTables_MissingDir(t *testing.T) {
	_, err := LocalTables{Dir: filepath.Join(t.TempDir(), "absent")}.Prepare(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFile))
}

type stubReader struct {
	tables map[string]*dataset.Table
	reads  []string
	closed bool
}

func (s *stubReader) ReadTable(_ context.Context, table string, _ int) (*dataset.Table, error) {
	s.reads = append(s.reads, table)
	t, ok := s.tables[table]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeQuery, "invalid object name %s", table)
	}
	return t, nil
}

func (s *stubReader) Close() error {
	s.closed = true
	return nil
}

func communeTable(t *testing.T) *dataset.Table {
	t.Helper()
	table, err := dataset.NewTable(
		dataset.Column{Name: "code", Values: []dataset.Value{dataset.String("02408"), dataset.String("60057")}},
		dataset.Column{Name: "population", Values: []dataset.Value{dataset.Int(24617), dataset.Int(56020)}},
	)
	require.NoError(t, err)
	return table
}

func TestExporter_UploadsTables(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reader := &stubReader{tables: map[string]*dataset.Table{"dim_commune": communeTable(t)}}

	exp := NewExporter(func(context.Context) (ReaderSession, error) { return reader, nil }, store,
		WithLogger(testutil.TestLogger(t)))
	results, err := exp.Run(ctx, ExportRequest{Tables: []string{"dim_commune"}, Prefix: "sql-bis/"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ExportResult{Table: "dim_commune", Path: "sql-bis/dim_commune.parquet", Rows: 2}, results[0])
	assert.True(t, reader.closed)

	body, err := store.Fetch(ctx, "sql-bis/dim_commune.parquet")
	require.NoError(t, err)
	back, err := columnar.Decode(body, columnar.Parquet)
	require.NoError(t, err)
	assert.Equal(t, 2, back.NumRows())
	assert.Equal(t, []string{"code", "population"}, back.ColumnNames())
}

func TestExporter_AvroCompressed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reader := &stubReader{tables: map[string]*dataset.Table{"dim_commune": communeTable(t)}}

	exp := NewExporter(func(context.Context) (ReaderSession, error) { return reader, nil }, store,
		WithLogger(testutil.TestLogger(t)))
	results, err := exp.Run(ctx, ExportRequest{
		Tables:      []string{"dim_commune"},
		Format:      columnar.Avro,
		Compression: compression.Zstd,
	})
	require.NoError(t, err)
	assert.Equal(t, "dim_commune.avro.zst", results[0].Path)

	body, base, err := objectstore.FetchDecompressed(ctx, store, results[0].Path)
	require.NoError(t, err)
	table, ok, err := objectstore.DecodeTabular(base, body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, table.NumRows())
}

func TestExporter_AllowListCheckedBeforeConnecting(t *testing.T) {
	exp := NewExporter(func(context.Context) (ReaderSession, error) {
		t.Fatal("must not connect")
		return nil, nil
	}, newStore(t), WithLogger(testutil.TestLogger(t)))

	_, err := exp.Run(context.Background(), ExportRequest{
		Tables:  []string{"dim_commune", "secrets"},
		Allowed: []string{"dim_commune"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTableNotAllowed))
}

func TestExporter_StopsAtFirstFailure(t *testing.T) {
	reader := &stubReader{tables: map[string]*dataset.Table{"dim_commune": communeTable(t)}}
	exp := NewExporter(func(context.Context) (ReaderSession, error) { return reader, nil }, newStore(t),
		WithLogger(testutil.TestLogger(t)))

	results, err := exp.Run(context.Background(), ExportRequest{Tables: []string{"dim_commune", "missing", "never"}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))
	assert.Len(t, results, 1)
	assert.Equal(t, []string{"dim_commune", "missing"}, reader.reads)
}

func TestExportPath(t *testing.T) {
	assert.Equal(t, "sql-bis/t.parquet", ExportPath("sql-bis/", "t", columnar.Parquet))
	assert.Equal(t, "sql-bis/t.arrow", ExportPath("sql-bis", "t", columnar.Arrow))
	assert.Equal(t, "t.avro", ExportPath("", "t", columnar.Avro))
}

func TestExporter_RecordsTableSpans(t *testing.T) {
	rec := testutil.RecordSpans(t)
	reader := &stubReader{tables: map[string]*dataset.Table{"dim_commune": communeTable(t)}}
	exp := NewExporter(func(context.Context) (ReaderSession, error) { return reader, nil }, newStore(t),
		WithLogger(testutil.TestLogger(t)))

	_, err := exp.Run(context.Background(), ExportRequest{Tables: []string{"dim_commune", "missing"}})
	require.Error(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"export.table", "export.table"}, names)
	assert.Equal(t, codes.Error, rec.Ended()[1].Status().Code)
}

type stubRates struct {
	table *dataset.Table
	err   error
	query ingest.RateQuery
}

func (s *stubRates) CollectRates(_ context.Context, q ingest.RateQuery) (*dataset.Table, error) {
	s.query = q
	return s.table, s.err
}

func rateTable(t *testing.T) *dataset.Table {
	t.Helper()
	tbl, err := dataset.NewTable(
		dataset.Column{Name: "region", Values: []dataset.Value{dataset.String("National"), dataset.String("National")}},
		dataset.Column{Name: "duree_ans", Values: []dataset.Value{dataset.Int(7), dataset.Int(10)}},
		dataset.Column{Name: "taux_excellent", Values: []dataset.Value{dataset.Float(3.05), dataset.Float(3.15)}},
	)
	require.NoError(t, err)
	return tbl
}

func TestRatesIngester_Uploads(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	api := &stubRates{table: rateTable(t)}
	m := metrics.NewCollector()
	local := filepath.Join(t.TempDir(), "out", "taux.parquet")

	r := NewRatesIngester(api, store, WithLogger(testutil.TestLogger(t)), WithMetrics(m))
	q := ingest.RateQuery{Regions: []ingest.Region{{Code: "0", Name: "National"}}, Durations: []int{7, 10}}
	res, err := r.Run(ctx, RatesRequest{Query: q, Path: "rates/taux.parquet", LocalOutput: local})
	require.NoError(t, err)

	assert.Equal(t, RatesResult{Rows: 2, Regions: 1, Path: "rates/taux.parquet", LocalPath: local}, res)
	assert.Equal(t, q, api.query)
	assert.Equal(t, 1.0, counterValue(t, m, "ferry_objects_transferred_total", "direction", metrics.DirectionUpload))

	body, err := store.Fetch(ctx, "rates/taux.parquet")
	require.NoError(t, err)
	back, err := columnar.Decode(body, columnar.Parquet)
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "duree_ans", "taux_excellent"}, back.ColumnNames())

	onDisk, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, body, onDisk)
}

func TestRatesIngester_CollectErrorUploadsNothing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	api := &stubRates{err: errors.UnexpectedResponseShape("3", []byte(`{"res":[]}`))}

	_, err := NewRatesIngester(api, store, WithLogger(testutil.TestLogger(t))).
		Run(ctx, RatesRequest{Path: "rates/taux.parquet"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnexpectedResponseShape))

	paths, err := store.List(ctx, "rates/")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestRatesIngester_UnsupportedFormat(t *testing.T) {
	store := newStore(t)
	r := NewRatesIngester(&stubRates{table: rateTable(t)}, store, WithLogger(testutil.TestLogger(t)))

	_, err := r.Run(context.Background(), RatesRequest{Path: "rates/taux.parquet", Format: "xlsx"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
