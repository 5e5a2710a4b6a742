package main

import (
	"bytes"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/formats/columnar"
	"github.com/ajitpratap0/ferry/pkg/testutil"
)

// execute runs the CLI with a fixed environment and returns stdout, stderr
// and the exit code.
func execute(t *testing.T, env map[string]string, args ...string) (*app, string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(&stdout)
	a.lookup = testutil.EnvLookup(env)
	code := run(a, append(args, "--log-level", "error"), &stderr)
	return a, stdout.String(), stderr.String(), code
}

// localStore seeds a local backend container named raw and returns its root.
func localStore(t *testing.T, files map[string]string) string {
	t.Helper()
	_, root := testutil.LocalStore(t, "raw", files)
	return root
}

func storeArgs(root string) []string {
	return []string{"--backend", "local", "--root", root, "--container", "raw"}
}

func TestVersion(t *testing.T) {
	_, out, _, code := execute(t, nil, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "ferry v"+version)
	assert.Contains(t, out, "local")
}

func TestList(t *testing.T) {
	root := localStore(t, map[string]string{
		"csv/b.csv":  "x\n1\n",
		"csv/a.csv":  "x\n1\n",
		"geo/c.json": "[]",
	})

	_, out, stderr, code := execute(t, nil, append([]string{"list", "--tabular-prefix", "csv/"}, storeArgs(root)...)...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "raw/csv/ (2 objects)")
	assert.Less(t, bytes.Index([]byte(out), []byte("csv/a.csv")), bytes.Index([]byte(out), []byte("csv/b.csv")))
	assert.NotContains(t, out, "geo/c.json")
}

func TestFetch_SaveLocal(t *testing.T) {
	root := localStore(t, map[string]string{
		"csv/dim_commune.csv": "code,nom\n02408,Laon\n",
		"geo/communes.json":   `{"communes": [{"nom": "Laon"}, {"nom": "Amiens"}]}`,
	})
	outDir := t.TempDir()

	args := append([]string{"fetch", "--tabular-prefix", "csv/", "--json-prefix", "geo/", "--save-local", "--output-dir", outDir}, storeArgs(root)...)
	_, out, stderr, code := execute(t, nil, args...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "csv/dim_commune.csv")
	assert.Contains(t, out, "geo/communes.json")

	assert.FileExists(t, filepath.Join(outDir, "csv__dim_commune.csv.parquet"))
	assert.FileExists(t, filepath.Join(outDir, "geo__communes.json.parquet"))
}

func TestLoad_PreviewAppliesOverrides(t *testing.T) {
	root := localStore(t, map[string]string{
		"csv/dim_commune.csv":    "code,nom\n02408,Laon\n60057,Beauvais\n80021,Amiens\n",
		"csv/stg_population.csv": "code,population\n02408,24617\n",
	})
	env := map[string]string{
		"AZURE_SQL_SCHEMA":    "staging",
		"AZURE_SQL_CHUNKSIZE": "2",
		"ALLOWED_TABLES":      "dim_commune, stg_population",
	}

	args := append([]string{"load", "--preview", "--tabular-prefix", "csv/", "--schema", "raw_zone"}, storeArgs(root)...)
	a, out, stderr, code := execute(t, env, args...)
	require.Equal(t, 0, code, stderr)

	assert.Equal(t, "raw_zone", a.cfg.SQL.Schema)
	assert.Equal(t, 2, a.cfg.Load.ChunkSize)
	assert.Equal(t, []string{"dim_commune", "stg_population"}, a.cfg.Load.AllowedTables)

	assert.Contains(t, out, "dim_commune")
	assert.Contains(t, out, "pending")
}

func TestLoad_MissingServer(t *testing.T) {
	root := localStore(t, map[string]string{"csv/dim_commune.csv": "code\n1\n"})

	args := append([]string{"load", "--tabular-prefix", "csv/"}, storeArgs(root)...)
	_, _, stderr, code := execute(t, nil, args...)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "missing_credential")
	assert.Contains(t, stderr, "AZURE_SQL_SERVER")
}

func TestLoad_NoDriverAvailable(t *testing.T) {
	root := localStore(t, map[string]string{"csv/dim_commune.csv": "code\n1\n"})
	env := map[string]string{
		"AZURE_SQL_SERVER":   "db.example",
		"AZURE_SQL_USERNAME": "loader",
		"AZURE_SQL_PASSWORD": "secret",
	}

	var stdout, stderr bytes.Buffer
	a := newApp(&stdout)
	a.lookup = testutil.EnvLookup(env)
	a.openSQL = func(driverName, dsn string) (*sql.DB, error) {
		return nil, fmt.Errorf("%s unreachable", driverName)
	}
	args := append([]string{"load", "--tabular-prefix", "csv/", "--log-level", "error"}, storeArgs(root)...)
	code := run(a, args, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "no_driver_available")
	assert.Contains(t, stderr.String(), "drivers tried: sqlserver, mssql")
}

func TestExport_TableNotAllowed(t *testing.T) {
	root := localStore(t, nil)
	args := append([]string{"export", "--tables", "secrets", "--allowed-tables", "dim_commune"}, storeArgs(root)...)
	_, _, stderr, code := execute(t, nil, args...)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "table_not_allowed")
	assert.Contains(t, stderr, "table: secrets")
}

func TestIngest_UploadsToLocalStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"nom": "Laon", "code": "02408", "codeDepartement": %q,
			"centre": {"type": "Point", "coordinates": [3.6, 49.56]}}]`, r.URL.Query().Get("codeDepartement"))
	}))
	defer srv.Close()

	root := localStore(t, nil)
	metricsFile := filepath.Join(t.TempDir(), "ferry.prom")
	args := append([]string{
		"ingest",
		"--api-url", srv.URL,
		"--partitions", "02,60",
		"--path", "geo/communes.json",
		"--metrics-file", metricsFile,
	}, storeArgs(root)...)

	_, out, stderr, code := execute(t, nil, args...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "uploaded 2 records")

	body, err := os.ReadFile(filepath.Join(root, "raw", "geo", "communes.json"))
	require.NoError(t, err)
	env, err := dataset.ParseJSON(body)
	require.NoError(t, err)
	communes, ok := env.Get("communes")
	require.True(t, ok)
	assert.Len(t, communes.Items(), 2)

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `ferry_api_requests_total{status="200"} 2`)
	assert.Contains(t, string(prom), `ferry_objects_transferred_total{direction="upload"} 1`)
}

func TestRates_UploadsTable(t *testing.T) {
	var regions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		regions = append(regions, r.URL.Query().Get("z"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"res":[{"date":"2024-03-01","e7f":"3,05","b7f":"3,25","m7f":"3,50",
			"e25f":"3,60","b25f":"3,75","m25f":"3,95"}]}`)
	}))
	defer srv.Close()

	root := localStore(t, nil)
	traceFile := filepath.Join(t.TempDir(), "trace.json")
	args := append([]string{
		"rates",
		"--rates-url", srv.URL,
		"--regions", "8,0",
		"--durations", "7,25",
		"--trace-file", traceFile,
	}, storeArgs(root)...)

	_, out, stderr, code := execute(t, nil, args...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "uploaded 4 rates for 2 regions to raw/rates/taux_immobilier.parquet")
	assert.Equal(t, []string{"0", "8"}, regions, "regions keep their configured order")

	body, err := os.ReadFile(filepath.Join(root, "raw", "rates", "taux_immobilier.parquet"))
	require.NoError(t, err)
	table, err := columnar.Decode(body, columnar.Parquet)
	require.NoError(t, err)
	assert.Equal(t, 4, table.NumRows())
	first, ok := table.Column("region")
	require.True(t, ok)
	assert.Equal(t, dataset.String("National"), first.Values[0])

	trace, err := os.ReadFile(traceFile)
	require.NoError(t, err)
	assert.Contains(t, string(trace), `"Name":"ferry.rates"`)
	assert.Contains(t, string(trace), `"Name":"ingest.region"`)
}

func TestRates_UnknownRegion(t *testing.T) {
	root := localStore(t, nil)
	args := append([]string{"rates", "--regions", "42"}, storeArgs(root)...)
	_, _, stderr, code := execute(t, nil, args...)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `unknown rate region "42"`)
}

func TestTraceFile_RecordsFailure(t *testing.T) {
	root := localStore(t, nil)
	traceFile := filepath.Join(t.TempDir(), "trace.json")
	args := append([]string{"export", "--tables", "secrets", "--allowed-tables", "dim_commune", "--trace-file", traceFile}, storeArgs(root)...)

	a, _, _, code := execute(t, nil, args...)
	assert.Equal(t, 1, code)
	assert.Nil(t, a.tracer, "tracing is shut down after the run")

	trace, err := os.ReadFile(traceFile)
	require.NoError(t, err)
	assert.Contains(t, string(trace), `"Name":"ferry.export"`)
	assert.Contains(t, string(trace), `"Code":"Error"`)
	assert.Contains(t, string(trace), a.jobID)
}

func TestDiagnostic(t *testing.T) {
	err := errors.ChunkLoadFailure("dim_commune", 100, 100, fmt.Errorf("deadlock"))
	got := diagnostic(err)
	assert.Contains(t, got, "loading table dim_commune failed (rows 100-199)")
	assert.Contains(t, got, "  end: 199\n")
	assert.Contains(t, got, "  table: dim_commune\n")

	got = diagnostic(errors.Transport("list", "raw", fmt.Errorf("connection reset")))
	assert.Contains(t, got, "re-running the command may succeed")

	assert.Equal(t, "ferry: boom\n", diagnostic(fmt.Errorf("boom")))
}
