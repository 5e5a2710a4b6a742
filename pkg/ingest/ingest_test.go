package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/ferry/pkg/clients"
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
)

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *recordingObserver) ObserveAPIRequest(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

// geoAPI answers with the body registered for the codeDepartement param.
func geoAPI(t *testing.T, bodies map[string]string, seen *[]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		*seen = append(*seen, r.URL.RawQuery)

		code := r.URL.Query().Get("codeDepartement")
		body, ok := bodies[code]
		if !ok {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAdapter(t *testing.T, opts ...Option) *Adapter {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewAdapter(clients.NewHTTPClient(nil, zaptest.NewLogger(t)), opts...)
}

func TestCollect_PartitionOrder(t *testing.T) {
	var seen []string
	srv := geoAPI(t, map[string]string{
		"02": `[{"nom":"Laon"},{"nom":"Soissons"}]`,
		"59": `[]`,
		"60": `[{"nom":"Beauvais"}]`,
	}, &seen)

	obs := &recordingObserver{}
	a := newAdapter(t, WithObserver(obs))
	q := Query{
		URL:            srv.URL + "/communes",
		Fields:         "nom,code",
		Format:         "json",
		Geometry:       "contour",
		PartitionParam: "codeDepartement",
		Partitions:     []string{"60", "", "02", "59"},
	}

	records, err := a.Collect(context.Background(), q, BuildAuth("k", "", "apikey", ""))
	require.NoError(t, err)

	var names []string
	for _, r := range records {
		n, _ := r.Get("nom")
		s, _ := n.AsString()
		names = append(names, s)
	}
	assert.Equal(t, []string{"Beauvais", "Laon", "Soissons"}, names)
	assert.Len(t, seen, 3, "blank partition is skipped")
	assert.Contains(t, seen[0], "apikey=k")
	assert.Contains(t, seen[0], "fields=nom%2Ccode")
	assert.Contains(t, seen[0], "geometry=contour")
	assert.Equal(t, []string{"200", "200", "200"}, obs.statuses)
}

func TestCollect_Unpartitioned(t *testing.T) {
	var seen []string
	srv := geoAPI(t, map[string]string{"": `[{"nom":"Paris"}]`}, &seen)

	a := newAdapter(t)
	records, err := a.Collect(context.Background(), Query{URL: srv.URL, Partitions: []string{" ", ""}}, Auth{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	require.Len(t, seen, 1)
	assert.NotContains(t, seen[0], "codeDepartement")
}

func TestCollect_UnexpectedShape(t *testing.T) {
	var seen []string
	srv := geoAPI(t, map[string]string{"02": `{"message":"quota exceeded"}`}, &seen)

	a := newAdapter(t)
	_, err := a.Collect(context.Background(), Query{
		URL:            srv.URL,
		PartitionParam: "codeDepartement",
		Partitions:     []string{"02"},
	}, Auth{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnexpectedResponseShape))
	assert.Contains(t, err.Error(), "02")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestCollect_HTTPError(t *testing.T) {
	var seen []string
	srv := geoAPI(t, map[string]string{}, &seen)

	obs := &recordingObserver{}
	a := newAdapter(t, WithObserver(obs))
	_, err := a.Collect(context.Background(), Query{
		URL:            srv.URL,
		PartitionParam: "codeDepartement",
		Partitions:     []string{"99"},
	}, Auth{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransport))
	assert.Equal(t, []string{"500"}, obs.statuses)
}

func TestCollect_HeaderAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	records, err := newAdapter(t).Collect(context.Background(), Query{URL: srv.URL}, BuildAuth("secret", "", "", ""))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCollect_InvalidURL(t *testing.T) {
	_, err := newAdapter(t).Collect(context.Background(), Query{URL: "not a url"}, Auth{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestBuildAuth(t *testing.T) {
	tests := []struct {
		name                  string
		key, header, param, p string
		wantHeaders           map[string]string
		wantParams            map[string]string
	}{
		{"no key", "", "X-Key", "", "", map[string]string{}, map[string]string{}},
		{"default bearer", "k", "", "", "", map[string]string{"Authorization": "Bearer k"}, map[string]string{}},
		{"default with prefix", "k", "", "", "Token ", map[string]string{"Authorization": "Token k"}, map[string]string{}},
		{"header", "k", "X-API-Key", "", "", map[string]string{"X-API-Key": "k"}, map[string]string{}},
		{"param", "k", "", "apikey", "", map[string]string{}, map[string]string{"apikey": "k"}},
		{"both", "k", "X-API-Key", "apikey", "p-", map[string]string{"X-API-Key": "p-k"}, map[string]string{"apikey": "p-k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := BuildAuth(tt.key, tt.header, tt.param, tt.p)
			assert.Equal(t, tt.wantHeaders, auth.Headers)
			assert.Equal(t, tt.wantParams, auth.Params)
		})
	}
}

func parseRecords(t *testing.T, raw string) []dataset.Value {
	t.Helper()
	v, err := dataset.ParseJSON([]byte(raw))
	require.NoError(t, err)
	return v.Items()
}

func TestNormalize(t *testing.T) {
	records := parseRecords(t, `[
		{"extra":"x","nom":"Laon","code":"02408","centre":{"type":"Point","coordinates":[3.62,49.56]},
		 "departement":{"code":"02","nom":"Aisne"},"region":{"code":"32","nom":"Hauts-de-France"},
		 "contour":{"type":"Polygon","coordinates":[[[3.6,49.5]]]},"population":24817},
		{"nom":"Nowhere","centre":{"coordinates":[1.5]},"contour":"n/a","departement":"02"}
	]`)

	tbl, err := Normalize(records)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"nom", "code", "departement_nom", "region_nom", "population",
		"longitude", "latitude", "contour_geojson", "extra",
	}, tbl.ColumnNames())
	assert.Equal(t, 2, tbl.NumRows())

	lon, _ := tbl.Column("longitude")
	lat, _ := tbl.Column("latitude")
	assert.Equal(t, dataset.Float(3.62), lon.Values[0])
	assert.Equal(t, dataset.Float(49.56), lat.Values[0])
	assert.Equal(t, dataset.Float(1.5), lon.Values[1])
	assert.True(t, lat.Values[1].IsNull())

	dep, _ := tbl.Column("departement_nom")
	assert.Equal(t, dataset.String("Aisne"), dep.Values[0])
	assert.True(t, dep.Values[1].IsNull())

	contour, _ := tbl.Column("contour_geojson")
	assert.Equal(t, dataset.KindMap, contour.Values[0].Kind())
	assert.True(t, contour.Values[1].IsNull())

	code, _ := tbl.Column("code")
	assert.True(t, code.Values[1].IsNull())
}

func TestNormalize_MissingCentre(t *testing.T) {
	tbl, err := Normalize(parseRecords(t, `[{"nom":"A"}]`))
	require.NoError(t, err)

	lon, ok := tbl.Column("longitude")
	require.True(t, ok)
	assert.True(t, lon.Values[0].IsNull())
	lat, _ := tbl.Column("latitude")
	assert.True(t, lat.Values[0].IsNull())
}

func TestNormalize_Empty(t *testing.T) {
	tbl, err := Normalize(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.NumColumns())
	assert.Equal(t, 0, tbl.NumRows())
}

func TestNormalize_NonObject(t *testing.T) {
	_, err := Normalize([]dataset.Value{dataset.Int(1)})
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestEnvelope(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 5, 123456000, time.UTC)
	tbl, err := Normalize(parseRecords(t, `[{"nom":"Laon","centre":{"coordinates":[3.62,49.56]}}]`))
	require.NoError(t, err)

	env := NewEnvelope(Query{URL: "https://geo.api.gouv.fr/communes", Fields: "nom", Partitions: []string{"02", ""}}, tbl, now)
	data, err := env.MarshalJSON()
	require.NoError(t, err)

	s := string(data)
	assert.True(t, strings.HasPrefix(s, `{"source":"https://geo.api.gouv.fr/communes","fields":"nom","generated_at":"2024-03-01T12:30:05.123456Z","departements":["02"],"commune_count":1,"communes":[{"nom":"Laon",`), s)
	assert.Contains(t, s, `"longitude":3.62`)

	indented, err := env.Indented()
	require.NoError(t, err)
	assert.JSONEq(t, s, string(indented))

	unpartitioned := NewEnvelope(Query{URL: "u"}, dataset.Empty(), now).Value()
	deps, _ := unpartitioned.Get("departements")
	assert.True(t, deps.IsNull())
}

func TestDefaultPath(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 5, 9, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "geo/communes-20240301T070509Z.json", DefaultPath("geo/", now))
	assert.Equal(t, "geo/communes-20240301T070509Z.json", DefaultPath("geo", now))
	assert.Equal(t, "communes-20240301T070509Z.json", DefaultPath("", now))
}
