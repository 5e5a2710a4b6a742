package azureblob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
)

// devKey is the public Azurite development account key.
const devKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

type fakeBlob struct {
	body        []byte
	contentType string
	encoding    string
}

// fakeBlobService implements the handful of Blob REST calls the client uses.
type fakeBlobService struct {
	mu        sync.Mutex
	container bool
	blobs     map[string]fakeBlob
}

func (f *fakeBlobService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// path: /devstoreaccount1/<container>[/<blob>]
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
	q := r.URL.Query()

	switch {
	case r.Method == http.MethodPut && q.Get("restype") == "container":
		if f.container {
			w.Header().Set("x-ms-error-code", "ContainerAlreadyExists")
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.container = true
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodGet && q.Get("comp") == "list":
		prefix := q.Get("prefix")
		names := make([]string, 0, len(f.blobs))
		for name := range f.blobs {
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		// reversed so the test proves the client sorts
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="utf-8"?><EnumerationResults ContainerName="raw"><Blobs>`)
		for _, n := range names {
			fmt.Fprintf(&b, `<Blob><Name>%s</Name><Properties><Content-Length>%d</Content-Length><BlobType>BlockBlob</BlobType></Properties></Blob>`, n, len(f.blobs[n].body))
		}
		b.WriteString(`</Blobs><NextMarker/></EnumerationResults>`)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, b.String())

	case r.Method == http.MethodPut && len(parts) == 3:
		body, _ := io.ReadAll(r.Body)
		f.blobs[parts[2]] = fakeBlob{
			body:        body,
			contentType: r.Header.Get("x-ms-blob-content-type"),
			encoding:    r.Header.Get("x-ms-blob-content-encoding"),
		}
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodGet && len(parts) == 3:
		b, ok := f.blobs[parts[2]]
		if !ok {
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(b.body)))
		w.Header().Set("x-ms-blob-type", "BlockBlob")
		_, _ = w.Write(b.body)

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func newTestClient(t *testing.T) (objectstore.Client, *fakeBlobService) {
	t.Helper()
	fake := &fakeBlobService{blobs: map[string]fakeBlob{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := config.StorageConfig{
		Backend:   Name,
		Container: "raw",
		ConnectionString: "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=" + devKey +
			";BlobEndpoint=" + srv.URL + "/devstoreaccount1;",
	}
	c, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c, fake
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t)

	require.NoError(t, c.EnsureContainer(ctx))
	require.NoError(t, c.EnsureContainer(ctx), "existing container is not an error")

	require.NoError(t, c.Upload(ctx, "csv/b.csv", []byte("b"), ""))
	require.NoError(t, c.Upload(ctx, "csv/a.csv", []byte("a"), objectstore.ContentTypeCSV))
	require.NoError(t, c.Upload(ctx, "geo/x.json.gz", []byte("x"), objectstore.ContentTypeJSON,
		objectstore.WithContentEncoding("gzip")))

	assert.Equal(t, objectstore.DefaultContentType, fake.blobs["csv/b.csv"].contentType)
	assert.Equal(t, "gzip", fake.blobs["geo/x.json.gz"].encoding)

	paths, err := c.List(ctx, "csv/")
	require.NoError(t, err)
	assert.Equal(t, []string{"csv/a.csv", "csv/b.csv"}, paths)

	paths, err = c.List(ctx, "nothing/")
	require.NoError(t, err)
	assert.Empty(t, paths)

	data, err := c.Fetch(ctx, "csv/a.csv")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	require.NoError(t, c.Upload(ctx, "csv/a.csv", []byte("a2"), objectstore.ContentTypeCSV))
	data, err = c.Fetch(ctx, "csv/a.csv")
	require.NoError(t, err)
	assert.Equal(t, []byte("a2"), data)
}

func TestClient_FetchMissing(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.Fetch(context.Background(), "csv/missing.csv")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeObjectNotFound))
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := config.StorageConfig{
		Container: "raw",
		ConnectionString: "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=" + devKey +
			";BlobEndpoint=" + url + "/devstoreaccount1;",
	}
	c, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.List(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransport))
}

func TestNew_MissingConnectionString(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Container: "raw"}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMissingCredential))
}
