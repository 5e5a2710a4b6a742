// Package testutil provides helpers shared by ferry's package tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/credentials"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
	"github.com/ajitpratap0/ferry/pkg/objectstore/local"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext returns a context with a 30-second timeout, cancelled when the
// test completes.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// EnvLookup returns a lookup reading env instead of the process
// environment. A nil map behaves as an empty environment.
func EnvLookup(env map[string]string) credentials.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

// LocalStore creates a local backend container under a temporary root,
// seeded with files keyed by object path. It returns the client and the
// root directory.
func LocalStore(t *testing.T, container string, files map[string]string) (objectstore.Client, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, container)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for p, body := range files {
		target := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
		require.NoError(t, os.WriteFile(target, []byte(body), 0o644))
	}

	c, err := local.New(context.Background(), config.StorageConfig{Root: root, Container: container}, TestLogger(t))
	require.NoError(t, err)
	return c, root
}

// RecordSpans installs a global tracer provider that keeps every span in
// memory for the duration of the test.
func RecordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

// EndedSpan returns the first finished span called name, failing the test
// when there is none.
func EndedSpan(t *testing.T, rec *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range rec.Ended() {
		if s.Name() == name {
			return s
		}
	}
	require.Failf(t, "span not recorded", "no ended span named %q", name)
	return nil
}
