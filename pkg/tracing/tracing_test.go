package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestSetup_WritesSpansOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	before := otel.GetTracerProvider()

	p, err := Setup(&buf, "ferry", "0.1.0", "job-42")
	require.NoError(t, err)

	ctx, parent := Start(context.Background(), "ferry.load")
	_, child := Start(ctx, "loader.load_table", attribute.String("db.table", "stg_deces"))
	End(child, errors.New("table stg_deces already exists"))
	End(parent, nil)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())

	out := buf.String()
	assert.Contains(t, out, `"Name":"ferry.load"`)
	assert.Contains(t, out, `"Name":"loader.load_table"`)
	assert.Contains(t, out, "stg_deces")
	assert.Contains(t, out, "table stg_deces already exists")
	assert.Contains(t, out, "job-42")
}

func TestStart_NoProviderIsNoop(t *testing.T) {
	_, span := Start(context.Background(), "ingest.partition")
	assert.False(t, span.SpanContext().IsValid())
	End(span, errors.New("ignored"))
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
