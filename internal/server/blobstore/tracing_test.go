package blobstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestWithTracing_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	s := WithTracing(local, "local")
	ctx := context.Background()

	_, err = s.Write(ctx, "k", strings.NewReader("x"), 1)
	require.NoError(t, err)
	_, err = s.Read(ctx, "missing")
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "blobstore.write", spans[0].Name())
	assert.Equal(t, "blobstore.read", spans[1].Name())
	assert.NotEmpty(t, spans[1].Events(), "errors are recorded on the span")
}
