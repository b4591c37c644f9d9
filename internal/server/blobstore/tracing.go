package blobstore

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "filedrop/blobstore"

type tracedStore struct {
	next    Store
	backend string
}

// WithTracing records one span per blob operation.
func WithTracing(next Store, backend string) Store {
	return &tracedStore{next: next, backend: backend}
}

func (t *tracedStore) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "blobstore."+op, trace.WithAttributes(
		attribute.String("blob.backend", t.backend),
		attribute.String("blob.key", key),
	))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *tracedStore) Write(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	ctx, span := t.start(ctx, "write", key)
	n, err := t.next.Write(ctx, key, r, size)
	span.SetAttributes(attribute.Int64("blob.size_bytes", n))
	finish(span, err)
	return n, err
}

func (t *tracedStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := t.start(ctx, "read", key)
	rc, err := t.next.Read(ctx, key)
	finish(span, err)
	return rc, err
}

func (t *tracedStore) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := t.start(ctx, "delete", key)
	existed, err := t.next.Delete(ctx, key)
	span.SetAttributes(attribute.Bool("blob.existed", existed))
	finish(span, err)
	return existed, err
}

func (t *tracedStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := t.start(ctx, "exists", key)
	ok, err := t.next.Exists(ctx, key)
	finish(span, err)
	return ok, err
}
