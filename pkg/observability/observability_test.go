package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerBeforeInitializeIsUsable(t *testing.T) {
	ct := NewComponentTracer("worker")
	ctx, span := ct.StartSpan(context.Background(), "flush")
	require.NotNil(t, ctx)
	span.SetAttribute("batch.size", 10)
	span.End()
}

func TestTraceBatchExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultTracingConfig()
	cfg.ServiceName = "nebulastream-test"
	cfg.SamplingRate = 1.0
	cfg.Writer = &buf
	cfg.BatchTimeout = 10 * time.Millisecond
	require.NoError(t, Initialize(cfg))

	ct := NewComponentTracer("sink")
	err := ct.TraceBatch(context.Background(), 42, "bulk_upsert", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("connection refused")
	err = ct.TraceBatch(context.Background(), 7, "bulk_upsert", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, Shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "sink.bulk_upsert")
	assert.Contains(t, out, "batch.size")
	assert.Contains(t, out, "connection refused")
}
