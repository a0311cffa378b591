package instrument

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fixture struct {
	saver    *Saver
	metrics  *Metrics
	exporter *tracetest.InMemoryExporter
}

func setup(t *testing.T) fixture {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})

	metrics, err := NewMetrics(prometheus.NewRegistry(), "test")
	require.NoError(t, err)

	store := memory.NewMemorySaver(checkpoint.WithLogger(&log.NoOpLogger{}))
	saver := Wrap(store,
		WithMetrics(metrics),
		WithTracerProvider(tp),
		WithBackendName("memory"),
	)
	t.Cleanup(func() { _ = saver.Close() })

	return fixture{saver: saver, metrics: metrics, exporter: exporter}
}

func spanAttr(span tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, attr := range span.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSaver_Put(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cfg, err := f.saver.Put(ctx, checkpoint.WithThreadID("t1"), checkpoint.NewCheckpoint(), checkpoint.Metadata{Source: checkpoint.SourceInput, Step: -1})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.operationsTotal.WithLabelValues("memory", "put", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(f.metrics.operationDuration))

	spans := f.exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "checkpoint.put", span.Name)
	assert.Equal(t, codes.Ok, span.Status.Code)

	v, ok := spanAttr(span, "checkpoint.thread_id")
	require.True(t, ok)
	assert.Equal(t, "t1", v.AsString())
	v, ok = spanAttr(span, "checkpoint.new_id")
	require.True(t, ok)
	assert.Equal(t, cfg.CheckpointID, v.AsString())
	v, ok = spanAttr(span, "checkpoint.backend")
	require.True(t, ok)
	assert.Equal(t, "memory", v.AsString())
}

func TestSaver_Errors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.saver.Put(ctx, checkpoint.Config{}, checkpoint.NewCheckpoint(), checkpoint.Metadata{})
	assert.ErrorIs(t, err, checkpoint.ErrInvalidConfig)

	err = f.saver.PutWrites(ctx, checkpoint.WithThreadID("t1").WithCheckpointID("cp"),
		[]checkpoint.Write{{Channel: "c", Value: make(chan int)}}, "task")
	assert.True(t, checkpoint.IsSerializationError(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.operationsTotal.WithLabelValues("memory", "put", "invalid_config")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.operationsTotal.WithLabelValues("memory", "put_writes", "serialization_error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.writesTotal))

	spans := f.exporter.GetSpans()
	require.Len(t, spans, 2)
	for _, span := range spans {
		assert.Equal(t, codes.Error, span.Status.Code)
		assert.NotEmpty(t, span.Events, "error recorded as span event")
	}
}

func TestSaver_PutWritesAndGetTuple(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cfg, err := f.saver.Put(ctx, checkpoint.WithThreadID("t1"), checkpoint.NewCheckpoint(), checkpoint.Metadata{})
	require.NoError(t, err)
	require.NoError(t, f.saver.PutWrites(ctx, cfg, []checkpoint.Write{
		{Channel: "a", Value: 1},
		{Channel: "b", Value: 2},
	}, "task"))

	// Without a checkpoint id the call is a no-op and stages nothing.
	require.NoError(t, f.saver.PutWrites(ctx, checkpoint.WithThreadID("t1"), []checkpoint.Write{{Channel: "c", Value: 3}}, "task"))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.writesTotal))

	tuple, err := f.saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)

	missing, err := f.saver.GetTuple(ctx, checkpoint.WithThreadID("other"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.operationsTotal.WithLabelValues("memory", "get_tuple", "ok")))

	spans := f.exporter.GetSpans()
	require.Len(t, spans, 5)
	found, ok := spanAttr(spans[3], "checkpoint.found")
	require.True(t, ok)
	assert.True(t, found.AsBool())
	pending, ok := spanAttr(spans[3], "checkpoint.pending_writes")
	require.True(t, ok)
	assert.Equal(t, int64(2), pending.AsInt64())
	found, ok = spanAttr(spans[4], "checkpoint.found")
	require.True(t, ok)
	assert.False(t, found.AsBool())
}

func TestSaver_List(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cfg := checkpoint.WithThreadID("t1")
	for i := range 4 {
		next, err := f.saver.Put(ctx, cfg, checkpoint.NewCheckpoint(), checkpoint.Metadata{Step: i})
		require.NoError(t, err)
		cfg = next
	}
	f.exporter.Reset()

	tuples, err := checkpoint.Collect(f.saver.List(ctx, checkpoint.WithThreadID("t1"), checkpoint.ListOptions{}))
	require.NoError(t, err)
	assert.Len(t, tuples, 4)

	// Stopping early still ends the span.
	for range f.saver.List(ctx, checkpoint.WithThreadID("t1"), checkpoint.ListOptions{}) {
		break
	}

	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.tuplesListed))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.operationsTotal.WithLabelValues("memory", "list", "ok")))

	spans := f.exporter.GetSpans()
	require.Len(t, spans, 2)
	count, ok := spanAttr(spans[0], "checkpoint.tuples")
	require.True(t, ok)
	assert.Equal(t, int64(4), count.AsInt64())
}

func TestSaver_DeleteThread(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.saver.DeleteThread(ctx, "t1"))
	assert.ErrorIs(t, f.saver.DeleteThread(ctx, ""), checkpoint.ErrInvalidConfig)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.operationsTotal.WithLabelValues("memory", "delete_thread", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.operationsTotal.WithLabelValues("memory", "delete_thread", "invalid_config")))
}

func TestSaver_WithoutMetrics(t *testing.T) {
	saver := Wrap(memory.NewMemorySaver(checkpoint.WithLogger(&log.NoOpLogger{})))
	_, err := saver.Put(context.Background(), checkpoint.WithThreadID("t1"), checkpoint.NewCheckpoint(), checkpoint.Metadata{})
	assert.NoError(t, err)
	_, err = checkpoint.Collect(saver.List(context.Background(), checkpoint.WithThreadID("t1"), checkpoint.ListOptions{}))
	assert.NoError(t, err)
	assert.NotNil(t, saver.Unwrap())
}

func TestSaver_AsyncWrapped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	async := checkpoint.NewAsyncStore(f.saver, 2)
	defer async.Close()

	_, err := async.Put(ctx, checkpoint.WithThreadID("t1"), checkpoint.NewCheckpoint(), checkpoint.Metadata{}).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.operationsTotal.WithLabelValues("memory", "put", "ok")))
}

func TestNewMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg, "dup")
	require.NoError(t, err)

	_, err = NewMetrics(reg, "dup")
	var already prometheus.AlreadyRegisteredError
	assert.True(t, errors.As(err, &already))
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("%w: boom", checkpoint.ErrStorage), "storage_error"},
		{fmt.Errorf("%w: bad", checkpoint.ErrSerialization), "serialization_error"},
		{checkpoint.ErrInvalidConfig, "invalid_config"},
		{checkpoint.ErrClosed, "closed"},
		{context.Canceled, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status(tt.err))
	}
}
