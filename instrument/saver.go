package instrument

import (
	"context"
	"io"
	"iter"
	"time"

	"github.com/smallnest/checkpointgo/checkpoint"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/smallnest/checkpointgo/instrument"

// Saver decorates a checkpoint.Saver with metrics and tracing.
type Saver struct {
	next    checkpoint.Saver
	metrics *Metrics
	tracer  trace.Tracer
	backend string
}

var _ checkpoint.Saver = (*Saver)(nil)

// Option configures a Saver.
type Option func(*Saver)

// WithMetrics reports every operation to m.
func WithMetrics(m *Metrics) Option {
	return func(s *Saver) {
		s.metrics = m
	}
}

// WithTracerProvider sets the provider spans are created from. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Saver) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithBackendName sets the backend label and span attribute.
func WithBackendName(name string) Option {
	return func(s *Saver) {
		s.backend = name
	}
}

// Wrap returns next decorated with opts.
func Wrap(next checkpoint.Saver, opts ...Option) *Saver {
	s := &Saver{
		next:    next,
		backend: "unknown",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	return s
}

// Unwrap returns the decorated Saver.
func (s *Saver) Unwrap() checkpoint.Saver {
	return s.next
}

// Close closes the decorated Saver when it has a Close method.
func (s *Saver) Close() error {
	if c, ok := s.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Saver) start(ctx context.Context, op string, cfg checkpoint.Config, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("checkpoint.backend", s.backend),
		attribute.String("checkpoint.thread_id", cfg.ThreadID),
		attribute.String("checkpoint.ns", cfg.Namespace),
	)
	if cfg.CheckpointID != "" {
		attrs = append(attrs, attribute.String("checkpoint.id", cfg.CheckpointID))
	}
	return s.tracer.Start(ctx, "checkpoint."+op,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (s *Saver) finish(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	s.metrics.observe(s.backend, op, start, err)
}

// Put implements checkpoint.Saver.
func (s *Saver) Put(ctx context.Context, cfg checkpoint.Config, cp checkpoint.Checkpoint, md checkpoint.Metadata) (checkpoint.Config, error) {
	start := time.Now()
	ctx, span := s.start(ctx, "put", cfg,
		attribute.String("checkpoint.source", string(md.Source)),
		attribute.Int("checkpoint.step", md.Step),
	)

	out, err := s.next.Put(ctx, cfg, cp, md)
	if err == nil {
		span.SetAttributes(attribute.String("checkpoint.new_id", out.CheckpointID))
	}
	s.finish(span, "put", start, err)
	return out, err
}

// PutWrites implements checkpoint.Saver.
func (s *Saver) PutWrites(ctx context.Context, cfg checkpoint.Config, writes []checkpoint.Write, taskID string) error {
	start := time.Now()
	ctx, span := s.start(ctx, "put_writes", cfg,
		attribute.String("checkpoint.task_id", taskID),
		attribute.Int("checkpoint.writes", len(writes)),
	)

	err := s.next.PutWrites(ctx, cfg, writes, taskID)
	if err == nil && cfg.CheckpointID != "" && s.metrics != nil {
		s.metrics.writesTotal.Add(float64(len(writes)))
	}
	s.finish(span, "put_writes", start, err)
	return err
}

// GetTuple implements checkpoint.Saver.
func (s *Saver) GetTuple(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Tuple, error) {
	start := time.Now()
	ctx, span := s.start(ctx, "get_tuple", cfg)

	tuple, err := s.next.GetTuple(ctx, cfg)
	span.SetAttributes(attribute.Bool("checkpoint.found", tuple != nil))
	if tuple != nil {
		span.SetAttributes(attribute.Int("checkpoint.pending_writes", len(tuple.PendingWrites)))
	}
	s.finish(span, "get_tuple", start, err)
	return tuple, err
}

// List implements checkpoint.Saver. One span covers one pass over the sequence.
func (s *Saver) List(ctx context.Context, cfg checkpoint.Config, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Tuple, error] {
	return func(yield func(*checkpoint.Tuple, error) bool) {
		start := time.Now()
		ctx, span := s.start(ctx, "list", cfg,
			attribute.Int("checkpoint.limit", opts.Limit),
			attribute.Int("checkpoint.filter_keys", len(opts.Filter)),
		)

		var (
			count int
			err   error
		)
		defer func() {
			span.SetAttributes(attribute.Int("checkpoint.tuples", count))
			if s.metrics != nil {
				s.metrics.tuplesListed.Add(float64(count))
			}
			s.finish(span, "list", start, err)
		}()

		for tuple, iterErr := range s.next.List(ctx, cfg, opts) {
			if iterErr != nil {
				err = iterErr
			} else {
				count++
			}
			if !yield(tuple, iterErr) {
				return
			}
		}
	}
}

// DeleteThread implements checkpoint.Saver.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	start := time.Now()
	ctx, span := s.start(ctx, "delete_thread", checkpoint.Config{ThreadID: threadID})

	err := s.next.DeleteThread(ctx, threadID)
	s.finish(span, "delete_thread", start, err)
	return err
}
