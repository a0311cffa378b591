package checkpointgo

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/config"
	"github.com/smallnest/checkpointgo/instrument"
	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/serde"
	"github.com/smallnest/checkpointgo/store/file"
	"github.com/smallnest/checkpointgo/store/memory"
	"github.com/smallnest/checkpointgo/store/mongo"
	"github.com/smallnest/checkpointgo/store/postgres"
	"github.com/smallnest/checkpointgo/store/redis"
	"github.com/smallnest/checkpointgo/store/sqlite"
	"go.opentelemetry.io/otel/trace"
)

type openOptions struct {
	logger     log.Logger
	serializer serde.Serializer
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
}

// OpenOption customizes Open, OpenSaver and OpenAsync beyond what the
// configuration file expresses.
type OpenOption func(*openOptions)

// WithLogger replaces the golog logger built from Config.LogLevel.
func WithLogger(l log.Logger) OpenOption {
	return func(o *openOptions) {
		o.logger = l
	}
}

// WithSerializer replaces the serializer built from Config.Serializer.
func WithSerializer(s serde.Serializer) OpenOption {
	return func(o *openOptions) {
		o.serializer = s
	}
}

// WithRegisterer sets where metrics are registered when Config.Metrics is
// enabled. prometheus.DefaultRegisterer is used otherwise.
func WithRegisterer(reg prometheus.Registerer) OpenOption {
	return func(o *openOptions) {
		o.registerer = reg
	}
}

// WithTracerProvider sets the provider spans come from when tracing is enabled.
func WithTracerProvider(tp trace.TracerProvider) OpenOption {
	return func(o *openOptions) {
		o.tracer = tp
	}
}

// NewBackend opens the storage engine cfg.Backend names. SQL backends have
// their schema created, Mongo its indexes, and Redis is pinged.
func NewBackend(ctx context.Context, cfg *config.Config) (checkpoint.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewMemoryBackend(), nil

	case config.BackendFile:
		return file.NewFileBackend(cfg.File.Path)

	case config.BackendSqlite:
		return sqlite.NewSqliteBackend(sqlite.SqliteOptions{
			Path:             cfg.Sqlite.Path,
			CheckpointsTable: cfg.Sqlite.CheckpointsTable,
			WritesTable:      cfg.Sqlite.WritesTable,
		})

	case config.BackendPostgres:
		backend, err := postgres.NewPostgresBackend(ctx, postgres.PostgresOptions{
			ConnString:       cfg.Postgres.ConnString,
			CheckpointsTable: cfg.Postgres.CheckpointsTable,
			WritesTable:      cfg.Postgres.WritesTable,
		})
		if err != nil {
			return nil, err
		}
		if err := backend.InitSchema(ctx); err != nil {
			backend.Close()
			return nil, err
		}
		return backend, nil

	case config.BackendRedis:
		backend := redis.NewRedisBackend(redis.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		if err := backend.Ping(ctx); err != nil {
			backend.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return backend, nil

	case config.BackendMongo:
		return mongo.NewMongoBackend(ctx, mongo.MongoOptions{
			URI:                   cfg.Mongo.URI,
			Database:              cfg.Mongo.Database,
			CheckpointsCollection: cfg.Mongo.CheckpointsCollection,
			WritesCollection:      cfg.Mongo.WritesCollection,
			UseTransactions:       cfg.Mongo.UseTransactions,
		})
	}
	return nil, fmt.Errorf("%w: unknown backend %q", checkpoint.ErrInvalidConfig, cfg.Backend)
}

// NewSerializer builds the serializer cfg.Serializer describes over the global
// type registry.
func NewSerializer(cfg *config.Config) (serde.Serializer, error) {
	base := serde.DefaultSerializer()
	if cfg.Serializer.Compression != config.CompressionZstd {
		return base, nil
	}
	return serde.NewCompressedSerializer(base, cfg.Serializer.CompressionThreshold)
}

// newSerializer is swapped in tests.
var newSerializer = NewSerializer

// Open validates cfg and returns a Store over the configured backend. The
// Store owns the serializer and releases it on Close.
func Open(ctx context.Context, cfg *config.Config, opts ...OpenOption) (*checkpoint.Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", checkpoint.ErrInvalidConfig, err)
	}

	o := openOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.NewGologLoggerWithLevel(cfg.Level())
	}
	var owned io.Closer
	if o.serializer == nil {
		s, err := newSerializer(cfg)
		if err != nil {
			return nil, err
		}
		o.serializer = s
		owned, _ = s.(io.Closer)
	}

	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		if owned != nil {
			_ = owned.Close()
		}
		return nil, err
	}
	o.logger.Info("opened %s checkpoint backend", cfg.Backend)

	return checkpoint.New(backend,
		checkpoint.WithSerializer(o.serializer),
		checkpoint.WithLogger(o.logger),
		checkpoint.WithPageSize(cfg.PageSize),
		checkpoint.WithWritesConcurrency(cfg.WritesConcurrency),
	), nil
}

// OpenSaver is Open plus the metrics and tracing decorator when
// cfg.Metrics enables either.
func OpenSaver(ctx context.Context, cfg *config.Config, opts ...OpenOption) (checkpoint.Saver, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	store, err := Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if !cfg.Metrics.Enabled && !cfg.Metrics.Tracing {
		return store, nil
	}

	o := openOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	wrapOpts := []instrument.Option{instrument.WithBackendName(cfg.Backend)}
	if cfg.Metrics.Enabled {
		metrics, err := instrument.NewMetrics(o.registerer, cfg.Metrics.Namespace)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("register checkpoint metrics: %w", err)
		}
		wrapOpts = append(wrapOpts, instrument.WithMetrics(metrics))
	}
	if cfg.Metrics.Tracing {
		wrapOpts = append(wrapOpts, instrument.WithTracerProvider(o.tracer))
	}
	return instrument.Wrap(store, wrapOpts...), nil
}

// OpenAsync runs OpenSaver behind an AsyncStore with cfg.AsyncWorkers workers.
// Closing the AsyncStore does not close the backend; close Saver() for that.
func OpenAsync(ctx context.Context, cfg *config.Config, opts ...OpenOption) (*checkpoint.AsyncStore, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	saver, err := OpenSaver(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewAsyncStore(saver, cfg.AsyncWorkers), nil
}
