package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"reflect"
	"time"

	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/serde"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPageSize is how many records List fetches from the backend per round trip.
	DefaultPageSize = 100

	// DefaultWritesConcurrency bounds the pending-write lookups List runs in parallel.
	DefaultWritesConcurrency = 4
)

// Type names the core records are registered under in the serializer.
const (
	CheckpointTypeName = "checkpoint.Checkpoint"
	MetadataTypeName   = "checkpoint.Metadata"
)

// Store is the checkpoint engine. It implements the Saver contract once on top
// of any Backend: id assignment, parent linkage, serialization, pagination and
// tuple resolution all live here, so backends only move documents.
type Store struct {
	backend           Backend
	serde             serde.Serializer
	logger            log.Logger
	pageSize          int
	writesConcurrency int
}

var _ Saver = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSerializer sets the serializer used for payloads, metadata and write
// values. The Store owns it from then on: Close closes it when it is an io.Closer.
func WithSerializer(s serde.Serializer) Option {
	return func(st *Store) {
		if s != nil {
			st.serde = s
		}
	}
}

// WithLogger sets the logger. The package-level logger is used otherwise.
func WithLogger(l log.Logger) Option {
	return func(st *Store) {
		if l != nil {
			st.logger = l
		}
	}
}

// WithPageSize sets how many records List requests from the backend at a time.
func WithPageSize(n int) Option {
	return func(st *Store) {
		if n > 0 {
			st.pageSize = n
		}
	}
}

// WithWritesConcurrency bounds parallel pending-write lookups during List.
func WithWritesConcurrency(n int) Option {
	return func(st *Store) {
		if n > 0 {
			st.writesConcurrency = n
		}
	}
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:           backend,
		serde:             serde.DefaultSerializer(),
		pageSize:          DefaultPageSize,
		writesConcurrency: DefaultWritesConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetDefaultLogger()
	}

	if r, ok := s.serde.(serde.Registerer); ok {
		if err := r.RegisterType(reflect.TypeFor[checkpointDoc](), CheckpointTypeName); err != nil {
			s.logger.Warn("register checkpoint type: %v", err)
		}
		if err := r.RegisterType(reflect.TypeOf(Metadata{}), MetadataTypeName); err != nil {
			s.logger.Warn("register metadata type: %v", err)
		}
	}
	return s
}

// Backend returns the underlying storage engine.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backend, then the serializer if it holds resources.
func (s *Store) Close() error {
	err := s.backend.Close()
	if c, ok := s.serde.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Put implements Saver.
func (s *Store) Put(ctx context.Context, cfg Config, cp Checkpoint, md Metadata) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cp.ID == "" {
		id, err := NewID()
		if err != nil {
			return Config{}, err
		}
		cp.ID = id
	}
	if cp.ID == cfg.CheckpointID {
		return Config{}, fmt.Errorf("%w: checkpoint %s cannot be its own parent", ErrInvalidConfig, cp.ID)
	}
	if cp.V == 0 {
		cp.V = Version
	}
	if cp.TS.IsZero() {
		cp.TS = time.Now().UTC()
	}

	cpType, cpData, err := EncodeCheckpoint(s.serde, cp)
	if err != nil {
		return Config{}, fmt.Errorf("%w: encode checkpoint %s: %w", ErrSerialization, cp.ID, err)
	}
	mdType, mdData, err := s.serde.DumpsTyped(md)
	if err != nil {
		return Config{}, fmt.Errorf("%w: encode metadata of %s: %w", ErrSerialization, cp.ID, err)
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return Config{}, fmt.Errorf("%w: encode metadata of %s: %w", ErrSerialization, cp.ID, err)
	}

	rec := CheckpointRecord{
		ThreadID:           cfg.ThreadID,
		Namespace:          cfg.Namespace,
		CheckpointID:       cp.ID,
		ParentCheckpointID: cfg.CheckpointID,
		Type:               cpType,
		Checkpoint:         cpData,
		MetadataType:       mdType,
		Metadata:           mdData,
		MetadataJSON:       mdJSON,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.backend.PutCheckpoint(ctx, rec); err != nil {
		s.logger.Error("put checkpoint %s on %s: %v", cp.ID, cfg, err)
		return Config{}, fmt.Errorf("%w: put checkpoint %s: %w", ErrStorage, cp.ID, err)
	}

	s.logger.Debug("put checkpoint %s parent=%q on %s", cp.ID, cfg.CheckpointID, cfg.Latest())
	return Config{
		ThreadID:     cfg.ThreadID,
		Namespace:    cfg.Namespace,
		CheckpointID: cp.ID,
	}, nil
}

// PutWrites implements Saver.
func (s *Store) PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.CheckpointID == "" {
		s.logger.Debug("skip %d writes of task %s: no checkpoint on %s", len(writes), taskID, cfg)
		return nil
	}
	if len(writes) == 0 {
		return nil
	}

	now := time.Now().UTC()
	recs := make([]WriteRecord, 0, len(writes))
	for idx, w := range writes {
		typ, data, err := s.serde.DumpsTyped(w.Value)
		if err != nil {
			return fmt.Errorf("%w: encode write %d (%s) of task %s: %w", ErrSerialization, idx, w.Channel, taskID, err)
		}
		recs = append(recs, WriteRecord{
			ThreadID:     cfg.ThreadID,
			Namespace:    cfg.Namespace,
			CheckpointID: cfg.CheckpointID,
			TaskID:       taskID,
			Idx:          idx,
			Channel:      w.Channel,
			Type:         typ,
			Value:        data,
			CreatedAt:    now,
		})
	}

	if err := s.backend.PutWrites(ctx, recs); err != nil {
		s.logger.Error("put %d writes of task %s on %s: %v", len(recs), taskID, cfg, err)
		return fmt.Errorf("%w: put writes of task %s: %w", ErrStorage, taskID, err)
	}

	s.logger.Debug("put %d writes of task %s on %s", len(recs), taskID, cfg)
	return nil
}

// GetTuple implements Saver.
func (s *Store) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rec, err := s.backend.GetCheckpoint(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: get checkpoint on %s: %w", ErrStorage, cfg, err)
	}
	if rec == nil {
		return nil, nil
	}
	return s.resolve(ctx, *rec)
}

// Get returns only the checkpoint addressed by cfg, or nil when there is none.
func (s *Store) Get(ctx context.Context, cfg Config) (*Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, cfg)
	if err != nil || tuple == nil {
		return nil, err
	}
	return &tuple.Checkpoint, nil
}

// List implements Saver. Records are fetched page by page; each page's
// pending writes are resolved before its tuples are yielded.
func (s *Store) List(ctx context.Context, cfg Config, opts ListOptions) iter.Seq2[*Tuple, error] {
	return func(yield func(*Tuple, error) bool) {
		if err := cfg.Validate(); err != nil {
			yield(nil, err)
			return
		}

		before := opts.beforeID()
		remaining := opts.Limit
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			pageLimit := s.pageSize
			if opts.Limit > 0 && remaining < pageLimit {
				pageLimit = remaining
			}

			recs, err := s.backend.ListCheckpoints(ctx, ListQuery{
				ThreadID:  cfg.ThreadID,
				Namespace: cfg.Namespace,
				Before:    before,
				Filter:    opts.Filter,
				Limit:     pageLimit,
			})
			if err != nil {
				yield(nil, fmt.Errorf("%w: list checkpoints on %s: %w", ErrStorage, cfg, err))
				return
			}

			tuples, err := s.resolvePage(ctx, recs)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, t := range tuples {
				if !yield(t, nil) {
					return
				}
			}

			if opts.Limit > 0 {
				remaining -= len(recs)
				if remaining <= 0 {
					return
				}
			}
			if len(recs) < pageLimit {
				return
			}
			before = recs[len(recs)-1].CheckpointID
		}
	}
}

// DeleteThread implements Saver.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("%w: thread_id is required", ErrInvalidConfig)
	}
	if err := s.backend.DeleteThread(ctx, threadID); err != nil {
		s.logger.Error("delete thread %s: %v", threadID, err)
		return fmt.Errorf("%w: delete thread %s: %w", ErrStorage, threadID, err)
	}
	s.logger.Debug("deleted thread %s", threadID)
	return nil
}

func (s *Store) resolvePage(ctx context.Context, recs []CheckpointRecord) ([]*Tuple, error) {
	tuples := make([]*Tuple, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.writesConcurrency)
	for i := range recs {
		g.Go(func() error {
			t, err := s.resolve(gctx, recs[i])
			if err != nil {
				return err
			}
			tuples[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tuples, nil
}

func (s *Store) resolve(ctx context.Context, rec CheckpointRecord) (*Tuple, error) {
	cp, err := DecodeCheckpoint(s.serde, rec.Type, rec.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: decode checkpoint %s: %w", ErrSerialization, rec.CheckpointID, err)
	}
	md, err := decodeAs[Metadata](s.serde, rec.MetadataType, rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: decode metadata of %s: %w", ErrSerialization, rec.CheckpointID, err)
	}

	cfg := Config{
		ThreadID:     rec.ThreadID,
		Namespace:    rec.Namespace,
		CheckpointID: rec.CheckpointID,
	}

	writes, err := s.backend.ListWrites(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: list writes of %s: %w", ErrStorage, rec.CheckpointID, err)
	}
	pending := make([]PendingWrite, 0, len(writes))
	for _, w := range writes {
		value, err := s.serde.LoadsTyped(w.Type, w.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: decode write %s/%d of %s: %w", ErrSerialization, w.TaskID, w.Idx, rec.CheckpointID, err)
		}
		pending = append(pending, PendingWrite{
			TaskID:  w.TaskID,
			Channel: w.Channel,
			Value:   value,
		})
	}

	tuple := &Tuple{
		Config:        cfg,
		Checkpoint:    cp,
		Metadata:      md,
		PendingWrites: pending,
		CreatedAt:     rec.CreatedAt,
	}
	if rec.ParentCheckpointID != "" {
		parent := cfg.WithCheckpointID(rec.ParentCheckpointID)
		tuple.ParentConfig = &parent
	}
	return tuple, nil
}

// decodeAs loads a typed value. Serializers that do not know T hand back
// generic JSON values, which are converted through a JSON round trip.
func decodeAs[T any](s serde.Serializer, typ string, data []byte) (T, error) {
	var zero T
	v, err := s.LoadsTyped(typ, data)
	if err != nil {
		return zero, err
	}
	switch val := v.(type) {
	case T:
		return val, nil
	case *T:
		if val == nil {
			return zero, nil
		}
		return *val, nil
	case nil:
		return zero, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("convert %T: %w", v, err)
	}
	return out, nil
}

// Collect drains a List sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[*Tuple, error]) ([]*Tuple, error) {
	var out []*Tuple
	for t, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}
