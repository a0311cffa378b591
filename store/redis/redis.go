package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/checkpointgo/checkpoint"
)

const (
	DefaultPrefix = "checkpoint:"

	// scanChunk is how many ids a filtered listing inspects per round trip.
	scanChunk = 100

	// deleteRetries bounds optimistic-lock retries in DeleteThread.
	deleteRetries = 10
)

// RedisBackend implements checkpoint.Backend using Redis
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ checkpoint.Backend = (*RedisBackend)(nil)

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "checkpoint:"
	TTL      time.Duration // Expiration for checkpoints, default 0 (no expiration)
}

type redisCheckpoint struct {
	ThreadID           string          `json:"thread_id"`
	Namespace          string          `json:"checkpoint_ns"`
	CheckpointID       string          `json:"checkpoint_id"`
	ParentCheckpointID string          `json:"parent_checkpoint_id,omitempty"`
	Type               string          `json:"type"`
	Checkpoint         []byte          `json:"checkpoint"`
	MetadataType       string          `json:"metadata_type"`
	Metadata           []byte          `json:"metadata"`
	MetadataJSON       json.RawMessage `json:"metadata_json,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

type redisWrite struct {
	TaskID    string    `json:"task_id"`
	Idx       int       `json:"idx"`
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRedisBackend creates a new Redis backend
func NewRedisBackend(opts RedisOptions) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisBackendFromClient(client, opts.Prefix, opts.TTL)
}

// NewRedisBackendFromClient wraps an existing client, including cluster and
// failover clients. All keys of one thread share a hash slot.
func NewRedisBackendFromClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// NewRedisSaver creates a checkpoint.Store over a new RedisBackend.
func NewRedisSaver(opts RedisOptions, storeOpts ...checkpoint.Option) *checkpoint.Store {
	return checkpoint.New(NewRedisBackend(opts), storeOpts...)
}

// Client returns the underlying Redis client.
func (s *RedisBackend) Client() redis.UniversalClient {
	return s.client
}

// Ping checks connectivity.
func (s *RedisBackend) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func esc(s string) string {
	return url.QueryEscape(s)
}

// threadTag is the hash-tagged key stem shared by every key of threadID.
func (s *RedisBackend) threadTag(threadID string) string {
	return s.prefix + "{" + esc(threadID) + "}"
}

// threadKey is a SET holding every other key written for the thread.
func (s *RedisBackend) threadKey(threadID string) string {
	return s.threadTag(threadID) + ":keys"
}

// indexKey is a ZSET of checkpoint ids, all scored 0 so they sort lexically.
func (s *RedisBackend) indexKey(threadID, ns string) string {
	return s.threadTag(threadID) + ":idx:" + esc(ns)
}

func (s *RedisBackend) checkpointKey(threadID, ns, id string) string {
	return s.threadTag(threadID) + ":cp:" + esc(ns) + ":" + esc(id)
}

// writesKey is a HASH of the checkpoint's pending writes keyed by task and idx.
func (s *RedisBackend) writesKey(threadID, ns, checkpointID string) string {
	return s.threadTag(threadID) + ":writes:" + esc(ns) + ":" + esc(checkpointID)
}

func writeField(taskID string, idx int) string {
	return esc(taskID) + ":" + strconv.Itoa(idx)
}

func (s *RedisBackend) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	for _, key := range keys {
		pipe.Expire(ctx, key, s.ttl)
	}
}

// PutCheckpoint implements checkpoint.Backend.
func (s *RedisBackend) PutCheckpoint(ctx context.Context, rec checkpoint.CheckpointRecord) error {
	data, err := json.Marshal(redisCheckpoint{
		ThreadID:           rec.ThreadID,
		Namespace:          rec.Namespace,
		CheckpointID:       rec.CheckpointID,
		ParentCheckpointID: rec.ParentCheckpointID,
		Type:               rec.Type,
		Checkpoint:         rec.Checkpoint,
		MetadataType:       rec.MetadataType,
		Metadata:           rec.Metadata,
		MetadataJSON:       json.RawMessage(rec.MetadataJSON),
		CreatedAt:          rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	key := s.checkpointKey(rec.ThreadID, rec.Namespace, rec.CheckpointID)
	idxKey := s.indexKey(rec.ThreadID, rec.Namespace)
	threadKey := s.threadKey(rec.ThreadID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, s.ttl)
		pipe.ZAdd(ctx, idxKey, redis.Z{Score: 0, Member: rec.CheckpointID})
		pipe.SAdd(ctx, threadKey, key, idxKey)
		s.expire(ctx, pipe, idxKey, threadKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint to redis: %w", err)
	}
	return nil
}

// PutWrites implements checkpoint.Backend.
func (s *RedisBackend) PutWrites(ctx context.Context, recs []checkpoint.WriteRecord) error {
	if len(recs) == 0 {
		return nil
	}

	type hash struct {
		threadKey string
		fields    []any
	}
	var order []string
	hashes := make(map[string]*hash)
	for _, rec := range recs {
		data, err := json.Marshal(redisWrite{
			TaskID:    rec.TaskID,
			Idx:       rec.Idx,
			Channel:   rec.Channel,
			Type:      rec.Type,
			Value:     rec.Value,
			CreatedAt: rec.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal write: %w", err)
		}

		key := s.writesKey(rec.ThreadID, rec.Namespace, rec.CheckpointID)
		h, ok := hashes[key]
		if !ok {
			h = &hash{threadKey: s.threadKey(rec.ThreadID)}
			hashes[key] = h
			order = append(order, key)
		}
		h.fields = append(h.fields, writeField(rec.TaskID, rec.Idx), data)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range order {
			h := hashes[key]
			pipe.HSet(ctx, key, h.fields...)
			pipe.SAdd(ctx, h.threadKey, key)
			s.expire(ctx, pipe, key, h.threadKey)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save writes to redis: %w", err)
	}
	return nil
}

func decodeCheckpoint(data []byte) (checkpoint.CheckpointRecord, error) {
	var doc redisCheckpoint
	if err := json.Unmarshal(data, &doc); err != nil {
		return checkpoint.CheckpointRecord{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return checkpoint.CheckpointRecord{
		ThreadID:           doc.ThreadID,
		Namespace:          doc.Namespace,
		CheckpointID:       doc.CheckpointID,
		ParentCheckpointID: doc.ParentCheckpointID,
		Type:               doc.Type,
		Checkpoint:         doc.Checkpoint,
		MetadataType:       doc.MetadataType,
		Metadata:           doc.Metadata,
		MetadataJSON:       []byte(doc.MetadataJSON),
		CreatedAt:          doc.CreatedAt,
	}, nil
}

// GetCheckpoint implements checkpoint.Backend.
func (s *RedisBackend) GetCheckpoint(ctx context.Context, cfg checkpoint.Config) (*checkpoint.CheckpointRecord, error) {
	id := cfg.CheckpointID
	if id == "" {
		ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(cfg.ThreadID, cfg.Namespace), &redis.ZRangeBy{
			Max:   "+",
			Min:   "-",
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id = ids[0]
	}

	data, err := s.client.Get(ctx, s.checkpointKey(cfg.ThreadID, cfg.Namespace, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}

	rec, err := decodeCheckpoint(data)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListCheckpoints implements checkpoint.Backend. Ids are read from the index
// newest first; filters are evaluated on the fetched documents.
func (s *RedisBackend) ListCheckpoints(ctx context.Context, q checkpoint.ListQuery) ([]checkpoint.CheckpointRecord, error) {
	idxKey := s.indexKey(q.ThreadID, q.Namespace)
	maxBound := "+"
	if q.Before != "" {
		maxBound = "(" + q.Before
	}

	chunk := int64(scanChunk)
	if q.Limit > 0 && len(q.Filter) == 0 {
		chunk = int64(q.Limit)
	}

	var out []checkpoint.CheckpointRecord
	for {
		ids, err := s.client.ZRevRangeByLex(ctx, idxKey, &redis.ZRangeBy{
			Max:   maxBound,
			Min:   "-",
			Count: chunk,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
		}
		if len(ids) == 0 {
			return out, nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.checkpointKey(q.ThreadID, q.Namespace, id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch checkpoints: %w", err)
		}

		for _, value := range values {
			// Expired documents can outlive their index entry briefly.
			str, ok := value.(string)
			if !ok {
				continue
			}
			rec, err := decodeCheckpoint([]byte(str))
			if err != nil {
				return nil, err
			}
			match, err := checkpoint.MatchMetadata(rec.MetadataJSON, q.Filter)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
			out = append(out, rec)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}

		if int64(len(ids)) < chunk {
			return out, nil
		}
		maxBound = "(" + ids[len(ids)-1]
	}
}

// ListWrites implements checkpoint.Backend.
func (s *RedisBackend) ListWrites(ctx context.Context, cfg checkpoint.Config) ([]checkpoint.WriteRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.writesKey(cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load writes from redis: %w", err)
	}

	out := make([]checkpoint.WriteRecord, 0, len(fields))
	for field, value := range fields {
		var doc redisWrite
		if err := json.Unmarshal([]byte(value), &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal write %s: %w", field, err)
		}
		out = append(out, checkpoint.WriteRecord{
			ThreadID:     cfg.ThreadID,
			Namespace:    cfg.Namespace,
			CheckpointID: cfg.CheckpointID,
			TaskID:       doc.TaskID,
			Idx:          doc.Idx,
			Channel:      doc.Channel,
			Type:         doc.Type,
			Value:        doc.Value,
			CreatedAt:    doc.CreatedAt,
		})
	}
	checkpoint.SortWrites(out)
	return out, nil
}

// DeleteThread implements checkpoint.Backend. The key set is watched so that
// a concurrent put either lands before the delete or after it, never half.
func (s *RedisBackend) DeleteThread(ctx context.Context, threadID string) error {
	threadKey := s.threadKey(threadID)

	txf := func(tx *redis.Tx) error {
		keys, err := tx.SMembers(ctx, threadKey).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(keys) > 0 {
				pipe.Del(ctx, keys...)
			}
			pipe.Del(ctx, threadKey)
			return nil
		})
		return err
	}

	for range deleteRetries {
		err := s.client.Watch(ctx, txf, threadKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("failed to clear thread: %w", err)
	}
	return fmt.Errorf("failed to clear thread %s: too much contention", threadID)
}

// Close closes the Redis client
func (s *RedisBackend) Close() error {
	return s.client.Close()
}

// ThreadKeys returns every key stored for threadID, for inspection and tests.
func (s *RedisBackend) ThreadKeys(ctx context.Context, threadID string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.threadKey(threadID)).Result()
	if err != nil {
		return nil, err
	}
	return keys, nil
}
