package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/smallnest/checkpointgo/checkpoint"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	DefaultDatabase              = "checkpoint"
	DefaultCheckpointsCollection = "checkpoints"
	DefaultWritesCollection      = "checkpoint_writes"
)

// MongoBackend implements checkpoint.Backend using MongoDB
type MongoBackend struct {
	client      *mongo.Client
	checkpoints *mongo.Collection
	writes      *mongo.Collection
	useTx       bool
	ownsClient  bool
}

var _ checkpoint.Backend = (*MongoBackend)(nil)

// MongoOptions configuration for MongoDB connection
type MongoOptions struct {
	URI                   string
	Database              string // Default "checkpoint"
	CheckpointsCollection string // Default "checkpoints"
	WritesCollection      string // Default "checkpoint_writes"

	// UseTransactions wraps write batches and thread deletion in a
	// multi-document transaction. It requires a replica set or sharded cluster.
	UseTransactions bool
}

type mongoCheckpoint struct {
	ThreadID           string    `bson:"thread_id"`
	Namespace          string    `bson:"checkpoint_ns"`
	CheckpointID       string    `bson:"checkpoint_id"`
	ParentCheckpointID *string   `bson:"parent_checkpoint_id"`
	Type               string    `bson:"type"`
	CheckpointData     []byte    `bson:"checkpoint_data"`
	MetadataType       string    `bson:"metadata_type"`
	MetadataData       []byte    `bson:"metadata_data"`
	Metadata           bson.D    `bson:"metadata"`
	MetadataJSON       []byte    `bson:"metadata_json"`
	CreatedAt          time.Time `bson:"created_at"`
}

type mongoWrite struct {
	ThreadID     string    `bson:"thread_id"`
	Namespace    string    `bson:"checkpoint_ns"`
	CheckpointID string    `bson:"checkpoint_id"`
	TaskID       string    `bson:"task_id"`
	Idx          int       `bson:"idx"`
	Channel      string    `bson:"channel"`
	Type         string    `bson:"type"`
	ValueData    []byte    `bson:"value_data"`
	CreatedAt    time.Time `bson:"created_at"`
}

// NewMongoBackend connects to opts.URI and ensures the indexes exist.
func NewMongoBackend(ctx context.Context, opts MongoOptions) (*MongoBackend, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to mongodb: %w", err)
	}

	b := NewMongoBackendFromClient(client, opts)
	b.ownsClient = true
	if err := b.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return b, nil
}

// NewMongoBackendFromClient uses an existing client. Close leaves the client
// connected; the caller runs EnsureIndexes.
func NewMongoBackendFromClient(client *mongo.Client, opts MongoOptions) *MongoBackend {
	dbName := opts.Database
	if dbName == "" {
		dbName = DefaultDatabase
	}
	checkpoints := opts.CheckpointsCollection
	if checkpoints == "" {
		checkpoints = DefaultCheckpointsCollection
	}
	writes := opts.WritesCollection
	if writes == "" {
		writes = DefaultWritesCollection
	}

	db := client.Database(dbName)
	return &MongoBackend{
		client:      client,
		checkpoints: db.Collection(checkpoints),
		writes:      db.Collection(writes),
		useTx:       opts.UseTransactions,
	}
}

// NewMongoSaver creates a checkpoint.Store over a new MongoBackend.
func NewMongoSaver(ctx context.Context, opts MongoOptions, storeOpts ...checkpoint.Option) (*checkpoint.Store, error) {
	b, err := NewMongoBackend(ctx, opts)
	if err != nil {
		return nil, err
	}
	return checkpoint.New(b, storeOpts...), nil
}

// Client returns the underlying client.
func (m *MongoBackend) Client() *mongo.Client {
	return m.client
}

// EnsureIndexes creates the lookup indexes if they don't exist
func (m *MongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := m.checkpoints.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "checkpoint_ns", Value: 1}, {Key: "checkpoint_id", Value: -1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create checkpoint indexes: %w", err)
	}

	_, err = m.writes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "thread_id", Value: 1},
				{Key: "checkpoint_ns", Value: 1},
				{Key: "checkpoint_id", Value: 1},
				{Key: "task_id", Value: 1},
				{Key: "idx", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create write indexes: %w", err)
	}
	return nil
}

// Close disconnects the client when the backend created it
func (m *MongoBackend) Close() error {
	if !m.ownsClient {
		return nil
	}
	return m.client.Disconnect(context.Background())
}

// atomically runs fn inside a transaction when transactions are enabled.
func (m *MongoBackend) atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if !m.useTx {
		return fn(ctx)
	}

	sess, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// PutCheckpoint upserts a checkpoint document
func (m *MongoBackend) PutCheckpoint(ctx context.Context, rec checkpoint.CheckpointRecord) error {
	md, err := metadataDocument(rec.MetadataJSON)
	if err != nil {
		return err
	}

	doc := mongoCheckpoint{
		ThreadID:       rec.ThreadID,
		Namespace:      rec.Namespace,
		CheckpointID:   rec.CheckpointID,
		Type:           rec.Type,
		CheckpointData: rec.Checkpoint,
		MetadataType:   rec.MetadataType,
		MetadataData:   rec.Metadata,
		Metadata:       md,
		MetadataJSON:   rec.MetadataJSON,
		CreatedAt:      rec.CreatedAt,
	}
	if rec.ParentCheckpointID != "" {
		doc.ParentCheckpointID = &rec.ParentCheckpointID
	}

	_, err = m.checkpoints.UpdateOne(ctx,
		checkpointKey(rec.ThreadID, rec.Namespace, rec.CheckpointID),
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// PutWrites upserts a batch of pending writes
func (m *MongoBackend) PutWrites(ctx context.Context, recs []checkpoint.WriteRecord) error {
	if len(recs) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(recs))
	for _, rec := range recs {
		doc := mongoWrite{
			ThreadID:     rec.ThreadID,
			Namespace:    rec.Namespace,
			CheckpointID: rec.CheckpointID,
			TaskID:       rec.TaskID,
			Idx:          rec.Idx,
			Channel:      rec.Channel,
			Type:         rec.Type,
			ValueData:    rec.Value,
			CreatedAt:    rec.CreatedAt,
		}
		filter := checkpointKey(rec.ThreadID, rec.Namespace, rec.CheckpointID)
		filter = append(filter, bson.E{Key: "task_id", Value: rec.TaskID}, bson.E{Key: "idx", Value: rec.Idx})
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.M{"$set": doc}).
			SetUpsert(true))
	}

	err := m.atomically(ctx, func(ctx context.Context) error {
		_, err := m.writes.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save writes: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint by id, or the latest one
func (m *MongoBackend) GetCheckpoint(ctx context.Context, cfg checkpoint.Config) (*checkpoint.CheckpointRecord, error) {
	filter := bson.D{{Key: "thread_id", Value: cfg.ThreadID}, {Key: "checkpoint_ns", Value: cfg.Namespace}}
	if cfg.CheckpointID != "" {
		filter = append(filter, bson.E{Key: "checkpoint_id", Value: cfg.CheckpointID})
	}

	var doc mongoCheckpoint
	err := m.checkpoints.FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	rec := doc.record()
	return &rec, nil
}

// ListCheckpoints lists checkpoints newest first
func (m *MongoBackend) ListCheckpoints(ctx context.Context, q checkpoint.ListQuery) ([]checkpoint.CheckpointRecord, error) {
	filter := bson.D{{Key: "thread_id", Value: q.ThreadID}, {Key: "checkpoint_ns", Value: q.Namespace}}
	if q.Before != "" {
		filter = append(filter, bson.E{Key: "checkpoint_id", Value: bson.D{{Key: "$lt", Value: q.Before}}})
	}

	mdFilter, err := metadataFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	filter = append(filter, mdFilter...)

	findOpts := options.Find().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}})
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit))
	}

	cursor, err := m.checkpoints.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var docs []mongoCheckpoint
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	recs := make([]checkpoint.CheckpointRecord, 0, len(docs))
	for _, doc := range docs {
		recs = append(recs, doc.record())
	}
	return recs, nil
}

// ListWrites returns the pending writes of a checkpoint
func (m *MongoBackend) ListWrites(ctx context.Context, cfg checkpoint.Config) ([]checkpoint.WriteRecord, error) {
	cursor, err := m.writes.Find(ctx,
		checkpointKey(cfg.ThreadID, cfg.Namespace, cfg.CheckpointID),
		options.Find().SetSort(bson.D{{Key: "task_id", Value: 1}, {Key: "idx", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list writes: %w", err)
	}
	var docs []mongoWrite
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to list writes: %w", err)
	}

	recs := make([]checkpoint.WriteRecord, 0, len(docs))
	for _, doc := range docs {
		recs = append(recs, checkpoint.WriteRecord{
			ThreadID:     doc.ThreadID,
			Namespace:    doc.Namespace,
			CheckpointID: doc.CheckpointID,
			TaskID:       doc.TaskID,
			Idx:          doc.Idx,
			Channel:      doc.Channel,
			Type:         doc.Type,
			Value:        doc.ValueData,
			CreatedAt:    doc.CreatedAt,
		})
	}
	// The server orders strings by collation only when one is configured.
	checkpoint.SortWrites(recs)
	return recs, nil
}

// DeleteThread removes all checkpoints and writes of a thread
func (m *MongoBackend) DeleteThread(ctx context.Context, threadID string) error {
	filter := bson.D{{Key: "thread_id", Value: threadID}}
	err := m.atomically(ctx, func(ctx context.Context) error {
		if _, err := m.checkpoints.DeleteMany(ctx, filter); err != nil {
			return err
		}
		_, err := m.writes.DeleteMany(ctx, filter)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

func (d mongoCheckpoint) record() checkpoint.CheckpointRecord {
	rec := checkpoint.CheckpointRecord{
		ThreadID:     d.ThreadID,
		Namespace:    d.Namespace,
		CheckpointID: d.CheckpointID,
		Type:         d.Type,
		Checkpoint:   d.CheckpointData,
		MetadataType: d.MetadataType,
		Metadata:     d.MetadataData,
		MetadataJSON: d.MetadataJSON,
		CreatedAt:    d.CreatedAt,
	}
	if d.ParentCheckpointID != nil {
		rec.ParentCheckpointID = *d.ParentCheckpointID
	}
	return rec
}

func checkpointKey(threadID, ns, checkpointID string) bson.D {
	return bson.D{
		{Key: "thread_id", Value: threadID},
		{Key: "checkpoint_ns", Value: ns},
		{Key: "checkpoint_id", Value: checkpointID},
	}
}

// metadataDocument converts flattened metadata JSON into a BSON document so
// the server can match on its fields.
func metadataDocument(metadataJSON []byte) (bson.D, error) {
	if len(metadataJSON) == 0 {
		return bson.D{}, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(metadataJSON, false, &doc); err != nil {
		return nil, fmt.Errorf("%w: metadata is not a JSON object: %w", checkpoint.ErrSerialization, err)
	}
	return doc, nil
}

// metadataFilter translates a listing filter into "metadata.<key>" clauses.
func metadataFilter(filter map[string]any) (bson.D, error) {
	out := make(bson.D, 0, len(filter))
	for _, key := range slices.Sorted(maps.Keys(filter)) {
		if key == "" || strings.ContainsRune(key, '.') || strings.HasPrefix(key, "$") {
			return nil, fmt.Errorf("%w: unsupported metadata filter key %q", checkpoint.ErrInvalidConfig, key)
		}
		value, err := filterValue(filter[key])
		if err != nil {
			return nil, err
		}
		out = append(out, bson.E{Key: "metadata." + key, Value: value})
	}
	return out, nil
}

// filterValue normalizes v through JSON, the same form metadata is stored in.
// Null only matches an explicit null, never a missing field.
func filterValue(v any) (any, error) {
	if v == nil {
		return bson.D{{Key: "$type", Value: "null"}}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode filter value: %w", checkpoint.ErrSerialization, err)
	}
	// Round-trip through a generic value so object keys come out sorted.
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("%w: encode filter value: %w", checkpoint.ErrSerialization, err)
	}
	if data, err = json.Marshal(generic); err != nil {
		return nil, fmt.Errorf("%w: encode filter value: %w", checkpoint.ErrSerialization, err)
	}
	if string(data) == "null" {
		return bson.D{{Key: "$type", Value: "null"}}, nil
	}

	var wrapped bson.D
	if err := bson.UnmarshalExtJSON([]byte(`{"v":`+string(data)+`}`), false, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: encode filter value: %w", checkpoint.ErrSerialization, err)
	}
	return wrapped[0].Value, nil
}
