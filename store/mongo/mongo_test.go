package mongo

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// newTestBackend connects to the server named by CHECKPOINT_MONGO_URI and
// isolates each test in its own database.
func newTestBackend(t *testing.T) *MongoBackend {
	t.Helper()

	uri := os.Getenv("CHECKPOINT_MONGO_URI")
	if uri == "" {
		t.Skip("CHECKPOINT_MONGO_URI not set")
	}

	ctx := context.Background()
	dbName := "checkpoint_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	b, err := NewMongoBackend(ctx, MongoOptions{
		URI:             uri,
		Database:        dbName,
		UseTransactions: os.Getenv("CHECKPOINT_MONGO_TX") != "",
	})
	require.NoError(t, err)

	// Runs after the backend has closed its own client.
	t.Cleanup(func() {
		admin, err := mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			return
		}
		_ = admin.Database(dbName).Drop(ctx)
		_ = admin.Disconnect(ctx)
	})
	return b
}

func TestMongoBackend_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) checkpoint.Backend {
		return newTestBackend(t)
	})
}

func TestMongoBackend_MetadataStoredAsDocument(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	ctx := context.Background()

	rec := storetest.Record("t1", "", "0001", "", map[string]any{"source": "loop", "step": 3})
	require.NoError(t, b.PutCheckpoint(ctx, rec))

	raw, err := b.checkpoints.FindOne(ctx, bson.D{{Key: "thread_id", Value: "t1"}}).Raw()
	require.NoError(t, err)

	assert.Equal(t, bson.TypeEmbeddedDocument, raw.Lookup("metadata").Type)
	assert.Equal(t, "loop", raw.Lookup("metadata", "source").StringValue())
	assert.Equal(t, bson.TypeNull, raw.Lookup("parent_checkpoint_id").Type)
}

func TestMetadataFilter(t *testing.T) {
	t.Run("KeysSortedAndPrefixed", func(t *testing.T) {
		got, err := metadataFilter(map[string]any{"step": 2, "source": "loop"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "metadata.source", got[0].Key)
		assert.Equal(t, "loop", got[0].Value)
		assert.Equal(t, "metadata.step", got[1].Key)
		assert.EqualValues(t, 2, got[1].Value)
	})

	t.Run("Empty", func(t *testing.T) {
		got, err := metadataFilter(nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("RejectsPathKeys", func(t *testing.T) {
		for _, key := range []string{"", "a.b", "$where"} {
			_, err := metadataFilter(map[string]any{key: 1})
			assert.ErrorIs(t, err, checkpoint.ErrInvalidConfig, key)
		}
	})
}

func TestFilterValue(t *testing.T) {
	t.Run("Null", func(t *testing.T) {
		got, err := filterValue(nil)
		require.NoError(t, err)
		assert.Equal(t, bson.D{{Key: "$type", Value: "null"}}, got)
	})

	t.Run("Bool", func(t *testing.T) {
		got, err := filterValue(true)
		require.NoError(t, err)
		assert.Equal(t, true, got)
	})

	t.Run("NestedKeysSorted", func(t *testing.T) {
		type parent struct {
			Zeta  string `json:"zeta"`
			Alpha string `json:"alpha"`
		}
		got, err := filterValue(parent{Zeta: "z", Alpha: "a"})
		require.NoError(t, err)
		doc, ok := got.(bson.D)
		require.True(t, ok, "%T", got)
		require.Len(t, doc, 2)
		assert.Equal(t, "alpha", doc[0].Key)
		assert.Equal(t, "zeta", doc[1].Key)
	})

	t.Run("Unencodable", func(t *testing.T) {
		_, err := filterValue(make(chan int))
		assert.ErrorIs(t, err, checkpoint.ErrSerialization)
	})
}

func TestMetadataDocument(t *testing.T) {
	doc, err := metadataDocument([]byte(`{"source":"input","step":-1,"parents":{}}`))
	require.NoError(t, err)
	require.Len(t, doc, 3)
	assert.Equal(t, bson.E{Key: "source", Value: "input"}, doc[0])

	empty, err := metadataDocument(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = metadataDocument([]byte(`[1,2]`))
	assert.ErrorIs(t, err, checkpoint.ErrSerialization)
}
