// Package mongo provides MongoDB-backed storage for checkpoints and pending writes.
//
// Checkpoints live in one collection and pending writes in another, both in
// the database named by MongoOptions.Database:
//
//	checkpoints        {thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id,
//	                    type, checkpoint_data, metadata_type, metadata_data,
//	                    metadata, metadata_json, created_at}
//	checkpoint_writes  {thread_id, checkpoint_ns, checkpoint_id, task_id, idx,
//	                    channel, type, value_data, created_at}
//
// The metadata field holds the flattened metadata as a BSON document so that
// listing filters become "metadata.<key>" equality clauses evaluated by the
// server. Filter keys containing "." or starting with "$" are rejected.
//
// # Basic Usage
//
//	saver, err := mongo.NewMongoSaver(ctx, mongo.MongoOptions{
//		URI:      "mongodb://localhost:27017",
//		Database: "agents",
//	})
//	if err != nil {
//		return err
//	}
//	defer saver.Close()
//
// # Atomicity
//
// With UseTransactions set, write batches and thread deletion run in a
// multi-document transaction, which needs a replica set or a sharded cluster.
// Without it a batch is applied as one ordered bulk write and a failure part
// way leaves the earlier writes in place. Retrying the batch is safe since
// every write is an upsert by (task id, idx).
package mongo
