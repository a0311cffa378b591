// Package redis provides Redis-backed storage for checkpoints and pending writes.
//
// This package implements low-latency checkpoint storage using Redis, suited to
// graph executions that are resumed by a different process or server than the
// one that wrote the checkpoint.
//
// # Key Features
//
//   - Checkpoint documents and their index written in one MULTI/EXEC
//   - Pending-write batches applied atomically
//   - Thread deletion guarded by WATCH, so it never interleaves with a put
//   - Optional TTL for automatic expiration
//   - Configurable key prefixes for multi-tenancy
//   - Works with single-node, cluster and failover clients
//
// # Basic Usage
//
//	saver := redis.NewRedisSaver(redis.RedisOptions{
//		Addr:     "localhost:6379",
//		Password: "yourpassword",
//		DB:       0,
//		Prefix:   "checkpoint:",  // Optional key prefix
//		TTL:      24 * time.Hour, // Optional TTL
//	})
//	defer saver.Close()
//
//	cfg, err := saver.Put(ctx, checkpoint.WithThreadID("conversation-1"), cp, md)
//
// # Custom Redis Client
//
//	rdb := goredis.NewClusterClient(&goredis.ClusterOptions{
//		Addrs: []string{"redis-node-1:6379", "redis-node-2:6379", "redis-node-3:6379"},
//	})
//
//	backend := redis.NewRedisBackendFromClient(rdb, "checkpoint:", time.Hour)
//	saver := checkpoint.New(backend)
//
// # Key Management
//
// Every key of a thread carries the thread id as a hash tag, so all of them
// live in one cluster slot and multi-key transactions stay legal. Path
// elements are query-escaped.
//
//	{prefix}{thread}:keys                    SET of every key below
//	{prefix}{thread}:idx:{ns}                ZSET of checkpoint ids, score 0
//	{prefix}{thread}:cp:{ns}:{id}            checkpoint document (JSON)
//	{prefix}{thread}:writes:{ns}:{id}        HASH "task:idx" -> write document
//
// The index ZSET is read with ZREVRANGEBYLEX, which yields ids in descending
// byte order: the latest checkpoint is the first member and "before" is an
// exclusive upper bound.
//
// # TTL
//
// With a TTL every put refreshes the expiry of the keys it touches. A thread
// that keeps running therefore keeps its history; an idle one disappears as a
// whole. Without a TTL keys never expire.
//
// # Metadata Filters
//
// Redis has no secondary indexes over the documents, so filtered listings walk
// the index newest first and match metadata in the client until the limit is
// reached.
package redis
