// Package config loads checkpoint store settings from YAML and the environment.
//
// Values are layered: Default, then the YAML file, then CHECKPOINT_* variables.
//
//	backend: postgres
//	log_level: warn
//	page_size: 200
//	serializer:
//	  compression: zstd
//	  compression_threshold: 4096
//	postgres:
//	  conn_string: postgres://localhost:5432/app
//	metrics:
//	  enabled: true
//	  namespace: app
//
// Environment names join the section and field names, for example
// CHECKPOINT_BACKEND, CHECKPOINT_REDIS_TTL=1h or CHECKPOINT_MONGO_USE_TRANSACTIONS=true.
package config
