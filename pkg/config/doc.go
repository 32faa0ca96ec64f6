// Package config loads the nebulastream configuration.
//
// A Config has four sections (Log, Sink, Stream, Observability) and is read
// once when the engine starts. LoadConfig layers, lowest first:
//
//  1. the defaults of NewConfig
//  2. an optional YAML file
//  3. environment variables
//
// The CLI applies its flags on top and validation runs last.
//
// YAML values may reference the environment:
//
//	sink:
//	  driver: postgres
//	  host: ${PGHOST}
//	  password: ${PGPASSWORD}
//
// Any bound key can be set with NEBULASTREAM_<SECTION>_<KEY>, for example
// NEBULASTREAM_STREAM_WORKERS=8. The variable names of the stock Redis and
// PostgreSQL deployment are accepted as well:
//
//	REDIS_HOST, REDIS_PORT, REDIS_DB
//	POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER, POSTGRES_PASSWORD
//	STREAM_NAME, CONSUMER_GROUP, CONSUMER_NAME, DLQ_STREAM_NAME
//	NUM_WORKERS, BATCH_SIZE, BATCH_TIMEOUT_SECONDS, XREAD_COUNT, XREAD_BLOCK_MS
//
// A bare number given for BATCH_TIMEOUT_SECONDS is read in seconds and one
// given for XREAD_BLOCK_MS in milliseconds.
package config
