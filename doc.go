// Package nebulastream is a durable, at-least-once event ingestion engine.
//
// Producers append events to a stream on a durable log. A pool of workers
// claims entries through a consumer group, accumulates them into batches and
// writes each batch to a relational store with one idempotent bulk upsert.
// Entries are acknowledged only after the write, so a crash never loses an
// event; the store deduplicates by event id, so a redelivery never duplicates
// one. Events the store rejects go to a dead-letter stream, from which they
// can be replayed.
//
// # Architecture
//
//	Producer -> Log -> Worker pool (claim, accumulate, flush) -> Sink -> ack
//	                         |
//	                         +-> Dead letter stream -> Replayer -> Log
//
// # Quick Start
//
// Run the whole engine in process on in-memory backends:
//
//	nebulastream demo --count 1000
//
// Against Redis and PostgreSQL:
//
//	nebulastream migrate
//	nebulastream run --workers 5
//	nebulastream produce --type purchase --payload '{"amount": 12.5}'
//	nebulastream monitor --watch 5s
//
// # Key Packages
//
//	internal/pipeline - Producer, Worker, SinkWriter, DeadLetterRouter, Monitor, Replayer, Engine
//	pkg/eventlog      - Log interface with Redis Streams, Pebble and in-memory backends
//	pkg/sink          - Sink interface with PostgreSQL, MySQL and in-memory backends
//	pkg/models        - Events, claimed entries and dead letters
//	pkg/config        - YAML and environment configuration
//	pkg/nebulaerrors  - Structured error handling
//	pkg/logger        - Structured logging
//	pkg/metrics       - Prometheus collectors
//	pkg/observability - OpenTelemetry tracing
//
// # Configuration
//
// Configuration comes from defaults, an optional YAML file and environment
// variables, in that order. YAML values may reference the environment with
// ${VAR_NAME} syntax. Structured overrides use the NEBULASTREAM_ prefix,
// e.g. NEBULASTREAM_STREAM_WORKERS; the plain names REDIS_HOST,
// POSTGRES_HOST, NUM_WORKERS and BATCH_SIZE are honoured as well.
package nebulastream
