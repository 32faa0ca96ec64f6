// Package pipeline implements the ingestion engine that sits between the
// durable log and the relational sink.
//
// # Components
//
//	Producer          validates events and appends them to the primary stream
//	Worker            claims entries, batches them and settles each batch
//	Accumulator       the size/age batching policy of one worker
//	SinkWriter        one idempotent bulk upsert per batch
//	DeadLetterRouter  appends failed entries with their failure context
//	Monitor           read-only depth and throughput figures
//	Replayer          feeds dead letters back into the primary stream
//	Engine            wires the above and runs the worker pool
//
// # Delivery
//
// Delivery is at least once. A worker acknowledges an entry only after the
// sink accepted it or the dead-letter stream recorded it. Entries left
// pending by a crashed or stopped worker are reclaimed by another worker once
// they have been idle for the stale claim threshold, and the sink drops the
// resulting duplicates by event id.
//
// Workers share no state. Which worker owns an entry is decided by the log
// alone, so the pool scales by adding workers or processes.
//
// # Failures
//
// Transient sink errors are retried with exponential backoff. Permanent
// errors and exhausted retries route the batch to the dead-letter stream;
// malformed entries are dead-lettered individually while the rest of their
// batch is written. A worker that cannot append to the dead-letter stream
// stops without acknowledging and the Engine reports the error after the
// remaining workers shut down.
package pipeline
