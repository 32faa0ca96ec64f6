// Package metrics declares the Prometheus collectors of nebulastream.
//
// All collectors live on the default registry and are served by the run
// command under /metrics. Counters are updated by the producer and workers;
// the gauges are refreshed by the Monitor on every tick.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nebulastream"

// Values of the DeadLetters reason label.
const (
	ReasonPermanent = "permanent"
	ReasonExhausted = "retries_exhausted"
	ReasonRejected  = "rejected"
)

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func counter(name, help string) prometheus.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

// Producer and worker counters.
var (
	// EventsProduced is labelled by stream and status (success, timeout, invalid, error).
	EventsProduced     = counterVec("events_produced_total", "Events appended to the log.", "stream", "status")
	EventsWritten      = counterVec("events_written_total", "Rows newly inserted into the sink.", "table")
	EventsDeduplicated = counterVec("events_deduplicated_total", "Events skipped because their event_id was already stored.", "table")
	EventsAcked        = counterVec("events_acked_total", "Log entries acknowledged.", "stream", "group")
	DeadLetters        = counterVec("dead_letters_total", "Events routed to the dead-letter stream.", "reason")
	EntriesReclaimed   = counterVec("entries_reclaimed_total", "Pending entries taken over from idle consumers.", "stream", "group")
	EntriesLost        = counterVec("entries_lost_total", "Batched entries dropped because another consumer took them over.", "stream", "group")

	SinkRetries = counter("sink_retries_total", "Batch writes repeated after a transient sink error.")
	AckFailures = counter("ack_failures_total", "Acknowledgements that failed; the entries stay pending.")
	WorkerFatal = counter("worker_fatal_total", "Workers stopped because a dead-letter append failed.")

	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_active",
		Help:      "Running consumer workers.",
	})

	// FlushDuration is labelled by outcome (written, permanent, exhausted, held, abandoned).
	FlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "flush_duration_seconds",
		Help:      "Time from the start of a flush until its entries are settled.",
		Buckets:   prometheus.ExponentialBucketsRange(0.001, 10, 12),
	}, []string{"outcome"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_size",
		Help:      "Entries per flushed batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Monitor gauges.
var (
	LogDepth        = gaugeVec("log_depth", "Entries in the stream.", "stream")
	PendingEntries  = gaugeVec("pending_entries", "Claimed entries not yet acknowledged.", "stream", "group")
	DeadLetterDepth = gaugeVec("dead_letter_depth", "Entries in the dead-letter stream.", "stream")
	SinkThroughput  = gaugeVec("sink_throughput_rows_per_second", "Rows ingested per second over the monitor window.", "table")
)

// Timer measures one operation for a histogram observation.
type Timer struct {
	name  string
	start time.Time
}

// NewTimer starts a timer.
func NewTimer(name string) *Timer { return &Timer{name: name, start: time.Now()} }

func (t *Timer) Name() string { return t.name }

// Stop returns the time elapsed since NewTimer. It may be called repeatedly.
func (t *Timer) Stop() time.Duration { return time.Since(t.start) }

// ObserveDuration records the elapsed time on h in seconds.
func (t *Timer) ObserveDuration(h prometheus.Observer) time.Duration {
	d := t.Stop()
	h.Observe(d.Seconds())
	return d
}
