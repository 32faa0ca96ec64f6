package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/metrics"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulastream/pkg/observability"
	"github.com/ajitpratap0/nebulastream/pkg/retry"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
)

// maxClaimBackoffAttempt caps the exponent used after repeated claim errors.
const maxClaimBackoffAttempt = 10

// Worker is one consumer of a group. It claims entries from the log,
// accumulates them into a batch, flushes the batch through the sink writer
// and acknowledges or dead-letters the entries. Workers share nothing with
// each other; entry ownership is arbitrated by the log.
type Worker struct {
	id     string
	log    eventlog.Log
	writer *SinkWriter
	router *DeadLetterRouter
	cfg    config.StreamConfig
	acc    *Accumulator
	policy *retry.Policy
	now    func() time.Time
	tracer *observability.ComponentTracer
	logger *zap.Logger

	state       atomic.Int32
	lastReclaim time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerClock overrides the clock used for batch age and reclaim scheduling.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// WithWorkerID fixes the consumer name instead of generating one.
func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) { w.id = id }
}

// NewWorker creates a worker with a fresh identity "<prefix>-<uuid>".
func NewWorker(log eventlog.Log, writer *SinkWriter, router *DeadLetterRouter, cfg config.StreamConfig, zl *zap.Logger, opts ...WorkerOption) *Worker {
	if zl == nil {
		zl = logger.Get()
	}
	w := &Worker{
		id:     cfg.ConsumerPrefix + "-" + uuid.NewString(),
		log:    log,
		writer: writer,
		router: router,
		cfg:    cfg,
		policy: retry.NewPolicy(cfg.MaxBatchRetries, cfg.RetryBackoffBase, cfg.RetryBackoffCap),
		now:    time.Now,
		tracer: observability.NewComponentTracer("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.acc = NewAccumulator(cfg.BatchMaxSize, cfg.BatchMaxAge, w.now)
	w.logger = zl.With(
		zap.String("component", "worker"),
		zap.String("worker_id", w.id),
		zap.String("stream", cfg.Stream),
		zap.String("group", cfg.Group))
	return w
}

// ID returns the consumer name the worker claims under
func (w *Worker) ID() string {
	return w.id
}

// State returns the current state machine position
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *Worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

// Run claims and flushes until ctx is cancelled. On cancellation the open
// batch is flushed within the shutdown timeout; anything left unflushed
// stays pending for reclaim. The only error returned is a
// DeadLetterAppendFailure, after which the worker has stopped.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logger.WithWorker(ctx, w.id)
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()
	defer w.setState(StateStopped)

	w.logger.Info("worker started")
	claimFailures := 0
	for {
		if ctx.Err() != nil {
			return w.shutdown(ctx)
		}
		if w.acc.ShouldFlush() {
			if err := w.flush(ctx); err != nil {
				return err
			}
		}

		entries, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.shutdown(ctx)
			}
			claimFailures++
			attempt := claimFailures
			if attempt > maxClaimBackoffAttempt {
				attempt = maxClaimBackoffAttempt
			}
			delay := w.policy.Delay(attempt - 1)
			w.logger.Warn("claim failed", zap.Error(err), zap.Int("failures", claimFailures), zap.Duration("backoff", delay))
			_ = retry.Sleep(ctx, delay)
			continue
		}
		claimFailures = 0

		if len(entries) > 0 {
			w.setState(StateAccumulating)
		}
		for _, e := range entries {
			if w.acc.Add(e) {
				if err := w.flush(ctx); err != nil {
					return err
				}
				w.setState(StateAccumulating)
			}
		}
		w.setState(StateIdle)
	}
}

// claim prefers stale entries from crashed consumers, then new entries.
// The claim blocks no longer than the open batch has left before it ages out.
func (w *Worker) claim(ctx context.Context) ([]models.ClaimedEntry, error) {
	w.setState(StateClaiming)

	if now := w.now(); now.Sub(w.lastReclaim) >= w.cfg.ReclaimInterval {
		w.lastReclaim = now
		reclaimed, err := w.log.ReclaimStale(ctx, w.cfg.Stream, w.cfg.Group, w.id, w.cfg.StaleClaimThreshold, w.cfg.ReadCount)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.logger.Warn("reclaim scan failed", zap.Error(err))
		} else if len(reclaimed) > 0 {
			metrics.EntriesReclaimed.WithLabelValues(w.cfg.Stream, w.cfg.Group).Add(float64(len(reclaimed)))
			out := make([]models.ClaimedEntry, len(reclaimed))
			for i, r := range reclaimed {
				out[i] = models.NewClaimedEntry(r.ID, r.Fields)
				w.logger.Info("reclaimed stale entry",
					zap.String("log_entry_id", r.ID),
					zap.String("prior_owner", r.PriorOwner),
					zap.Int64("deliveries", r.Deliveries))
			}
			return out, nil
		}
	}

	block := w.cfg.BlockTimeout
	if due, ok := w.acc.TimeUntilDue(); ok && due < block {
		block = due
		if block <= 0 {
			block = time.Millisecond
		}
	}
	entries, err := w.log.Claim(ctx, w.cfg.Stream, w.cfg.Group, w.id, w.cfg.ReadCount, block)
	if err != nil {
		return nil, err
	}
	out := make([]models.ClaimedEntry, len(entries))
	for i, e := range entries {
		out[i] = models.NewClaimedEntry(e.ID, e.Fields)
	}
	return out, nil
}

// flush drains the accumulator and settles the batch: written entries are
// acked, failed entries are retried, held or dead-lettered. Only a
// DeadLetterAppendFailure is returned.
func (w *Worker) flush(ctx context.Context) error {
	batch := w.acc.Drain()
	if batch.Len() == 0 {
		return nil
	}
	w.setState(StateFlushing)
	metrics.BatchSize.Observe(float64(batch.Len()))
	timer := metrics.NewTimer("flush")

	ctx, span := w.tracer.StartSpan(ctx, "flush")
	defer span.End()
	span.SetAttribute("batch.size", batch.Len())
	span.SetAttribute("worker.id", w.id)

	retries := 0
	for {
		if batch = w.refresh(ctx, batch); batch.Len() == 0 {
			timer.ObserveDuration(metrics.FlushDuration.WithLabelValues("lost"))
			return nil
		}
		stats, err := w.writer.Write(ctx, batch)
		if err == nil {
			if len(stats.Rejected) > 0 {
				w.setState(StateDeadLettering)
				if err := w.router.RouteRejected(ctx, w.id, stats.Rejected, retries); err != nil {
					return w.fatal(err, span)
				}
				metrics.DeadLetters.WithLabelValues(metrics.ReasonRejected).Add(float64(len(stats.Rejected)))
			}
			w.ack(ctx, batch.IDs())
			timer.ObserveDuration(metrics.FlushDuration.WithLabelValues("written"))
			w.logger.Debug("batch flushed",
				zap.Int("size", batch.Len()),
				zap.Int64("written", stats.Written),
				zap.Int64("deduplicated", stats.Deduplicated),
				zap.Int("rejected", len(stats.Rejected)),
				zap.Int("retries", retries))
			return nil
		}

		if sink.IsPermanent(err) {
			timer.ObserveDuration(metrics.FlushDuration.WithLabelValues("permanent"))
			return w.deadLetter(ctx, batch, stats.Rejected, err, retries, metrics.ReasonPermanent, span)
		}

		if retries >= w.cfg.MaxBatchRetries {
			if w.cfg.OnRetryExhausted == config.ExhaustHold {
				timer.ObserveDuration(metrics.FlushDuration.WithLabelValues("held"))
				w.logger.Error("retries exhausted, leaving batch pending for reclaim",
					zap.Int("size", batch.Len()),
					zap.Int("retries", retries),
					zap.Error(err))
				return nil
			}
			timer.ObserveDuration(metrics.FlushDuration.WithLabelValues("exhausted"))
			return w.deadLetter(ctx, batch, stats.Rejected, err, retries, metrics.ReasonExhausted, span)
		}

		retries++
		metrics.SinkRetries.Inc()
		delay := w.policy.Delay(retries - 1)
		span.AddEvent("retry", attribute.Int("attempt", retries), attribute.String("backoff", delay.String()))
		w.logger.Warn("transient sink error, retrying batch",
			zap.Int("attempt", retries),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if serr := retry.Sleep(ctx, delay); serr != nil {
			timer.ObserveDuration(metrics.FlushDuration.WithLabelValues("abandoned"))
			w.logger.Warn("shutdown during retry backoff, batch left pending", zap.Int("size", batch.Len()))
			return nil
		}
	}
}

// refresh renews the worker's hold on the batch before a write attempt and
// drops entries another consumer reclaimed in the meantime. When the log
// cannot be reached the batch is returned unchanged.
func (w *Worker) refresh(ctx context.Context, batch models.Batch) models.Batch {
	ids := batch.IDs()
	owned, err := w.log.Touch(ctx, w.cfg.Stream, w.cfg.Group, w.id, ids...)
	if err != nil {
		w.logger.Warn("failed to refresh batch ownership", zap.Int("size", batch.Len()), zap.Error(err))
		return batch
	}
	if len(owned) == len(ids) {
		return batch
	}

	keep := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		keep[id] = struct{}{}
	}
	out := models.Batch{FirstAt: batch.FirstAt, Entries: make([]models.ClaimedEntry, 0, len(owned))}
	for _, e := range batch.Entries {
		if _, ok := keep[e.LogEntryID]; ok {
			out.Entries = append(out.Entries, e)
		}
	}
	lost := batch.Len() - out.Len()
	metrics.EntriesLost.WithLabelValues(w.cfg.Stream, w.cfg.Group).Add(float64(lost))
	w.logger.Warn("entries reclaimed by another consumer, dropping them from the batch",
		zap.Int("lost", lost),
		zap.Int("remaining", out.Len()))
	return out
}

// deadLetter routes a failed batch: rejected entries carry their own reason,
// the rest carry the sink error. Entries are acked only after the append
// succeeded.
func (w *Worker) deadLetter(ctx context.Context, batch models.Batch, rejected []Rejection, cause error, retries int, reason string, span *observability.Span) error {
	w.setState(StateDeadLettering)
	span.RecordError(cause)

	skip := make(map[string]struct{}, len(rejected))
	for _, rj := range rejected {
		skip[rj.Entry.LogEntryID] = struct{}{}
	}
	failed := make([]models.ClaimedEntry, 0, batch.Len())
	for _, e := range batch.Entries {
		if _, ok := skip[e.LogEntryID]; !ok {
			failed = append(failed, e)
		}
	}

	if err := w.router.RouteRejected(ctx, w.id, rejected, retries); err != nil {
		return w.fatal(err, span)
	}
	if err := w.router.Route(ctx, w.id, failed, cause.Error(), retries); err != nil {
		return w.fatal(err, span)
	}
	metrics.DeadLetters.WithLabelValues(metrics.ReasonRejected).Add(float64(len(rejected)))
	metrics.DeadLetters.WithLabelValues(reason).Add(float64(len(failed)))

	w.ack(ctx, batch.IDs())
	return nil
}

// ack acknowledges ids within the append timeout. A failed ack leaves the
// entries pending; they are reclaimed later and deduplicated by the sink.
func (w *Worker) ack(ctx context.Context, ids []string) {
	w.setState(StateAcking)
	ctx, cancel := withBudget(ctx, w.cfg.AppendTimeout)
	defer cancel()
	if err := w.log.Ack(ctx, w.cfg.Stream, w.cfg.Group, ids...); err != nil {
		metrics.AckFailures.Inc()
		w.logger.Error("ack failed, entries remain pending", zap.Int("count", len(ids)), zap.Error(err))
		return
	}
	metrics.EventsAcked.WithLabelValues(w.cfg.Stream, w.cfg.Group).Add(float64(len(ids)))
}

func (w *Worker) fatal(err error, span *observability.Span) error {
	metrics.WorkerFatal.Inc()
	span.RecordError(err)
	w.logger.Error("dead letter append failed, worker halting; entries remain pending",
		zap.Error(err))
	return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDeadLetterAppend, "worker halted").
		WithDetail("worker", w.id)
}

// shutdown flushes the open batch on a context detached from the cancelled
// one and bounded by the shutdown timeout.
func (w *Worker) shutdown(ctx context.Context) error {
	if w.acc.Len() == 0 {
		w.logger.Info("worker stopped")
		return nil
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ShutdownTimeout)
	defer cancel()

	n := w.acc.Len()
	err := w.flush(sctx)
	w.logger.Info("worker stopped after final flush", zap.Int("entries", n), zap.Error(err))
	return err
}
