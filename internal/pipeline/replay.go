package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// replayConsumerPrefix names replay runs. Each run claims as
// "replayer-<uuid>" so concurrent runs never share pending entries.
const replayConsumerPrefix = "replayer"

// ReplayOptions narrows a replay run.
type ReplayOptions struct {
	// EventType replays only dead letters of this type. Filtered replays
	// use their own consumer group so skipped entries stay available to
	// other filters.
	EventType string
	// Limit stops after this many events were replayed; 0 means all
	Limit int
	// Block waits for new dead letters when the stream is drained; 0 returns
	Block     time.Duration
	BatchSize int
	// ResumeAfter is how long entries of an interrupted run stay pending
	// before a new run takes them over; 0 uses stale_claim_threshold
	ResumeAfter time.Duration
}

// ReplayReport counts what a replay did with each dead letter it read.
type ReplayReport struct {
	Replayed    int
	Skipped     int
	Undecodable int
}

// Replayer feeds dead letters back into the primary stream. It is an
// independent consumer of the dead-letter stream: replayed entries are
// acknowledged in the replay group and remain in the stream.
type Replayer struct {
	log      eventlog.Log
	producer *Producer
	dlStream string
	group    string
	lease    time.Duration
	logger   *zap.Logger
}

// NewReplayer creates a replayer re-producing through producer.
func NewReplayer(log eventlog.Log, producer *Producer, cfg config.StreamConfig, zl *zap.Logger) *Replayer {
	if zl == nil {
		zl = logger.Get()
	}
	return &Replayer{
		log:      log,
		producer: producer,
		dlStream: cfg.DeadLetterStream,
		group:    cfg.ReplayGroup,
		lease:    cfg.StaleClaimThreshold,
		logger:   zl.With(zap.String("component", "replayer"), zap.String("stream", cfg.DeadLetterStream)),
	}
}

// GroupFor returns the consumer group a replay with opts reads through.
func (r *Replayer) GroupFor(opts ReplayOptions) string {
	if opts.EventType == "" {
		return r.group
	}
	return r.group + ":" + opts.EventType
}

// Replay re-produces dead letters unchanged, keeping event id, type, payload
// and created_at, and acks each one once it is back in the primary stream.
// A produce failure stops the run; the failed entry stays pending and is
// taken over by a later replay once it has been idle for ResumeAfter.
func (r *Replayer) Replay(ctx context.Context, opts ReplayOptions) (ReplayReport, error) {
	var report ReplayReport
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ResumeAfter <= 0 {
		opts.ResumeAfter = r.lease
	}
	group := r.GroupFor(opts)
	if err := r.log.EnsureGroup(ctx, r.dlStream, group); err != nil {
		return report, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "failed to create replay group").
			WithDetail("group", group)
	}
	run := &replayRun{
		Replayer: r,
		group:    group,
		consumer: replayConsumerPrefix + "-" + uuid.NewString(),
		opts:     opts,
		report:   &report,
	}

	// entries left pending by interrupted runs come first
	resuming := true
	for {
		count := run.claimCount()
		if count == 0 {
			break
		}
		var entries []eventlog.Entry
		if resuming {
			reclaimed, err := r.log.ReclaimStale(ctx, r.dlStream, group, run.consumer, opts.ResumeAfter, count)
			if err != nil {
				return report, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "failed to reclaim replay entries")
			}
			entries = make([]eventlog.Entry, len(reclaimed))
			for i, re := range reclaimed {
				entries[i] = re.Entry
			}
			resuming = len(entries) > 0
		}
		if !resuming {
			var err error
			entries, err = r.log.Claim(ctx, r.dlStream, group, run.consumer, count, opts.Block)
			if err != nil {
				return report, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "failed to read dead letters")
			}
			if len(entries) == 0 {
				break
			}
		}

		if err := run.replayEntries(ctx, entries); err != nil {
			r.logDone(report)
			return report, err
		}
	}

	r.logDone(report)
	return report, nil
}

// replayRun is the state of one Replay call.
type replayRun struct {
	*Replayer
	group     string
	consumer  string
	opts      ReplayOptions
	report    *ReplayReport
	refreshed time.Time
}

// claimCount is how many entries the next read may take. A limited run
// never claims more than it can still replay, so stopping at the limit
// leaves nothing pending.
func (run *replayRun) claimCount() int {
	if run.opts.Limit <= 0 {
		return run.opts.BatchSize
	}
	left := run.opts.Limit - run.report.Replayed
	if left > run.opts.BatchSize {
		return run.opts.BatchSize
	}
	return left
}

func (run *replayRun) replayEntries(ctx context.Context, entries []eventlog.Entry) error {
	run.refreshed = time.Now()
	owned := make(map[string]bool, len(entries))
	for _, e := range entries {
		owned[e.ID] = true
	}

	for i, e := range entries {
		if time.Since(run.refreshed) > run.opts.ResumeAfter/2 {
			run.refresh(ctx, entries[i:], owned)
		}
		if !owned[e.ID] {
			continue
		}

		dl, err := models.DeadLetterFromFields(e.ID, e.Fields)
		switch {
		case err != nil || dl.Event == nil:
			run.report.Undecodable++
			run.logger.Warn("dead letter cannot be replayed", zap.String("log_entry_id", e.ID), zap.Error(err))
		case run.opts.EventType != "" && dl.Event.EventType != run.opts.EventType:
			run.report.Skipped++
		default:
			if _, err := run.producer.ProduceEvent(ctx, dl.Event); err != nil {
				return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "failed to replay dead letter").
					WithDetail("log_entry_id", e.ID).
					WithDetail("event_id", dl.Event.EventID)
			}
			run.report.Replayed++
		}

		if err := run.log.Ack(ctx, run.dlStream, run.group, e.ID); err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "failed to ack dead letter").
				WithDetail("log_entry_id", e.ID)
		}
	}
	return nil
}

// refresh renews the run's hold on the entries it has yet to replay and
// forgets the ones another run took over.
func (run *replayRun) refresh(ctx context.Context, rest []eventlog.Entry, owned map[string]bool) {
	run.refreshed = time.Now()
	ids := make([]string, 0, len(rest))
	for _, e := range rest {
		if owned[e.ID] {
			ids = append(ids, e.ID)
		}
	}
	kept, err := run.log.Touch(ctx, run.dlStream, run.group, run.consumer, ids...)
	if err != nil {
		run.logger.Warn("failed to refresh replay entries", zap.Error(err))
		return
	}
	for _, id := range ids {
		owned[id] = false
	}
	for _, id := range kept {
		owned[id] = true
	}
}

func (r *Replayer) logDone(report ReplayReport) {
	r.logger.Info("replay finished",
		zap.Int("replayed", report.Replayed),
		zap.Int("skipped", report.Skipped),
		zap.Int("undecodable", report.Undecodable))
}
