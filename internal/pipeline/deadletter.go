package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
)

// archiveTimeout bounds the best-effort copy into the archive table.
const archiveTimeout = 5 * time.Second

// DeadLetterRouter appends failed entries, with their failure context, to
// the dead-letter stream. An append failure is a DeadLetterAppendFailure and
// the caller must not acknowledge the originals.
type DeadLetterRouter struct {
	log          eventlog.Log
	stream       string
	archive      sink.Inserter
	archiveTable string
	timeout      time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// RouterOption configures a DeadLetterRouter.
type RouterOption func(*DeadLetterRouter)

// WithArchive also copies dead letters into a relational table. Archive
// failures are logged and never fail a route.
func WithArchive(ins sink.Inserter, table string) RouterOption {
	return func(r *DeadLetterRouter) {
		r.archive = ins
		r.archiveTable = table
	}
}

// WithAppendTimeout bounds each dead-letter append. Zero leaves appends
// bounded only by the caller's context.
func WithAppendTimeout(d time.Duration) RouterOption {
	return func(r *DeadLetterRouter) { r.timeout = d }
}

// WithRouterClock overrides the clock stamping failed_at.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *DeadLetterRouter) { r.now = now }
}

// NewDeadLetterRouter creates a router appending to stream.
func NewDeadLetterRouter(log eventlog.Log, stream string, zl *zap.Logger, opts ...RouterOption) *DeadLetterRouter {
	if zl == nil {
		zl = logger.Get()
	}
	r := &DeadLetterRouter{
		log:    log,
		stream: stream,
		now:    time.Now,
		logger: zl.With(zap.String("component", "dead_letter_router"), zap.String("stream", stream)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route appends one dead letter per entry, all sharing errorMessage and
// retryCount.
func (r *DeadLetterRouter) Route(ctx context.Context, worker string, entries []models.ClaimedEntry, errorMessage string, retryCount int) error {
	failedAt := r.now().UTC()
	dls := make([]*models.DeadLetterEntry, len(entries))
	for i, e := range entries {
		dls[i] = newDeadLetter(e, errorMessage, retryCount, failedAt, worker)
	}
	return r.RouteEntries(ctx, dls)
}

// RouteRejected appends one dead letter per rejection, each with its own reason.
func (r *DeadLetterRouter) RouteRejected(ctx context.Context, worker string, rejected []Rejection, retryCount int) error {
	failedAt := r.now().UTC()
	dls := make([]*models.DeadLetterEntry, len(rejected))
	for i, rj := range rejected {
		dls[i] = newDeadLetter(rj.Entry, rj.Reason, retryCount, failedAt, worker)
	}
	return r.RouteEntries(ctx, dls)
}

// RouteEntries appends prepared dead letters in one batch when the log
// supports it.
func (r *DeadLetterRouter) RouteEntries(ctx context.Context, dls []*models.DeadLetterEntry) error {
	if len(dls) == 0 {
		return nil
	}
	batch := make([]eventlog.Fields, len(dls))
	for i, d := range dls {
		fields, err := d.Fields()
		if err != nil {
			// fall back to the raw record so nothing is dropped
			d.Event = nil
			if fields, err = d.Fields(); err != nil {
				return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDeadLetterAppend, "failed to encode dead letter").
					WithDetail("original_log_entry_id", d.OriginalLogEntryID)
			}
		}
		batch[i] = fields
	}

	actx, cancel := withBudget(ctx, r.timeout)
	ids, err := eventlog.AppendAll(actx, r.log, r.stream, batch)
	cancel()
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDeadLetterAppend, "dead letter append failed").
			WithDetail("stream", r.stream).
			WithDetail("entries", len(dls)).
			WithDetail("appended", len(ids))
	}
	for i, id := range ids {
		dls[i].LogEntryID = id
	}

	logger.FromContext(ctx, r.logger).Warn("entries dead-lettered",
		zap.Int("count", len(dls)),
		zap.String("error", dls[0].ErrorMessage),
		zap.Int("retry_count", dls[0].RetryCount))

	if r.archive != nil {
		r.archiveEntries(ctx, dls)
	}
	return nil
}

func (r *DeadLetterRouter) archiveEntries(ctx context.Context, dls []*models.DeadLetterEntry) {
	rows := sink.Rows{Columns: sink.DeadLetterColumns, Values: make([][]interface{}, len(dls))}
	for i, d := range dls {
		f, _ := d.Fields()
		rows.Values[i] = []interface{}{
			f[models.FieldEventID],
			f[models.FieldEventType],
			f[models.FieldPayload],
			d.ErrorMessage,
			d.RetryCount,
			d.FailedAt,
			d.OriginalLogEntryID,
			d.Worker,
		}
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := r.archive.Insert(actx, r.archiveTable, rows); err != nil {
		logger.FromContext(ctx, r.logger).Warn("failed to archive dead letters",
			zap.String("table", r.archiveTable),
			zap.Int("count", len(dls)),
			zap.Error(err))
	}
}

func newDeadLetter(e models.ClaimedEntry, msg string, retryCount int, failedAt time.Time, worker string) *models.DeadLetterEntry {
	if msg == "" {
		msg = "unknown error"
	}
	return &models.DeadLetterEntry{
		Event:              e.Event,
		Raw:                e.Fields,
		ErrorMessage:       msg,
		RetryCount:         retryCount,
		FailedAt:           failedAt,
		OriginalLogEntryID: e.LogEntryID,
		Worker:             worker,
	}
}
