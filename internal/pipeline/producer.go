package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/metrics"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// ProducerConfig bounds what a producer accepts and how long it waits.
type ProducerConfig struct {
	Stream          string
	AppendTimeout   time.Duration
	MaxPayloadBytes int
}

// Producer validates events and appends them to the log. It never retries;
// a ProduceTimeout is returned to the caller, who owns the retry policy.
type Producer struct {
	log    eventlog.Log
	cfg    ProducerConfig
	logger *zap.Logger
}

// NewProducer creates a producer. A nil logger uses the global one.
func NewProducer(log eventlog.Log, cfg ProducerConfig, zl *zap.Logger) *Producer {
	if zl == nil {
		zl = logger.Get()
	}
	return &Producer{
		log:    log,
		cfg:    cfg,
		logger: zl.With(zap.String("component", "producer"), zap.String("stream", cfg.Stream)),
	}
}

// Produce appends a new event with a generated id and returns the id.
func (p *Producer) Produce(ctx context.Context, eventType string, payload map[string]interface{}) (string, error) {
	return p.ProduceEvent(ctx, models.NewEvent(eventType, payload))
}

// ProduceEvent appends ev, generating an id and stamping CreatedAt only when
// they are missing.
func (p *Producer) ProduceEvent(ctx context.Context, ev *models.Event) (string, error) {
	fields, err := p.prepare(ev)
	if err != nil {
		metrics.EventsProduced.WithLabelValues(p.cfg.Stream, "invalid").Inc()
		return "", err
	}

	actx, cancel := p.appendContext(ctx)
	defer cancel()
	id, err := p.log.Append(actx, p.cfg.Stream, fields)
	if err != nil {
		return "", p.appendFailed(ctx, err, 1)
	}
	ev.LogEntryID = id
	metrics.EventsProduced.WithLabelValues(p.cfg.Stream, "ok").Inc()
	return ev.EventID, nil
}

// ProduceBatch appends every event before returning. Logs that support
// batched appends receive the batch in one round trip under a single
// append timeout; otherwise each append gets its own timeout.
func (p *Producer) ProduceBatch(ctx context.Context, events []*models.Event) ([]string, error) {
	batch := make([]eventlog.Fields, len(events))
	for i, ev := range events {
		fields, err := p.prepare(ev)
		if err != nil {
			metrics.EventsProduced.WithLabelValues(p.cfg.Stream, "invalid").Add(float64(len(events)))
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeValidation, "invalid event in batch").
				WithDetail("index", i)
		}
		batch[i] = fields
	}

	var logIDs []string
	if ba, ok := p.log.(eventlog.BatchAppender); ok {
		actx, cancel := p.appendContext(ctx)
		ids, err := ba.AppendBatch(actx, p.cfg.Stream, batch)
		cancel()
		if err != nil {
			return nil, p.appendFailed(ctx, err, len(batch))
		}
		logIDs = ids
	} else {
		logIDs = make([]string, 0, len(batch))
		for _, f := range batch {
			actx, cancel := p.appendContext(ctx)
			id, err := p.log.Append(actx, p.cfg.Stream, f)
			cancel()
			if err != nil {
				return nil, p.appendFailed(ctx, err, len(batch)-len(logIDs))
			}
			logIDs = append(logIDs, id)
		}
	}

	ids := make([]string, len(events))
	for i, ev := range events {
		ev.LogEntryID = logIDs[i]
		ids[i] = ev.EventID
	}
	metrics.EventsProduced.WithLabelValues(p.cfg.Stream, "ok").Add(float64(len(events)))
	return ids, nil
}

// ContinuousReport summarises a ProduceContinuous run.
type ContinuousReport struct {
	Produced int64
	Failed   int64
	Elapsed  time.Duration
}

// Rate returns the achieved events per second
func (r ContinuousReport) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Produced) / r.Elapsed.Seconds()
}

// ProduceContinuous produces events at perSecond for duration, or until ctx
// is cancelled. payload builds the payload of the i-th event. Append
// failures are counted and logged, not returned.
func (p *Producer) ProduceContinuous(ctx context.Context, eventType string, perSecond float64, duration time.Duration, payload func(i int64) map[string]interface{}) (ContinuousReport, error) {
	if perSecond <= 0 {
		return ContinuousReport{}, nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "rate must be positive")
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var report ContinuousReport
	start := time.Now()
	for i := int64(0); ; i++ {
		if err := limiter.Wait(runCtx); err != nil {
			break
		}
		if _, err := p.Produce(runCtx, eventType, payload(i)); err != nil {
			if runCtx.Err() != nil {
				break
			}
			report.Failed++
			p.logger.Warn("produce failed", zap.Error(err))
			continue
		}
		report.Produced++
	}
	report.Elapsed = time.Since(start)

	p.logger.Info("continuous produce finished",
		zap.Int64("produced", report.Produced),
		zap.Int64("failed", report.Failed),
		zap.Float64("events_per_second", report.Rate()))
	return report, ctx.Err()
}

func (p *Producer) prepare(ev *models.Event) (eventlog.Fields, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Payload == nil {
		ev.Payload = map[string]interface{}{}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	fields, err := ev.Fields()
	if err != nil {
		return nil, err
	}
	if p.cfg.MaxPayloadBytes > 0 && len(fields[models.FieldPayload]) > p.cfg.MaxPayloadBytes {
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeValidation,
			"payload exceeds %d bytes", p.cfg.MaxPayloadBytes).
			WithDetail("size", len(fields[models.FieldPayload])).
			WithDetail("event_id", ev.EventID)
	}
	return fields, nil
}

func (p *Producer) appendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withBudget(ctx, p.cfg.AppendTimeout)
}

// withBudget bounds ctx by d. A non-positive d leaves ctx unbounded.
func withBudget(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// appendFailed turns an append error into ProduceTimeout when the append
// budget, not the caller, ran out.
func (p *Producer) appendFailed(ctx context.Context, err error, n int) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		metrics.EventsProduced.WithLabelValues(p.cfg.Stream, "timeout").Add(float64(n))
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeProduceTimeout, "append timed out").
			WithDetail("stream", p.cfg.Stream).
			WithDetail("timeout", p.cfg.AppendTimeout.String())
	}
	metrics.EventsProduced.WithLabelValues(p.cfg.Stream, "error").Add(float64(n))
	return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "append failed").
		WithDetail("stream", p.cfg.Stream)
}
