package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulastream/pkg/retry"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
)

// Engine wires a log and a sink into a producer, a pool of workers, a dead
// letter router, a monitor and a replayer.
type Engine struct {
	cfg      *config.Config
	log      eventlog.Log
	sink     sink.Sink
	producer *Producer
	writer   *SinkWriter
	router   *DeadLetterRouter
	workers  []*Worker
	monitor  *Monitor
	replayer *Replayer

	monitorInterval time.Duration
	workerOpts      []WorkerOption
	routerOpts      []RouterOption
	logger          *zap.Logger

	mu      sync.Mutex
	running bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger every component derives its own from.
func WithLogger(zl *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = zl }
}

// WithMonitorInterval overrides the observability monitor interval. Zero
// disables the monitor loop.
func WithMonitorInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.monitorInterval = d }
}

// WithWorkerOptions applies opts to every worker the engine builds.
func WithWorkerOptions(opts ...WorkerOption) EngineOption {
	return func(e *Engine) { e.workerOpts = append(e.workerOpts, opts...) }
}

// WithRouterOptions applies opts to the dead letter router.
func WithRouterOptions(opts ...RouterOption) EngineOption {
	return func(e *Engine) { e.routerOpts = append(e.routerOpts, opts...) }
}

// NewEngine validates cfg and builds every component. Nothing runs until Run.
func NewEngine(cfg *config.Config, log eventlog.Log, s sink.Sink, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Stream.Validate(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid stream configuration")
	}
	if err := cfg.Stream.ValidateClaimLease(cfg.Sink.WriteTimeout); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid stream configuration")
	}
	e := &Engine{
		cfg:             cfg,
		log:             log,
		sink:            s,
		monitorInterval: cfg.Observability.MonitorInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get()
	}

	sc := cfg.Stream
	e.producer = NewProducer(log, ProducerConfig{
		Stream:          sc.Stream,
		AppendTimeout:   sc.AppendTimeout,
		MaxPayloadBytes: sc.MaxPayloadBytes,
	}, e.logger)
	e.writer = NewSinkWriter(s, cfg.Sink, e.logger)

	routerOpts := append([]RouterOption{WithAppendTimeout(sc.AppendTimeout)}, e.routerOpts...)
	if ins, ok := s.(sink.Inserter); ok && cfg.Sink.ArchiveDeadLetters && cfg.Sink.DeadLetterTable != "" {
		routerOpts = append([]RouterOption{WithArchive(ins, cfg.Sink.DeadLetterTable)}, routerOpts...)
	}
	e.router = NewDeadLetterRouter(log, sc.DeadLetterStream, e.logger, routerOpts...)

	e.workers = make([]*Worker, sc.Workers)
	for i := range e.workers {
		e.workers[i] = NewWorker(log, e.writer, e.router, sc, e.logger, e.workerOpts...)
	}

	reporter, _ := s.(sink.ThroughputReporter)
	e.monitor = NewMonitor(log, reporter, sc, cfg.Sink.Table, e.logger)
	e.replayer = NewReplayer(log, e.producer, sc, e.logger)
	return e, nil
}

// Producer returns the engine's producer
func (e *Engine) Producer() *Producer { return e.producer }

// Workers returns the worker pool
func (e *Engine) Workers() []*Worker { return e.workers }

// Monitor returns the engine's monitor
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Replayer returns the engine's replayer
func (e *Engine) Replayer() *Replayer { return e.replayer }

// Router returns the dead letter router
func (e *Engine) Router() *DeadLetterRouter { return e.router }

// EnsureGroups creates the primary consumer group and the replay group.
// Connection and timeout errors are retried with the default policy so the
// engine can start while the log is still coming up.
func (e *Engine) EnsureGroups(ctx context.Context) error {
	sc := e.cfg.Stream
	groups := []struct{ stream, group, what string }{
		{sc.Stream, sc.Group, "consumer group"},
		{sc.DeadLetterStream, sc.ReplayGroup, "replay group"},
	}
	policy := retry.DefaultPolicy()
	for _, g := range groups {
		err := policy.ExecuteWithCondition(ctx, func() error {
			return e.log.EnsureGroup(ctx, g.stream, g.group)
		}, nebulaerrors.IsRetryable)
		if err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "failed to create "+g.what).
				WithDetail("stream", g.stream).
				WithDetail("group", g.group)
		}
	}
	return nil
}

// Run starts the workers and the monitor loop and blocks until ctx is
// cancelled and every worker has stopped. A worker that halts on a dead
// letter append failure does not stop the others; the fatal errors are
// joined into the returned error.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nebulaerrors.New(nebulaerrors.ErrorTypeInternal, "engine already running")
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if err := e.EnsureGroups(ctx); err != nil {
		return err
	}

	sc := e.cfg.Stream
	e.logger.Info("engine started",
		zap.String("stream", sc.Stream),
		zap.String("group", sc.Group),
		zap.Int("workers", len(e.workers)),
		zap.Int("batch_max_size", sc.BatchMaxSize),
		zap.Duration("batch_max_age", sc.BatchMaxAge))

	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		if e.monitorInterval > 0 {
			_ = e.monitor.Run(monCtx, e.monitorInterval)
		}
	}()

	var (
		g     errgroup.Group
		errMu sync.Mutex
		fatal []error
	)
	for _, w := range e.workers {
		w := w
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				errMu.Lock()
				fatal = append(fatal, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	stopMonitor()
	<-monDone

	err := errors.Join(fatal...)
	if err != nil {
		e.logger.Error("engine stopped with fatal worker errors", zap.Int("failed_workers", len(fatal)), zap.Error(err))
		return err
	}
	e.logger.Info("engine stopped")
	return nil
}
