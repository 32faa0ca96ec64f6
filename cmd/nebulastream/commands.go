package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulastream/internal/pipeline"
	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/json"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
)

var sampleTypes = []string{"page_view", "click", "purchase", "signup", "logout"}

// samplePayload builds the synthetic payloads produce, bench and demo send.
func samplePayload(i int64) map[string]interface{} {
	return map[string]interface{}{
		"user_id":    fmt.Sprintf("user_%d", rand.Intn(1000)), //nolint:gosec // synthetic data
		"session_id": fmt.Sprintf("session_%d", i%100),
		"value":      rand.Float64() * 100, //nolint:gosec // synthetic data
		"seq":        i,
	}
}

func newEngine(cfg *config.Config, log eventlog.Log, s sink.Sink) (*pipeline.Engine, error) {
	return pipeline.NewEngine(cfg, log, s, pipeline.WithLogger(logger.Get()))
}

func newRunCmd(cfgFn func() *config.Config) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker pool until interrupted",
		Long: `Run starts the configured number of workers against the log and the sink
and blocks until SIGINT or SIGTERM. On shutdown every worker flushes its open
batch; anything left unflushed stays pending and is reclaimed on restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			if workers > 0 {
				cfg.Stream.Workers = workers
			}
			ctx, cancel := signalContext()
			defer cancel()
			defer startTracing(cfg)()

			log, s, closeAll, err := backends(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			engine, err := newEngine(cfg, log, s)
			if err != nil {
				return err
			}
			serveMetrics(ctx, cfg.Observability.MetricsAddr)
			return engine.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of workers; overrides stream.workers")
	return cmd
}

func newProduceCmd(cfgFn func() *config.Config) *cobra.Command {
	var (
		eventType string
		payload   string
		count     int
	)
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Append events to the stream",
		Example: `  nebulastream produce --type purchase --payload '{"amount": 12.5}'
  nebulastream produce --count 1000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			ctx, cancel := signalContext()
			defer cancel()

			log, err := eventlog.Open(ctx, cfg.Log, cfg.Stream.MaxLen)
			if err != nil {
				return err
			}
			defer log.Close()

			var fixed map[string]interface{}
			if payload != "" {
				if err := json.UnmarshalUseNumber([]byte(payload), &fixed); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}

			events := make([]*models.Event, count)
			for i := range events {
				typ := eventType
				if typ == "" {
					typ = sampleTypes[rand.Intn(len(sampleTypes))] //nolint:gosec // synthetic data
				}
				p := fixed
				if p == nil {
					p = samplePayload(int64(i))
				}
				events[i] = models.NewEvent(typ, p)
			}

			producer := pipeline.NewProducer(log, producerConfig(cfg), logger.Get())
			ids, err := producer.ProduceBatch(ctx, events)
			if err != nil {
				return err
			}
			if len(ids) == 1 {
				fmt.Println(ids[0])
				return nil
			}
			fmt.Printf("produced %d events to %s\n", len(ids), cfg.Stream.Stream)
			return nil
		},
	}
	cmd.Flags().StringVarP(&eventType, "type", "t", "", "Event type; random sample types when empty")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON object payload; synthetic when empty")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of events")
	return cmd
}

func producerConfig(cfg *config.Config) pipeline.ProducerConfig {
	return pipeline.ProducerConfig{
		Stream:          cfg.Stream.Stream,
		AppendTimeout:   cfg.Stream.AppendTimeout,
		MaxPayloadBytes: cfg.Stream.MaxPayloadBytes,
	}
}

func newBenchCmd(cfgFn func() *config.Config) *cobra.Command {
	var (
		rate      float64
		duration  time.Duration
		eventType string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Produce synthetic events at a fixed rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			ctx, cancel := signalContext()
			defer cancel()

			log, err := eventlog.Open(ctx, cfg.Log, cfg.Stream.MaxLen)
			if err != nil {
				return err
			}
			defer log.Close()

			producer := pipeline.NewProducer(log, producerConfig(cfg), logger.Get())
			report, err := producer.ProduceContinuous(ctx, eventType, rate, duration, samplePayload)
			fmt.Printf("produced %d events (%d failed) in %s: %.1f events/s\n",
				report.Produced, report.Failed, report.Elapsed.Round(time.Millisecond), report.Rate())
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&rate, "rate", 100, "Events per second")
	cmd.Flags().DurationVar(&duration, "duration", time.Minute, "How long to produce")
	cmd.Flags().StringVar(&eventType, "type", "page_view", "Event type")
	return cmd
}

func newMonitorCmd(cfgFn func() *config.Config) *cobra.Command {
	var (
		watch  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print stream, dead-letter and sink figures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			ctx, cancel := signalContext()
			defer cancel()

			log, s, closeAll, err := backends(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			reporter, _ := s.(sink.ThroughputReporter)
			mon := pipeline.NewMonitor(log, reporter, cfg.Stream, cfg.Sink.Table, logger.Get())
			for {
				snap, err := mon.Snapshot(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					if err := json.MarshalToWriter(os.Stdout, snap); err != nil {
						return err
					}
				} else {
					fmt.Print(pipeline.Dashboard(snap))
				}
				if watch <= 0 {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(watch):
					fmt.Println()
				}
			}
		},
	}
	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "Refresh interval; print once when zero")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print snapshots as JSON")
	return cmd
}

func newReplayCmd(cfgFn func() *config.Config) *cobra.Command {
	var opts pipeline.ReplayOptions
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-produce dead letters into the primary stream",
		Long: `Replay reads the dead-letter stream through the replay consumer group and
appends each original event, unchanged, to the primary stream. The sink
deduplicates by event id, so replaying an event that was written meanwhile is
harmless.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			ctx, cancel := signalContext()
			defer cancel()

			log, err := eventlog.Open(ctx, cfg.Log, cfg.Stream.MaxLen)
			if err != nil {
				return err
			}
			defer log.Close()

			producer := pipeline.NewProducer(log, producerConfig(cfg), logger.Get())
			report, err := pipeline.NewReplayer(log, producer, cfg.Stream, logger.Get()).Replay(ctx, opts)
			fmt.Printf("replayed %d, skipped %d, undecodable %d\n", report.Replayed, report.Skipped, report.Undecodable)
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.EventType, "type", "t", "", "Replay only this event type")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "Stop after this many events; 0 replays all")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 100, "Dead letters read per claim")
	cmd.Flags().DurationVar(&opts.ResumeAfter, "resume-after", 0,
		"Take over dead letters an interrupted replay left pending once idle this long (default stream.stale_claim_threshold)")
	return cmd
}

func newMigrateCmd(cfgFn func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the events and dead letter tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			ctx, cancel := signalContext()
			defer cancel()

			s, err := sink.Open(ctx, cfg.Sink)
			if err != nil {
				return err
			}
			defer s.Close()

			m, ok := s.(sink.Migrator)
			if !ok {
				return fmt.Errorf("sink driver %s does not support migrations", cfg.Sink.Driver)
			}
			if err := m.Migrate(ctx, sink.SchemaFromConfig(cfg.Sink)); err != nil {
				return err
			}
			logger.Info("schema ready",
				zap.String("table", cfg.Sink.Table),
				zap.String("dead_letter_table", cfg.Sink.DeadLetterTable))
			return nil
		},
	}
}

func newDemoCmd(cfgFn func() *config.Config) *cobra.Command {
	var (
		count   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run producer, workers and monitor in process on in-memory backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			cfg.Log.Backend = config.BackendMemory
			cfg.Sink.Driver = config.DriverMemory

			ctx, cancel := signalContext()
			defer cancel()

			log := eventlog.NewMemoryLog()
			s := sink.NewMemorySink()
			engine, err := newEngine(cfg, log, s)
			if err != nil {
				return err
			}

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			done := make(chan error, 1)
			go func() { done <- engine.Run(runCtx) }()

			events := make([]*models.Event, count)
			for i := range events {
				events[i] = models.NewEvent(sampleTypes[i%len(sampleTypes)], samplePayload(int64(i)))
			}
			if _, err := engine.Producer().ProduceBatch(ctx, events); err != nil {
				stop()
				<-done
				return err
			}

			deadline := time.After(timeout)
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
		wait:
			for {
				select {
				case <-ctx.Done():
					break wait
				case <-deadline:
					logger.Warn("demo timed out before the stream drained")
					break wait
				case <-ticker.C:
					total, _ := s.Total(ctx, cfg.Sink.Table)
					if int(total) >= count {
						break wait
					}
				}
			}

			stop()
			runErr := <-done
			snap, err := engine.Monitor().Snapshot(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(pipeline.Dashboard(snap))
			return runErr
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1000, "Number of events to produce")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up waiting for the stream to drain after this long")
	return cmd
}

func newConfigCmd(cfgFn func() *config.Config) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write the effective configuration as YAML",
		Long: `Config writes the configuration the other commands would run with, after
defaults, the --config file and environment overrides are applied. The output
can be passed back with --config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(out, cfgFn()); err != nil {
				return err
			}
			fmt.Printf("configuration written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "nebulastream.yaml", "Destination file")
	return cmd
}
