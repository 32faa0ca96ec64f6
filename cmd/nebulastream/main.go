package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/observability"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
)

var version = "0.1.0"

// globalFlags are shared by every command.
type globalFlags struct {
	configFile string
	logLevel   string
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	flags := &globalFlags{}
	var cfg *config.Config

	root := &cobra.Command{
		Use:   "nebulastream",
		Short: "nebulastream - durable at-least-once event ingestion",
		Long: `nebulastream moves events from a durable log into a relational store.
Producers append events to a stream; a pool of workers claims them through a
consumer group, writes them in idempotent batches and acknowledges them only
after the write. Events that cannot be written go to a dead-letter stream.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			loaded, err := config.LoadConfig(flags.configFile)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if flags.logLevel != "" {
				loaded.Observability.LogLevel = flags.logLevel
			}
			if err := logger.Init(logger.Config{
				Level:    loaded.Observability.LogLevel,
				Encoding: loaded.Observability.LogEncoding,
			}); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the configuration")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nebulastream v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	cfgFn := func() *config.Config { return cfg }
	root.AddCommand(
		newRunCmd(cfgFn),
		newProduceCmd(cfgFn),
		newBenchCmd(cfgFn),
		newMonitorCmd(cfgFn),
		newReplayCmd(cfgFn),
		newMigrateCmd(cfgFn),
		newDemoCmd(cfgFn),
		newConfigCmd(cfgFn),
	)

	err := root.Execute()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// backends opens the configured log and sink. The returned close function
// releases both.
func backends(ctx context.Context, cfg *config.Config) (eventlog.Log, sink.Sink, func(), error) {
	log, err := eventlog.Open(ctx, cfg.Log, cfg.Stream.MaxLen)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open %s log: %w", cfg.Log.Backend, err)
	}
	s, err := sink.Open(ctx, cfg.Sink)
	if err != nil {
		_ = log.Close()
		return nil, nil, nil, fmt.Errorf("failed to open %s sink: %w", cfg.Sink.Driver, err)
	}
	return log, s, func() {
		if err := s.Close(); err != nil {
			logger.Warn("failed to close sink", zap.Error(err))
		}
		if err := log.Close(); err != nil {
			logger.Warn("failed to close log", zap.Error(err))
		}
	}, nil
}

// startTracing installs the stdout tracer when tracing is enabled.
func startTracing(cfg *config.Config) func() {
	if !cfg.Observability.EnableTracing {
		return func() {}
	}
	tc := observability.DefaultTracingConfig()
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	tc.SamplingRate = cfg.Observability.TracingSampleRate
	if err := observability.Initialize(tc); err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(ctx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}
}

// serveMetrics exposes the Prometheus registry on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
}
