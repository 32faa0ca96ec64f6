package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/metrics"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
)

// throughputWindow is the window of the LastMinute figure in a Snapshot.
const throughputWindow = time.Minute

// Monitor reads depth and throughput figures from the log and the sink. It
// never mutates either.
type Monitor struct {
	log      eventlog.Log
	reporter sink.ThroughputReporter
	stream   string
	group    string
	dlStream string
	table    string
	now      func() time.Time
	logger   *zap.Logger
}

// Snapshot is one reading of every monitored figure.
type Snapshot struct {
	Time            time.Time `json:"time"`
	LogDepth        int64     `json:"log_depth"`
	Pending         int64     `json:"pending"`
	DeadLetterDepth int64     `json:"dead_letter_depth"`
	SinkTotal       int64     `json:"sink_total"`
	LastMinute      int64     `json:"last_minute"`
	// Throughput is rows per second over the last minute
	Throughput float64          `json:"throughput"`
	ByType     map[string]int64 `json:"by_type,omitempty"`
}

// NewMonitor creates a monitor. reporter may be nil, in which case sink
// figures read as zero.
func NewMonitor(log eventlog.Log, reporter sink.ThroughputReporter, stream config.StreamConfig, table string, zl *zap.Logger) *Monitor {
	if zl == nil {
		zl = logger.Get()
	}
	return &Monitor{
		log:      log,
		reporter: reporter,
		stream:   stream.Stream,
		group:    stream.Group,
		dlStream: stream.DeadLetterStream,
		table:    table,
		now:      time.Now,
		logger:   zl.With(zap.String("component", "monitor")),
	}
}

// LogDepth returns the number of entries in the primary stream.
func (m *Monitor) LogDepth(ctx context.Context) (int64, error) {
	return m.log.Depth(ctx, m.stream)
}

// PendingCount returns the number of claimed, unacknowledged entries of the
// primary group. A group that does not exist yet has none.
func (m *Monitor) PendingCount(ctx context.Context) (int64, error) {
	n, err := m.log.PendingCount(ctx, m.stream, m.group)
	if nebulaerrors.HasType(err, nebulaerrors.ErrorTypeNotFound) {
		return 0, nil
	}
	return n, err
}

// DeadLetterDepth returns the number of entries in the dead-letter stream.
func (m *Monitor) DeadLetterDepth(ctx context.Context) (int64, error) {
	return m.log.Depth(ctx, m.dlStream)
}

// SinkThroughputWindow returns rows ingested per second over the trailing window.
func (m *Monitor) SinkThroughputWindow(ctx context.Context, window time.Duration) (float64, error) {
	if m.reporter == nil || window <= 0 {
		return 0, nil
	}
	n, err := m.reporter.RowsSince(ctx, m.table, m.now().Add(-window))
	if err != nil {
		return 0, err
	}
	return float64(n) / window.Seconds(), nil
}

// Snapshot reads every figure. The first error aborts the reading.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	s := Snapshot{Time: m.now().UTC(), ByType: map[string]int64{}}
	var err error

	if s.LogDepth, err = m.LogDepth(ctx); err != nil {
		return s, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "log depth")
	}
	if s.Pending, err = m.PendingCount(ctx); err != nil {
		return s, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "pending count")
	}
	if s.DeadLetterDepth, err = m.DeadLetterDepth(ctx); err != nil {
		return s, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "dead letter depth")
	}

	if m.reporter == nil {
		return s, nil
	}
	if s.SinkTotal, err = m.reporter.Total(ctx, m.table); err != nil {
		return s, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "sink total")
	}
	if s.LastMinute, err = m.reporter.RowsSince(ctx, m.table, s.Time.Add(-throughputWindow)); err != nil {
		return s, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "sink rows in window")
	}
	s.Throughput = float64(s.LastMinute) / throughputWindow.Seconds()
	if s.ByType, err = m.reporter.CountByType(ctx, m.table); err != nil {
		return s, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "sink counts by type")
	}
	return s, nil
}

// Publish sets the Prometheus gauges from a snapshot.
func (m *Monitor) Publish(s Snapshot) {
	metrics.LogDepth.WithLabelValues(m.stream).Set(float64(s.LogDepth))
	metrics.PendingEntries.WithLabelValues(m.stream, m.group).Set(float64(s.Pending))
	metrics.DeadLetterDepth.WithLabelValues(m.dlStream).Set(float64(s.DeadLetterDepth))
	metrics.SinkThroughput.WithLabelValues(m.table).Set(s.Throughput)
}

// Run takes a snapshot every interval, publishes it and logs it, until ctx
// is cancelled. Failed readings are logged and skipped.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s, err := m.Snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.logger.Warn("monitor snapshot failed", zap.Error(err))
				continue
			}
			m.Publish(s)
			m.logger.Info("pipeline status",
				zap.Int64("log_depth", s.LogDepth),
				zap.Int64("pending", s.Pending),
				zap.Int64("dead_letters", s.DeadLetterDepth),
				zap.Int64("sink_total", s.SinkTotal),
				zap.Int64("last_minute", s.LastMinute),
				zap.Float64("rows_per_second", s.Throughput))
		}
	}
}

// Dashboard renders a snapshot as the text block the monitor command prints.
func Dashboard(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== nebulastream status (%s) ===\n", s.Time.Format(time.RFC3339))
	fmt.Fprintf(&b, "stream length:      %d\n", s.LogDepth)
	fmt.Fprintf(&b, "pending:            %d\n", s.Pending)
	fmt.Fprintf(&b, "dead letters:       %d\n", s.DeadLetterDepth)
	fmt.Fprintf(&b, "sink total:         %d\n", s.SinkTotal)
	fmt.Fprintf(&b, "last minute:        %d (%.1f/s)\n", s.LastMinute, s.Throughput)

	if len(s.ByType) > 0 {
		types := make([]string, 0, len(s.ByType))
		for t := range s.ByType {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool {
			if s.ByType[types[i]] != s.ByType[types[j]] {
				return s.ByType[types[i]] > s.ByType[types[j]]
			}
			return types[i] < types[j]
		})
		b.WriteString("events by type:\n")
		for _, t := range types {
			fmt.Fprintf(&b, "  %-20s %d\n", t, s.ByType[t])
		}
	}
	return b.String()
}
