package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/json"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/metrics"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/observability"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
)

// SinkWriter turns a batch into one idempotent bulk upsert. Entries are
// validated here, at the sink boundary, and invalid ones are returned as
// rejections instead of failing the whole batch.
type SinkWriter struct {
	sink         sink.Sink
	table        string
	promoted     []config.PromotedColumn
	columns      []string
	writeTimeout time.Duration
	tracer       *observability.ComponentTracer
	logger       *zap.Logger
}

// NewSinkWriter creates a writer for the events table cfg names.
func NewSinkWriter(s sink.Sink, cfg config.SinkConfig, zl *zap.Logger) *SinkWriter {
	if zl == nil {
		zl = logger.Get()
	}
	cols := []string{sink.ColumnEventID, sink.ColumnEventType, sink.ColumnPayload, sink.ColumnCreatedAt}
	for _, pc := range cfg.PromotedColumns {
		cols = append(cols, pc.Name)
	}
	return &SinkWriter{
		sink:         s,
		table:        cfg.Table,
		promoted:     cfg.PromotedColumns,
		columns:      cols,
		writeTimeout: cfg.WriteTimeout,
		tracer:       observability.NewComponentTracer("sink_writer"),
		logger:       zl.With(zap.String("component", "sink_writer"), zap.String("table", cfg.Table)),
	}
}

// Write validates, deduplicates and upserts the batch in a single sink call.
// Rejected entries are reported in the stats even when the write fails. The
// returned error is a transient or permanent sink error.
func (w *SinkWriter) Write(ctx context.Context, batch models.Batch) (WriteStats, error) {
	var stats WriteStats
	rows := sink.Rows{Columns: w.columns, Values: make([][]interface{}, 0, batch.Len())}
	seen := make(map[string]struct{}, batch.Len())

	for _, entry := range batch.Entries {
		row, reason := w.buildRow(entry)
		if reason != "" {
			stats.Rejected = append(stats.Rejected, Rejection{Entry: entry, Reason: reason})
			continue
		}
		if _, dup := seen[entry.Event.EventID]; dup {
			stats.Deduplicated++
			continue
		}
		seen[entry.Event.EventID] = struct{}{}
		rows.Values = append(rows.Values, row)
	}
	if rows.Len() == 0 {
		return stats, nil
	}

	var result sink.WriteStats
	err := w.tracer.TraceBatch(ctx, rows.Len(), "bulk_upsert", func(ctx context.Context) error {
		wctx, cancel := w.writeContext(ctx)
		defer cancel()

		var err error
		result, err = w.sink.BulkUpsert(wctx, w.table, rows, sink.ColumnEventID)
		if err != nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
			return sink.Transient(err, "bulk upsert timed out").
				WithDetail("timeout", w.writeTimeout.String())
		}
		return sink.Classify(err, "bulk upsert failed")
	})
	if err != nil {
		return stats, err
	}

	stats.Written = result.RowsWritten
	stats.Deduplicated += result.RowsDeduplicated
	metrics.EventsWritten.WithLabelValues(w.table).Add(float64(stats.Written))
	metrics.EventsDeduplicated.WithLabelValues(w.table).Add(float64(stats.Deduplicated))
	return stats, nil
}

func (w *SinkWriter) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.writeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.writeTimeout)
}

// buildRow returns the row for entry, or a rejection reason.
func (w *SinkWriter) buildRow(entry models.ClaimedEntry) ([]interface{}, string) {
	if entry.DecodeErr != nil {
		return nil, entry.DecodeErr.Error()
	}
	ev := entry.Event
	if ev == nil {
		return nil, "entry has no event"
	}
	if err := ev.Validate(); err != nil {
		return nil, err.Error()
	}
	payload, err := json.MarshalCompact(ev.Payload)
	if err != nil {
		return nil, "payload is not serializable: " + err.Error()
	}

	row := make([]interface{}, 0, len(w.columns))
	row = append(row, ev.EventID, ev.EventType, string(payload), ev.CreatedAt.UTC())
	for _, pc := range w.promoted {
		v, err := coerce(ev.Payload[pc.Name], pc.Type)
		if err != nil {
			return nil, fmt.Sprintf("promoted column %s: %v", pc.Name, err)
		}
		row = append(row, v)
	}
	return row, ""
}

type float64er interface {
	Float64() (float64, error)
}

// coerce converts a payload value to the Go type of a promoted column.
// Missing and null values become NULL.
func coerce(v interface{}, typ string) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case config.ColumnText:
		switch t := v.(type) {
		case string:
			return t, nil
		case fmt.Stringer:
			return t.String(), nil
		case bool:
			return strconv.FormatBool(t), nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(t), nil
		case int64:
			return strconv.FormatInt(t, 10), nil
		default:
			b, err := json.MarshalCompact(t)
			if err != nil {
				return nil, err
			}
			return string(b), nil
		}

	case config.ColumnNumeric:
		switch t := v.(type) {
		case float64er:
			return t.Float64()
		case float64:
			return t, nil
		case float32:
			return float64(t), nil
		case int:
			return float64(t), nil
		case int32:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not numeric", t)
			}
			return f, nil
		}
		return nil, fmt.Errorf("%T is not numeric", v)

	case config.ColumnBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", t)
			}
			return b, nil
		}
		return nil, fmt.Errorf("%T is not a boolean", v)

	case config.ColumnTimestamp:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, fmt.Errorf("%q is not an RFC3339 timestamp", t)
			}
			return ts.UTC(), nil
		}
		return nil, fmt.Errorf("%T is not a timestamp", v)
	}
	return nil, fmt.Errorf("unknown column type %q", typ)
}
