// Package sink provides the relational stores events are bulk-upserted into.
// A Sink is idempotent on its conflict key: re-submitting a row whose key is
// already present writes nothing and is reported as deduplicated, never as an
// error. Errors returned by a Sink are classified as transient or permanent
// (see Classify) so callers can choose between retrying and dead-lettering.
package sink

import (
	"context"
	"time"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// Built-in columns of the events table.
const (
	ColumnEventID    = "event_id"
	ColumnEventType  = "event_type"
	ColumnPayload    = "payload"
	ColumnCreatedAt  = "created_at"
	ColumnIngestedAt = "ingested_at"
)

// Rows is a column-major description of a bulk write: every entry of
// Values holds one value per column, in Columns order.
type Rows struct {
	Columns []string
	Values  [][]interface{}
}

// Len returns the number of rows
func (r Rows) Len() int {
	return len(r.Values)
}

// WriteStats reports the outcome of one bulk upsert.
type WriteStats struct {
	RowsWritten      int64
	RowsDeduplicated int64
}

// Sink is a relational store supporting idempotent bulk upserts.
type Sink interface {
	BulkUpsert(ctx context.Context, table string, rows Rows, conflictKey string) (WriteStats, error)
	Close() error
}

// Inserter appends rows without conflict handling. Dead letter archival uses it.
type Inserter interface {
	Insert(ctx context.Context, table string, rows Rows) error
}

// ThroughputReporter answers read-only questions from the sink's
// ingested_at bookkeeping.
type ThroughputReporter interface {
	RowsSince(ctx context.Context, table string, since time.Time) (int64, error)
	CountByType(ctx context.Context, table string) (map[string]int64, error)
	Total(ctx context.Context, table string) (int64, error)
}

// Migrator creates the tables a Schema describes if they do not exist.
type Migrator interface {
	Migrate(ctx context.Context, schema Schema) error
}

// Schema describes the events table and the dead letter archive.
type Schema struct {
	Table           string
	DeadLetterTable string
	Promoted        []config.PromotedColumn
}

// SchemaFromConfig extracts the schema a sink configuration implies.
func SchemaFromConfig(cfg config.SinkConfig) Schema {
	return Schema{
		Table:           cfg.Table,
		DeadLetterTable: cfg.DeadLetterTable,
		Promoted:        cfg.PromotedColumns,
	}
}

// Dead letter archive columns.
var DeadLetterColumns = []string{
	"event_id", "event_type", "payload", "error", "retry_count",
	"failed_at", "original_log_entry_id", "worker",
}

// Open connects to the sink cfg selects.
func Open(ctx context.Context, cfg config.SinkConfig) (Sink, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return NewPostgresSink(ctx, cfg)
	case config.DriverMySQL:
		return NewMySQLSink(ctx, cfg)
	case config.DriverMemory:
		return NewMemorySink(), nil
	default:
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "unknown sink driver %q", cfg.Driver)
	}
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

// chunkRows splits rows so no statement carries more than maxParams bind
// parameters.
func chunkRows(rows Rows, maxParams int) [][][]interface{} {
	per := maxParams / len(rows.Columns)
	if per < 1 {
		per = 1
	}
	var chunks [][][]interface{}
	for start := 0; start < len(rows.Values); start += per {
		end := start + per
		if end > len(rows.Values) {
			end = len(rows.Values)
		}
		chunks = append(chunks, rows.Values[start:end])
	}
	return chunks
}
