package sink

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// FaultFunc lets tests fail a bulk upsert. call counts BulkUpsert
// invocations from 1; a nil return lets the write proceed.
type FaultFunc func(call int, table string, rows Rows) error

// MemorySink is an in-process Sink with upsert-on-conflict semantics.
type MemorySink struct {
	mu       sync.Mutex
	tables   map[string]*memTable
	archives map[string][]map[string]interface{}
	now      func() time.Time
	fault    FaultFunc
	calls    int
	closed   bool
}

type memTable struct {
	rows  map[string]map[string]interface{}
	order []string
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		tables:   make(map[string]*memTable),
		archives: make(map[string][]map[string]interface{}),
		now:      time.Now,
	}
}

// SetFault installs f; nil removes it.
func (s *MemorySink) SetFault(f FaultFunc) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// SetClock overrides the clock stamping ingested_at.
func (s *MemorySink) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// BulkUpsert implements Sink. A batch is applied all or nothing.
func (s *MemorySink) BulkUpsert(ctx context.Context, table string, rows Rows, conflictKey string) (WriteStats, error) {
	if err := ctx.Err(); err != nil {
		return WriteStats{}, Classify(err, "bulk upsert failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return WriteStats{}, Transient(nebulaerrors.New(nebulaerrors.ErrorTypeConnection, "sink is closed"), "bulk upsert failed")
	}

	s.calls++
	if s.fault != nil {
		if err := s.fault(s.calls, table, rows); err != nil {
			return WriteStats{}, Classify(err, "bulk upsert failed")
		}
	}

	key := columnIndex(rows.Columns, conflictKey)
	if key < 0 {
		return WriteStats{}, Permanent(
			nebulaerrors.Newf(nebulaerrors.ErrorTypeData, "conflict key %q is not a column", conflictKey),
			"bulk upsert failed")
	}

	t := s.tables[table]
	if t == nil {
		t = &memTable{rows: make(map[string]map[string]interface{})}
		s.tables[table] = t
	}

	now := s.now()
	var stats WriteStats
	for _, vals := range rows.Values {
		id, _ := vals[key].(string)
		if _, ok := t.rows[id]; ok {
			stats.RowsDeduplicated++
			continue
		}
		row := make(map[string]interface{}, len(rows.Columns)+1)
		for i, c := range rows.Columns {
			row[c] = vals[i]
		}
		row[ColumnIngestedAt] = now
		t.rows[id] = row
		t.order = append(t.order, id)
		stats.RowsWritten++
	}
	return stats, nil
}

// Insert implements Inserter.
func (s *MemorySink) Insert(ctx context.Context, table string, rows Rows) error {
	if err := ctx.Err(); err != nil {
		return Classify(err, "insert failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vals := range rows.Values {
		row := make(map[string]interface{}, len(rows.Columns))
		for i, c := range rows.Columns {
			row[c] = vals[i]
		}
		s.archives[table] = append(s.archives[table], row)
	}
	return nil
}

// Row returns the stored row for key.
func (s *MemorySink) Row(table, key string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	if t == nil {
		return nil, false
	}
	row, ok := t.rows[key]
	return row, ok
}

// Keys returns the conflict keys of table in insertion order.
func (s *MemorySink) Keys(table string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	if t == nil {
		return nil
	}
	return append([]string(nil), t.order...)
}

// Archived returns the rows inserted into table.
func (s *MemorySink) Archived(table string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.archives[table]...)
}

// Calls returns the number of BulkUpsert invocations so far.
func (s *MemorySink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// RowsSince implements ThroughputReporter.
func (s *MemorySink) RowsSince(_ context.Context, table string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	if t == nil {
		return 0, nil
	}
	var n int64
	for _, row := range t.rows {
		if at, ok := row[ColumnIngestedAt].(time.Time); ok && !at.Before(since) {
			n++
		}
	}
	return n, nil
}

// CountByType implements ThroughputReporter.
func (s *MemorySink) CountByType(_ context.Context, table string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	if t := s.tables[table]; t != nil {
		for _, row := range t.rows {
			typ, _ := row[ColumnEventType].(string)
			out[typ]++
		}
	}
	return out, nil
}

// Total implements ThroughputReporter.
func (s *MemorySink) Total(_ context.Context, table string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tables[table]; t != nil {
		return int64(len(t.rows)), nil
	}
	return 0, nil
}

// Migrate implements Migrator; tables are created on first write.
func (s *MemorySink) Migrate(_ context.Context, _ Schema) error {
	return nil
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
