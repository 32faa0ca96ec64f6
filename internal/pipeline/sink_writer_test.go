package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/json"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
	"github.com/ajitpratap0/nebulastream/pkg/testutil"
)

func newEvent(id, eventType string, payload map[string]interface{}) *models.Event {
	return &models.Event{
		EventID:   id,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSinkWriterWritesRowsWithPromotedColumns(t *testing.T) {
	s := sink.NewMemorySink()
	cfg := testSinkConfig()
	cfg.PromotedColumns = []config.PromotedColumn{
		{Name: "amount", Type: config.ColumnNumeric},
		{Name: "paid", Type: config.ColumnBool},
		{Name: "region", Type: config.ColumnText},
	}
	w := NewSinkWriter(s, cfg, testutil.TestLogger(t))

	ev := newEvent("evt-1", "order_placed", map[string]interface{}{
		"amount": 12.5,
		"paid":   true,
		"items":  []interface{}{"a", "b"},
	})
	stats, err := w.Write(context.Background(), models.Batch{Entries: []models.ClaimedEntry{claimed(t, "1-0", ev)}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Written)
	assert.Empty(t, stats.Rejected)

	row, ok := s.Row(testTable, "evt-1")
	require.True(t, ok)
	assert.Equal(t, "order_placed", row[sink.ColumnEventType])
	assert.JSONEq(t, `{"amount":12.5,"paid":true,"items":["a","b"]}`, row[sink.ColumnPayload].(string))
	assert.Equal(t, ev.CreatedAt, row[sink.ColumnCreatedAt])
	assert.Equal(t, 12.5, row["amount"])
	assert.Equal(t, true, row["paid"])
	assert.Nil(t, row["region"], "missing promoted keys are NULL")
}

func TestSinkWriterIsIdempotent(t *testing.T) {
	s := sink.NewMemorySink()
	w := NewSinkWriter(s, testSinkConfig(), testutil.TestLogger(t))

	batch := models.Batch{Entries: []models.ClaimedEntry{
		claimed(t, "1-0", newEvent("a", "t", map[string]interface{}{})),
		claimed(t, "2-0", newEvent("b", "t", map[string]interface{}{})),
		claimed(t, "3-0", newEvent("a", "t", map[string]interface{}{})),
	}}

	stats, err := w.Write(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Written)
	assert.Equal(t, int64(1), stats.Deduplicated, "duplicate inside the batch")

	stats, err = w.Write(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Written)
	assert.Equal(t, int64(3), stats.Deduplicated)
	assert.Equal(t, []string{"a", "b"}, s.Keys(testTable))
}

func TestSinkWriterRejectsInvalidEntries(t *testing.T) {
	s := sink.NewMemorySink()
	cfg := testSinkConfig()
	cfg.PromotedColumns = []config.PromotedColumn{{Name: "amount", Type: config.ColumnNumeric}}
	w := NewSinkWriter(s, cfg, testutil.TestLogger(t))

	undecodable := models.NewClaimedEntry("2-0", map[string]string{
		models.FieldEventID: "broken",
		models.FieldPayload: "{}",
	})
	batch := models.Batch{Entries: []models.ClaimedEntry{
		claimed(t, "1-0", newEvent("ok", "t", map[string]interface{}{"amount": 3})),
		undecodable,
		claimed(t, "3-0", newEvent("bad-amount", "t", map[string]interface{}{"amount": "lots"})),
	}}

	stats, err := w.Write(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Written)
	require.Len(t, stats.Rejected, 2)
	assert.Equal(t, "2-0", stats.Rejected[0].Entry.LogEntryID)
	assert.Contains(t, stats.Rejected[0].Reason, "missing event_type")
	assert.Equal(t, "3-0", stats.Rejected[1].Entry.LogEntryID)
	assert.Contains(t, stats.Rejected[1].Reason, "amount")
	assert.Equal(t, []string{"ok"}, s.Keys(testTable))
}

func TestSinkWriterAllRejectedSkipsSink(t *testing.T) {
	s := sink.NewMemorySink()
	w := NewSinkWriter(s, testSinkConfig(), testutil.TestLogger(t))

	bad := models.NewClaimedEntry("1-0", map[string]string{"junk": "x"})
	stats, err := w.Write(context.Background(), models.Batch{Entries: []models.ClaimedEntry{bad}})
	require.NoError(t, err)
	assert.Len(t, stats.Rejected, 1)
	assert.Equal(t, 0, s.Calls())
}

func TestSinkWriterClassifiesErrors(t *testing.T) {
	s := sink.NewMemorySink()
	w := NewSinkWriter(s, testSinkConfig(), testutil.TestLogger(t))
	batch := models.Batch{Entries: []models.ClaimedEntry{claimed(t, "1-0", newEvent("a", "t", nil))}}

	s.SetFault(func(int, string, sink.Rows) error {
		return sink.Permanent(errors.New("value too long"), "rejected")
	})
	_, err := w.Write(context.Background(), batch)
	assert.True(t, sink.IsPermanent(err))

	s.SetFault(func(int, string, sink.Rows) error {
		return errors.New("connection reset")
	})
	_, err = w.Write(context.Background(), batch)
	assert.True(t, sink.IsTransient(err), "unknown errors are transient")
	assert.Empty(t, s.Keys(testTable), "a failed write leaves the table untouched")
}

func TestCoerce(t *testing.T) {
	ts := "2024-03-01T12:00:00.5Z"
	parsed, _ := time.Parse(time.RFC3339Nano, ts)

	tests := []struct {
		name    string
		value   interface{}
		typ     string
		want    interface{}
		wantErr bool
	}{
		{"nil is null", nil, config.ColumnNumeric, nil, false},
		{"json number", json.Number("42.5"), config.ColumnNumeric, 42.5, false},
		{"int", 7, config.ColumnNumeric, 7.0, false},
		{"numeric string", "3.25", config.ColumnNumeric, 3.25, false},
		{"non numeric", "abc", config.ColumnNumeric, nil, true},
		{"numeric from bool", true, config.ColumnNumeric, nil, true},
		{"bool", false, config.ColumnBool, false, false},
		{"bool string", "true", config.ColumnBool, true, false},
		{"bool garbage", "maybe", config.ColumnBool, nil, true},
		{"text", "eu-west", config.ColumnText, "eu-west", false},
		{"text from number", json.Number("10"), config.ColumnText, "10", false},
		{"text from float", 1.5, config.ColumnText, "1.5", false},
		{"text from object", map[string]interface{}{"a": "b"}, config.ColumnText, `{"a":"b"}`, false},
		{"timestamp", ts, config.ColumnTimestamp, parsed, false},
		{"bad timestamp", "yesterday", config.ColumnTimestamp, nil, true},
		{"unknown type", "x", "uuid", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerce(tt.value, tt.typ)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
