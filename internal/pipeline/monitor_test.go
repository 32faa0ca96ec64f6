package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
	"github.com/ajitpratap0/nebulastream/pkg/testutil"
)

func TestMonitorSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testStreamConfig())
	h.produce(4, "click")

	_, err := h.log.Claim(ctx, testStream, testGroup, "c-1", 2, 0)
	require.NoError(t, err)
	require.NoError(t, h.router.Route(ctx, "c-1",
		[]models.ClaimedEntry{claimed(t, "1-0", newEvent("x", "click", nil))}, "boom", 0))

	batch := models.Batch{Entries: []models.ClaimedEntry{
		claimed(t, "1-0", newEvent("a", "click", nil)),
		claimed(t, "2-0", newEvent("b", "click", nil)),
		claimed(t, "3-0", newEvent("c", "purchase", nil)),
	}}
	_, err = h.writer.Write(ctx, batch)
	require.NoError(t, err)

	m := NewMonitor(h.log, h.sink, h.cfg, testTable, testutil.TestLogger(t))
	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.LogDepth)
	assert.Equal(t, int64(2), snap.Pending)
	assert.Equal(t, int64(1), snap.DeadLetterDepth)
	assert.Equal(t, int64(3), snap.SinkTotal)
	assert.Equal(t, int64(3), snap.LastMinute)
	assert.InDelta(t, 3.0/60, snap.Throughput, 1e-9)
	assert.Equal(t, map[string]int64{"click": 2, "purchase": 1}, snap.ByType)

	m.Publish(snap)

	out := Dashboard(snap)
	assert.Contains(t, out, "stream length:      4")
	assert.Contains(t, out, "dead letters:       1")
	assert.Less(t, strings.Index(out, "click"), strings.Index(out, "purchase"), "types sorted by count")
}

func TestMonitorUnknownGroupHasNoPending(t *testing.T) {
	m := NewMonitor(eventlog.NewMemoryLog(), nil, testStreamConfig(), testTable, testutil.TestLogger(t))
	ctx := context.Background()

	n, err := m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	depth, err := m.LogDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	rate, err := m.SinkThroughputWindow(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, rate)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.SinkTotal)
}

func TestMonitorThroughputWindow(t *testing.T) {
	ctx := context.Background()
	s := sink.NewMemorySink()
	old := time.Now().Add(-10 * time.Minute)
	s.SetClock(func() time.Time { return old })
	rows := sink.Rows{Columns: []string{sink.ColumnEventID, sink.ColumnEventType}}
	for _, id := range []string{"o1", "o2"} {
		rows.Values = append(rows.Values, []interface{}{id, "t"})
	}
	_, err := s.BulkUpsert(ctx, testTable, rows, sink.ColumnEventID)
	require.NoError(t, err)

	s.SetClock(time.Now)
	rows.Values = nil
	for i := 0; i < 30; i++ {
		rows.Values = append(rows.Values, []interface{}{fmt.Sprintf("r-%d", i), "t"})
	}
	_, err = s.BulkUpsert(ctx, testTable, rows, sink.ColumnEventID)
	require.NoError(t, err)

	m := NewMonitor(eventlog.NewMemoryLog(), s, testStreamConfig(), testTable, testutil.TestLogger(t))
	rate, err := m.SinkThroughputWindow(ctx, time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rate, 1e-9, "30 recent rows over 60s, old rows excluded")
}

func TestMonitorRunPublishesUntilCancelled(t *testing.T) {
	h := newHarness(t, testStreamConfig())
	h.produce(2, "click")
	m := NewMonitor(h.log, h.sink, h.cfg, testTable, testutil.TestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.Run(ctx, 10*time.Millisecond))
}
