package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
	"github.com/ajitpratap0/nebulastream/pkg/testutil"
)

const eventually = 5 * time.Second

func TestWorkerDrainsStream(t *testing.T) {
	h := newHarness(t, testStreamConfig())
	ids := h.produce(250, "click")

	w := h.newWorker()
	assert.True(t, strings.HasPrefix(w.ID(), "consumer-"))
	rw := runWorker(t, w)

	testutil.AssertEventually(t, func() bool {
		return h.written() == 250 && h.pending() == 0
	}, eventually, "all events written and acked")

	require.NoError(t, rw.stop())
	assert.Equal(t, StateStopped, w.State())
	assert.ElementsMatch(t, ids, h.sink.Keys(testTable))
	assert.Zero(t, h.dlDepth())
}

func TestWorkerPermanentFailureDeadLettersWithoutRetry(t *testing.T) {
	h := newHarness(t, testStreamConfig())
	h.sink.SetFault(func(int, string, sink.Rows) error {
		return sink.Permanent(errors.New("check constraint violated"), "rejected by sink")
	})
	ids := h.produce(5, "order")

	rw := runWorker(t, h.newWorker())
	testutil.AssertEventually(t, func() bool {
		return h.dlDepth() == 5 && h.pending() == 0
	}, eventually, "batch dead-lettered and acked")
	require.NoError(t, rw.stop())

	assert.Equal(t, 1, h.sink.Calls(), "permanent errors are not retried")
	dls := h.deadLetters()
	require.Len(t, dls, 5)
	got := make([]string, len(dls))
	for i, dl := range dls {
		got[i] = dl.Event.EventID
		assert.Equal(t, 0, dl.RetryCount)
		assert.Contains(t, dl.ErrorMessage, "check constraint violated")
		assert.NotEmpty(t, dl.Worker)
	}
	assert.ElementsMatch(t, ids, got)
	assert.Zero(t, h.written())
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, testStreamConfig())
	h.sink.SetFault(func(call int, _ string, _ sink.Rows) error {
		if call <= 2 {
			return sink.Transient(errors.New("too many connections"), "busy")
		}
		return nil
	})
	h.produce(5, "order")

	rw := runWorker(t, h.newWorker())
	testutil.AssertEventually(t, func() bool {
		return h.written() == 5 && h.pending() == 0
	}, eventually, "batch written after retries")
	require.NoError(t, rw.stop())

	assert.Equal(t, 3, h.sink.Calls())
	assert.Zero(t, h.dlDepth())
}

func TestWorkerRetryExhaustionDeadLetters(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxBatchRetries = 2
	h := newHarness(t, cfg)
	h.sink.SetFault(func(int, string, sink.Rows) error {
		return errors.New("connection refused")
	})
	h.produce(4, "order")

	rw := runWorker(t, h.newWorker())
	testutil.AssertEventually(t, func() bool {
		return h.dlDepth() == 4 && h.pending() == 0
	}, eventually, "exhausted batch dead-lettered")
	require.NoError(t, rw.stop())

	assert.Equal(t, 3, h.sink.Calls(), "first attempt plus two retries")
	for _, dl := range h.deadLetters() {
		assert.Equal(t, 2, dl.RetryCount)
	}
}

func TestWorkerRetryExhaustionHold(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxBatchRetries = 2
	cfg.OnRetryExhausted = config.ExhaustHold
	h := newHarness(t, cfg)
	h.sink.SetFault(func(int, string, sink.Rows) error {
		return errors.New("connection refused")
	})
	h.produce(4, "order")

	rw := runWorker(t, h.newWorker())
	testutil.AssertEventually(t, func() bool {
		return h.sink.Calls() >= 3
	}, eventually, "retries exhausted")
	require.NoError(t, rw.stop())

	assert.Zero(t, h.dlDepth())
	assert.Equal(t, int64(4), h.pending(), "held entries stay pending for reclaim")
}

func TestWorkerDeadLetterAppendFailureIsFatal(t *testing.T) {
	h := newHarness(t, testStreamConfig())
	h.router = NewDeadLetterRouter(&failingLog{Log: h.log, err: errors.New("dead letter stream unavailable")},
		testDLQ, testutil.TestLogger(t))
	h.sink.SetFault(func(int, string, sink.Rows) error {
		return sink.Permanent(errors.New("bad row"), "rejected")
	})
	h.produce(3, "order")

	w := h.newWorker()
	rw := runWorker(t, w)

	select {
	case <-rw.done:
		require.Error(t, rw.err)
		assert.True(t, nebulaerrors.HasType(rw.err, nebulaerrors.ErrorTypeDeadLetterAppend))
	case <-time.After(eventually):
		t.Fatal("worker did not halt")
	}
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, int64(3), h.pending(), "nothing is acked when routing fails")
}

func TestWorkerIsolatesMalformedEntries(t *testing.T) {
	h := newHarness(t, testStreamConfig())
	h.produce(3, "order")
	_, err := h.log.Append(context.Background(), testStream, eventlog.Fields{"event_id": "junk", "payload": "{"})
	require.NoError(t, err)

	rw := runWorker(t, h.newWorker())
	testutil.AssertEventually(t, func() bool {
		return h.written() == 3 && h.dlDepth() == 1 && h.pending() == 0
	}, eventually, "valid events written, malformed one dead-lettered")
	require.NoError(t, rw.stop())

	dls := h.deadLetters()
	require.Len(t, dls, 1)
	assert.Nil(t, dls[0].Event)
	assert.Equal(t, "junk", dls[0].Raw["event_id"])
	assert.Contains(t, dls[0].ErrorMessage, "event_type")
}

func TestWorkerReclaimsStaleEntries(t *testing.T) {
	clock := testutil.NewFakeClock(time.Now())
	cfg := testStreamConfig()
	h := newHarness(t, cfg, eventlog.WithClock(clock.Now))
	ids := h.produce(5, "order")

	// a consumer that claims and then disappears
	ctx := context.Background()
	entries, err := h.log.Claim(ctx, testStream, testGroup, "consumer-crashed", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	clock.Advance(cfg.StaleClaimThreshold + time.Second)

	rw := runWorker(t, h.newWorker())
	testutil.AssertEventually(t, func() bool {
		return h.written() == 5 && h.pending() == 0
	}, eventually, "stale entries reclaimed and written")
	require.NoError(t, rw.stop())
	assert.ElementsMatch(t, ids, h.sink.Keys(testTable))
}

func TestWorkerLeavesFreshClaimsAlone(t *testing.T) {
	clock := testutil.NewFakeClock(time.Now())
	h := newHarness(t, testStreamConfig(), eventlog.WithClock(clock.Now))
	h.produce(3, "order")

	_, err := h.log.Claim(context.Background(), testStream, testGroup, "consumer-busy", 10, 0)
	require.NoError(t, err)

	w := h.newWorker()
	rw := runWorker(t, w)
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, rw.stop())

	assert.Zero(t, h.written())
	pending, err := h.log.Pending(context.Background(), testStream, testGroup, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, p := range pending {
		assert.Equal(t, "consumer-busy", p.Consumer)
	}
}

func TestWorkerKeepsBatchThroughSlowRetries(t *testing.T) {
	cfg := testStreamConfig()
	cfg.BatchMaxAge = 20 * time.Millisecond
	cfg.MaxBatchRetries = 5
	cfg.StaleClaimThreshold = 150 * time.Millisecond
	cfg.ReclaimInterval = 20 * time.Millisecond
	h := newHarness(t, cfg)
	// every attempt takes 40ms, so the whole flush outlives the stale threshold
	h.sink.SetFault(func(int, string, sink.Rows) error {
		time.Sleep(40 * time.Millisecond)
		return sink.Transient(errors.New("lock wait timeout"), "busy")
	})
	ids := h.produce(5, "order")

	first := runWorker(t, h.newWorker())
	second := runWorker(t, h.newWorker())
	testutil.AssertEventually(t, func() bool {
		return h.dlDepth() >= 5 && h.pending() == 0
	}, eventually, "exhausted batch dead-lettered")
	// leave room for a competing reclaim to surface
	time.Sleep(3 * cfg.StaleClaimThreshold)
	require.NoError(t, first.stop())
	require.NoError(t, second.stop())

	dls := h.deadLetters()
	require.Len(t, dls, 5, "each event dead-lettered once")
	got := make([]string, len(dls))
	for i, dl := range dls {
		got[i] = dl.Event.EventID
		assert.Equal(t, 5, dl.RetryCount)
	}
	assert.ElementsMatch(t, ids, got)
	assert.Zero(t, h.pending())
}

func TestWorkerDropsEntriesTakenByAnotherConsumer(t *testing.T) {
	h := newHarness(t, testStreamConfig())
	h.produce(4, "order")
	ctx := context.Background()
	entries, err := h.log.Claim(ctx, testStream, testGroup, "consumer-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	w := h.newWorker(WithWorkerID("consumer-a"))
	for _, e := range entries {
		w.acc.Add(models.NewClaimedEntry(e.ID, e.Fields))
	}
	// consumer-b takes over the first two while consumer-a still batches them
	stolen, err := h.log.ReclaimStale(ctx, testStream, testGroup, "consumer-b", 0, 2)
	require.NoError(t, err)
	require.Len(t, stolen, 2)

	require.NoError(t, w.flush(ctx))

	assert.ElementsMatch(t, []string{entries[2].Fields[models.FieldEventID], entries[3].Fields[models.FieldEventID]}, h.sink.Keys(testTable))
	pending, err := h.log.Pending(ctx, testStream, testGroup, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, p := range pending {
		assert.Equal(t, "consumer-b", p.Consumer)
	}
}

func TestWorkerAckIsBounded(t *testing.T) {
	cfg := testStreamConfig()
	cfg.AppendTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.produce(3, "order")

	w := NewWorker(&hangingAckLog{Log: h.log}, h.writer, h.router, cfg, testutil.TestLogger(t))
	rw := runWorker(t, w)
	testutil.AssertEventually(t, func() bool {
		return h.written() == 3
	}, eventually, "first batch written")

	// a worker stuck in the first ack would never write the second batch
	h.produce(3, "order")
	testutil.AssertEventually(t, func() bool {
		return h.written() == 6
	}, eventually, "second batch written after the ack timed out")
	require.NoError(t, rw.stop())
	assert.Equal(t, int64(6), h.pending(), "unacked entries stay pending")
}

func TestWorkerFlushesOpenBatchOnShutdown(t *testing.T) {
	cfg := testStreamConfig()
	cfg.BatchMaxAge = time.Hour
	cfg.StaleClaimThreshold = 2 * time.Hour
	h := newHarness(t, cfg)
	h.produce(10, "order")

	rw := runWorker(t, h.newWorker())
	testutil.AssertEventually(t, func() bool {
		return h.pending() == 10
	}, eventually, "entries claimed into the open batch")
	assert.Zero(t, h.written(), "batch is neither full nor old")

	require.NoError(t, rw.stop())
	assert.Equal(t, 10, h.written())
	assert.Zero(t, h.pending())
}

func TestWorkerStopsIdle(t *testing.T) {
	h := newHarness(t, testStreamConfig())
	w := h.newWorker()
	rw := runWorker(t, w)

	testutil.AssertEventually(t, func() bool {
		s := w.State()
		return s == StateClaiming || s == StateIdle
	}, eventually, "worker polling")
	require.NoError(t, rw.stop())
	assert.Equal(t, StateStopped, w.State())
	assert.Zero(t, h.sink.Calls())
}
