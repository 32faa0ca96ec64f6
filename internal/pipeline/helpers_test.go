package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/eventlog"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/sink"
	"github.com/ajitpratap0/nebulastream/pkg/testutil"
)

const (
	testStream  = "events"
	testGroup   = "processors"
	testDLQ     = "events:dead"
	testTable   = "events"
	testArchive = "dead_letter_queue"
)

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		Stream:              testStream,
		Group:               testGroup,
		ConsumerPrefix:      "consumer",
		DeadLetterStream:    testDLQ,
		ReplayGroup:         "replayers",
		Workers:             1,
		BatchMaxSize:        100,
		BatchMaxAge:         200 * time.Millisecond,
		ReadCount:           50,
		BlockTimeout:        50 * time.Millisecond,
		MaxBatchRetries:     3,
		RetryBackoffBase:    time.Millisecond,
		RetryBackoffCap:     5 * time.Millisecond,
		OnRetryExhausted:    config.ExhaustDeadLetter,
		StaleClaimThreshold: time.Minute,
		ReclaimInterval:     time.Minute,
		AppendTimeout:       time.Second,
		MaxPayloadBytes:     1 << 20,
		ShutdownTimeout:     2 * time.Second,
	}
}

func testSinkConfig() config.SinkConfig {
	return config.SinkConfig{
		Driver:          config.DriverMemory,
		Table:           testTable,
		DeadLetterTable: testArchive,
		WriteTimeout:    time.Second,
	}
}

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Log.Backend = config.BackendMemory
	cfg.Sink = testSinkConfig()
	cfg.Stream = testStreamConfig()
	cfg.Observability.MonitorInterval = 0
	return cfg
}

// harness wires one worker's collaborators over in-memory backends.
type harness struct {
	t        *testing.T
	cfg      config.StreamConfig
	log      *eventlog.MemoryLog
	sink     *sink.MemorySink
	producer *Producer
	writer   *SinkWriter
	router   *DeadLetterRouter
}

func newHarness(t *testing.T, cfg config.StreamConfig, logOpts ...eventlog.MemoryOption) *harness {
	t.Helper()
	zl := testutil.TestLogger(t)
	log := eventlog.NewMemoryLog(logOpts...)
	s := sink.NewMemorySink()
	ctx := context.Background()
	require.NoError(t, log.EnsureGroup(ctx, cfg.Stream, cfg.Group))

	return &harness{
		t:   t,
		cfg: cfg,
		log: log,
		sink: s,
		producer: NewProducer(log, ProducerConfig{
			Stream:          cfg.Stream,
			AppendTimeout:   cfg.AppendTimeout,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
		}, zl),
		writer: NewSinkWriter(s, testSinkConfig(), zl),
		router: NewDeadLetterRouter(log, cfg.DeadLetterStream, zl, WithAppendTimeout(cfg.AppendTimeout)),
	}
}

func (h *harness) newWorker(opts ...WorkerOption) *Worker {
	return NewWorker(h.log, h.writer, h.router, h.cfg, testutil.TestLogger(h.t), opts...)
}

// produce appends n events of eventType and returns their ids in order.
func (h *harness) produce(n int, eventType string) []string {
	h.t.Helper()
	events := make([]*models.Event, n)
	for i := range events {
		events[i] = models.NewEvent(eventType, map[string]interface{}{"seq": i, "source": "test"})
	}
	ids, err := h.producer.ProduceBatch(context.Background(), events)
	require.NoError(h.t, err)
	return ids
}

func (h *harness) pending() int64 {
	n, err := h.log.PendingCount(context.Background(), h.cfg.Stream, h.cfg.Group)
	require.NoError(h.t, err)
	return n
}

func (h *harness) dlDepth() int64 {
	n, err := h.log.Depth(context.Background(), h.cfg.DeadLetterStream)
	require.NoError(h.t, err)
	return n
}

func (h *harness) written() int {
	return len(h.sink.Keys(testTable))
}

// deadLetters reads the whole dead-letter stream through a private group.
func (h *harness) deadLetters() []*models.DeadLetterEntry {
	h.t.Helper()
	return readDeadLetters(h.t, h.log, h.cfg.DeadLetterStream)
}

func readDeadLetters(t *testing.T, log eventlog.Log, stream string) []*models.DeadLetterEntry {
	t.Helper()
	ctx := context.Background()
	group := fmt.Sprintf("inspect-%d", time.Now().UnixNano())
	require.NoError(t, log.EnsureGroup(ctx, stream, group))

	var out []*models.DeadLetterEntry
	for {
		entries, err := log.Claim(ctx, stream, group, "inspector", 500, 0)
		require.NoError(t, err)
		if len(entries) == 0 {
			return out
		}
		for _, e := range entries {
			dl, err := models.DeadLetterFromFields(e.ID, e.Fields)
			require.NoError(t, err)
			out = append(out, dl)
		}
	}
}

// running is a worker started by runWorker.
type running struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// stop cancels the worker and returns its Run error.
func (r *running) stop() error {
	r.cancel()
	select {
	case <-r.done:
		return r.err
	case <-time.After(10 * time.Second):
		return errors.New("worker did not stop")
	}
}

// runWorker starts w; the worker is stopped when the test ends.
func runWorker(t *testing.T, w *Worker) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan struct{})}
	go func() {
		r.err = w.Run(ctx)
		close(r.done)
	}()
	t.Cleanup(func() { _ = r.stop() })
	return r
}

// claimed builds a claimed entry the way a worker would see ev.
func claimed(t *testing.T, id string, ev *models.Event) models.ClaimedEntry {
	t.Helper()
	fields, err := ev.Fields()
	require.NoError(t, err)
	return models.NewClaimedEntry(id, fields)
}

// failingLog fails every append and passes everything else through.
type failingLog struct {
	eventlog.Log
	err error
}

func (f *failingLog) Append(context.Context, string, eventlog.Fields) (string, error) {
	return "", f.err
}

// streamFailingLog fails appends to one stream only.
type streamFailingLog struct {
	eventlog.Log
	stream string
}

func (f *streamFailingLog) Append(ctx context.Context, stream string, fields eventlog.Fields) (string, error) {
	if stream == f.stream {
		return "", errors.New("dead letter stream unavailable")
	}
	return f.Log.Append(ctx, stream, fields)
}

// blockingLog never completes an append before its context ends.
type blockingLog struct {
	eventlog.Log
}

func (b *blockingLog) Append(ctx context.Context, _ string, _ eventlog.Fields) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// hangingAckLog never completes an ack before its context ends.
type hangingAckLog struct {
	eventlog.Log
}

func (h *hangingAckLog) Ack(ctx context.Context, _, _ string, _ ...string) error {
	<-ctx.Done()
	return ctx.Err()
}
