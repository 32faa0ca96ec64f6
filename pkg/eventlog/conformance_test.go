package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulastream/pkg/testutil"
)

// harness is one backend under test. advance makes claimed entries idle.
type harness struct {
	log     Log
	stream  string
	advance func(time.Duration)
}

type harnessFactory func(t *testing.T) harness

func memoryHarness(t *testing.T) harness {
	clock := testutil.NewFakeClock(time.Unix(1700000000, 0))
	l := NewMemoryLog(WithClock(clock.Now))
	t.Cleanup(func() { _ = l.Close() })
	return harness{log: l, stream: "events", advance: clock.Advance}
}

func pebbleHarness(t *testing.T) harness {
	l, err := OpenPebbleLog(PebbleOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	clock := testutil.NewFakeClock(time.Unix(1700000000, 0))
	l.now = clock.Now
	t.Cleanup(func() { _ = l.Close() })
	return harness{log: l, stream: "events", advance: clock.Advance}
}

func redisHarness(t *testing.T) harness {
	addr := testutil.RequireEnv(t, "REDIS_ADDR")
	client := redis.NewClient(&redis.Options{Addr: addr})
	stream := "test:" + uuid.NewString()
	t.Cleanup(func() {
		client.Del(context.Background(), stream)
		_ = client.Close()
	})
	return harness{
		log:     NewRedisLog(client, 0),
		stream:  stream,
		advance: func(d time.Duration) { time.Sleep(d) },
	}
}

func TestMemoryLogConformance(t *testing.T) { runConformance(t, memoryHarness) }

func TestPebbleLogConformance(t *testing.T) { runConformance(t, pebbleHarness) }

func TestRedisLogConformance(t *testing.T) { runConformance(t, redisHarness) }

func appendN(t *testing.T, ctx context.Context, l Log, stream string, n int) []string {
	t.Helper()
	batch := make([]Fields, n)
	for i := range batch {
		batch[i] = Fields{"n": fmt.Sprint(i)}
	}
	ids, err := AppendAll(ctx, l, stream, batch)
	require.NoError(t, err)
	require.Len(t, ids, n)
	return ids
}

func runConformance(t *testing.T, newHarness harnessFactory) {
	t.Run("append assigns increasing ids", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		first, err := h.log.Append(ctx, h.stream, Fields{"k": "v"})
		require.NoError(t, err)
		rest := appendN(t, ctx, h.log, h.stream, 3)

		prev := first
		for _, id := range rest {
			assert.True(t, idLess(prev, id), "%s should sort before %s", prev, id)
			prev = id
		}

		depth, err := h.log.Depth(ctx, h.stream)
		require.NoError(t, err)
		assert.Equal(t, int64(4), depth)
	})

	t.Run("depth of unknown stream is zero", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		depth, err := h.log.Depth(ctx, h.stream+":never")
		require.NoError(t, err)
		assert.Zero(t, depth)
	})

	t.Run("claim delivers each entry to one consumer", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g"))
		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g"))
		ids := appendN(t, ctx, h.log, h.stream, 5)

		a, err := h.log.Claim(ctx, h.stream, "g", "a", 3, 0)
		require.NoError(t, err)
		b, err := h.log.Claim(ctx, h.stream, "g", "b", 10, 0)
		require.NoError(t, err)

		require.Len(t, a, 3)
		require.Len(t, b, 2)
		got := append(entryIDs(a), entryIDs(b)...)
		assert.Equal(t, ids, got)
		assert.Equal(t, "0", a[0].Fields["n"])

		pending, err := h.log.PendingCount(ctx, h.stream, "g")
		require.NoError(t, err)
		assert.Equal(t, int64(5), pending)

		more, err := h.log.Claim(ctx, h.stream, "g", "a", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, more)
	})

	t.Run("groups track cursors independently", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g1"))
		appendN(t, ctx, h.log, h.stream, 2)
		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g2"))

		e1, err := h.log.Claim(ctx, h.stream, "g1", "c", 10, 0)
		require.NoError(t, err)
		e2, err := h.log.Claim(ctx, h.stream, "g2", "c", 10, 0)
		require.NoError(t, err)
		assert.Len(t, e1, 2)
		assert.Len(t, e2, 2)
	})

	t.Run("claim times out empty", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g"))
		start := time.Now()
		entries, err := h.log.Claim(ctx, h.stream, "g", "a", 10, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})

	t.Run("blocked claim wakes on append", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g"))
		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = h.log.Append(context.Background(), h.stream, Fields{"late": "1"})
		}()

		entries, err := h.log.Claim(ctx, h.stream, "g", "a", 10, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "1", entries[0].Fields["late"])
	})

	t.Run("cancelled claim returns context error", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.log.EnsureGroup(context.Background(), h.stream, "g"))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()
		_, err := h.log.Claim(ctx, h.stream, "g", "a", 10, 5*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ack removes pending records", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g"))
		appendN(t, ctx, h.log, h.stream, 3)
		entries, err := h.log.Claim(ctx, h.stream, "g", "a", 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)

		require.NoError(t, h.log.Ack(ctx, h.stream, "g", entries[0].ID, entries[2].ID))
		require.NoError(t, h.log.Ack(ctx, h.stream, "g", entries[0].ID))
		require.NoError(t, h.log.Ack(ctx, h.stream, "g"))

		pending, err := h.log.PendingCount(ctx, h.stream, "g")
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending)

		if pi, ok := h.log.(PendingInspector); ok {
			list, err := pi.Pending(ctx, h.stream, "g", 10)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, entries[1].ID, list[0].LogEntryID)
			assert.Equal(t, "a", list[0].Consumer)
			assert.Equal(t, int64(1), list[0].Deliveries)
		}
	})

	t.Run("reclaim skips entries that are not idle", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g"))
		appendN(t, ctx, h.log, h.stream, 2)
		_, err := h.log.Claim(ctx, h.stream, "g", "a", 10, 0)
		require.NoError(t, err)

		got, err := h.log.ReclaimStale(ctx, h.stream, "g", "b", time.Hour, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("concurrent reclaim transfers each entry once", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g"))
		ids := appendN(t, ctx, h.log, h.stream, 20)
		claimed, err := h.log.Claim(ctx, h.stream, "g", "crashed", 20, 0)
		require.NoError(t, err)
		require.Len(t, claimed, 20)

		const minIdle = 100 * time.Millisecond
		h.advance(2 * minIdle)

		var (
			mu  sync.Mutex
			got []ReclaimedEntry
			wg  sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := h.log.ReclaimStale(ctx, h.stream, "g", fmt.Sprintf("rescuer-%d", i), minIdle, 100)
				assert.NoError(t, err)
				mu.Lock()
				got = append(got, r...)
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		seen := make([]string, 0, len(got))
		for _, r := range got {
			assert.Equal(t, "crashed", r.PriorOwner)
			assert.Equal(t, int64(2), r.Deliveries)
			seen = append(seen, r.ID)
		}
		sort.Slice(seen, func(i, j int) bool { return idLess(seen[i], seen[j]) })
		assert.Equal(t, ids, seen)

		pending, err := h.log.PendingCount(ctx, h.stream, "g")
		require.NoError(t, err)
		assert.Equal(t, int64(20), pending)
	})

	t.Run("touch keeps held entries from being reclaimed", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g"))
		appendN(t, ctx, h.log, h.stream, 3)
		entries, err := h.log.Claim(ctx, h.stream, "g", "a", 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		ids := entryIDs(entries)
		require.NoError(t, h.log.Ack(ctx, h.stream, "g", ids[2]))

		const minIdle = 100 * time.Millisecond
		h.advance(2 * minIdle)

		foreign, err := h.log.Touch(ctx, h.stream, "g", "b", ids...)
		require.NoError(t, err)
		assert.Empty(t, foreign)

		owned, err := h.log.Touch(ctx, h.stream, "g", "a", ids...)
		require.NoError(t, err)
		assert.Equal(t, ids[:2], owned)

		got, err := h.log.ReclaimStale(ctx, h.stream, "g", "b", minIdle, 10)
		require.NoError(t, err)
		assert.Empty(t, got)

		if pi, ok := h.log.(PendingInspector); ok {
			list, err := pi.Pending(ctx, h.stream, "g", 10)
			require.NoError(t, err)
			require.Len(t, list, 2)
			for _, p := range list {
				assert.Equal(t, "a", p.Consumer)
				assert.Equal(t, int64(1), p.Deliveries)
			}
		}
	})

	t.Run("touch after reclaim reports lost ownership", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g"))
		appendN(t, ctx, h.log, h.stream, 2)
		entries, err := h.log.Claim(ctx, h.stream, "g", "a", 10, 0)
		require.NoError(t, err)

		h.advance(200 * time.Millisecond)
		got, err := h.log.ReclaimStale(ctx, h.stream, "g", "b", 100*time.Millisecond, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)

		owned, err := h.log.Touch(ctx, h.stream, "g", "a", entryIDs(entries)...)
		require.NoError(t, err)
		assert.Empty(t, owned)
	})

	t.Run("pending with non-positive count is empty", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		pi, ok := h.log.(PendingInspector)
		if !ok {
			t.Skip("log does not list pending entries")
		}
		require.NoError(t, h.log.EnsureGroup(ctx, h.stream, "g"))
		appendN(t, ctx, h.log, h.stream, 3)
		_, err := h.log.Claim(ctx, h.stream, "g", "a", 10, 0)
		require.NoError(t, err)

		for _, count := range []int{0, -1} {
			list, err := pi.Pending(ctx, h.stream, "g", count)
			require.NoError(t, err)
			assert.Empty(t, list, "count %d", count)
		}
	})

	t.Run("unknown group is not found", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := testutil.TestContext(t)
		defer cancel()

		appendN(t, ctx, h.log, h.stream, 1)
		_, err := h.log.PendingCount(ctx, h.stream, "missing")
		require.Error(t, err)
		assert.True(t, nebulaerrors.HasType(err, nebulaerrors.ErrorTypeNotFound))
	})
}

// idLess orders "<ms>-<seq>" ids the way the log assigns them.
func idLess(a, b string) bool {
	var am, as, bm, bs uint64
	_, _ = fmt.Sscanf(a, "%d-%d", &am, &as)
	_, _ = fmt.Sscanf(b, "%d-%d", &bm, &bs)
	if am != bm {
		return am < bm
	}
	return as < bs
}

func entryIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func TestPebbleLogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	l, err := OpenPebbleLog(PebbleOptions{Dir: dir, Fsync: true})
	require.NoError(t, err)
	require.NoError(t, l.EnsureGroup(ctx, "events", "g"))
	ids := appendN(t, ctx, l, "events", 4)
	claimed, err := l.Claim(ctx, "events", "g", "a", 2, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, l.Close())

	l, err = OpenPebbleLog(PebbleOptions{Dir: dir})
	require.NoError(t, err)
	defer l.Close()

	depth, err := l.Depth(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, int64(4), depth)

	pending, err := l.PendingCount(ctx, "events", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	rest, err := l.Claim(ctx, "events", "g", "b", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, ids[2:], entryIDs(rest))

	next, err := l.Append(ctx, "events", Fields{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, formatID(5), next)
}

func TestClosedLogRejectsOperations(t *testing.T) {
	l := NewMemoryLog()
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Append(context.Background(), "events", Fields{})
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeLog))
}
