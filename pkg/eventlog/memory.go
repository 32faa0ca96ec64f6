package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// MemoryLog is an in-process Log with the same delivery semantics as the
// durable backends. Nothing survives a restart.
type MemoryLog struct {
	mu       sync.Mutex
	streams  map[string]*memStream
	notifyCh chan struct{}
	now      func() time.Time
	closed   bool
}

type memStream struct {
	lastSeq uint64
	entries []memEntry
	groups  map[string]*memGroup
}

type memEntry struct {
	seq    uint64
	fields Fields
}

type memGroup struct {
	lastDelivered uint64
	pending       map[uint64]*memPending
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

// MemoryOption configures a MemoryLog.
type MemoryOption func(*MemoryLog)

// WithClock overrides the clock used for idle times.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLog) { l.now = now }
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog(opts ...MemoryOption) *MemoryLog {
	l := &MemoryLog{
		streams:  make(map[string]*memStream),
		notifyCh: make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLog) stream(name string) *memStream {
	s, ok := l.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		l.streams[name] = s
	}
	return s
}

func (l *MemoryLog) group(stream, group string) (*memStream, *memGroup, error) {
	s, ok := l.streams[stream]
	if !ok {
		return nil, nil, groupNotFound(stream, group)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, groupNotFound(stream, group)
	}
	return s, g, nil
}

func groupNotFound(stream, group string) error {
	return nebulaerrors.New(nebulaerrors.ErrorTypeNotFound, "consumer group does not exist").
		WithDetail("stream", stream).
		WithDetail("group", group)
}

func errClosed() error {
	return nebulaerrors.New(nebulaerrors.ErrorTypeLog, "log is closed")
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, stream string, fields Fields) (string, error) {
	ids, err := l.AppendBatch(ctx, stream, []Fields{fields})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch implements BatchAppender.
func (l *MemoryLog) AppendBatch(ctx context.Context, stream string, batch []Fields) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errClosed()
	}

	s := l.stream(stream)
	ids := make([]string, len(batch))
	for i, f := range batch {
		s.lastSeq++
		s.entries = append(s.entries, memEntry{seq: s.lastSeq, fields: copyFields(f)})
		ids[i] = formatID(s.lastSeq)
	}
	l.notifyLocked()
	return ids, nil
}

func (l *MemoryLog) notifyLocked() {
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
}

// EnsureGroup implements Log. The group starts at the beginning of the stream.
func (l *MemoryLog) EnsureGroup(_ context.Context, stream, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed()
	}
	s := l.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[uint64]*memPending)}
	}
	return nil
}

// Claim implements Log.
func (l *MemoryLog) Claim(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		entries, wait, err := l.claimOnce(stream, group, consumer, count)
		if err != nil || len(entries) > 0 || block <= 0 {
			return entries, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

func (l *MemoryLog) claimOnce(stream, group, consumer string, count int) ([]Entry, <-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, errClosed()
	}
	s, g, err := l.group(stream, group)
	if err != nil {
		return nil, nil, err
	}

	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].seq > g.lastDelivered })
	now := l.now()
	var out []Entry
	for i := start; i < len(s.entries) && len(out) < count; i++ {
		e := s.entries[i]
		g.pending[e.seq] = &memPending{consumer: consumer, deliveredAt: now, deliveries: 1}
		g.lastDelivered = e.seq
		out = append(out, Entry{ID: formatID(e.seq), Fields: copyFields(e.fields)})
	}
	return out, l.notifyCh, nil
}

// Ack implements Log.
func (l *MemoryLog) Ack(_ context.Context, stream, group string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed()
	}
	_, g, err := l.group(stream, group)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if seq, ok := parseID(id); ok {
			delete(g.pending, seq)
		}
	}
	return nil
}

// ReclaimStale implements Log. The scan and transfer happen under one lock.
func (l *MemoryLog) ReclaimStale(_ context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]ReclaimedEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errClosed()
	}
	s, g, err := l.group(stream, group)
	if err != nil {
		return nil, err
	}

	seqs := make([]uint64, 0, len(g.pending))
	for seq := range g.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	now := l.now()
	var out []ReclaimedEntry
	for _, seq := range seqs {
		if len(out) >= count {
			break
		}
		p := g.pending[seq]
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		fields, ok := s.lookup(seq)
		if !ok {
			delete(g.pending, seq)
			continue
		}
		prior := p.consumer
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, ReclaimedEntry{
			Entry:      Entry{ID: formatID(seq), Fields: copyFields(fields)},
			PriorOwner: prior,
			Deliveries: p.deliveries,
		})
	}
	return out, nil
}

// Touch implements Log.
func (l *MemoryLog) Touch(_ context.Context, stream, group, consumer string, ids ...string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errClosed()
	}
	_, g, err := l.group(stream, group)
	if err != nil {
		return nil, err
	}
	now := l.now()
	owned := make([]string, 0, len(ids))
	for _, id := range ids {
		seq, ok := parseID(id)
		if !ok {
			continue
		}
		if p, ok := g.pending[seq]; ok && p.consumer == consumer {
			p.deliveredAt = now
			owned = append(owned, id)
		}
	}
	return owned, nil
}

func (s *memStream) lookup(seq uint64) (Fields, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].seq >= seq })
	if i < len(s.entries) && s.entries[i].seq == seq {
		return s.entries[i].fields, true
	}
	return nil, false
}

// Depth implements Log. A stream that was never written has depth 0.
func (l *MemoryLog) Depth(_ context.Context, stream string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.streams[stream]; ok {
		return int64(len(s.entries)), nil
	}
	return 0, nil
}

// PendingCount implements Log.
func (l *MemoryLog) PendingCount(_ context.Context, stream, group string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, g, err := l.group(stream, group)
	if err != nil {
		return 0, err
	}
	return int64(len(g.pending)), nil
}

// Pending implements PendingInspector.
func (l *MemoryLog) Pending(_ context.Context, stream, group string, count int) ([]models.PendingEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, g, err := l.group(stream, group)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}
	seqs := make([]uint64, 0, len(g.pending))
	for seq := range g.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) > count {
		seqs = seqs[:count]
	}

	now := l.now()
	out := make([]models.PendingEntry, len(seqs))
	for i, seq := range seqs {
		p := g.pending[seq]
		out[i] = models.PendingEntry{
			LogEntryID: formatID(seq),
			Consumer:   p.consumer,
			Idle:       now.Sub(p.deliveredAt),
			Deliveries: p.deliveries,
		}
	}
	return out, nil
}

// Close implements Log.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.notifyLocked()
	}
	return nil
}

func copyFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
