package eventlog

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/ajitpratap0/nebulastream/pkg/json"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// PebbleOptions configures the embedded log.
type PebbleOptions struct {
	// Dir is the path to the Pebble database directory
	Dir string
	// Fsync syncs the WAL on every committed batch
	Fsync bool
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// PebbleLog is a single-node durable Log stored in Pebble. Every mutation of
// a stream, its cursors and its pending records commits as one batch; a
// process-wide mutex serialises claims and reclaims so ownership transfer is
// atomic.
type PebbleLog struct {
	db        *pebble.DB
	writeMode *pebble.WriteOptions
	now       func() time.Time

	mu       sync.Mutex
	notifyCh chan struct{}
	closed   bool
}

type pendingRecord struct {
	Consumer    string `json:"c"`
	DeliveredAt int64  `json:"t"`
	Deliveries  int64  `json:"d"`
}

// OpenPebbleLog creates or opens the embedded log at opts.Dir.
func OpenPebbleLog(opts PebbleOptions) (*PebbleLog, error) {
	if opts.Dir == "" {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "pebble dir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, "failed to open pebble").
			WithDetail("dir", opts.Dir)
	}
	wo := pebble.NoSync
	if opts.Fsync {
		wo = pebble.Sync
	}
	return &PebbleLog{
		db:        db,
		writeMode: wo,
		now:       time.Now,
		notifyCh:  make(chan struct{}),
	}, nil
}

func (l *PebbleLog) get(key []byte) ([]byte, bool, error) {
	val, closer, err := l.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (l *PebbleLog) getBE8(key []byte) (uint64, error) {
	v, _, err := l.get(key)
	if err != nil {
		return 0, err
	}
	return decodeBE8(v), nil
}

func logErr(err error, msg, stream string) error {
	return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLog, msg).WithDetail("stream", stream)
}

// Append implements Log.
func (l *PebbleLog) Append(ctx context.Context, stream string, fields Fields) (string, error) {
	ids, err := l.AppendBatch(ctx, stream, []Fields{fields})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch implements BatchAppender. The whole batch commits atomically.
func (l *PebbleLog) AppendBatch(ctx context.Context, stream string, batch []Fields) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errClosed()
	}

	lastSeq, err := l.getBE8(keyMeta(stream))
	if err != nil {
		return nil, logErr(err, "failed to read stream metadata", stream)
	}
	count, err := l.getBE8(keyCount(stream))
	if err != nil {
		return nil, logErr(err, "failed to read stream metadata", stream)
	}

	b := l.db.NewBatch()
	defer b.Close()

	ids := make([]string, len(batch))
	for i, f := range batch {
		val, err := json.Marshal(f)
		if err != nil {
			return nil, logErr(err, "failed to encode entry", stream)
		}
		lastSeq++
		if err := b.Set(keyEntry(stream, lastSeq), val, nil); err != nil {
			return nil, logErr(err, "failed to stage entry", stream)
		}
		ids[i] = formatID(lastSeq)
	}
	if err := b.Set(keyMeta(stream), appendBE8(nil, lastSeq), nil); err != nil {
		return nil, logErr(err, "failed to stage metadata", stream)
	}
	if err := b.Set(keyCount(stream), appendBE8(nil, count+uint64(len(batch))), nil); err != nil {
		return nil, logErr(err, "failed to stage metadata", stream)
	}
	if err := b.Commit(l.writeMode); err != nil {
		return nil, logErr(err, "failed to commit append", stream)
	}

	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return ids, nil
}

// EnsureGroup implements Log. A new group starts at the beginning of the stream.
func (l *PebbleLog) EnsureGroup(_ context.Context, stream, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed()
	}
	_, ok, err := l.get(keyCursor(stream, group))
	if err != nil {
		return logErr(err, "failed to read group cursor", stream)
	}
	if ok {
		return nil
	}
	if err := l.db.Set(keyCursor(stream, group), appendBE8(nil, 0), l.writeMode); err != nil {
		return logErr(err, "failed to create group", stream)
	}
	return nil
}

func (l *PebbleLog) requireGroup(stream, group string) (uint64, error) {
	v, ok, err := l.get(keyCursor(stream, group))
	if err != nil {
		return 0, logErr(err, "failed to read group cursor", stream)
	}
	if !ok {
		return 0, groupNotFound(stream, group)
	}
	return decodeBE8(v), nil
}

// Claim implements Log.
func (l *PebbleLog) Claim(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
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

func (l *PebbleLog) claimOnce(stream, group, consumer string, count int) ([]Entry, <-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, errClosed()
	}
	cursor, err := l.requireGroup(stream, group)
	if err != nil {
		return nil, nil, err
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(stream, cursor+1),
		UpperBound: prefixUpperBound(entryPrefix(stream)),
	})
	if err != nil {
		return nil, nil, logErr(err, "failed to open iterator", stream)
	}
	defer iter.Close()

	b := l.db.NewBatch()
	defer b.Close()

	now := l.now().UnixNano()
	var out []Entry
	for iter.First(); iter.Valid() && len(out) < count; iter.Next() {
		seq := seqFromKey(iter.Key())
		var fields Fields
		if err := json.Unmarshal(iter.Value(), &fields); err != nil {
			return nil, nil, logErr(err, "failed to decode entry", stream)
		}
		rec, _ := json.Marshal(pendingRecord{Consumer: consumer, DeliveredAt: now, Deliveries: 1})
		if err := b.Set(keyPending(stream, group, seq), rec, nil); err != nil {
			return nil, nil, logErr(err, "failed to stage pending record", stream)
		}
		cursor = seq
		out = append(out, Entry{ID: formatID(seq), Fields: fields})
	}
	if err := iter.Error(); err != nil {
		return nil, nil, logErr(err, "failed to scan entries", stream)
	}
	if len(out) == 0 {
		return nil, l.notifyCh, nil
	}

	if err := b.Set(keyCursor(stream, group), appendBE8(nil, cursor), nil); err != nil {
		return nil, nil, logErr(err, "failed to stage cursor", stream)
	}
	if err := b.Commit(l.writeMode); err != nil {
		return nil, nil, logErr(err, "failed to commit claim", stream)
	}
	return out, l.notifyCh, nil
}

// Ack implements Log.
func (l *PebbleLog) Ack(_ context.Context, stream, group string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed()
	}
	if _, err := l.requireGroup(stream, group); err != nil {
		return err
	}

	b := l.db.NewBatch()
	defer b.Close()
	for _, id := range ids {
		seq, ok := parseID(id)
		if !ok {
			continue
		}
		if err := b.Delete(keyPending(stream, group, seq), nil); err != nil {
			return logErr(err, "failed to stage ack", stream)
		}
	}
	if err := b.Commit(l.writeMode); err != nil {
		return logErr(err, "failed to commit ack", stream)
	}
	return nil
}

// ReclaimStale implements Log.
func (l *PebbleLog) ReclaimStale(_ context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]ReclaimedEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errClosed()
	}
	if _, err := l.requireGroup(stream, group); err != nil {
		return nil, err
	}

	prefix := pendingPrefix(stream, group)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, logErr(err, "failed to open iterator", stream)
	}
	defer iter.Close()

	b := l.db.NewBatch()
	defer b.Close()

	now := l.now()
	var out []ReclaimedEntry
	for iter.First(); iter.Valid() && len(out) < count; iter.Next() {
		var rec pendingRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, logErr(err, "failed to decode pending record", stream)
		}
		if now.Sub(time.Unix(0, rec.DeliveredAt)) < minIdle {
			continue
		}
		seq := seqFromKey(iter.Key())
		raw, ok, err := l.get(keyEntry(stream, seq))
		if err != nil {
			return nil, logErr(err, "failed to read entry", stream)
		}
		pkey := append([]byte(nil), iter.Key()...)
		if !ok {
			if err := b.Delete(pkey, nil); err != nil {
				return nil, logErr(err, "failed to stage pending cleanup", stream)
			}
			continue
		}
		var fields Fields
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, logErr(err, "failed to decode entry", stream)
		}

		prior := rec.Consumer
		rec.Consumer = consumer
		rec.DeliveredAt = now.UnixNano()
		rec.Deliveries++
		val, _ := json.Marshal(rec)
		if err := b.Set(pkey, val, nil); err != nil {
			return nil, logErr(err, "failed to stage pending transfer", stream)
		}
		out = append(out, ReclaimedEntry{
			Entry:      Entry{ID: formatID(seq), Fields: fields},
			PriorOwner: prior,
			Deliveries: rec.Deliveries,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, logErr(err, "failed to scan pending records", stream)
	}
	if err := b.Commit(l.writeMode); err != nil {
		return nil, logErr(err, "failed to commit reclaim", stream)
	}
	return out, nil
}

// Touch implements Log.
func (l *PebbleLog) Touch(_ context.Context, stream, group, consumer string, ids ...string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errClosed()
	}
	if _, err := l.requireGroup(stream, group); err != nil {
		return nil, err
	}

	b := l.db.NewBatch()
	defer b.Close()

	now := l.now().UnixNano()
	owned := make([]string, 0, len(ids))
	for _, id := range ids {
		seq, ok := parseID(id)
		if !ok {
			continue
		}
		pkey := keyPending(stream, group, seq)
		raw, ok, err := l.get(pkey)
		if err != nil {
			return nil, logErr(err, "failed to read pending record", stream)
		}
		if !ok {
			continue
		}
		var rec pendingRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, logErr(err, "failed to decode pending record", stream)
		}
		if rec.Consumer != consumer {
			continue
		}
		rec.DeliveredAt = now
		val, _ := json.Marshal(rec)
		if err := b.Set(pkey, val, nil); err != nil {
			return nil, logErr(err, "failed to stage touch", stream)
		}
		owned = append(owned, id)
	}
	if err := b.Commit(l.writeMode); err != nil {
		return nil, logErr(err, "failed to commit touch", stream)
	}
	return owned, nil
}

// Depth implements Log.
func (l *PebbleLog) Depth(_ context.Context, stream string) (int64, error) {
	n, err := l.getBE8(keyCount(stream))
	if err != nil {
		return 0, logErr(err, "failed to read stream metadata", stream)
	}
	return int64(n), nil
}

// PendingCount implements Log.
func (l *PebbleLog) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	var n int64
	err := l.scanPending(stream, group, func(_ uint64, _ pendingRecord) bool {
		n++
		return true
	})
	return n, err
}

// Pending implements PendingInspector.
func (l *PebbleLog) Pending(_ context.Context, stream, group string, count int) ([]models.PendingEntry, error) {
	if count <= 0 {
		return nil, nil
	}
	now := l.now()
	var out []models.PendingEntry
	err := l.scanPending(stream, group, func(seq uint64, rec pendingRecord) bool {
		if len(out) >= count {
			return false
		}
		out = append(out, models.PendingEntry{
			LogEntryID: formatID(seq),
			Consumer:   rec.Consumer,
			Idle:       now.Sub(time.Unix(0, rec.DeliveredAt)),
			Deliveries: rec.Deliveries,
		})
		return len(out) < count
	})
	return out, err
}

func (l *PebbleLog) scanPending(stream, group string, fn func(seq uint64, rec pendingRecord) bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.requireGroup(stream, group); err != nil {
		return err
	}
	prefix := pendingPrefix(stream, group)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return logErr(err, "failed to open iterator", stream)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var rec pendingRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return logErr(err, "failed to decode pending record", stream)
		}
		if !fn(seqFromKey(iter.Key()), rec) {
			break
		}
	}
	return iter.Error()
}

// Close implements Log.
func (l *PebbleLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return l.db.Close()
}
