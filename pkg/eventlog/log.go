// Package eventlog defines the durable, consumer-group log that sits between
// producers and workers, and ships three backends for it: Redis Streams for
// networked deployments, an embedded Pebble store for single-node use, and an
// in-memory log for tests and demos.
//
// All backends share the same delivery contract:
//   - Append assigns an opaque id that increases monotonically within a stream.
//   - Claim hands each new entry to exactly one consumer of a group and
//     records it as pending for that consumer.
//   - Ack removes pending records; acking an unknown id is not an error.
//   - ReclaimStale transfers ownership of entries idle for at least minIdle
//     atomically, so two concurrent scans never obtain the same entry.
//   - Touch resets the idle time of entries a consumer still holds. A
//     consumer that keeps touching its entries is never reclaimed from.
//   - Claim returning no entries after its block timeout is the normal idle
//     condition, not an error.
package eventlog

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/nebulastream/pkg/models"
)

// Fields is the flat record a log entry stores.
type Fields = map[string]string

// Entry is one record read from a stream.
type Entry struct {
	ID     string
	Fields Fields
}

// ReclaimedEntry is an entry taken over from a stale consumer.
type ReclaimedEntry struct {
	Entry
	PriorOwner string
	// Deliveries counts deliveries including this one
	Deliveries int64
}

// Log is the durable log contract the engine depends on.
type Log interface {
	Append(ctx context.Context, stream string, fields Fields) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	Claim(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	ReclaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]ReclaimedEntry, error)
	// Touch resets the idle time of the ids consumer still owns and returns
	// them. Ids that were acked or taken by another consumer are left alone
	// and omitted from the result.
	Touch(ctx context.Context, stream, group, consumer string, ids ...string) ([]string, error)
	Depth(ctx context.Context, stream string) (int64, error)
	PendingCount(ctx context.Context, stream, group string) (int64, error)
	Close() error
}

// BatchAppender is implemented by logs that can append several entries in
// one round trip.
type BatchAppender interface {
	AppendBatch(ctx context.Context, stream string, batch []Fields) ([]string, error)
}

// PendingInspector is implemented by logs that can list pending entries.
type PendingInspector interface {
	Pending(ctx context.Context, stream, group string, count int) ([]models.PendingEntry, error)
}

// AppendAll appends batch through BatchAppender when the log supports it and
// one entry at a time otherwise.
func AppendAll(ctx context.Context, l Log, stream string, batch []Fields) ([]string, error) {
	if ba, ok := l.(BatchAppender); ok {
		return ba.AppendBatch(ctx, stream, batch)
	}
	ids := make([]string, 0, len(batch))
	for _, f := range batch {
		id, err := l.Append(ctx, stream, f)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// formatID renders a sequence number in the "<seq>-0" shape Redis uses, so
// ids from every backend look alike in logs and dead letters.
func formatID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

// parseID is the inverse of formatID.
func parseID(id string) (uint64, bool) {
	head, _, _ := strings.Cut(id, "-")
	seq, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
