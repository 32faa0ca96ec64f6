package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/models"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// RedisLog is a Log on Redis Streams. Consumer groups, the pending entries
// list and XCLAIM's min-idle check provide the claim and reclaim semantics.
type RedisLog struct {
	client redis.UniversalClient
	// maxLen trims streams approximately on append when positive
	maxLen int64
}

// NewRedisLog wraps an existing client.
func NewRedisLog(client redis.UniversalClient, maxLen int64) *RedisLog {
	return &RedisLog{client: client, maxLen: maxLen}
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, cfg config.RedisConfig, maxLen int64) (*RedisLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to connect to redis").
			WithDetail("addr", cfg.Addr)
	}
	return NewRedisLog(client, maxLen), nil
}

func (l *RedisLog) addArgs(stream string, fields Fields) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: stream, Values: fieldsToValues(fields)}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	return args
}

// Append implements Log.
func (l *RedisLog) Append(ctx context.Context, stream string, fields Fields) (string, error) {
	id, err := l.client.XAdd(ctx, l.addArgs(stream, fields)).Result()
	if err != nil {
		return "", redisErr(err, "XADD failed", stream)
	}
	return id, nil
}

// AppendBatch implements BatchAppender with one pipelined round trip.
func (l *RedisLog) AppendBatch(ctx context.Context, stream string, batch []Fields) ([]string, error) {
	pipe := l.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(batch))
	for i, f := range batch {
		cmds[i] = pipe.XAdd(ctx, l.addArgs(stream, f))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, redisErr(err, "pipelined XADD failed", stream)
	}
	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.Val()
	}
	return ids, nil
}

// EnsureGroup implements Log. The stream is created if missing and an
// existing group is left untouched.
func (l *RedisLog) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return redisErr(err, "XGROUP CREATE failed", stream)
	}
	return nil
}

// Claim implements Log.
func (l *RedisLog) Claim(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	// Block 0 waits forever in XREADGROUP; a negative value omits BLOCK.
	b := time.Duration(-1)
	if block > 0 {
		b = block
		if b < time.Millisecond {
			b = time.Millisecond
		}
	}
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    b,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, redisErr(err, "XREADGROUP failed", stream).WithDetail("group", group)
	}

	var out []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			out = append(out, Entry{ID: msg.ID, Fields: valuesToFields(msg.Values)})
		}
	}
	return out, nil
}

// Ack implements Log.
func (l *RedisLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return redisErr(err, "XACK failed", stream).WithDetail("group", group)
	}
	return nil
}

// ReclaimStale implements Log. XCLAIM re-checks the idle time server side,
// so an entry another scanner took in the meantime is not returned twice.
func (l *RedisLog) ReclaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]ReclaimedEntry, error) {
	pending, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, redisErr(err, "XPENDING failed", stream).WithDetail("group", group)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	prior := make(map[string]redis.XPendingExt, len(pending))
	ids := make([]string, len(pending))
	for i, p := range pending {
		prior[p.ID] = p
		ids[i] = p.ID
	}

	msgs, err := l.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisErr(err, "XCLAIM failed", stream).WithDetail("group", group)
	}

	out := make([]ReclaimedEntry, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		p := prior[msg.ID]
		out = append(out, ReclaimedEntry{
			Entry:      Entry{ID: msg.ID, Fields: valuesToFields(msg.Values)},
			PriorOwner: p.Consumer,
			Deliveries: p.RetryCount + 1,
		})
	}
	return out, nil
}

// touchScript refreshes the idle time of the entries ARGV[2..] that consumer
// ARGV[1] still owns. XCLAIM with min-idle 0 and JUSTID resets idle without
// counting a delivery; the ownership check and the claim run atomically.
var touchScript = redis.NewScript(`
local owned = {}
for i = 3, #ARGV do
  local p = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[i], ARGV[i], 1)
  if #p > 0 and p[1][2] == ARGV[2] then
    redis.call('XCLAIM', KEYS[1], ARGV[1], ARGV[2], 0, ARGV[i], 'JUSTID')
    owned[#owned + 1] = ARGV[i]
  end
end
return owned
`)

// Touch implements Log.
func (l *RedisLog) Touch(ctx context.Context, stream, group, consumer string, ids ...string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, group, consumer)
	for _, id := range ids {
		args = append(args, id)
	}
	owned, err := touchScript.Run(ctx, l.client, []string{stream}, args...).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisErr(err, "touch failed", stream).WithDetail("group", group)
	}
	return owned, nil
}

// Depth implements Log.
func (l *RedisLog) Depth(ctx context.Context, stream string) (int64, error) {
	n, err := l.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, redisErr(err, "XLEN failed", stream)
	}
	return n, nil
}

// PendingCount implements Log.
func (l *RedisLog) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	res, err := l.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, redisErr(err, "XPENDING failed", stream).WithDetail("group", group)
	}
	return res.Count, nil
}

// Pending implements PendingInspector.
func (l *RedisLog) Pending(ctx context.Context, stream, group string, count int) ([]models.PendingEntry, error) {
	if count <= 0 {
		return nil, nil
	}
	res, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, redisErr(err, "XPENDING failed", stream).WithDetail("group", group)
	}
	out := make([]models.PendingEntry, len(res))
	for i, p := range res {
		out[i] = models.PendingEntry{
			LogEntryID: p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		}
	}
	return out, nil
}

// Close implements Log.
func (l *RedisLog) Close() error {
	return l.client.Close()
}

func redisErr(err error, msg, stream string) *nebulaerrors.Error {
	typ := nebulaerrors.ErrorTypeLog
	switch {
	case strings.Contains(err.Error(), "NOGROUP"):
		typ = nebulaerrors.ErrorTypeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		typ = nebulaerrors.ErrorTypeTimeout
	case isConnErr(err):
		typ = nebulaerrors.ErrorTypeConnection
	}
	return nebulaerrors.Wrap(err, typ, msg).WithDetail("stream", stream)
}

func isConnErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed)
}

func fieldsToValues(f Fields) map[string]interface{} {
	out := make(map[string]interface{}, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func valuesToFields(v map[string]interface{}) Fields {
	out := make(Fields, len(v))
	for k, val := range v {
		switch s := val.(type) {
		case string:
			out[k] = s
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(s)
		}
	}
	return out
}
