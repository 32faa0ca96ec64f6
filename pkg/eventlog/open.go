package eventlog

import (
	"context"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// Open builds the backend cfg selects. maxLen only applies to Redis.
func Open(ctx context.Context, cfg config.LogConfig, maxLen int64) (Log, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return DialRedis(ctx, cfg.Redis, maxLen)
	case config.BackendPebble:
		return OpenPebbleLog(PebbleOptions{Dir: cfg.Pebble.Dir, Fsync: cfg.Pebble.Fsync})
	case config.BackendMemory:
		return NewMemoryLog(), nil
	default:
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "unknown log backend %q", cfg.Backend)
	}
}
