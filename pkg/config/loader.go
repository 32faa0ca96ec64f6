package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces the structured environment overrides, e.g.
// NEBULASTREAM_STREAM_WORKERS overrides stream.workers.
const EnvPrefix = "NEBULASTREAM"

// Load loads a configuration from a YAML file
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadConfig builds the effective configuration: defaults, then the YAML
// file at filePath (if non-empty), then environment overrides. The result is
// validated.
func LoadConfig(filePath string) (*Config, error) {
	cfg := NewConfig()
	if filePath != "" {
		if err := Load(filePath, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, newEnvViper()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envBinding ties a config key to the environment variables that may set it.
// The first name is the structured NEBULASTREAM_ form; later names are the
// short names operators already export for the Redis and PostgreSQL
// containers.
type envBinding struct {
	key   string
	names []string
	apply func(cfg *Config, v *viper.Viper, key string) error
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, b := range envBindings {
		args := append([]string{b.key}, b.names...)
		_ = v.BindEnv(args...)
	}
	return v
}

func structured(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
}

func bind(key string, apply func(cfg *Config, v *viper.Viper, key string) error, legacy ...string) envBinding {
	return envBinding{key: key, names: append([]string{structured(key)}, legacy...), apply: apply}
}

var envBindings = []envBinding{
	bind("log.backend", func(c *Config, v *viper.Viper, k string) error { c.Log.Backend = v.GetString(k); return nil }, "LOG_BACKEND"),
	bind("log.redis.addr", func(c *Config, v *viper.Viper, k string) error { c.Log.Redis.Addr = v.GetString(k); return nil }, "REDIS_ADDR"),
	bind("log.redis.host", func(c *Config, v *viper.Viper, k string) error {
		c.Log.Redis.Addr = replaceHost(c.Log.Redis.Addr, v.GetString(k))
		return nil
	}, "REDIS_HOST"),
	bind("log.redis.port", func(c *Config, v *viper.Viper, k string) error {
		c.Log.Redis.Addr = replacePort(c.Log.Redis.Addr, v.GetString(k))
		return nil
	}, "REDIS_PORT"),
	bind("log.redis.db", intSetter(func(c *Config) *int { return &c.Log.Redis.DB }), "REDIS_DB"),
	bind("log.redis.password", func(c *Config, v *viper.Viper, k string) error { c.Log.Redis.Password = v.GetString(k); return nil }, "REDIS_PASSWORD"),
	bind("log.pebble.dir", func(c *Config, v *viper.Viper, k string) error { c.Log.Pebble.Dir = v.GetString(k); return nil }, "PEBBLE_DIR"),

	bind("sink.driver", func(c *Config, v *viper.Viper, k string) error { c.Sink.Driver = v.GetString(k); return nil }, "SINK_DRIVER"),
	bind("sink.dsn", func(c *Config, v *viper.Viper, k string) error { c.Sink.DSN = v.GetString(k); return nil }, "DATABASE_URL"),
	bind("sink.host", func(c *Config, v *viper.Viper, k string) error { c.Sink.Host = v.GetString(k); return nil }, "POSTGRES_HOST"),
	bind("sink.port", intSetter(func(c *Config) *int { return &c.Sink.Port }), "POSTGRES_PORT"),
	bind("sink.database", func(c *Config, v *viper.Viper, k string) error { c.Sink.Database = v.GetString(k); return nil }, "POSTGRES_DB"),
	bind("sink.user", func(c *Config, v *viper.Viper, k string) error { c.Sink.User = v.GetString(k); return nil }, "POSTGRES_USER"),
	bind("sink.password", func(c *Config, v *viper.Viper, k string) error { c.Sink.Password = v.GetString(k); return nil }, "POSTGRES_PASSWORD"),
	bind("sink.table", func(c *Config, v *viper.Viper, k string) error { c.Sink.Table = v.GetString(k); return nil }),
	bind("sink.archive_dead_letters", func(c *Config, v *viper.Viper, k string) error {
		c.Sink.ArchiveDeadLetters = v.GetBool(k)
		return nil
	}),

	bind("stream.stream", func(c *Config, v *viper.Viper, k string) error { c.Stream.Stream = v.GetString(k); return nil }, "STREAM_NAME"),
	bind("stream.group", func(c *Config, v *viper.Viper, k string) error { c.Stream.Group = v.GetString(k); return nil }, "CONSUMER_GROUP"),
	bind("stream.consumer_prefix", func(c *Config, v *viper.Viper, k string) error {
		c.Stream.ConsumerPrefix = v.GetString(k)
		return nil
	}, "CONSUMER_NAME"),
	bind("stream.dead_letter_stream", func(c *Config, v *viper.Viper, k string) error {
		c.Stream.DeadLetterStream = v.GetString(k)
		return nil
	}, "DLQ_STREAM_NAME"),
	bind("stream.workers", intSetter(func(c *Config) *int { return &c.Stream.Workers }), "NUM_WORKERS"),
	bind("stream.batch_max_size", intSetter(func(c *Config) *int { return &c.Stream.BatchMaxSize }), "BATCH_SIZE"),
	bind("stream.batch_max_age", durationSetter(time.Second, func(c *Config) *time.Duration { return &c.Stream.BatchMaxAge }), "BATCH_TIMEOUT_SECONDS"),
	bind("stream.read_count", intSetter(func(c *Config) *int { return &c.Stream.ReadCount }), "XREAD_COUNT"),
	bind("stream.block_timeout", durationSetter(time.Millisecond, func(c *Config) *time.Duration { return &c.Stream.BlockTimeout }), "XREAD_BLOCK_MS"),
	bind("stream.max_batch_retries", intSetter(func(c *Config) *int { return &c.Stream.MaxBatchRetries }), "MAX_BATCH_RETRIES"),
	bind("stream.on_retry_exhausted", func(c *Config, v *viper.Viper, k string) error {
		c.Stream.OnRetryExhausted = v.GetString(k)
		return nil
	}),
	bind("stream.stale_claim_threshold", durationSetter(time.Second, func(c *Config) *time.Duration { return &c.Stream.StaleClaimThreshold })),
	bind("stream.reclaim_interval", durationSetter(time.Second, func(c *Config) *time.Duration { return &c.Stream.ReclaimInterval })),

	bind("observability.log_level", func(c *Config, v *viper.Viper, k string) error {
		c.Observability.LogLevel = v.GetString(k)
		return nil
	}, "LOG_LEVEL"),
	bind("observability.metrics_addr", func(c *Config, v *viper.Viper, k string) error {
		c.Observability.MetricsAddr = v.GetString(k)
		return nil
	}, "METRICS_ADDR"),
}

// ApplyEnv overlays every bound environment variable that is set onto cfg.
func ApplyEnv(cfg *Config, v *viper.Viper) error {
	for _, b := range envBindings {
		if !v.IsSet(b.key) {
			continue
		}
		if err := b.apply(cfg, v, b.key); err != nil {
			return fmt.Errorf("environment override for %s: %w", b.key, err)
		}
	}
	return nil
}

func intSetter(field func(*Config) *int) func(*Config, *viper.Viper, string) error {
	return func(c *Config, v *viper.Viper, k string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(k)))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

// durationSetter accepts Go duration strings ("1500ms") as well as bare
// numbers, which are read in unit.
func durationSetter(unit time.Duration, field func(*Config) *time.Duration) func(*Config, *viper.Viper, string) error {
	return func(c *Config, v *viper.Viper, k string) error {
		raw := strings.TrimSpace(v.GetString(k))
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			*field(c) = time.Duration(f * float64(unit))
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func replaceHost(addr, host string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = "6379"
	}
	return net.JoinHostPort(host, port)
}

func replacePort(addr, port string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
