// Package config provides the configuration system for nebulastream.
// A single Config structure is consumed at engine start and is organized
// into sections:
//   - Log: which durable log backend holds the event stream
//   - Sink: the relational store events are upserted into
//   - Stream: stream names, worker pool sizing, batching, retry and reclaim policy
//   - Observability: logging, metrics and tracing
//
// Example usage:
//
//	cfg := config.NewConfig()
//	cfg.Stream.Workers = 8
//	cfg.Stream.BatchMaxSize = 1000
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"math"
	"time"
)

// Log backends
const (
	BackendRedis  = "redis"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Sink drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

// Retry exhaustion policies
const (
	// ExhaustDeadLetter routes a batch that ran out of transient retries to the dead-letter stream.
	ExhaustDeadLetter = "dead_letter"
	// ExhaustHold leaves the batch pending so another worker reclaims it later.
	ExhaustHold = "hold"
)

// Promoted column types
const (
	ColumnText      = "text"
	ColumnNumeric   = "numeric"
	ColumnBool      = "bool"
	ColumnTimestamp = "timestamp"
)

// Config is the root configuration consumed at start.
type Config struct {
	Log           LogConfig           `yaml:"log" json:"log"`
	Sink          SinkConfig          `yaml:"sink" json:"sink"`
	Stream        StreamConfig        `yaml:"stream" json:"stream"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// LogConfig selects and configures the durable log.
type LogConfig struct {
	// Backend is one of redis, pebble or memory
	Backend string       `yaml:"backend" json:"backend"`
	Redis   RedisConfig  `yaml:"redis" json:"redis"`
	Pebble  PebbleConfig `yaml:"pebble" json:"pebble"`
}

// RedisConfig configures the Redis Streams backend.
type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	DB           int           `yaml:"db" json:"db"`
	Password     string        `yaml:"password" json:"password"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// PebbleConfig configures the embedded log.
type PebbleConfig struct {
	Dir   string `yaml:"dir" json:"dir"`
	Fsync bool   `yaml:"fsync" json:"fsync"`
}

// SinkConfig configures the relational sink.
type SinkConfig struct {
	// Driver is one of postgres, mysql or memory
	Driver string `yaml:"driver" json:"driver"`
	// DSN takes precedence over the discrete connection fields when set
	DSN      string `yaml:"dsn" json:"dsn"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Database string `yaml:"database" json:"database"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`

	Table           string `yaml:"table" json:"table"`
	DeadLetterTable string `yaml:"dead_letter_table" json:"dead_letter_table"`
	// ArchiveDeadLetters copies dead letters into DeadLetterTable on a best-effort basis
	ArchiveDeadLetters bool `yaml:"archive_dead_letters" json:"archive_dead_letters"`
	// PromotedColumns are top-level payload keys stored in their own typed columns
	PromotedColumns []PromotedColumn `yaml:"promoted_columns" json:"promoted_columns"`

	MaxConns        int32         `yaml:"max_conns" json:"max_conns"`
	MinConns        int32         `yaml:"min_conns" json:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// PromotedColumn maps a top-level payload key to a typed sink column.
type PromotedColumn struct {
	Name string `yaml:"name" json:"name"`
	// Type is one of text, numeric, bool or timestamp
	Type string `yaml:"type" json:"type"`
}

// StreamConfig holds stream names and the worker pool's batching, retry and reclaim policy.
type StreamConfig struct {
	Stream           string `yaml:"stream" json:"stream"`
	Group            string `yaml:"group" json:"group"`
	ConsumerPrefix   string `yaml:"consumer_prefix" json:"consumer_prefix"`
	DeadLetterStream string `yaml:"dead_letter_stream" json:"dead_letter_stream"`
	ReplayGroup      string `yaml:"replay_group" json:"replay_group"`

	Workers      int           `yaml:"workers" json:"workers"`
	BatchMaxSize int           `yaml:"batch_max_size" json:"batch_max_size"`
	BatchMaxAge  time.Duration `yaml:"batch_max_age" json:"batch_max_age"`
	ReadCount    int           `yaml:"read_count" json:"read_count"`
	BlockTimeout time.Duration `yaml:"block_timeout" json:"block_timeout"`

	MaxBatchRetries  int           `yaml:"max_batch_retries" json:"max_batch_retries"`
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base" json:"retry_backoff_base"`
	RetryBackoffCap  time.Duration `yaml:"retry_backoff_cap" json:"retry_backoff_cap"`
	OnRetryExhausted string        `yaml:"on_retry_exhausted" json:"on_retry_exhausted"`

	StaleClaimThreshold time.Duration `yaml:"stale_claim_threshold" json:"stale_claim_threshold"`
	ReclaimInterval     time.Duration `yaml:"reclaim_interval" json:"reclaim_interval"`

	AppendTimeout   time.Duration `yaml:"append_timeout" json:"append_timeout"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes" json:"max_payload_bytes"`
	// MaxLen trims the stream approximately on append; 0 disables trimming
	MaxLen          int64         `yaml:"max_len" json:"max_len"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level" json:"log_level"`
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// MetricsAddr is the listen address of the Prometheus endpoint; empty disables it
	MetricsAddr       string        `yaml:"metrics_addr" json:"metrics_addr"`
	EnableTracing     bool          `yaml:"enable_tracing" json:"enable_tracing"`
	TracingSampleRate float64       `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
	ServiceName       string        `yaml:"service_name" json:"service_name"`
	MonitorInterval   time.Duration `yaml:"monitor_interval" json:"monitor_interval"`
}

// NewConfig creates a Config with defaults matching a single-host deployment
// against local Redis and PostgreSQL.
func NewConfig() *Config {
	return &Config{
		Log: LogConfig{
			Backend: BackendRedis,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     20,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
			Pebble: PebbleConfig{
				Dir:   "./data/eventlog",
				Fsync: true,
			},
		},
		Sink: SinkConfig{
			Driver:          DriverPostgres,
			Host:            "localhost",
			Port:            5432,
			Database:        "streaming",
			User:            "streaming_user",
			Password:        "streaming_pass",
			SSLMode:         "disable",
			Table:           "events",
			DeadLetterTable: "dead_letter_queue",
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			WriteTimeout:    30 * time.Second,
		},
		Stream: StreamConfig{
			Stream:              "events",
			Group:               "processors",
			ConsumerPrefix:      "consumer",
			DeadLetterStream:    "events:dead",
			ReplayGroup:         "replayers",
			Workers:             5,
			BatchMaxSize:        500,
			BatchMaxAge:         2 * time.Second,
			ReadCount:           100,
			BlockTimeout:        5 * time.Second,
			MaxBatchRetries:     5,
			RetryBackoffBase:    100 * time.Millisecond,
			RetryBackoffCap:     10 * time.Second,
			OnRetryExhausted:    ExhaustDeadLetter,
			StaleClaimThreshold: 5 * time.Minute,
			ReclaimInterval:     30 * time.Second,
			AppendTimeout:       2 * time.Second,
			MaxPayloadBytes:     1 << 20,
			ShutdownTimeout:     10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			MetricsAddr:       ":9090",
			EnableTracing:     false,
			TracingSampleRate: 0.1,
			ServiceName:       "nebulastream",
			MonitorInterval:   10 * time.Second,
		},
	}
}

// Validate validates the configuration for correctness.
// Returns an error describing the first invalid field, nil otherwise.
func (c *Config) Validate() error {
	switch c.Log.Backend {
	case BackendRedis:
		if c.Log.Redis.Addr == "" {
			return fmt.Errorf("log.redis.addr is required")
		}
	case BackendPebble:
		if c.Log.Pebble.Dir == "" {
			return fmt.Errorf("log.pebble.dir is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown log backend %q", c.Log.Backend)
	}

	if err := c.Sink.Validate(); err != nil {
		return err
	}
	if err := c.Stream.Validate(); err != nil {
		return err
	}
	return c.Stream.ValidateClaimLease(c.Sink.WriteTimeout)
}

// Validate checks the sink section.
func (s *SinkConfig) Validate() error {
	switch s.Driver {
	case DriverPostgres, DriverMySQL:
		if s.DSN == "" && s.Host == "" {
			return fmt.Errorf("sink.dsn or sink.host is required for driver %s", s.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown sink driver %q", s.Driver)
	}
	if s.Table == "" {
		return fmt.Errorf("sink.table is required")
	}
	if s.ArchiveDeadLetters && s.DeadLetterTable == "" {
		return fmt.Errorf("sink.dead_letter_table is required when archive_dead_letters is set")
	}
	if s.WriteTimeout <= 0 {
		return fmt.Errorf("sink.write_timeout must be positive")
	}
	seen := make(map[string]bool, len(s.PromotedColumns))
	for _, col := range s.PromotedColumns {
		if col.Name == "" {
			return fmt.Errorf("promoted column name is required")
		}
		if IsReservedColumn(col.Name) {
			return fmt.Errorf("promoted column %q collides with a built-in column", col.Name)
		}
		if seen[col.Name] {
			return fmt.Errorf("promoted column %q declared twice", col.Name)
		}
		seen[col.Name] = true
		switch col.Type {
		case ColumnText, ColumnNumeric, ColumnBool, ColumnTimestamp:
		default:
			return fmt.Errorf("promoted column %q has unknown type %q", col.Name, col.Type)
		}
	}
	return nil
}

// Validate checks the stream section.
func (s *StreamConfig) Validate() error {
	if s.Stream == "" {
		return fmt.Errorf("stream.stream is required")
	}
	if s.Group == "" {
		return fmt.Errorf("stream.group is required")
	}
	if s.DeadLetterStream == "" {
		return fmt.Errorf("stream.dead_letter_stream is required")
	}
	if s.DeadLetterStream == s.Stream {
		return fmt.Errorf("dead_letter_stream must differ from stream")
	}
	if s.ReplayGroup == "" {
		return fmt.Errorf("stream.replay_group is required")
	}
	if s.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if s.BatchMaxSize <= 0 {
		return fmt.Errorf("batch_max_size must be positive")
	}
	if s.BatchMaxAge <= 0 {
		return fmt.Errorf("batch_max_age must be positive")
	}
	if s.ReadCount <= 0 {
		return fmt.Errorf("read_count must be positive")
	}
	if s.BlockTimeout <= 0 {
		return fmt.Errorf("block_timeout must be positive")
	}
	if s.MaxBatchRetries < 0 {
		return fmt.Errorf("max_batch_retries cannot be negative")
	}
	if s.RetryBackoffBase <= 0 || s.RetryBackoffCap < s.RetryBackoffBase {
		return fmt.Errorf("retry_backoff_base must be positive and not exceed retry_backoff_cap")
	}
	switch s.OnRetryExhausted {
	case ExhaustDeadLetter, ExhaustHold:
	default:
		return fmt.Errorf("on_retry_exhausted must be %q or %q", ExhaustDeadLetter, ExhaustHold)
	}
	if s.StaleClaimThreshold <= 0 {
		return fmt.Errorf("stale_claim_threshold must be positive")
	}
	if s.ReclaimInterval <= 0 {
		return fmt.Errorf("reclaim_interval must be positive")
	}
	if s.AppendTimeout <= 0 {
		return fmt.Errorf("append_timeout must be positive")
	}
	if s.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max_payload_bytes must be positive")
	}
	if s.MaxLen < 0 {
		return fmt.Errorf("max_len cannot be negative")
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

// backoffJitter is the largest upward jitter the retry policy applies.
const backoffJitter = 1.25

// WorstCaseFlush is the longest a worker can hold a batch without acking it
// when every write runs into writeTimeout: the batch age, every attempt and
// every capped backoff between attempts.
func (s *StreamConfig) WorstCaseFlush(writeTimeout time.Duration) time.Duration {
	total := s.BatchMaxAge + time.Duration(s.MaxBatchRetries+1)*writeTimeout
	for i := 0; i < s.MaxBatchRetries; i++ {
		d := time.Duration(float64(s.RetryBackoffBase) * math.Pow(2, float64(i)) * backoffJitter)
		if d > s.RetryBackoffCap || d <= 0 {
			d = s.RetryBackoffCap
		}
		total += d
	}
	return total
}

// ValidateClaimLease rejects a stale_claim_threshold that a live worker can
// outlast while flushing, which would let another worker reclaim its batch.
func (s *StreamConfig) ValidateClaimLease(writeTimeout time.Duration) error {
	if worst := s.WorstCaseFlush(writeTimeout); s.StaleClaimThreshold <= worst {
		return fmt.Errorf("stale_claim_threshold %s must exceed the worst-case flush of %s "+
			"(batch_max_age + (max_batch_retries+1) * sink.write_timeout + backoff)",
			s.StaleClaimThreshold, worst)
	}
	return nil
}

// IsReservedColumn reports whether name is one of the sink's built-in columns.
func IsReservedColumn(name string) bool {
	switch name {
	case "event_id", "event_type", "payload", "created_at", "ingested_at":
		return true
	}
	return false
}
