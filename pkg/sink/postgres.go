package sink

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// postgresMaxParams is the bind parameter limit of the extended protocol.
const postgresMaxParams = 65535

// PostgresSink writes events to PostgreSQL through a pgx pool. A bulk upsert
// is sent as one pipelined batch, so all of its statements commit or fail
// together in a single round trip.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PostgresDSN builds a connection URL from the discrete connection fields
// unless cfg.DSN is set.
func PostgresDSN(cfg config.SinkConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.Database,
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{cfg.SSLMode}}.Encode()
	}
	return u.String()
}

// NewPostgresSink creates the pool and validates the connection.
func NewPostgresSink(ctx context.Context, cfg config.SinkConfig) (*PostgresSink, error) {
	poolConfig, err := pgxpool.ParseConfig(PostgresDSN(cfg))
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to parse PostgreSQL connection string")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if poolConfig.MinConns > poolConfig.MaxConns {
		poolConfig.MinConns = poolConfig.MaxConns / 2
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create PostgreSQL connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to validate connection")
	}

	log := logger.With(zap.String("component", "postgres_sink"))
	log.Info("Connected to PostgreSQL",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_connections", poolConfig.MaxConns),
		zap.Int32("min_connections", poolConfig.MinConns))

	return &PostgresSink{pool: pool, logger: log}, nil
}

// BulkUpsert implements Sink with INSERT ... ON CONFLICT DO NOTHING.
func (s *PostgresSink) BulkUpsert(ctx context.Context, table string, rows Rows, conflictKey string) (WriteStats, error) {
	if rows.Len() == 0 {
		return WriteStats{}, nil
	}
	suffix := " ON CONFLICT (" + pgx.Identifier{conflictKey}.Sanitize() + ") DO NOTHING"

	b := &pgx.Batch{}
	for _, chunk := range chunkRows(rows, postgresMaxParams) {
		sql, args := postgresInsert(table, rows.Columns, chunk, suffix)
		b.Queue(sql, args...)
	}

	results := s.pool.SendBatch(ctx, b)
	var written int64
	for i := 0; i < b.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return WriteStats{}, Classify(err, "bulk upsert failed")
		}
		written += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return WriteStats{}, Classify(err, "bulk upsert failed")
	}

	return WriteStats{
		RowsWritten:      written,
		RowsDeduplicated: int64(rows.Len()) - written,
	}, nil
}

// Insert implements Inserter.
func (s *PostgresSink) Insert(ctx context.Context, table string, rows Rows) error {
	if rows.Len() == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, chunk := range chunkRows(rows, postgresMaxParams) {
		sql, args := postgresInsert(table, rows.Columns, chunk, "")
		b.Queue(sql, args...)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return Classify(err, "insert failed")
	}
	return nil
}

// postgresInsert renders a multi-row INSERT with $n placeholders.
func postgresInsert(table string, columns []string, values [][]interface{}, suffix string) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(pgx.Identifier{table}.Sanitize())
	sb.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pgx.Identifier{c}.Sanitize())
	}
	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(values)*len(columns))
	n := 1
	for r, row := range values {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := range columns {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
		}
		sb.WriteByte(')')
		args = append(args, row...)
	}
	sb.WriteString(suffix)
	return sb.String(), args
}

// RowsSince implements ThroughputReporter.
func (s *PostgresSink) RowsSince(ctx context.Context, table string, since time.Time) (int64, error) {
	var n int64
	q := "SELECT count(*) FROM " + pgx.Identifier{table}.Sanitize() + " WHERE ingested_at >= $1"
	if err := s.pool.QueryRow(ctx, q, since).Scan(&n); err != nil {
		return 0, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "throughput query failed")
	}
	return n, nil
}

// CountByType implements ThroughputReporter.
func (s *PostgresSink) CountByType(ctx context.Context, table string) (map[string]int64, error) {
	q := "SELECT event_type, count(*) FROM " + pgx.Identifier{table}.Sanitize() + " GROUP BY event_type"
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "count by type query failed")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to scan row")
		}
		out[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "count by type query failed")
	}
	return out, nil
}

// Total implements ThroughputReporter.
func (s *PostgresSink) Total(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+pgx.Identifier{table}.Sanitize()).Scan(&n); err != nil {
		return 0, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "count query failed")
	}
	return n, nil
}

// Migrate implements Migrator.
func (s *PostgresSink) Migrate(ctx context.Context, schema Schema) error {
	for _, stmt := range postgresSchema(schema) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "migration failed").
				WithDetail("statement", stmt)
		}
	}
	s.logger.Info("Schema ready",
		zap.String("table", schema.Table),
		zap.String("dead_letter_table", schema.DeadLetterTable),
		zap.Int("promoted_columns", len(schema.Promoted)))
	return nil
}

func postgresColumnType(t string) string {
	switch t {
	case config.ColumnNumeric:
		return "DOUBLE PRECISION"
	case config.ColumnBool:
		return "BOOLEAN"
	case config.ColumnTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func postgresSchema(schema Schema) []string {
	t := pgx.Identifier{schema.Table}.Sanitize()
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + t + ` (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	}
	for _, col := range schema.Promoted {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			t, pgx.Identifier{col.Name}.Sanitize(), postgresColumnType(col.Type)))
	}
	for _, col := range []string{"event_type", "created_at", "ingested_at"} {
		idx := pgx.Identifier{"idx_" + schema.Table + "_" + col}.Sanitize()
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx, t, col))
	}
	if schema.DeadLetterTable != "" {
		stmts = append(stmts, "CREATE TABLE IF NOT EXISTS "+pgx.Identifier{schema.DeadLetterTable}.Sanitize()+` (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT,
	event_type TEXT,
	payload TEXT,
	error TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	failed_at TIMESTAMPTZ NOT NULL,
	original_log_entry_id TEXT,
	worker TEXT,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	}
	return stmts
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
