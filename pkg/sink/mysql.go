package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/logger"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// mysqlMaxParams is the prepared statement placeholder limit.
const mysqlMaxParams = 65535

// MySQLSink writes events to MySQL through database/sql and the
// go-sql-driver. Chunks of one bulk upsert share a transaction.
type MySQLSink struct {
	db     *sql.DB
	logger *zap.Logger
}

// MySQLDSN builds a driver DSN from the discrete connection fields unless
// cfg.DSN is set. Times are read and written in UTC.
func MySQLDSN(cfg config.SinkConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = cfg.Host + ":" + strconv.Itoa(cfg.Port)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

// NewMySQLSink opens the pool and pings the server.
func NewMySQLSink(ctx context.Context, cfg config.SinkConfig) (*MySQLSink, error) {
	db, err := sql.Open("mysql", MySQLDSN(cfg))
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to open database connection")
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(int(cfg.MinConns))
	}
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "database ping failed")
	}

	log := logger.With(zap.String("component", "mysql_sink"))
	log.Info("Connected to MySQL",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int32("max_connections", cfg.MaxConns))
	return &MySQLSink{db: db, logger: log}, nil
}

// BulkUpsert implements Sink. ON DUPLICATE KEY UPDATE with a no-op
// assignment reports 0 affected rows for duplicates, so RowsAffected counts
// the rows actually inserted.
func (s *MySQLSink) BulkUpsert(ctx context.Context, table string, rows Rows, conflictKey string) (WriteStats, error) {
	if rows.Len() == 0 {
		return WriteStats{}, nil
	}
	key := quoteMySQL(conflictKey)
	suffix := " ON DUPLICATE KEY UPDATE " + key + " = " + key

	written, err := s.execChunks(ctx, table, rows, suffix)
	if err != nil {
		return WriteStats{}, err
	}
	return WriteStats{
		RowsWritten:      written,
		RowsDeduplicated: int64(rows.Len()) - written,
	}, nil
}

// Insert implements Inserter.
func (s *MySQLSink) Insert(ctx context.Context, table string, rows Rows) error {
	if rows.Len() == 0 {
		return nil
	}
	_, err := s.execChunks(ctx, table, rows, "")
	return err
}

func (s *MySQLSink) execChunks(ctx context.Context, table string, rows Rows, suffix string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Classify(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var affected int64
	for _, chunk := range chunkRows(rows, mysqlMaxParams) {
		q, args := mysqlInsert(table, rows.Columns, chunk, suffix)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, Classify(err, "bulk upsert failed")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, Classify(err, "bulk upsert failed")
		}
		affected += n
	}
	if err := tx.Commit(); err != nil {
		return 0, Classify(err, "commit failed")
	}
	return affected, nil
}

func quoteMySQL(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func mysqlInsert(table string, columns []string, values [][]interface{}, suffix string) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteMySQL(table))
	sb.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteMySQL(c))
	}
	sb.WriteString(") VALUES ")

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]interface{}, 0, len(values)*len(columns))
	for r, row := range values {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholders)
		args = append(args, row...)
	}
	sb.WriteString(suffix)
	return sb.String(), args
}

// RowsSince implements ThroughputReporter.
func (s *MySQLSink) RowsSince(ctx context.Context, table string, since time.Time) (int64, error) {
	var n int64
	q := "SELECT COUNT(*) FROM " + quoteMySQL(table) + " WHERE ingested_at >= ?"
	if err := s.db.QueryRowContext(ctx, q, since.UTC()).Scan(&n); err != nil {
		return 0, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "throughput query failed")
	}
	return n, nil
}

// CountByType implements ThroughputReporter.
func (s *MySQLSink) CountByType(ctx context.Context, table string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT event_type, COUNT(*) FROM "+quoteMySQL(table)+" GROUP BY event_type")
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
func (s *MySQLSink) Total(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteMySQL(table)).Scan(&n); err != nil {
		return 0, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "count query failed")
	}
	return n, nil
}

func mysqlColumnType(t string) string {
	switch t {
	case config.ColumnNumeric:
		return "DOUBLE"
	case config.ColumnBool:
		return "BOOLEAN"
	case config.ColumnTimestamp:
		return "DATETIME(6)"
	default:
		return "TEXT"
	}
}

func mysqlSchema(schema Schema) []string {
	var cols strings.Builder
	for _, col := range schema.Promoted {
		fmt.Fprintf(&cols, ",\n\t%s %s NULL", quoteMySQL(col.Name), mysqlColumnType(col.Type))
	}
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + quoteMySQL(schema.Table) + ` (
	event_id VARCHAR(191) NOT NULL PRIMARY KEY,
	event_type VARCHAR(128) NOT NULL,
	payload JSON NOT NULL,
	created_at DATETIME(6) NOT NULL,
	ingested_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)` + cols.String() + `,
	INDEX idx_event_type (event_type),
	INDEX idx_created_at (created_at),
	INDEX idx_ingested_at (ingested_at)
)`,
	}
	if schema.DeadLetterTable != "" {
		stmts = append(stmts, "CREATE TABLE IF NOT EXISTS "+quoteMySQL(schema.DeadLetterTable)+` (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	event_id VARCHAR(191),
	event_type VARCHAR(128),
	payload LONGTEXT,
	error TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	failed_at DATETIME(6) NOT NULL,
	original_log_entry_id VARCHAR(64),
	worker VARCHAR(191),
	archived_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
)`)
	}
	return stmts
}

// Migrate implements Migrator. Promoted columns are only added when the
// table is created.
func (s *MySQLSink) Migrate(ctx context.Context, schema Schema) error {
	for _, stmt := range mysqlSchema(schema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "migration failed").
				WithDetail("statement", stmt)
		}
	}
	s.logger.Info("Schema ready",
		zap.String("table", schema.Table),
		zap.String("dead_letter_table", schema.DeadLetterTable))
	return nil
}

// Close implements Sink.
func (s *MySQLSink) Close() error {
	return s.db.Close()
}
