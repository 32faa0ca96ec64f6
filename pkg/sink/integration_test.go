package sink

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/nebulastream/pkg/config"
	"github.com/ajitpratap0/nebulastream/pkg/testutil"
)

// SQLSinkSuite runs the same idempotency checks against a real database.
type SQLSinkSuite struct {
	testutil.IntegrationTestSuite
	open  func(ctx context.Context) (Sink, error)
	sink  Sink
	table string
}

func (s *SQLSinkSuite) SetupTest() {
	ctx := s.Context()
	sk, err := s.open(ctx)
	s.Require().NoError(err)
	s.sink = sk
	s.table = "events_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	m, ok := sk.(Migrator)
	s.Require().True(ok)
	s.Require().NoError(m.Migrate(ctx, Schema{
		Table:           s.table,
		DeadLetterTable: s.table + "_dlq",
		Promoted:        []config.PromotedColumn{{Name: "amount", Type: config.ColumnNumeric}},
	}))
}

func (s *SQLSinkSuite) TearDownTest() {
	if s.sink != nil {
		_ = s.sink.Close()
	}
}

func (s *SQLSinkSuite) rows(ids ...string) Rows {
	rows := Rows{Columns: []string{ColumnEventID, ColumnEventType, ColumnPayload, ColumnCreatedAt, "amount"}}
	for _, id := range ids {
		rows.Values = append(rows.Values, []interface{}{id, "order_placed", `{"amount":12.5}`, time.Now().UTC(), 12.5})
	}
	return rows
}

func (s *SQLSinkSuite) TestBulkUpsertIsIdempotent() {
	ctx := s.Context()

	stats, err := s.sink.BulkUpsert(ctx, s.table, s.rows("a", "b", "c"), ColumnEventID)
	s.Require().NoError(err)
	s.Equal(int64(3), stats.RowsWritten)

	stats, err = s.sink.BulkUpsert(ctx, s.table, s.rows("a", "b", "c", "d"), ColumnEventID)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.RowsWritten)
	s.Equal(int64(3), stats.RowsDeduplicated)

	tr := s.sink.(ThroughputReporter)
	total, err := tr.Total(ctx, s.table)
	s.Require().NoError(err)
	s.Equal(int64(4), total)

	recent, err := tr.RowsSince(ctx, s.table, time.Now().Add(-time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(4), recent)

	byType, err := tr.CountByType(ctx, s.table)
	s.Require().NoError(err)
	s.Equal(map[string]int64{"order_placed": 4}, byType)
}

func (s *SQLSinkSuite) TestMalformedPayloadIsPermanent() {
	rows := s.rows("bad")
	rows.Values[0][2] = "{not json"

	_, err := s.sink.BulkUpsert(s.Context(), s.table, rows, ColumnEventID)
	s.Require().Error(err)
	s.True(IsPermanent(err), "got %v", err)
}

func (s *SQLSinkSuite) TestDeadLetterArchiveInsert() {
	rows := Rows{Columns: DeadLetterColumns, Values: [][]interface{}{
		{"a", "click", "{truncated", "payload is not a JSON object", 0, time.Now().UTC(), "1-0", "consumer-x"},
	}}
	s.Require().NoError(s.sink.(Inserter).Insert(s.Context(), s.table+"_dlq", rows))
}

func TestPostgresSinkIntegration(t *testing.T) {
	dsn := testutil.RequireEnv(t, "POSTGRES_DSN")
	suite.Run(t, &SQLSinkSuite{open: func(ctx context.Context) (Sink, error) {
		cfg := config.NewConfig().Sink
		cfg.DSN = dsn
		return NewPostgresSink(ctx, cfg)
	}})
}

func TestMySQLSinkIntegration(t *testing.T) {
	dsn := testutil.RequireEnv(t, "MYSQL_DSN")
	suite.Run(t, &SQLSinkSuite{open: func(ctx context.Context) (Sink, error) {
		cfg := config.NewConfig().Sink
		cfg.Driver = config.DriverMySQL
		cfg.DSN = dsn
		return NewMySQLSink(ctx, cfg)
	}})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := config.NewConfig().Sink
	cfg.Driver = "oracle"
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)

	cfg.Driver = config.DriverMemory
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
