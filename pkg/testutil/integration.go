package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// integrationBudget bounds a whole suite run against live backends.
const integrationBudget = 5 * time.Minute

// IntegrationTestSuite is embedded by suites that need a live Redis,
// PostgreSQL or MySQL. Context is cancelled when the suite finishes.
type IntegrationTestSuite struct {
	suite.Suite
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
}

func (s *IntegrationTestSuite) SetupSuite() {
	s.started = time.Now()
	s.ctx, s.cancel = context.WithTimeout(context.Background(), integrationBudget)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.cancel != nil {
		s.cancel()
	}
	s.T().Logf("integration suite took %v", time.Since(s.started).Round(time.Millisecond))
}

func (s *IntegrationTestSuite) Context() context.Context { return s.ctx }

// RequireEnv returns the value of key. The test is skipped in -short mode
// or when key is unset.
func RequireEnv(t *testing.T, key string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		t.Skipf("integration test needs %s", key)
	}
	return v
}
