//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/catalog-audit/internal/audit"
	"github.com/xela07ax/catalog-audit/internal/domain"
)

type AuditRepoSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	repo      *AuditRepo
}

func TestAuditRepoSuite(t *testing.T) {
	suite.Run(t, new(AuditRepoSuite))
}

func (s *AuditRepoSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("catalog_audit"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	repo, err := NewAuditRepo(ctx, PoolConfig{URL: connString, MaxConns: 4})
	s.Require().NoError(err)
	s.repo = repo

	s.Require().NoError(Migrate(ctx, repo.Pool(), zaptest.NewLogger(s.T())))
}

func (s *AuditRepoSuite) TearDownSuite() {
	if s.repo != nil {
		s.repo.Close()
	}
	if s.container != nil {
		s.Require().NoError(testcontainers.TerminateContainer(s.container))
	}
}

func (s *AuditRepoSuite) SetupTest() {
	_, err := s.repo.Pool().Exec(context.Background(), "TRUNCATE audit_logs")
	s.Require().NoError(err)
}

func (s *AuditRepoSuite) event(method, path string, status int, at time.Time) audit.AuditEvent {
	return audit.NewEvent(audit.Entry{
		Method:          method,
		Path:            path,
		StatusCode:      status,
		ClientIP:        "10.0.0.5",
		UserAgent:       "suite",
		RequestPayload:  map[string]any{"name": "x", "password": "p"},
		ResponsePayload: map[string]any{"ok": true},
	}, at)
}

func (s *AuditRepoSuite) TestWriteBatchIsIdempotent() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	batch := []audit.AuditEvent{
		s.event("GET", "/api/categories", 200, now),
		s.event("DELETE", "/api/departments/42", 204, now.Add(time.Second)),
	}
	s.Require().NoError(s.repo.WriteBatch(ctx, batch))
	// Повторная вставка того же батча (replay) не дублирует строки
	s.Require().NoError(s.repo.WriteBatch(ctx, batch))

	events, total, err := s.repo.QueryLogs(ctx, domain.AuditFilter{}, domain.Pagination{Limit: 10})
	s.Require().NoError(err)
	s.Equal(int64(2), total)
	s.Require().Len(events, 2)

	newest := events[0]
	s.Equal(batch[1].ID, newest.ID)
	s.Equal(audit.ActionDelete, newest.Action)
	s.Require().NotNil(newest.ResourceID)
	s.Equal("42", *newest.ResourceID)
	s.Equal(audit.RedactedMarker, newest.RequestPayload.(map[string]any)["password"])
	s.WithinDuration(batch[1].Timestamp, newest.Timestamp, time.Millisecond)
}

func (s *AuditRepoSuite) TestQueryFiltersAndStats() {
	ctx := context.Background()
	now := time.Now().UTC()

	var batch []audit.AuditEvent
	for i := 0; i < 3; i++ {
		batch = append(batch, s.event("GET", "/api/categories", 200, now.Add(time.Duration(i)*time.Second)))
	}
	batch = append(batch,
		s.event("POST", "/api/categories", 400, now),
		s.event("DELETE", "/api/departments/1", 404, now),
	)
	s.Require().NoError(s.repo.WriteBatch(ctx, batch))

	status := 200
	events, total, err := s.repo.QueryLogs(ctx,
		domain.AuditFilter{Resource: "categories", StatusCode: &status},
		domain.Pagination{Limit: 2})
	s.Require().NoError(err)
	s.Equal(int64(3), total)
	s.Len(events, 2)

	stats, err := s.repo.Stats(ctx, domain.AuditFilter{})
	s.Require().NoError(err)
	s.Equal(int64(5), stats.TotalCount)
	s.Equal(int64(3), stats.CountsByAction["READ"])
	s.Equal(int64(1), stats.CountsByStatusCode[404])
	s.Require().NotEmpty(stats.TopResources)
	s.Equal("categories", stats.TopResources[0].Resource)
	s.Equal(int64(4), stats.TopResources[0].Count)
}

func (s *AuditRepoSuite) TestMissingTableIsSchemaMissing() {
	ctx := context.Background()
	connString, err := s.container.ConnectionString(ctx, "sslmode=disable", "search_path=nowhere")
	s.Require().NoError(err)

	pool, err := pgxpool.New(ctx, connString)
	s.Require().NoError(err)
	defer pool.Close()

	err = NewAuditRepoFromPool(pool).WriteBatch(ctx, []audit.AuditEvent{s.event("GET", "/api/x", 200, time.Now())})
	require.Error(s.T(), err)
	s.Equal(audit.KindSchemaMissing, audit.KindOf(err))
}

func (s *AuditRepoSuite) TestHostileRequestDoesNotSinkBatch() {
	ctx := context.Background()
	now := time.Now().UTC()

	payload, err := audit.DecodeJSON([]byte(`{"order_id":9007199254740993}`))
	s.Require().NoError(err)
	hostile := audit.NewEvent(audit.Entry{
		Method:          strings.Repeat("X", 40),
		Path:            "/api/" + strings.Repeat("s", 400) + "/\x00\xff",
		StatusCode:      400,
		ClientIP:        strings.Repeat("9", 200),
		UserAgent:       "ua\x00",
		RequestPayload:  payload,
		ResponsePayload: map[string]any{"error": "bad\x00input"},
	}, now)
	batch := []audit.AuditEvent{s.event("GET", "/api/categories", 200, now), hostile}

	s.Require().NoError(s.repo.WriteBatch(ctx, batch))

	events, total, err := s.repo.QueryLogs(ctx, domain.AuditFilter{}, domain.Pagination{Limit: 10})
	s.Require().NoError(err)
	s.Equal(int64(2), total)

	for _, ev := range events {
		if ev.ID != hostile.ID {
			continue
		}
		s.Equal(map[string]any{"order_id": json.Number("9007199254740993")}, ev.RequestPayload)
		s.Require().NotNil(ev.ErrorMessage)
		s.Equal("badinput", *ev.ErrorMessage)
	}
}
