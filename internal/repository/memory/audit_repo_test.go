package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/catalog-audit/internal/audit"
	"github.com/xela07ax/catalog-audit/internal/domain"
)

var base = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func ev(method, path string, status int, offset time.Duration, actor *int64) audit.AuditEvent {
	return audit.NewEvent(audit.Entry{ActorID: actor, Method: method, Path: path, StatusCode: status}, base.Add(offset))
}

func seed(t *testing.T) *AuditRepo {
	t.Helper()
	actor := int64(3)
	repo := NewAuditRepo()
	require.NoError(t, repo.WriteBatch(context.Background(), []audit.AuditEvent{
		ev("GET", "/api/categories", 200, 0, nil),
		ev("GET", "/api/categories/1", 200, time.Minute, &actor),
		ev("POST", "/api/categories", 400, 2*time.Minute, &actor),
		ev("DELETE", "/api/departments/42", 404, 3*time.Minute, nil),
		ev("GET", "/api/categories", 200, 4*time.Minute, nil),
	}))
	return repo
}

func TestAuditRepo_WriteBatchIsIdempotent(t *testing.T) {
	repo := NewAuditRepo()
	batch := []audit.AuditEvent{ev("GET", "/api/a", 200, 0, nil)}

	require.NoError(t, repo.WriteBatch(context.Background(), batch))
	require.NoError(t, repo.WriteBatch(context.Background(), batch))
	assert.Equal(t, 1, repo.Len())
}

func TestAuditRepo_FailNext(t *testing.T) {
	repo := NewAuditRepo()
	boom := audit.NewPersistError(audit.KindSchemaMissing, errors.New("no table"))
	repo.FailNext(boom)

	err := repo.WriteBatch(context.Background(), []audit.AuditEvent{ev("GET", "/api/a", 200, 0, nil)})
	assert.Equal(t, audit.KindSchemaMissing, audit.KindOf(err))
	assert.Equal(t, 0, repo.Len())

	require.NoError(t, repo.WriteBatch(context.Background(), []audit.AuditEvent{ev("GET", "/api/a", 200, 0, nil)}))
}

func TestAuditRepo_QueryFiltersNewestFirst(t *testing.T) {
	repo := seed(t)
	status := 200

	events, total, err := repo.QueryLogs(context.Background(),
		domain.AuditFilter{Resource: "categories", StatusCode: &status},
		domain.Pagination{Limit: 50})
	require.NoError(t, err)

	assert.Equal(t, int64(3), total)
	require.Len(t, events, 3)
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))
	for _, e := range events {
		assert.Equal(t, "categories", e.Resource)
		assert.Equal(t, 200, e.StatusCode)
	}
}

func TestAuditRepo_QueryByActorAndRange(t *testing.T) {
	repo := seed(t)
	actor := int64(3)
	from, to := base.Add(time.Minute), base.Add(2*time.Minute)

	events, total, err := repo.QueryLogs(context.Background(),
		domain.AuditFilter{ActorID: &actor, From: &from, To: &to, Action: "create"},
		domain.Pagination{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionCreate, events[0].Action)
}

func TestAuditRepo_Pagination(t *testing.T) {
	repo := seed(t)

	events, total, err := repo.QueryLogs(context.Background(), domain.AuditFilter{}, domain.Pagination{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, events, 1)

	events, _, err = repo.QueryLogs(context.Background(), domain.AuditFilter{}, domain.Pagination{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAuditRepo_Stats(t *testing.T) {
	repo := seed(t)

	stats, err := repo.Stats(context.Background(), domain.AuditFilter{})
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.TotalCount)
	assert.Equal(t, map[string]int64{"READ": 3, "CREATE": 1, "DELETE": 1}, stats.CountsByAction)
	assert.Equal(t, map[int]int64{200: 3, 400: 1, 404: 1}, stats.CountsByStatusCode)
	assert.Equal(t, []domain.ResourceCount{
		{Resource: "categories", Count: 4},
		{Resource: "departments", Count: 1},
	}, stats.TopResources)
}
