package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/catalog-audit/internal/audit"
	"github.com/xela07ax/catalog-audit/internal/domain"
	"github.com/xela07ax/catalog-audit/internal/repository/memory"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func seededRepo(t *testing.T) *memory.AuditRepo {
	t.Helper()
	repo := memory.NewAuditRepo()
	entries := []audit.Entry{
		{Method: "GET", Path: "/api/categories", StatusCode: 200},
		{Method: "GET", Path: "/api/categories/4", StatusCode: 200},
		{Method: "POST", Path: "/api/categories", StatusCode: 422},
		{Method: "GET", Path: "/api/categories", StatusCode: 200},
		{Method: "DELETE", Path: "/api/departments/42", StatusCode: 204},
		{Method: "GET", Path: "/api/attributes", StatusCode: 500},
	}
	var batch []audit.AuditEvent
	for i, e := range entries {
		batch = append(batch, audit.NewEvent(e, t0.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, repo.WriteBatch(context.Background(), batch))
	return repo
}

func TestAuditService_QueryFiltersByResourceAndStatus(t *testing.T) {
	svc := NewAuditService(seededRepo(t), QueryLimits{})
	status := 200

	page, err := svc.Query(context.Background(),
		domain.AuditFilter{Resource: "categories", StatusCode: &status},
		domain.Pagination{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, DefaultQueryLimit, page.Limit)
	assert.Equal(t, 1, page.TotalPages)
	require.Len(t, page.Records, 3)
	for _, r := range page.Records {
		assert.Equal(t, "categories", r.Resource)
		assert.Equal(t, 200, r.StatusCode)
	}
	// Новые первыми
	assert.True(t, page.Records[0].Timestamp.After(page.Records[2].Timestamp))
}

func TestAuditService_PaginationAndLimits(t *testing.T) {
	svc := NewAuditService(seededRepo(t), QueryLimits{DefaultLimit: 2, MaxLimit: 4})

	page, err := svc.Query(context.Background(), domain.AuditFilter{}, domain.Pagination{Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 3, page.TotalPages)
	assert.Len(t, page.Records, 2)

	page, err = svc.Query(context.Background(), domain.AuditFilter{}, domain.Pagination{Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Limit)
	assert.Len(t, page.Records, 4)

	page, err = svc.Query(context.Background(), domain.AuditFilter{Resource: "nothing"}, domain.Pagination{})
	require.NoError(t, err)
	assert.NotNil(t, page.Records)
	assert.Equal(t, 0, page.TotalPages)
}

func TestAuditService_RejectsInvalidFilter(t *testing.T) {
	svc := NewAuditService(seededRepo(t), QueryLimits{})
	from, to := t0.Add(time.Hour), t0

	_, err := svc.Query(context.Background(), domain.AuditFilter{From: &from, To: &to}, domain.Pagination{})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = svc.Query(context.Background(), domain.AuditFilter{Action: "explode"}, domain.Pagination{})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = svc.Query(context.Background(), domain.AuditFilter{}, domain.Pagination{Offset: -1})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = svc.Stats(context.Background(), domain.AuditFilter{Action: "nope"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestAuditService_ActionFilterIsCaseInsensitive(t *testing.T) {
	svc := NewAuditService(seededRepo(t), QueryLimits{})

	page, err := svc.Query(context.Background(), domain.AuditFilter{Action: "delete"}, domain.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "departments", page.Records[0].Resource)
}

func TestAuditService_Stats(t *testing.T) {
	svc := NewAuditService(seededRepo(t), QueryLimits{})
	from := t0.Add(time.Minute)

	stats, err := svc.Stats(context.Background(), domain.AuditFilter{From: &from})
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.TotalCount)
	assert.Equal(t, int64(3), stats.CountsByAction["READ"])
	assert.Equal(t, int64(1), stats.CountsByStatusCode[500])
	assert.Equal(t, "categories", stats.TopResources[0].Resource)
}

type failingProvider struct{}

func (failingProvider) QueryLogs(context.Context, domain.AuditFilter, domain.Pagination) ([]audit.AuditEvent, int64, error) {
	return nil, 0, errors.New("db down")
}

func (failingProvider) Stats(context.Context, domain.AuditFilter) (*domain.AuditStats, error) {
	return nil, errors.New("db down")
}

func TestAuditService_WrapsRepositoryErrors(t *testing.T) {
	svc := NewAuditService(failingProvider{}, QueryLimits{})

	_, err := svc.Query(context.Background(), domain.AuditFilter{}, domain.Pagination{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidFilter)
	assert.Contains(t, err.Error(), "db down")
}
