package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/catalog-audit/internal/console/service"
	"github.com/xela07ax/catalog-audit/internal/domain"
)

type stubQuerier struct {
	filter domain.AuditFilter
	page   domain.Pagination
	err    error
}

func (s *stubQuerier) Query(_ context.Context, f domain.AuditFilter, p domain.Pagination) (*domain.AuditPage, error) {
	s.filter, s.page = f, p
	if s.err != nil {
		return nil, s.err
	}
	return &domain.AuditPage{Total: 0, Page: 1, Limit: 50}, nil
}

func (s *stubQuerier) Stats(_ context.Context, f domain.AuditFilter) (*domain.AuditStats, error) {
	s.filter = f
	if s.err != nil {
		return nil, s.err
	}
	return &domain.AuditStats{TotalCount: 9, CountsByAction: map[string]int64{"READ": 9}}, nil
}

func TestAuditHandler_ListParsesQuery(t *testing.T) {
	q := &stubQuerier{}
	h := NewAuditHandler(q, zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/audit-logs?actor_id=12&action=delete&resource=departments&status_code=404"+
			"&from=2025-01-01T00:00:00Z&to=2025-01-31T23:59:59Z&limit=20&offset=40", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	require.NotNil(t, q.filter.ActorID)
	assert.Equal(t, int64(12), *q.filter.ActorID)
	assert.Equal(t, "delete", q.filter.Action)
	assert.Equal(t, "departments", q.filter.Resource)
	require.NotNil(t, q.filter.StatusCode)
	assert.Equal(t, 404, *q.filter.StatusCode)
	require.NotNil(t, q.filter.From)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), q.filter.From.UTC())
	require.NotNil(t, q.filter.To)
	assert.Equal(t, domain.Pagination{Limit: 20, Offset: 40}, q.page)

	var body domain.AuditPage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Page)
}

func TestAuditHandler_BadRequests(t *testing.T) {
	h := NewAuditHandler(&stubQuerier{}, zaptest.NewLogger(t))

	for _, query := range []string{
		"actor_id=abc",
		"status_code=ok",
		"from=yesterday",
		"limit=ten",
		"offset=-x",
	} {
		rec := httptest.NewRecorder()
		h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs?"+query, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestAuditHandler_ServiceErrors(t *testing.T) {
	q := &stubQuerier{err: fmt.Errorf("%w: from is after to", service.ErrInvalidFilter)}
	h := NewAuditHandler(q, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	q.err = fmt.Errorf("audit_service: failed to fetch logs: connection refused")
	rec = httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestAuditHandler_Stats(t *testing.T) {
	h := NewAuditHandler(&stubQuerier{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs/stats?resource=categories", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats domain.AuditStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(9), stats.TotalCount)
}

type staticStatus struct {
	enabled bool
	pending int
}

func (s staticStatus) Enabled() bool { return s.enabled }
func (s staticStatus) Pending() int  { return s.pending }

func TestInfoHandler(t *testing.T) {
	h := NewInfoHandler("catalog-audit", "test", staticStatus{enabled: false, pending: 3})

	rec := httptest.NewRecorder()
	h.Info(rec, httptest.NewRequest(http.MethodGet, "/api/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"service":"catalog-audit","version":"test","audit":{"gate_state":"DISABLED","pending_events":3}}`,
		rec.Body.String())
}
