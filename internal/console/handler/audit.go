package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/catalog-audit/internal/console/service"
	"github.com/xela07ax/catalog-audit/internal/domain"
)

// AuditQuerier Описываем, что нам нужно от сервиса
type AuditQuerier interface {
	Query(ctx context.Context, f domain.AuditFilter, p domain.Pagination) (*domain.AuditPage, error)
	Stats(ctx context.Context, f domain.AuditFilter) (*domain.AuditStats, error)
}

type AuditHandler struct {
	service AuditQuerier
	logger  *zap.Logger
}

func NewAuditHandler(s AuditQuerier, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger.Named("audit-handler")}
}

// List возвращает страницу журнала аудита
// GET /api/v1/audit-logs?actor_id=&action=&resource=&status_code=&from=&to=&limit=&offset=
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter, err := parseFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := parsePagination(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.Query(r.Context(), filter, page)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Stats - агрегаты по журналу
// GET /api/v1/audit-logs/stats?from=&to=&...
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := h.service.Stats(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AuditHandler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrInvalidFilter) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("audit query failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Failed to fetch audit logs")
}

func parseFilter(q url.Values) (domain.AuditFilter, error) {
	var f domain.AuditFilter

	if v := q.Get("actor_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("actor_id must be an integer")
		}
		f.ActorID = &id
	}
	if v := q.Get("status_code"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("status_code must be an integer")
		}
		f.StatusCode = &code
	}
	f.Action = q.Get("action")
	f.Resource = q.Get("resource")

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s must be RFC3339 timestamp", p.name)
		}
		*p.dst = &ts
	}
	return f, nil
}

func parsePagination(q url.Values) (domain.Pagination, error) {
	var p domain.Pagination
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("limit must be an integer")
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("offset must be an integer")
		}
		p.Offset = n
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
