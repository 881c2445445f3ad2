package domain

import (
	"time"

	"github.com/xela07ax/catalog-audit/internal/audit"
)

// AuditFilter - условия выборки журнала. Пустые поля не фильтруют.
type AuditFilter struct {
	ActorID    *int64     `json:"actor_id,omitempty"`
	Action     string     `json:"action,omitempty"`
	Resource   string     `json:"resource,omitempty"`
	StatusCode *int       `json:"status_code,omitempty"`
	From       *time.Time `json:"from,omitempty"` // включительно
	To         *time.Time `json:"to,omitempty"`   // включительно
}

type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// AuditPage - ответ постраничной выборки, новые записи первыми.
type AuditPage struct {
	Records    []audit.AuditEvent `json:"records"`
	Total      int64              `json:"total"`
	Page       int                `json:"page"`
	Limit      int                `json:"limit"`
	TotalPages int                `json:"total_pages"`
}

type ResourceCount struct {
	Resource string `json:"resource"`
	Count    int64  `json:"count"`
}

// AuditStats - агрегаты по журналу за выбранный период.
type AuditStats struct {
	TotalCount         int64            `json:"total_count"`
	CountsByAction     map[string]int64 `json:"counts_by_action"`
	TopResources       []ResourceCount  `json:"top_resources"`
	CountsByStatusCode map[int]int64    `json:"counts_by_status_code"`
}

// TopResourcesLimit - сколько ресурсов попадает в топ статистики.
const TopResourcesLimit = 10
