package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/catalog-audit/internal/audit"
	"github.com/xela07ax/catalog-audit/internal/domain"
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// ErrInvalidFilter - ошибка входных параметров выборки (в HTTP это 400).
var ErrInvalidFilter = errors.New("invalid audit filter")

// AuditLogProvider описывает контракт для чтения данных аудита.
// Реализуют postgres.AuditRepo и memory.AuditRepo.
type AuditLogProvider interface {
	QueryLogs(ctx context.Context, f domain.AuditFilter, p domain.Pagination) ([]audit.AuditEvent, int64, error)
	Stats(ctx context.Context, f domain.AuditFilter) (*domain.AuditStats, error)
}

type QueryLimits struct {
	DefaultLimit int
	MaxLimit     int
}

// AuditService - только чтение и всегда из хранилища: то, что еще лежит
// в батче, отчеты не видят.
type AuditService struct {
	repo   AuditLogProvider
	limits QueryLimits
}

func NewAuditService(repo AuditLogProvider, limits QueryLimits) *AuditService {
	if limits.DefaultLimit <= 0 {
		limits.DefaultLimit = DefaultQueryLimit
	}
	if limits.MaxLimit <= 0 {
		limits.MaxLimit = MaxQueryLimit
	}
	limits.DefaultLimit = min(limits.DefaultLimit, limits.MaxLimit)
	return &AuditService{repo: repo, limits: limits}
}

// Query возвращает страницу журнала, новые записи первыми.
func (s *AuditService) Query(ctx context.Context, f domain.AuditFilter, p domain.Pagination) (*domain.AuditPage, error) {
	f, err := normalizeFilter(f)
	if err != nil {
		return nil, err
	}
	if p.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must be >= 0", ErrInvalidFilter)
	}
	switch {
	case p.Limit <= 0:
		p.Limit = s.limits.DefaultLimit
	case p.Limit > s.limits.MaxLimit:
		p.Limit = s.limits.MaxLimit
	}

	records, total, err := s.repo.QueryLogs(ctx, f, p)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	if records == nil {
		records = []audit.AuditEvent{}
	}

	return &domain.AuditPage{
		Records:    records,
		Total:      total,
		Page:       p.Offset/p.Limit + 1,
		Limit:      p.Limit,
		TotalPages: int((total + int64(p.Limit) - 1) / int64(p.Limit)),
	}, nil
}

// Stats - агрегаты по тем же фильтрам.
func (s *AuditService) Stats(ctx context.Context, f domain.AuditFilter) (*domain.AuditStats, error) {
	f, err := normalizeFilter(f)
	if err != nil {
		return nil, err
	}
	stats, err := s.repo.Stats(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to compute stats: %w", err)
	}
	return stats, nil
}

func normalizeFilter(f domain.AuditFilter) (domain.AuditFilter, error) {
	if f.Action != "" {
		f.Action = strings.ToUpper(f.Action)
		switch audit.Action(f.Action) {
		case audit.ActionRead, audit.ActionCreate, audit.ActionUpdate, audit.ActionDelete, audit.ActionUnknown:
		default:
			return f, fmt.Errorf("%w: unknown action %q", ErrInvalidFilter, f.Action)
		}
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return f, fmt.Errorf("%w: from is after to", ErrInvalidFilter)
	}
	return f, nil
}
