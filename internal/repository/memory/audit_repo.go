package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/xela07ax/catalog-audit/internal/audit"
	"github.com/xela07ax/catalog-audit/internal/domain"
)

// AuditRepo - журнал в памяти процесса (storage.driver=memory).
// Для локального запуска и тестов: переживает только до рестарта.
type AuditRepo struct {
	mu     sync.RWMutex
	events []audit.AuditEvent
	ids    map[string]struct{}

	// failWith - ошибка, которую вернет следующая запись (для сценариев деградации)
	failWith error
}

func NewAuditRepo() *AuditRepo {
	return &AuditRepo{ids: make(map[string]struct{})}
}

// FailNext заставляет следующий WriteBatch вернуть err.
func (r *AuditRepo) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

// WriteBatch идемпотентна по ID, как ON CONFLICT DO NOTHING в Postgres.
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return audit.NewPersistError(audit.KindConnectionTransient, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failWith != nil {
		err := r.failWith
		r.failWith = nil
		return err
	}
	for _, e := range events {
		if _, ok := r.ids[e.ID]; ok {
			continue
		}
		r.ids[e.ID] = struct{}{}
		r.events = append(r.events, e)
	}
	return nil
}

func (r *AuditRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *AuditRepo) QueryLogs(_ context.Context, f domain.AuditFilter, p domain.Pagination) ([]audit.AuditEvent, int64, error) {
	matched := r.filter(f)

	// Новые первыми, как ORDER BY timestamp DESC, id
	slices.SortStableFunc(matched, func(a, b audit.AuditEvent) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	total := int64(len(matched))
	start := min(max(p.Offset, 0), len(matched))
	end := len(matched)
	if p.Limit > 0 {
		end = min(start+p.Limit, len(matched))
	}

	page := make([]audit.AuditEvent, end-start)
	copy(page, matched[start:end])
	return page, total, nil
}

func (r *AuditRepo) Stats(_ context.Context, f domain.AuditFilter) (*domain.AuditStats, error) {
	matched := r.filter(f)

	stats := &domain.AuditStats{
		TotalCount:         int64(len(matched)),
		CountsByAction:     make(map[string]int64),
		TopResources:       make([]domain.ResourceCount, 0, domain.TopResourcesLimit),
		CountsByStatusCode: make(map[int]int64),
	}
	byResource := make(map[string]int64)
	for _, e := range matched {
		stats.CountsByAction[string(e.Action)]++
		stats.CountsByStatusCode[e.StatusCode]++
		byResource[e.Resource]++
	}

	for res, n := range byResource {
		stats.TopResources = append(stats.TopResources, domain.ResourceCount{Resource: res, Count: n})
	}
	slices.SortFunc(stats.TopResources, func(a, b domain.ResourceCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Resource, b.Resource)
	})
	if len(stats.TopResources) > domain.TopResourcesLimit {
		stats.TopResources = stats.TopResources[:domain.TopResourcesLimit]
	}
	return stats, nil
}

func (r *AuditRepo) filter(f domain.AuditFilter) []audit.AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]audit.AuditEvent, 0, len(r.events))
	for _, e := range r.events {
		if matches(e, f) {
			out = append(out, e)
		}
	}
	return out
}

func matches(e audit.AuditEvent, f domain.AuditFilter) bool {
	switch {
	case f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID):
		return false
	case f.Action != "" && !strings.EqualFold(string(e.Action), f.Action):
		return false
	case f.Resource != "" && e.Resource != f.Resource:
		return false
	case f.StatusCode != nil && e.StatusCode != *f.StatusCode:
		return false
	case f.From != nil && e.Timestamp.Before(*f.From):
		return false
	case f.To != nil && e.Timestamp.After(*f.To):
		return false
	}
	return true
}
