package postgres

/*
Файл audit_repo.go - PostgreSQL-адаптер журнала аудита.

- Запись: один многострочный INSERT на батч (по 1000 строк), ON CONFLICT (id) DO NOTHING
  делает повторную вставку того же события безопасной (replay из dead-letter).
- Ретраев внутри нет: решение принимает Gate по классу ошибки (errors.go).
- Чтение: фильтры + пагинация для админского API и auditctl.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/catalog-audit/internal/audit"
	"github.com/xela07ax/catalog-audit/internal/domain"
)

const (
	// Количество колонок в таблице audit_logs
	numFields = 15

	// 1000 * 15 = 15000 параметров, лимит протокола - 65535
	maxRowsPerInsert = 1000

	defaultAcquireTimeout = 3 * time.Second
)

const insertColumns = "id, actor_id, action, resource, resource_id, method, path, status_code, " +
	"client_ip, user_agent, request_payload, response_payload, duration_ms, error_message, timestamp"

const selectColumns = "id::text, actor_id, action, resource, resource_id, method, path, status_code, " +
	"client_ip, user_agent, request_payload, response_payload, duration_ms, error_message, timestamp"

type PoolConfig struct {
	URL            string
	MaxConns       int32
	MinConns       int32
	AcquireTimeout time.Duration // сколько ждем свободное соединение, потом KindPoolExhausted
}

type AuditRepo struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewAuditRepo создает пул и проверяет соединение.
func NewAuditRepo(ctx context.Context, cfg PoolConfig) (*AuditRepo, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	repo := NewAuditRepoFromPool(pool)
	if cfg.AcquireTimeout > 0 {
		repo.acquireTimeout = cfg.AcquireTimeout
	}
	return repo, nil
}

func NewAuditRepoFromPool(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool, acquireTimeout: defaultAcquireTimeout}
}

func (r *AuditRepo) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping проверяет доступность базы при старте
func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *AuditRepo) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// WriteBatch сохраняет пачку событий. Ошибка всегда *audit.PersistError.
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	// 1. Соединение берем явно: таймаут ожидания пула - отдельный класс ошибки
	acqCtx, cancel := context.WithTimeout(ctx, r.acquireTimeout)
	conn, err := r.pool.Acquire(acqCtx)
	cancel()
	if err != nil {
		return classifyAcquireError(err)
	}
	defer conn.Release()

	// 2. Вставляем кусками, чтобы не упереться в лимит параметров
	for start := 0; start < len(events); start += maxRowsPerInsert {
		chunk := events[start:min(start+maxRowsPerInsert, len(events))]

		query, args, err := buildInsert(chunk)
		if err != nil {
			return audit.NewPersistError(audit.KindUnknown, err)
		}
		if _, err := conn.Exec(ctx, query, args...); err != nil {
			return ClassifyError(fmt.Errorf("postgres: insert audit batch: %w", err))
		}
	}
	return nil
}

// buildInsert динамически строит запрос для пакетной вставки.
func buildInsert(events []audit.AuditEvent) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO audit_logs (" + insertColumns + ") VALUES ")

	args := make([]any, 0, len(events)*numFields)
	for i, e := range events {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for f := 1; f <= numFields; f++ {
			if f > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*numFields+f)
		}
		sb.WriteByte(')')

		reqJSON, err := marshalPayload(e.RequestPayload)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: marshal request payload of %s: %w", e.ID, err)
		}
		respJSON, err := marshalPayload(e.ResponsePayload)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: marshal response payload of %s: %w", e.ID, err)
		}

		args = append(args,
			e.ID, e.ActorID, string(e.Action), e.Resource, e.ResourceID,
			e.Method, e.Path, e.StatusCode, e.ClientIP, e.UserAgent,
			reqJSON, respJSON, e.DurationMs, e.ErrorMessage, e.Timestamp,
		)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")
	return sb.String(), args, nil
}

// marshalPayload: nil -> SQL NULL, а не JSON null.
func marshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// QueryLogs - выборка журнала, новые записи первыми. Возвращает страницу и общее количество.
func (r *AuditRepo) QueryLogs(ctx context.Context, f domain.AuditFilter, p domain.Pagination) ([]audit.AuditEvent, int64, error) {
	where, args := buildWhere(f)

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count audit logs: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM audit_logs%s ORDER BY timestamp DESC, id LIMIT $%d OFFSET $%d",
		selectColumns, where, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: query audit logs: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	events := make([]audit.AuditEvent, 0, p.Limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: iterate audit logs: %w", err)
	}
	return events, total, nil
}

func scanEvent(row pgx.Row) (audit.AuditEvent, error) {
	var (
		ev         audit.AuditEvent
		action     string
		reqPayload []byte
		resPayload []byte
	)
	err := row.Scan(
		&ev.ID, &ev.ActorID, &action, &ev.Resource, &ev.ResourceID,
		&ev.Method, &ev.Path, &ev.StatusCode, &ev.ClientIP, &ev.UserAgent,
		&reqPayload, &resPayload, &ev.DurationMs, &ev.ErrorMessage, &ev.Timestamp,
	)
	if err != nil {
		return ev, fmt.Errorf("postgres: scan audit log: %w", err)
	}
	ev.Action = audit.Action(action)

	if ev.RequestPayload, err = unmarshalPayload(reqPayload); err != nil {
		return ev, err
	}
	if ev.ResponsePayload, err = unmarshalPayload(resPayload); err != nil {
		return ev, err
	}
	return ev, nil
}

func unmarshalPayload(raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := audit.DecodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("postgres: decode payload: %w", err)
	}
	return v, nil
}

// Stats - агрегаты по журналу с теми же фильтрами, что и QueryLogs.
func (r *AuditRepo) Stats(ctx context.Context, f domain.AuditFilter) (*domain.AuditStats, error) {
	where, args := buildWhere(f)
	stats := &domain.AuditStats{
		CountsByAction:     make(map[string]int64),
		TopResources:       make([]domain.ResourceCount, 0, domain.TopResourcesLimit),
		CountsByStatusCode: make(map[int]int64),
	}

	// 1. Общее количество
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&stats.TotalCount); err != nil {
		return nil, fmt.Errorf("postgres: count audit logs: %w", err)
	}

	// 2. Остальные агрегаты отправляем одним round-trip
	batch := &pgx.Batch{}
	batch.Queue("SELECT action, COUNT(*) FROM audit_logs"+where+" GROUP BY action", args...)
	batch.Queue(fmt.Sprintf("SELECT resource, COUNT(*) AS cnt FROM audit_logs%s GROUP BY resource ORDER BY cnt DESC, resource LIMIT %d",
		where, domain.TopResourcesLimit), args...)
	batch.Queue("SELECT status_code, COUNT(*) FROM audit_logs"+where+" GROUP BY status_code", args...)

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	if err := collectCounts(br, func(rows pgx.Rows) error {
		var action string
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return err
		}
		stats.CountsByAction[action] = n
		return nil
	}); err != nil {
		return nil, fmt.Errorf("postgres: counts by action: %w", err)
	}

	if err := collectCounts(br, func(rows pgx.Rows) error {
		var rc domain.ResourceCount
		if err := rows.Scan(&rc.Resource, &rc.Count); err != nil {
			return err
		}
		stats.TopResources = append(stats.TopResources, rc)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("postgres: top resources: %w", err)
	}

	if err := collectCounts(br, func(rows pgx.Rows) error {
		var code int
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return err
		}
		stats.CountsByStatusCode[code] = n
		return nil
	}); err != nil {
		return nil, fmt.Errorf("postgres: counts by status: %w", err)
	}

	return stats, nil
}

func collectCounts(br pgx.BatchResults, scan func(pgx.Rows) error) error {
	rows, err := br.Query()
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// buildWhere собирает WHERE с позиционными параметрами. Пустой фильтр - пустая строка.
func buildWhere(f domain.AuditFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", strings.ToUpper(f.Action))
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if f.StatusCode != nil {
		add("status_code = $%d", *f.StatusCode)
	}
	if f.From != nil {
		add("timestamp >= $%d", *f.From)
	}
	if f.To != nil {
		add("timestamp <= $%d", *f.To)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
