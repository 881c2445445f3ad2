package audit

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Action - тип операции, выводится из HTTP-метода.
type Action string

const (
	ActionRead    Action = "READ"
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionUnknown Action = "UNKNOWN"
)

// ActionFromMethod - фиксированная таблица соответствия метод -> действие.
func ActionFromMethod(method string) Action {
	switch method {
	case http.MethodGet:
		return ActionRead
	case http.MethodPost:
		return ActionCreate
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionUnknown
	}
}

// AuditEvent - одна запись о завершенном запросе.
// Создается только через NewEvent и после этого не меняется.
type AuditEvent struct {
	ID         string  `json:"id"`       // UUID события (PK, делает вставку идемпотентной)
	ActorID    *int64  `json:"actor_id"` // nil для анонимных запросов
	Action     Action  `json:"action"`
	Resource   string  `json:"resource"`
	ResourceID *string `json:"resource_id"`

	// Транспортные метаданные
	Method     string  `json:"method"`
	Path       string  `json:"path"`
	StatusCode int     `json:"status_code"`
	ClientIP   string  `json:"client_ip"`
	UserAgent  *string `json:"user_agent"`

	// Уже очищенные (Sanitize) деревья
	RequestPayload  any `json:"request_payload"`
	ResponsePayload any `json:"response_payload"`

	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage *string   `json:"error_message"` // только для status >= 400
	Timestamp    time.Time `json:"timestamp"`
}

// Ширины колонок audit_logs. Значения от клиента обрезаются до них в NewEvent:
// одна слишком длинная строка иначе роняет вставку всего батча.
const (
	maxMethodLen     = 16
	maxResourceLen   = 255
	maxResourceIDLen = 255
	maxClientIPLen   = 64
)

// Entry - сырые данные, которые пайплайн отдает интерсептору.
type Entry struct {
	ActorID         *int64
	Method          string
	Path            string
	StatusCode      int
	ClientIP        string
	UserAgent       string
	RequestPayload  any
	ResponsePayload any
	DurationMs      int64
}

// NewEvent собирает событие: классификация пути, санитизация payload, errorMessage.
// Санитизация происходит до того, как событие становится доступно кому-либо.
func NewEvent(e Entry, now time.Time) AuditEvent {
	rc := Classify(e.Method, e.Path)

	ev := AuditEvent{
		ID:              uuid.New().String(),
		ActorID:         e.ActorID,
		Action:          rc.Action,
		Resource:        ClampText(rc.Resource, maxResourceLen),
		Method:          ClampText(e.Method, maxMethodLen),
		Path:            CleanText(e.Path),
		StatusCode:      e.StatusCode,
		ClientIP:        ClampText(e.ClientIP, maxClientIPLen),
		RequestPayload:  Sanitize(e.RequestPayload),
		ResponsePayload: Sanitize(e.ResponsePayload),
		DurationMs:      e.DurationMs,
		Timestamp:       now,
	}
	if ev.ClientIP == "" {
		ev.ClientIP = unknownIP
	}
	if ev.DurationMs < 0 {
		ev.DurationMs = 0
	}
	if rc.ResourceID != nil {
		id := ClampText(*rc.ResourceID, maxResourceIDLen)
		ev.ResourceID = &id
	}
	if e.UserAgent != "" {
		ua := CleanText(e.UserAgent)
		ev.UserAgent = &ua
	}
	if e.StatusCode >= http.StatusBadRequest {
		// payload уже очищен, значит и сообщение из него тоже
		msg := errorMessage(e.StatusCode, ev.ResponsePayload)
		ev.ErrorMessage = &msg
	}
	return ev
}

// errorMessage берет "error" или "message" из JSON-ответа, иначе текст статуса.
func errorMessage(status int, response any) string {
	if m, ok := response.(map[string]any); ok {
		for _, key := range []string{"error", "message"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s
			}
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Request failed"
}
