package handler

import (
	"net/http"
)

// AuditStatus - состояние конвейера аудита для /api/info.
type AuditStatus interface {
	Enabled() bool
	Pending() int
}

type InfoHandler struct {
	service string
	version string
	audit   AuditStatus
}

func NewInfoHandler(service, version string, a AuditStatus) *InfoHandler {
	return &InfoHandler{service: service, version: version, audit: a}
}

// Health - liveness, без обращения к БД
func (h *InfoHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Info: gate DISABLED виден здесь, пока процесс не перезапущен.
func (h *InfoHandler) Info(w http.ResponseWriter, _ *http.Request) {
	state := "ENABLED"
	if !h.audit.Enabled() {
		state = "DISABLED"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": h.service,
		"version": h.version,
		"audit": map[string]any{
			"gate_state":     state,
			"pending_events": h.audit.Pending(),
		},
	})
}
