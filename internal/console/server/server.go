package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/catalog-audit/internal/console/handler"
	"github.com/xela07ax/catalog-audit/internal/infra/auth"
)

// AuditReadScope - scope для чтения журнала аудита.
const AuditReadScope = "audit:read"

type Deps struct {
	// Интерсептор аудита; nil - аудит выключен конфигом
	Audit func(http.Handler) http.Handler

	// Проверка токенов (RS256); nil - auth не настроен, идентичность анонимная
	Validator auth.TokenValidator

	AuditHandler *handler.AuditHandler
	InfoHandler  *handler.InfoHandler
}

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	deps   Deps

	// Доменные роутеры (категории, атрибуты и т.д.), смонтированные через Mount
	api chi.Router
}

func New(logger *zap.Logger, deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.Named("http"),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- 2. Аудит: всё, что ниже, попадает в журнал (кроме служебных путей), ---
	// включая отказы аутентификации. actor_id аудит достает из слота claims.
	r.Use(auth.WithClaimsSlot)
	if s.deps.Audit != nil {
		r.Use(s.deps.Audit)
	}

	// --- 3. Идентичность ---
	if s.deps.Validator != nil {
		r.Use(auth.Authenticate(s.deps.Validator, s.logger))
	}

	r.Get("/health", s.deps.InfoHandler.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.deps.InfoHandler.Health)
		r.Get("/info", s.deps.InfoHandler.Info)

		// Чтение журнала - только со scope, если auth настроен
		r.Group(func(r chi.Router) {
			if s.deps.Validator != nil {
				r.Use(auth.RequireScope(AuditReadScope))
			}
			r.Get("/v1/audit-logs", s.deps.AuditHandler.List)
			r.Get("/v1/audit-logs/stats", s.deps.AuditHandler.Stats)
		})
		s.api = r
	})
}

// Mount подключает доменный роутер под /api. Его запросы проходят через аудит.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.api.Mount(pattern, h)
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
