package auth

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/catalog-audit/internal/domain"
)

// TokenValidator - всё, что middleware нужно от проверки токенов
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey struct{}

type slotKey struct{}

// claimsSlot переживает смену контекста: Authenticate пишет в него claims,
// а middleware снаружи (аудит) читает их после того, как обработчик отработал.
type claimsSlot struct {
	claims *domain.CustomClaims
}

// WithClaimsSlot ставится снаружи аудита. Без него ActorID во внешнем
// middleware всегда nil, потому что Authenticate кладет claims в новый контекст.
func WithClaimsSlot(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), slotKey{}, &claimsSlot{})))
	})
}

// Authenticate кладет claims в контекст. Запрос без заголовка проходит анонимно
// (аудит запишет actor_id = NULL), невалидный токен - 401.
func Authenticate(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if slot, ok := r.Context().Value(slotKey{}).(*claimsSlot); ok {
				slot.claims = claims
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
		})
	}
}

// RequireScope пропускает только аутентифицированные запросы с нужным scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !claims.HasScope(scope) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClaimsFromContext(ctx context.Context) *domain.CustomClaims {
	if claims, ok := ctx.Value(ctxKey{}).(*domain.CustomClaims); ok {
		return claims
	}
	if slot, ok := ctx.Value(slotKey{}).(*claimsSlot); ok {
		return slot.claims
	}
	return nil
}

// ActorID - числовой ID пользователя из токена; nil для анонимных и нечисловых ID.
// Подходит как audit.ActorResolver.
func ActorID(r *http.Request) *int64 {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return nil
	}
	raw := claims.UserID
	if raw == "" {
		raw = claims.Subject
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}
