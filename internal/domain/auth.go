package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims - claims токена, выпущенного внешним сервисом авторизации.
// Сервис аудита токены не выпускает, только проверяет.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true или "audit:read": true
	jwt.RegisteredClaims
}

// HasScope - admin открывает всё.
func (c *CustomClaims) HasScope(scope string) bool {
	return c.Scopes["admin"] || c.Scopes[scope]
}
