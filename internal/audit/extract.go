package audit

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	unknownIP       = "unknown"
	unknownResource = "unknown"
	apiPrefix       = "api"
)

// Служебные эндпоинты не аудируются вовсе.
var exemptPaths = map[string]struct{}{
	"/health":     {},
	"/healthz":    {},
	"/api/health": {},
	"/info":       {},
	"/api/info":   {},
}

// RequestContext - результат разбора метода и пути.
type RequestContext struct {
	Action     Action
	Resource   string
	ResourceID *string
	Skip       bool
}

// IsExempt - дешевая проверка, выполняется до любой другой работы.
func IsExempt(path string) bool {
	_, ok := exemptPaths[path]
	return ok
}

// Classify выводит действие, ресурс и его идентификатор из метода и пути.
func Classify(method, path string) RequestContext {
	if IsExempt(path) {
		return RequestContext{Skip: true}
	}

	rc := RequestContext{
		Action:   ActionFromMethod(method),
		Resource: unknownResource,
	}

	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if isIdentifier(seg) {
			// Берем первый встретившийся идентификатор
			if rc.ResourceID == nil {
				id := seg
				rc.ResourceID = &id
			}
			continue
		}
		if strings.EqualFold(seg, apiPrefix) {
			continue
		}
		// Ресурс - последний "смысловой" сегмент
		rc.Resource = seg
	}
	return rc
}

// ClientIP - первый адрес из X-Forwarded-For, иначе адрес соединения.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return unknownIP
}

func isIdentifier(seg string) bool {
	return isNumeric(seg) || isUUID(seg)
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// uuid.Parse принимает и urn/{}-формы, нам нужна только каноническая.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
