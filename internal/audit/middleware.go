package audit

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// MaxBodyCapture - сколько байт тела запроса/ответа попадает в аудит (1MB).
const MaxBodyCapture = 1024 * 1024

// ActorResolver достает ID пользователя из запроса (после Auth middleware).
type ActorResolver func(r *http.Request) *int64

type Interceptor struct {
	auditor      Auditor
	logger       *zap.Logger
	resolveActor ActorResolver
	maxBody      int64
	now          func() time.Time
}

type InterceptorOption func(*Interceptor)

func WithActorResolver(fn ActorResolver) InterceptorOption {
	return func(i *Interceptor) { i.resolveActor = fn }
}

func WithMaxBody(n int64) InterceptorOption {
	return func(i *Interceptor) {
		if n > 0 {
			i.maxBody = n
		}
	}
}

func NewInterceptor(a Auditor, logger *zap.Logger, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		auditor:      a,
		logger:       logger.Named("audit-interceptor"),
		resolveActor: func(*http.Request) *int64 { return nil },
		maxBody:      MaxBodyCapture,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Capture - точка входа, не привязанная к net/http. Паника внутри аудита
// не должна доходить до пайплайна запроса.
func (i *Interceptor) Capture(e Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			i.logger.Error("audit capture panicked", zap.Any("panic", rec))
		}
	}()

	if !i.auditor.Enabled() || IsExempt(e.Path) {
		return
	}
	i.auditor.Log(NewEvent(e, i.now()))
}

// Middleware оборачивает обработчик: тело ответа дублируется в буфер (Tee),
// событие собирается после того, как статус и тело сформированы.
// Ответ клиенту не меняется.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Служебные пути и закрытый gate - ноль накладных расходов
		if IsExempt(r.URL.Path) || !i.auditor.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		start := i.now()
		reqBody := i.captureRequest(r)

		// 2. Перехватываем ответ через обертку chi
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		respBuf := &limitedBuffer{limit: i.maxBody}
		ww.Tee(respBuf)

		next.ServeHTTP(ww, r)

		// 3. Собираем событие
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := i.now().Sub(start).Milliseconds()
		i.captureSafely(func() Entry {
			return Entry{
				ActorID:         i.resolveActor(r),
				Method:          r.Method,
				Path:            r.URL.Path,
				StatusCode:      status,
				ClientIP:        ClientIP(r),
				UserAgent:       r.UserAgent(),
				RequestPayload:  decodePayload(reqBody),
				ResponsePayload: decodePayload(respBuf.Bytes()),
				DurationMs:      duration,
			}
		})
	})
}

// captureSafely: сборка Entry (resolver, разбор тел) тоже под recover.
func (i *Interceptor) captureSafely(build func() Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			i.logger.Error("audit entry build panicked", zap.Any("panic", rec))
		}
	}()
	i.Capture(build())
}

// captureRequest читает тело (не больше лимита) и возвращает его обработчику нетронутым.
func (i *Interceptor) captureRequest(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, i.maxBody))
	if err != nil {
		i.logger.Debug("failed to read request body for audit", zap.Error(err))
	}
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	if int64(len(head)) >= i.maxBody {
		// Обрезанный JSON все равно не распарсится
		return nil
	}
	return head
}

// decodePayload: JSON -> дерево, не-JSON -> строка (дальше её обрежет Sanitize).
func decodePayload(raw []byte) any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	v, err := DecodeJSON(raw)
	if err != nil {
		return string(raw)
	}
	return v
}

type readCloser struct {
	io.Reader
	io.Closer
}

// limitedBuffer копит не больше limit байт, остальное молча отбрасывает,
// чтобы Tee никогда не ломал запись клиенту.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if left := b.limit - int64(b.buf.Len()); left > 0 {
		if int64(len(p)) > left {
			b.buf.Write(p[:left])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	if b.truncated {
		return nil
	}
	return b.buf.Bytes()
}
