// logging.go — журнал HTTP-запросов через slog.
// Каждая запись несёт request_id, маршрут chi и, после аутентификации,
// subject и tenant_id вызывающего.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HeaderRequestID — заголовок корреляции запроса.
const HeaderRequestID = "X-Request-ID"

// callerKey — ключ holder-а данных вызывающего.
type callerKey struct{}

// caller заполняется JWTAuth внутри цепочки, а читается RequestLogger
// после неё: контекст запроса наружу не возвращается.
type caller struct {
	subject string
	tenant  string
}

// recordCaller сохраняет вызывающего в holder, если его создал RequestLogger.
func recordCaller(ctx context.Context, subject, tenant string) {
	if c, ok := ctx.Value(callerKey{}).(*caller); ok {
		c.subject = subject
		c.tenant = tenant
	}
}

// responseWriter перехватывает статус и размер ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController (MaxBytesReader, flush).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger логирует каждый запрос. Уровень: INFO до 3xx, WARN 4xx, ERROR 5xx.
// Входящий X-Request-ID сохраняется, иначе генерируется UUID.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, requestID)

			c := &caller{}
			r = r.WithContext(context.WithValue(r.Context(), callerKey{}, c))
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", routePattern(r)),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if c.subject != "" {
				attrs = append(attrs, slog.String("subject", c.subject))
			}
			if c.tenant != "" {
				attrs = append(attrs, slog.String("tenant_id", c.tenant))
			}
			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}
