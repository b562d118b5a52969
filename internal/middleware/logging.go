package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"crm-auth-service/internal/pkg/log"

	"github.com/google/uuid"
)

// statusRecorder запоминает статус ответа для итоговой логзаписи.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger реализует логирование запросов с контекстным логгером.
//
// Поведение и формат логов:
//   - Вытягивает X-Request-Id из заголовков, иначе генерирует UUID;
//   - Кладет обогащенный *slog.Logger в context (pkg/log), чтобы он был
//     доступен глубже по стеку;
//   - После выполнения handler пишет одну строку уровня Info: msg="http",
//     status=<код>, dur=<время выполнения>.
//
// Логи не содержат чувствительных данных: только метод/путь/peer/request_id.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rid := r.Header.Get("X-Request-Id")
			if rid == "" {
				rid = uuid.NewString()
			}

			l := base.With(
				slog.String("request_id", rid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("peer", r.RemoteAddr),
			)
			ctx := log.Into(r.Context(), l)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			l.Info("http",
				slog.Int("status", rec.status),
				slog.Duration("dur", time.Since(start)),
			)
		})
	}
}
