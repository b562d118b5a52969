package middleware

import (
	"log/slog"
	"net/http"

	"crm-auth-service/internal/pkg/authctx"
	"crm-auth-service/internal/pkg/log"

	"github.com/google/uuid"
)

// RequireTenant — предусловие tenant-изоляции: аутентифицированный контекст
// обязан нести разрешенный идентификатор организации (его кладет только
// Authenticate из проверенных claims). Отсутствие — ошибка конфигурации
// цепочки middleware, а не пользователя; отвечаем 403.
//
// Построчная фильтрация по организации остается обязанностью слоя данных:
// каждый tenant-scoped запрос включает organization_id в предикат.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := authctx.From(r.Context())
		if !ok || user.OrganizationID == uuid.Nil {
			log.From(r.Context()).Error("tenant_context_missing",
				slog.String("path", r.URL.Path),
			)
			writeJSONError(w, http.StatusForbidden, "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}
