// middleware содержит HTTP-middleware сервиса: guard-слой аутентификации,
// проверку tenant-изоляции, контекстное логирование и перехват паник.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"crm-auth-service/internal/pkg/authctx"
	"crm-auth-service/internal/pkg/log"
	"crm-auth-service/internal/service"
)

// Authenticate — guard-слой запросов: извлекает bearer-токен, проверяет
// подпись/срок и актуальность против хранимого token_version и кладет
// аутентифицированного пользователя в контекст.
//
// Любая ветка отказа (нет токена, просрочен, версия устарела, пользователь
// отсутствует или неактивен) схлопывается в один и тот же ответ 401 —
// состояние учетной записи клиенту не раскрывается.
func Authenticate(svc *service.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			user, err := svc.AuthenticateAccess(r.Context(), token)
			if err != nil {
				log.From(r.Context()).Debug("authenticate_rejected",
					slog.String("err", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(authctx.Into(r.Context(), user)))
		})
	}
}

// bearerToken извлекает токен из заголовка Authorization.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}

	return ""
}

// writeJSONError пишет единый конверт ошибки {"error": "..."}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
