package http

import (
	"net/http"
)

// Имя HttpOnly-куки с refresh-токеном.
const refreshCookieName = "refresh_token"

// Кука ограничена путем /auth — браузер не шлет refresh-токен
// на остальные эндпоинты API.
const refreshCookiePath = "/auth"

// setRefreshCookie доставляет refresh-токен боковым каналом: HttpOnly-кука,
// SameSite=Strict, Secure вне локального окружения, срок жизни равен TTL токена.
func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		MaxAge:   int(s.cfg.Auth.RefreshTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.Env == "prod",
		SameSite: http.SameSiteStrictMode,
	})
}

// clearRefreshCookie стирает куку при logout или неудачной ротации.
func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.Env == "prod",
		SameSite: http.SameSiteStrictMode,
	})
}
