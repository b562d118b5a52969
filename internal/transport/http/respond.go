package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"crm-auth-service/internal/pkg/log"
	"crm-auth-service/internal/service"
)

// isDeadTokenError сообщает, что предъявленный токен мертв окончательно:
// ошибки этого семейства отвечают 401 и означают, что повторное
// предъявление того же значения никогда не пройдет.
func isDeadTokenError(err error) bool {
	return errors.Is(err, service.ErrInvalidToken) ||
		errors.Is(err, service.ErrTokenExpired) ||
		errors.Is(err, service.ErrReplayDetected) ||
		errors.Is(err, service.ErrUserInactive)
}

// respondJSON пишет тело ответа с данным статусом.
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError пишет единый конверт ошибки {"error": "..."}.
func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondServiceError транслирует типизированные ошибки сервиса в статусы.
//
// Намеренные схлопывания (анти-оракул):
//   - ErrReplayDetected, ErrUserInactive, ErrTokenExpired и ErrInvalidToken
//     отвечают одинаковым 401 "invalid token" — различие остается в логах;
//   - ErrAccountLocked неотличим от ErrInvalidCredentials.
//
// Прочие ошибки никогда не уходят клиенту с внутренними деталями:
// схлопываются в 500 "internal server error", оригинал логируется.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrAccountLocked):
		respondError(w, http.StatusUnauthorized, "invalid credentials")

	case errors.Is(err, service.ErrInvalidToken),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrReplayDetected),
		errors.Is(err, service.ErrUserInactive):
		respondError(w, http.StatusUnauthorized, "invalid token")

	case errors.Is(err, service.ErrEmailTaken):
		respondError(w, http.StatusConflict, "email already taken")

	case errors.Is(err, service.ErrResetRateLimited):
		respondError(w, http.StatusTooManyRequests, "too many password reset requests")

	case errors.Is(err, service.ErrPasswordMismatch):
		respondError(w, http.StatusBadRequest, "passwords do not match")

	case errors.Is(err, service.ErrInvalidEmail),
		errors.Is(err, service.ErrWeakPassword),
		errors.Is(err, service.ErrEmptyPassword):
		respondError(w, http.StatusBadRequest, "invalid input")

	case errors.Is(err, service.ErrResetTokenNotFound):
		respondError(w, http.StatusNotFound, "reset token not found")

	default:
		log.From(r.Context()).Error("internal_error",
			slog.String("err", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
