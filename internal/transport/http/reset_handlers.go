package http

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"crm-auth-service/internal/service"
)

type resetRequestBody struct {
	Email string `json:"email"`
}

type resetValidateBody struct {
	Token string `json:"token"`
}

type resetSubmitBody struct {
	Token           string `json:"token"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

// Единый текст подтверждения: одинаков для существующего и несуществующего
// email, чтобы ответ не выдавал наличие учетной записи.
const resetAckMessage = "If the account exists, a password reset link has been sent."

// handleResetRequest создает reset-токен и отвечает генеричным подтверждением.
func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	err := s.service.RequestPasswordReset(r.Context(), req.Email, clientIP(r), r.UserAgent())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"message": resetAckMessage})
}

// handleResetValidate проверяет reset-токен.
// Контракт: при невалидном/просроченном токене HTTP-ошибки нет —
// отдается {valid:false}. При прочих ошибках — 500.
func (s *Server) handleResetValidate(w http.ResponseWriter, r *http.Request) {
	var req resetValidateBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	email, err := s.service.ValidateResetToken(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, service.ErrResetTokenNotFound) {
			respondJSON(w, http.StatusOK, map[string]any{"valid": false})
			return
		}

		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"valid": true, "email": email})
}

// handleResetSubmit завершает восстановление пароля.
func (s *Server) handleResetSubmit(w http.ResponseWriter, r *http.Request) {
	var req resetSubmitBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := s.service.ResetPassword(r.Context(), req.Token, req.NewPassword, req.ConfirmPassword); err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

// clientIP возвращает адрес клиента без порта.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
