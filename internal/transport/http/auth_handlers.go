package http

import (
	"encoding/json"
	"net/http"
	"time"

	"crm-auth-service/internal/models"
	"crm-auth-service/internal/pkg/authctx"

	"github.com/google/uuid"
)

type registerRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	OrganizationID string `json:"organizationId"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// authResponse — тело ответа login/register/refresh.
// Refresh-токен в тело не входит: он уходит HttpOnly-кукой.
type authResponse struct {
	AccessToken     string                    `json:"accessToken"`
	AccessExpiresAt time.Time                 `json:"accessExpiresAt"`
	User            *models.AuthenticatedUser `json:"user"`
}

// handleRegister регистрирует пользователя и возвращает пару токенов.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid input")
		return
	}

	pair, user, err := s.service.RegisterUser(r.Context(), req.Email, req.Password, orgID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	s.setRefreshCookie(w, pair.RefreshToken)
	respondJSON(w, http.StatusCreated, authResponse{
		AccessToken:     pair.AccessToken,
		AccessExpiresAt: pair.AccessExpiresAt,
		User:            user,
	})
}

// handleLogin аутентифицирует пользователя и возвращает новую пару токенов.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	pair, user, err := s.service.LoginUser(r.Context(), req.Email, req.Password)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	s.setRefreshCookie(w, pair.RefreshToken)
	respondJSON(w, http.StatusOK, authResponse{
		AccessToken:     pair.AccessToken,
		AccessExpiresAt: pair.AccessExpiresAt,
		User:            user,
	})
}

// handleRefresh ротирует пару токенов по refresh-токену из куки.
// Кука стирается только при отказах семейства 401: такой токен мертв
// и повторные предъявления бессмысленны. При серверной ошибке хранимая
// сессия все еще действительна, клиент вправе повторить запрос с той же
// кукой.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	pair, user, err := s.service.RefreshSession(r.Context(), cookie.Value)
	if err != nil {
		if isDeadTokenError(err) {
			s.clearRefreshCookie(w)
		}
		respondServiceError(w, r, err)
		return
	}

	s.setRefreshCookie(w, pair.RefreshToken)
	respondJSON(w, http.StatusOK, authResponse{
		AccessToken:     pair.AccessToken,
		AccessExpiresAt: pair.AccessExpiresAt,
		User:            user,
	})
}

// handleLogout закрывает сессию и стирает куку. Guard-слой уже проверил токен.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	user, ok := authctx.From(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	if err := s.service.Logout(r.Context(), user.ID); err != nil {
		respondServiceError(w, r, err)
		return
	}

	s.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleMe возвращает аутентифицированного пользователя.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := authctx.From(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	respondJSON(w, http.StatusOK, user)
}
