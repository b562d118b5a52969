package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"crm-auth-service/internal/metrics"
	"crm-auth-service/internal/models"
	"crm-auth-service/internal/pkg/log"
	"crm-auth-service/internal/pkg/redact"
	"crm-auth-service/internal/storage"

	"github.com/google/uuid"
)

// RegisterUser регистрирует нового пользователя в организации orgID
// и сразу выпускает пару токенов.
func (s *Service) RegisterUser(ctx context.Context, email, password string, orgID uuid.UUID) (*models.TokenPair, *models.AuthenticatedUser, error) {
	const op = "service.auth.RegisterUser"

	normEmail, err := validateEmail(email)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if err := validatePassword(password); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	_, err = s.storage.UserByEmail(ctx, normEmail)
	if err == nil {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	hashedPassword, err := hashPassword(password)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:             uuid.New(),
		Email:          normEmail,
		OrganizationID: orgID,
		PasswordHash:   hashedPassword,
		IsActive:       true,
		TokenVersion:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.storage.SaveUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}

		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	return s.issueTokenPair(ctx, user)
}

// ValidateCredentials проверяет пару email+пароль и возвращает пользователя.
// Закрывается при любом несоответствии: отсутствие записи, неактивность,
// блокировка и неверный пароль наружу неразличимы.
func (s *Service) ValidateCredentials(ctx context.Context, email, password string) (*models.User, error) {
	const op = "service.auth.ValidateCredentials"

	lg := log.From(ctx)

	normEmail, err := validateEmail(email)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if len(password) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	user, err := s.storage.UserByEmail(ctx, normEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !user.IsActive {
		lg.Warn("login_inactive_account",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	now := time.Now().UTC()
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		lg.Warn("login_locked_account",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrAccountLocked)
	}

	if !checkPassword(user.PasswordHash, password) {
		if err := s.storage.RecordFailedLogin(ctx, user.ID, s.cfg.MaxFailedLogins, now.Add(s.cfg.LockDuration)); err != nil {
			lg.Error("record_failed_login_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
		}

		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if user.FailedLoginAttempts > 0 || user.LockedUntil != nil {
		if err := s.storage.ResetFailedLogins(ctx, user.ID); err != nil {
			lg.Error("reset_failed_logins_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
		}
	}

	return user, nil
}

// LoginUser выполняет вход по email+пароль и выпускает пару токенов.
func (s *Service) LoginUser(ctx context.Context, email, password string) (*models.TokenPair, *models.AuthenticatedUser, error) {
	const op = "service.auth.LoginUser"

	user, err := s.ValidateCredentials(ctx, email, password)
	if err != nil {
		// Отказ хранилища — не "неверные учетные данные": в счетчиках
		// серверные ошибки и отказы клиенту разведены.
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrAccountLocked) {
			s.observer.Login(metrics.OutcomeInvalidCredentials)
		} else {
			s.observer.Login(metrics.OutcomeError)
		}

		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	pair, public, err := s.issueTokenPair(ctx, user)
	if err != nil {
		s.observer.Login(metrics.OutcomeError)
		return nil, nil, err
	}

	s.observer.Login(metrics.OutcomeSuccess)
	log.From(ctx).Info("login_ok",
		slog.String("user_id", user.ID.String()),
		slog.String("email", redact.Email(user.Email)),
	)

	return pair, public, nil
}

// Logout закрывает активную сессию: очищает refresh-поля и инкрементирует
// token_version, так что и выданные access-токены умирают сразу, а не по TTL.
func (s *Service) Logout(ctx context.Context, userID uuid.UUID) error {
	const op = "service.auth.Logout"

	if err := s.storage.InvalidateTokens(ctx, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// InvalidateAllTokens принудительно закрывает все сессии пользователя.
// Используется потоком восстановления пароля и административными действиями.
// Идемпотентна: повторный вызов оставляет пользователя без активной сессии.
func (s *Service) InvalidateAllTokens(ctx context.Context, userID uuid.UUID) error {
	const op = "service.auth.InvalidateAllTokens"

	if err := s.storage.InvalidateTokens(ctx, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	log.From(ctx).Info("tokens_invalidated",
		slog.String("op", op),
		slog.String("user_id", userID.String()),
	)

	return nil
}

// ValidateRefreshTokenHash сверяет предъявленный refresh-токен с хранимым
// хэшем. Диагностическая операция, не используется на горячем пути.
func (s *Service) ValidateRefreshTokenHash(ctx context.Context, userID uuid.UUID, rawToken string) (bool, error) {
	const op = "service.auth.ValidateRefreshTokenHash"

	user, err := s.storage.UserByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if user.RefreshTokenHash == nil {
		return false, nil
	}

	return checkToken(*user.RefreshTokenHash, rawToken), nil
}

// AuthenticateAccess проверяет access-токен против текущего состояния
// учетной записи: подпись/срок, существование пользователя, активность
// и совпадение token_version. Любое несоответствие наружу неразличимо.
func (s *Service) AuthenticateAccess(ctx context.Context, accessToken string) (*models.AuthenticatedUser, error) {
	const op = "service.auth.AuthenticateAccess"

	lg := log.From(ctx)

	claims, err := s.ParseAccessToken(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.storage.UserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrUserInactive)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !user.IsActive {
		lg.Warn("access_inactive_account",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrUserInactive)
	}

	if user.TokenVersion != claims.TokenVersion {
		// Версия инкрементирована после выпуска токена: logout, ротация,
		// сброс пароля или детекция replay.
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return user.Public(), nil
}

// issueTokenPair выпускает новую пару access+refresh и персистит
// хэш/версию refresh-токена ДО возврата токенов вызывающей стороне:
// упавший между подписью и записью процесс не должен оставить клиенту
// токен, который хранилище не признает.
func (s *Service) issueTokenPair(ctx context.Context, user *models.User) (*models.TokenPair, *models.AuthenticatedUser, error) {
	const op = "service.auth.issueTokenPair"

	now := time.Now().UTC()

	accessToken, err := s.generateAccessToken(ctx, user.ID, user.OrganizationID, user.Email, user.TokenVersion, now)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	marker, err := newRotationMarker()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	refreshToken, err := s.generateRefreshToken(ctx, user.ID, marker, now)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	refreshHash, err := hashToken(refreshToken)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	rot := storage.RefreshRotation{
		TokenHash:      refreshHash,
		TokenVersion:   marker,
		IssuedAt:       now,
		TouchLastLogin: true,
	}
	if err := s.storage.StoreRefreshRotation(ctx, user.ID, rot); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.TokenPair{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
	}, user.Public(), nil
}

// validateEmail проверяет базовый формат email и обрезает пробелы снаружи.
func validateEmail(raw string) (string, error) {
	const op = "service.auth.validateEmail"

	email := strings.TrimSpace(raw)
	if email == "" {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	return strings.ToLower(email), nil
}

// validatePassword проверяет минимальные требования к паролю.
// Политика по умолчанию: длина >= 8, хотя бы одна строчная, заглавная, цифра и спецсимвол.
func validatePassword(pw string) error {
	const op = "service.auth.validatePassword"

	if len(pw) == 0 {
		return fmt.Errorf("%s: %w", op, ErrEmptyPassword)
	}

	if len([]rune(pw)) < 8 {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !(hasLower && hasUpper && hasDigit && hasSpecial) {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	return nil
}
