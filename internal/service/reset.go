package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crm-auth-service/internal/metrics"
	"crm-auth-service/internal/models"
	"crm-auth-service/internal/pkg/log"
	"crm-auth-service/internal/pkg/redact"
	"crm-auth-service/internal/storage"

	"github.com/google/uuid"
)

// Длина случайного reset-токена в байтах до кодирования.
const resetTokenBytes = 32

// Окно, за которое считается лимит запросов восстановления по email.
const resetRateWindow = 24 * time.Hour

// RequestPasswordReset создает одноразовый токен восстановления пароля
// и передает его в канал доставки.
//
// Анти-перечисление: для несуществующего или неактивного email метод
// возвращает nil с тем же внешним поведением, что и для существующего, —
// причина остается только в логах. Для существующей записи, превысившей
// лимит запросов за 24 часа, возвращается явный ErrResetRateLimited:
// защита от перечисления касается существования записи, а не обратной
// связи об абьюзе заведомо известного аккаунта.
func (s *Service) RequestPasswordReset(ctx context.Context, email, ipAddress, userAgent string) error {
	const op = "service.reset.RequestPasswordReset"

	lg := log.From(ctx)

	normEmail, err := validateEmail(email)
	if err != nil {
		// Некорректный формат неотличим снаружи от несуществующего email.
		return nil
	}

	user, err := s.storage.UserByEmail(ctx, normEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			lg.Info("reset_request_unknown_email",
				slog.String("op", op),
				slog.String("email", redact.Email(normEmail)),
			)
			s.observer.ResetRequest(metrics.OutcomeSuccess)
			return nil
		}

		s.observer.ResetRequest(metrics.OutcomeError)
		return fmt.Errorf("%s: %w", op, err)
	}

	if !user.IsActive {
		lg.Info("reset_request_inactive_account",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
		)
		s.observer.ResetRequest(metrics.OutcomeSuccess)
		return nil
	}

	now := time.Now().UTC()

	recent, err := s.storage.CountRecentResetTokens(ctx, normEmail, now.Add(-resetRateWindow))
	if err != nil {
		s.observer.ResetRequest(metrics.OutcomeError)
		return fmt.Errorf("%s: %w", op, err)
	}

	if recent >= s.resetCfg.MaxPerDay {
		lg.Warn("reset_request_rate_limited",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
		)
		s.observer.ResetRequest(metrics.OutcomeRateLimited)
		return fmt.Errorf("%s: %w", op, ErrResetRateLimited)
	}

	rawToken, err := newResetToken()
	if err != nil {
		s.observer.ResetRequest(metrics.OutcomeError)
		return fmt.Errorf("%s: %w", op, err)
	}

	tokenHash, err := hashToken(rawToken)
	if err != nil {
		s.observer.ResetRequest(metrics.OutcomeError)
		return fmt.Errorf("%s: %w", op, err)
	}

	row := &models.PasswordResetToken{
		ID:             uuid.New(),
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Email:          normEmail,
		TokenHash:      tokenHash,
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
		ExpiresAt:      now.Add(s.resetCfg.TokenTTL),
		CreatedAt:      now,
	}

	if err := s.storage.SaveResetToken(ctx, row); err != nil {
		s.observer.ResetRequest(metrics.OutcomeError)
		return fmt.Errorf("%s: %w", op, err)
	}

	// Исходный токен уходит только в канал доставки; в логи и хранилище —
	// никогда.
	if s.mailer != nil {
		if err := s.mailer.SendPasswordReset(ctx, normEmail, rawToken); err != nil {
			lg.Error("reset_mail_send_failed",
				slog.String("op", op),
				slog.String("user_id", user.ID.String()),
				slog.String("err", err.Error()),
			)
		}
	}

	lg.Info("reset_request_ok",
		slog.String("op", op),
		slog.String("user_id", user.ID.String()),
	)
	s.observer.ResetRequest(metrics.OutcomeSuccess)

	return nil
}

// ValidateResetToken проверяет предъявленный reset-токен и возвращает
// email владельца. Хэш односторонний, по значению токен в БД не найти —
// перебираются все живые кандидаты с прямым сравнением.
func (s *Service) ValidateResetToken(ctx context.Context, rawToken string) (string, error) {
	const op = "service.reset.ValidateResetToken"

	row, err := s.matchResetToken(ctx, rawToken)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return row.Email, nil
}

// ResetPassword завершает восстановление: меняет пароль, закрывает все
// сессии пользователя и гасит reset-токен — тремя записями в одной
// транзакции. Токен не может остаться "неиспользованным" при смененном
// пароле, и пароль не может смениться без сожженного токена.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword, confirmPassword string) error {
	const op = "service.reset.ResetPassword"

	lg := log.From(ctx)

	if newPassword != confirmPassword {
		return fmt.Errorf("%s: %w", op, ErrPasswordMismatch)
	}

	if err := validatePassword(newPassword); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	row, err := s.matchResetToken(ctx, rawToken)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.storage.UserByID(ctx, row.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrResetTokenNotFound)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if !user.IsActive {
		return fmt.Errorf("%s: %w", op, ErrResetTokenNotFound)
	}

	passwordHash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now().UTC()

	err = s.storage.WithinTx(ctx, func(ctx context.Context, st storage.Storage) error {
		if err := st.UpdatePassword(ctx, user.ID, passwordHash, now); err != nil {
			return err
		}

		// Конкурентный сброс мог сжечь токен первым — откатываемся.
		if err := st.MarkResetTokenUsed(ctx, row.ID, now); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrResetTokenNotFound
			}

			return err
		}

		return nil
	})
	if err != nil {
		s.observer.ResetCommit(metrics.OutcomeError)
		return fmt.Errorf("%s: %w", op, err)
	}

	lg.Info("password_reset_ok",
		slog.String("op", op),
		slog.String("user_id", user.ID.String()),
	)
	s.observer.ResetCommit(metrics.OutcomeSuccess)

	return nil
}

// CleanupExpiredResetTokens удаляет просроченные строки и строки старше
// грейс-окна. Обслуживающая операция для фонового janitor'а.
func (s *Service) CleanupExpiredResetTokens(ctx context.Context) (int64, error) {
	const op = "service.reset.CleanupExpiredResetTokens"

	count, err := s.storage.DeleteStaleResetTokens(ctx, time.Now().UTC(), s.resetCfg.GraceWindow)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return count, nil
}

// matchResetToken перебирает живые reset-токены и возвращает первую строку,
// чей хэш сошелся с предъявленным значением.
func (s *Service) matchResetToken(ctx context.Context, rawToken string) (*models.PasswordResetToken, error) {
	const op = "service.reset.matchResetToken"

	if rawToken == "" {
		return nil, ErrResetTokenNotFound
	}

	now := time.Now().UTC()

	candidates, err := s.storage.LiveResetTokens(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for i := range candidates {
		if candidates[i].Live(now) && checkToken(candidates[i].TokenHash, rawToken) {
			return &candidates[i], nil
		}
	}

	return nil, ErrResetTokenNotFound
}

// newResetToken генерирует случайный reset-токен фиксированной длины.
func newResetToken() (string, error) {
	const op = "service.reset.newResetToken"

	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
