package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crm-auth-service/internal/metrics"
	"crm-auth-service/internal/models"
	"crm-auth-service/internal/pkg/log"
	"crm-auth-service/internal/storage"
)

// RefreshSession ротирует пару токенов по refresh-токену.
//
// Вся последовательность чтение-проверка-запись выполняется одной
// транзакцией SERIALIZABLE: из N конкурентных ротаций одного и того же
// токена ровно одна побеждает; остальные при повторе наблюдают уже
// записанную новую версию и классифицируются как replay. Вне транзакции
// та же гонка позволила бы двум вызовам прочитать одну и ту же версию,
// пройти проверку хэша и молча выдать две живые сессии.
//
// Исходы:
//   - успех: новая пара, token_version инкрементирован, старый refresh-токен
//     больше никогда не принимается (его версия не совпадает с хранимой);
//   - replay (версия не совпала): все сессии пользователя закрываются —
//     очистка refresh-полей и инкремент token_version ФИКСИРУЮТСЯ,
//     возвращается ErrReplayDetected;
//   - несовпадение хэша/прочее: генеричный ErrInvalidToken, откат без следов.
//
// Транзакция ограничена по времени (cfg.RefreshTxTimeout): зависшая ротация
// закрывается с ошибкой, частично примененных изменений не остается.
func (s *Service) RefreshSession(ctx context.Context, rawRefresh string) (*models.TokenPair, *models.AuthenticatedUser, error) {
	const op = "service.refresh.RefreshSession"

	lg := log.From(ctx)

	userID, presentedVersion, err := s.parseRefreshToken(rawRefresh)
	if err != nil {
		s.observer.Refresh(metrics.OutcomeInvalidToken)
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	txCtx := ctx
	if s.cfg.RefreshTxTimeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, s.cfg.RefreshTxTimeout)
		defer cancel()
	}

	var (
		pair     *models.TokenPair
		public   *models.AuthenticatedUser
		replayed bool
	)

	err = s.storage.WithinSerializable(txCtx, func(ctx context.Context, st storage.Storage) error {
		// fn перезапускается при конфликте сериализации — все результаты
		// вычисляются заново от чистого состояния.
		pair, public, replayed = nil, nil, false

		user, err := st.UserByID(ctx, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrInvalidToken
			}

			return err
		}

		if !user.IsActive {
			return ErrUserInactive
		}

		// Replay: хранимая версия есть, но предъявлена другая — токен уже
		// был ротирован, значит предъявлен украденный или задублированный
		// экземпляр. Закрываем все сессии и ФИКСИРУЕМ это.
		if user.RefreshTokenVersion != nil && *user.RefreshTokenVersion != presentedVersion {
			if err := st.InvalidateTokens(ctx, user.ID); err != nil {
				return err
			}

			replayed = true
			return nil
		}

		// Хэш: версия совпала (или сессии нет вовсе) — значение токена
		// обязано сойтись с хранимым хэшем.
		if user.RefreshTokenHash == nil || !checkToken(*user.RefreshTokenHash, rawRefresh) {
			return ErrInvalidToken
		}

		now := time.Now().UTC()
		newVersion := user.TokenVersion + 1

		marker, err := newRotationMarker()
		if err != nil {
			return err
		}

		newRefresh, err := s.generateRefreshToken(ctx, user.ID, marker, now)
		if err != nil {
			return err
		}

		newAccess, err := s.generateAccessToken(ctx, user.ID, user.OrganizationID, user.Email, newVersion, now)
		if err != nil {
			return err
		}

		newHash, err := hashToken(newRefresh)
		if err != nil {
			return err
		}

		rot := storage.RefreshRotation{
			TokenHash:        newHash,
			TokenVersion:     marker,
			IssuedAt:         now,
			BumpTokenVersion: true,
		}
		if err := st.StoreRefreshRotation(ctx, user.ID, rot); err != nil {
			return err
		}

		pair = &models.TokenPair{
			AccessToken:     newAccess,
			RefreshToken:    newRefresh,
			AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
		}
		public = user.Public()

		return nil
	})

	// События и метрики — только после фиксации/отката транзакции.
	switch {
	case err != nil:
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrUserInactive) {
			lg.Warn("refresh_invalid_token",
				slog.String("op", op),
				slog.String("user_id", userID.String()),
			)
			s.observer.Refresh(metrics.OutcomeInvalidToken)
		} else {
			s.observer.Refresh(metrics.OutcomeError)
		}

		return nil, nil, fmt.Errorf("%s: %w", op, err)

	case replayed:
		lg.Warn("refresh_replay_detected",
			slog.String("op", op),
			slog.String("user_id", userID.String()),
		)
		s.observer.Refresh(metrics.OutcomeReplayDetected)

		return nil, nil, fmt.Errorf("%s: %w", op, ErrReplayDetected)
	}

	lg.Info("refresh_ok",
		slog.String("op", op),
		slog.String("user_id", userID.String()),
	)
	s.observer.Refresh(metrics.OutcomeSuccess)

	return pair, public, nil
}
