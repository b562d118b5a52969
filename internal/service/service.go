// service содержит бизнес-логику жизненного цикла аутентификационных сессий:
// проверку учетных данных, выпуск access/refresh-токенов, ротацию refresh-токена
// с детекцией повторного использования, принудительную инвалидацию сессий
// и поток восстановления пароля.
//
// Основные аспекты:
//   - Пакет не хранит состояние запроса внутри Service; экземпляр Service
//     безопасен для конкурентного использования из разных горутин при условии,
//     что переданное хранилище (storage.Storage) потокобезопасно.
//   - Единственная конкурентная опасность — гонка ротаций одного и того же
//     refresh-токена; она закрывается serializable-транзакцией в RefreshSession.
//   - Ошибки возвращаются типизированными и далее маппятся транспортом на
//     HTTP-статусы (см. комментарии к переменным ошибок ниже).
package service

import (
	"context"
	"errors"
	"log/slog"

	"crm-auth-service/internal/config"
	"crm-auth-service/internal/metrics"
	"crm-auth-service/internal/pkg/log"
	"crm-auth-service/internal/pkg/redact"
	"crm-auth-service/internal/storage"
)

var (
	// ErrInvalidCredentials — пара логин/пароль неверна, пользователь не найден
	// или учетная запись неактивна. Наружу не раскрывается, какая именно
	// причина сработала. Транспорт: HTTP 401.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken — токен (access/refresh) некорректен по формату/подписи/типу
	// или не совпал с хранимым хэшем. Намеренно не отличим снаружи от "не найден".
	// Транспорт: HTTP 401.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired — срок действия токена истёк.
	// Транспорт: HTTP 401 (тот же ответ, что и ErrInvalidToken).
	ErrTokenExpired = errors.New("token expired")

	// ErrReplayDetected — предъявлен refresh-токен с уже ротированной версией.
	// Все сессии пользователя принудительно закрываются. Для клиента ответ
	// неотличим от ErrInvalidToken (HTTP 401), но внутри событие логируется
	// и считается инцидентом безопасности.
	ErrReplayDetected = errors.New("refresh token reuse detected")

	// ErrUserInactive — учетная запись отключена или отсутствует на момент
	// проверки токена. Транспорт: HTTP 401 (единый ответ).
	ErrUserInactive = errors.New("user inactive or missing")

	// ErrAccountLocked — вход временно заблокирован по числу неудачных попыток.
	// Транспорт: HTTP 401 (единый ответ, причина только в логах).
	ErrAccountLocked = errors.New("account temporarily locked")

	// ErrEmailTaken — e-mail уже занят другим пользователем.
	// Транспорт: HTTP 409.
	ErrEmailTaken = errors.New("email already taken")

	// ErrResetRateLimited — для существующей учетной записи превышен лимит
	// запросов восстановления пароля за 24 часа. Транспорт: HTTP 429.
	// Асимметрия с анти-перечислением намеренная: для несуществующего email
	// ответ всегда генеричный, для атакуемой существующей записи — явный.
	ErrResetRateLimited = errors.New("too many password reset requests")

	// ErrPasswordMismatch — новый пароль и подтверждение не совпадают.
	// Транспорт: HTTP 400.
	ErrPasswordMismatch = errors.New("passwords do not match")

	// ErrResetTokenNotFound — reset-токен не найден, просрочен или использован.
	// Транспорт: HTTP 404.
	ErrResetTokenNotFound = errors.New("reset token not found")

	// ErrInvalidEmail — e-mail имеет некорректный формат.
	// Транспорт: HTTP 400.
	ErrInvalidEmail = errors.New("invalid email format")

	// ErrWeakPassword — пароль не удовлетворяет политикам сложности.
	// Транспорт: HTTP 400.
	ErrWeakPassword = errors.New("password is too weak")

	// ErrEmptyPassword — пароль пустой.
	// Транспорт: HTTP 400.
	ErrEmptyPassword = errors.New("password is empty")
)

// Mailer — канал доставки исходного reset-токена пользователю.
// Реализация (email и т.п.) живет за пределами сервиса; сервис гарантирует,
// что исходный токен не попадает ни в хранилище, ни в логи.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, rawToken string) error
}

// LogMailer — канал доставки по умолчанию: реальная отправка не
// сконфигурирована, поэтому факт выдачи токена фиксируется предупреждением
// в логах. Исходный токен в запись не попадает, email редактируется.
type LogMailer struct{}

func (LogMailer) SendPasswordReset(ctx context.Context, email, _ string) error {
	log.From(ctx).Warn("reset_mail_delivery_unconfigured",
		slog.String("email", redact.Email(email)),
	)

	return nil
}

// Service реализует ядро сессий и поток восстановления пароля.
type Service struct {
	storage  storage.Storage
	cfg      config.AuthConfig
	resetCfg config.ResetConfig
	mailer   Mailer               // может быть nil, если доставка не сконфигурирована
	observer *metrics.AuthMetrics // может быть nil
}

// New создаёт новый экземпляр Service.
func New(storage storage.Storage, cfg config.AuthConfig, resetCfg config.ResetConfig) *Service {
	return &Service{
		storage:  storage,
		cfg:      cfg,
		resetCfg: resetCfg,
	}
}

// SetMailer устанавливает канал доставки reset-токенов (опционально).
func (s *Service) SetMailer(m Mailer) {
	s.mailer = m
}

// SetMetrics устанавливает счетчики событий аутентификации (опционально).
func (s *Service) SetMetrics(m *metrics.AuthMetrics) {
	s.observer = m
}
