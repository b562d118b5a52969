package storage

import (
	"context"
	"errors"
	"time"

	"crm-auth-service/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound — запись не найдена (пользователь/reset-токен).
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists — нарушение уникальности (email/reset-токен).
	ErrAlreadyExists = errors.New("already exists")
	// ErrSerialization — конфликт serializable-транзакций; вызывающая
	// сторона может повторить транзакцию целиком.
	ErrSerialization = errors.New("serialization conflict")
)

// RefreshRotation — набор полей, записываемых при выпуске/ротации
// refresh-токена. Все поля пишутся одним UPDATE.
type RefreshRotation struct {
	TokenHash    string
	TokenVersion string
	IssuedAt     time.Time
	// BumpTokenVersion — инкрементировать users.token_version в том же UPDATE
	// (ротация при refresh); при первичном входе не инкрементируется.
	BumpTokenVersion bool
	// TouchLastLogin — обновить last_login_at (вход по паролю).
	TouchLastLogin bool
}

// UserStorage выполняет операции над учетными записями.
type UserStorage interface {
	// SaveUser создает нового пользователя.
	SaveUser(ctx context.Context, user *models.User) error
	// UserByEmail находит пользователя по email.
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	// UserByID находит пользователя по ID.
	UserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	// StoreRefreshRotation записывает хэш/версию/issued_at refresh-токена.
	StoreRefreshRotation(ctx context.Context, userID uuid.UUID, rot RefreshRotation) error
	// InvalidateTokens очищает refresh_token_hash/refresh_token_version и
	// инкрементирует token_version. Идемпотентна.
	InvalidateTokens(ctx context.Context, userID uuid.UUID) error
	// UpdatePassword меняет хэш пароля, инкрементирует token_version,
	// очищает refresh-поля и выставляет last_password_reset_at.
	UpdatePassword(ctx context.Context, userID uuid.UUID, passwordHash string, at time.Time) error
	// RecordFailedLogin инкрементирует счетчик неудачных входов и, при
	// достижении порога threshold, блокирует вход до lockUntil.
	RecordFailedLogin(ctx context.Context, userID uuid.UUID, threshold int, lockUntil time.Time) error
	// ResetFailedLogins сбрасывает счетчик и снимает блокировку.
	ResetFailedLogins(ctx context.Context, userID uuid.UUID) error
}

// ResetTokenStorage выполняет операции над токенами восстановления пароля.
type ResetTokenStorage interface {
	// SaveResetToken сохраняет новую строку reset-токена.
	SaveResetToken(ctx context.Context, token *models.PasswordResetToken) error
	// LiveResetTokens возвращает неиспользованные и непросроченные строки.
	// Хэш односторонний, поэтому поиск по значению невозможен — вызывающая
	// сторона сверяет предъявленный токен с каждым кандидатом.
	LiveResetTokens(ctx context.Context, now time.Time) ([]models.PasswordResetToken, error)
	// CountRecentResetTokens считает строки по email, созданные после since.
	CountRecentResetTokens(ctx context.Context, email string, since time.Time) (int, error)
	// MarkResetTokenUsed выставляет used_at; ErrNotFound, если строка
	// отсутствует или уже использована.
	MarkResetTokenUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	// DeleteStaleResetTokens удаляет просроченные строки и строки старше
	// грейс-окна; возвращает число удаленных.
	DeleteStaleResetTokens(ctx context.Context, now time.Time, grace time.Duration) (int64, error)
}

// Storage задает контракт работы с БД.
type Storage interface {
	UserStorage
	ResetTokenStorage

	// WithinSerializable выполняет fn в транзакции с уровнем изоляции
	// SERIALIZABLE. Переданный fn получает Storage, привязанный к транзакции.
	// Конфликты сериализации возвращаются как ErrSerialization; fn может
	// быть вызван повторно, поэтому не должен иметь внешних побочных эффектов.
	WithinSerializable(ctx context.Context, fn func(ctx context.Context, s Storage) error) error
	// WithinTx выполняет fn в транзакции read committed.
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Storage) error) error

	Close()
}
