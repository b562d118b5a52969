package models

import (
	"time"

	"github.com/google/uuid"
)

// User — учетные данные пользователя CRM.
//
// Поля ротации refresh-токена:
//   - TokenVersion — монотонный счетчик; инкремент мгновенно инвалидирует
//     все ранее выпущенные access-токены пользователя;
//   - RefreshTokenHash — одностороннее хэш-отображение единственного
//     действующего refresh-токена; nil означает "нет активной сессии";
//   - RefreshTokenVersion — маркер ротации, зашитый в claims refresh-токена;
//     несовпадение с предъявленным токеном трактуется как повторное
//     использование уже ротированного (и потому скомпрометированного) токена.
//
// Инвариант: в любой момент у пользователя валидна не более одной версии
// refresh-токена; токен принимается, только если совпали и версия, и хэш.
type User struct {
	ID             uuid.UUID
	Email          string
	OrganizationID uuid.UUID
	PasswordHash   string
	IsActive       bool

	TokenVersion         int64
	RefreshTokenHash     *string
	RefreshTokenVersion  *string
	RefreshTokenIssuedAt *time.Time

	LastLoginAt         *time.Time
	LastPasswordResetAt *time.Time
	FailedLoginAttempts int
	LockedUntil         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuthenticatedUser — публичное представление пользователя,
// возвращаемое транспорту после аутентификации.
type AuthenticatedUser struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	OrganizationID uuid.UUID `json:"organizationId"`
}

// Public возвращает публичное представление пользователя.
func (u *User) Public() *AuthenticatedUser {
	return &AuthenticatedUser{
		ID:             u.ID,
		Email:          u.Email,
		OrganizationID: u.OrganizationID,
	}
}
