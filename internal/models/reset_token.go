package models

import (
	"time"

	"github.com/google/uuid"
)

// PasswordResetToken — одноразовый токен восстановления пароля.
//
// В TokenHash хранится только односторонний хэш случайного значения;
// исходный токен уходит в канал доставки (email) и нигде не сохраняется.
// UsedAt выставляется ровно один раз при успешном сбросе пароля.
type PasswordResetToken struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Email          string
	TokenHash      string
	IPAddress      string
	UserAgent      string
	UsedAt         *time.Time
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Live сообщает, пригоден ли токен к предъявлению на момент now:
// не использован и не просрочен.
func (t *PasswordResetToken) Live(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}
