// authctx переносит аутентифицированного пользователя через context.
// Значение кладет только guard-слой (middleware.Authenticate) из проверенных
// claims access-токена; нижележащие обработчики читают его, не трогая токен.
package authctx

import (
	"context"

	"crm-auth-service/internal/models"
)

type ctxKey struct{}

// Into кладет пользователя в контекст.
func Into(ctx context.Context, u *models.AuthenticatedUser) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// From достает пользователя из контекста.
func From(ctx context.Context) (*models.AuthenticatedUser, bool) {
	u, ok := ctx.Value(ctxKey{}).(*models.AuthenticatedUser)
	return u, ok && u != nil
}
