package models

import "time"

// TokenPair — пара токенов, выдаваемая при аутентификации/ротации.
//
// Описание:
//   - AccessToken — короткоживущий JWT для доступа к API;
//   - RefreshToken — долгоживущий JWT с маркером ротации, который клиент
//     предъявляет для выпуска новой пары; на сервере хранится только
//     односторонний хэш его значения;
//   - AccessExpiresAt — момент истечения access-токена (UTC).
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
}
