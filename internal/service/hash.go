package service

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// hashPassword хэширует пароль с помощью bcrypt.
func hashPassword(password string) (string, error) {
	const op = "service.hash.hashPassword"

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(bytes), nil
}

// checkPassword сравнивает пароль с хэшем.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// tokenFingerprint сворачивает токен произвольной длины в детерминированный
// отпечаток фиксированного размера. bcrypt отклоняет вход длиннее 72 байт,
// а refresh-токен (JWT) заметно длиннее, поэтому хэшируется отпечаток.
func tokenFingerprint(raw string) []byte {
	sum := sha256.Sum256([]byte(raw))
	return []byte(base64.RawURLEncoding.EncodeToString(sum[:]))
}

// hashToken строит односторонний хэш токена (refresh/reset) для хранения.
// По хэшу нельзя найти токен запросом к БД — сравнение только прямое.
func hashToken(raw string) (string, error) {
	const op = "service.hash.hashToken"

	bytes, err := bcrypt.GenerateFromPassword(tokenFingerprint(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(bytes), nil
}

// checkToken сравнивает предъявленный токен с хранимым хэшем.
func checkToken(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), tokenFingerprint(raw)) == nil
}
