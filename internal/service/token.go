package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"crm-auth-service/internal/pkg/log"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Типы токенов в claims; токен одного типа не принимается на месте другого.
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type accessClaims struct {
	UserID         string `json:"uid"`
	Email          string `json:"email"`
	OrganizationID string `json:"org"`
	TokenVersion   int64  `json:"tv"`
	TokenType      string `json:"typ"`
	jwt.RegisteredClaims
}

type refreshClaims struct {
	TokenType string `json:"typ"`
	// Version — маркер ротации; совпадение с users.refresh_token_version
	// обязательно для принятия токена.
	Version string `json:"ver"`
	jwt.RegisteredClaims
}

// AccessClaims — проверенные претензии access-токена, отдаваемые guard-слою.
type AccessClaims struct {
	UserID         uuid.UUID
	Email          string
	OrganizationID uuid.UUID
	TokenVersion   int64
}

// generateAccessToken подписывает access-токен с указанной версией.
// Версия передается явно: при ротации подписывается token_version + 1
// до фиксации транзакции.
func (s *Service) generateAccessToken(ctx context.Context, userID, orgID uuid.UUID, email string, version int64, now time.Time) (string, error) {
	const op = "service.token.generateAccessToken"

	lg := log.From(ctx)

	claims := accessClaims{
		UserID:         userID.String(),
		Email:          email,
		OrganizationID: orgID.String(),
		TokenVersion:   version,
		TokenType:      tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.cfg.Issuer,
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings(s.cfg.Audience),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		lg.Error("access_token_sign_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// generateRefreshToken подписывает refresh-токен с зашитым маркером ротации.
func (s *Service) generateRefreshToken(ctx context.Context, userID uuid.UUID, version string, now time.Time) (string, error) {
	const op = "service.token.generateRefreshToken"

	lg := log.From(ctx)

	claims := refreshClaims{
		TokenType: tokenTypeRefresh,
		Version:   version,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.RefreshTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.cfg.Issuer,
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		lg.Error("refresh_token_sign_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// ParseAccessToken валидирует access-токен: подпись, срок, issuer/audience и тип.
// Соответствие версии хранимому token_version проверяет вызывающая сторона
// (AuthenticateAccess) — кодек не ходит в хранилище.
func (s *Service) ParseAccessToken(tokenStr string) (*AccessClaims, error) {
	const op = "service.token.ParseAccessToken"

	token, err := jwt.ParseWithClaims(tokenStr, &accessClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			}

			return []byte(s.cfg.JWTSecret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience...),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}

		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid || claims.TokenType != tokenTypeAccess {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	uid, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	orgID, err := uuid.Parse(claims.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return &AccessClaims{
		UserID:         uid,
		Email:          claims.Email,
		OrganizationID: orgID,
		TokenVersion:   claims.TokenVersion,
	}, nil
}

// parseRefreshToken валидирует refresh-токен и возвращает subject и маркер ротации.
func (s *Service) parseRefreshToken(tokenStr string) (uuid.UUID, string, error) {
	const op = "service.token.parseRefreshToken"

	token, err := jwt.ParseWithClaims(tokenStr, &refreshClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			}

			return []byte(s.cfg.JWTSecret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithIssuer(s.cfg.Issuer),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, "", fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}

		return uuid.Nil, "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*refreshClaims)
	if !ok || !token.Valid || claims.TokenType != tokenTypeRefresh || claims.Version == "" {
		return uuid.Nil, "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	uid, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return uid, claims.Version, nil
}

// newRotationMarker генерирует непредсказуемый и уникальный на каждый выпуск
// маркер ротации: случайные байты + наносекундная метка времени.
// Чистая метка времени недостаточна — она предсказуема.
func newRotationMarker() (string, error) {
	const op = "service.token.newRotationMarker"

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return base64.RawURLEncoding.EncodeToString(b) + "." +
		strconv.FormatInt(time.Now().UnixNano(), 36), nil
}
