package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crm-auth-service/internal/models"
	"crm-auth-service/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// SaveResetToken сохраняет новую строку reset-токена.
func (s *Storage) SaveResetToken(ctx context.Context, token *models.PasswordResetToken) error {
	const op = "storage.postgres.SaveResetToken"

	query := `
		INSERT INTO password_reset_tokens(
			id, user_id, organization_id, email, token_hash,
			ip_address, user_agent, used_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.Exec(ctx, query,
		token.ID,
		token.UserID,
		token.OrganizationID,
		token.Email,
		token.TokenHash,
		token.IPAddress,
		token.UserAgent,
		token.UsedAt,
		token.ExpiresAt,
		token.CreatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// LiveResetTokens возвращает неиспользованные и непросроченные строки.
// Хэш токена односторонний, поэтому кандидаты перебираются вызывающей
// стороной; выборка ограничена живыми строками, объем которых мал.
func (s *Storage) LiveResetTokens(ctx context.Context, now time.Time) ([]models.PasswordResetToken, error) {
	const op = "storage.postgres.LiveResetTokens"

	query := `
		SELECT id, user_id, organization_id, email, token_hash,
			ip_address, user_agent, used_at, expires_at, created_at
		FROM password_reset_tokens
		WHERE used_at IS NULL AND expires_at > $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var tokens []models.PasswordResetToken
	for rows.Next() {
		var t models.PasswordResetToken
		if err := rows.Scan(
			&t.ID,
			&t.UserID,
			&t.OrganizationID,
			&t.Email,
			&t.TokenHash,
			&t.IPAddress,
			&t.UserAgent,
			&t.UsedAt,
			&t.ExpiresAt,
			&t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		tokens = append(tokens, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return tokens, nil
}

// CountRecentResetTokens считает строки по email, созданные после since.
// Используется для rate-limit по спискам (email, created_at).
func (s *Storage) CountRecentResetTokens(ctx context.Context, email string, since time.Time) (int, error) {
	const op = "storage.postgres.CountRecentResetTokens"

	query := `
		SELECT COUNT(*)
		FROM password_reset_tokens
		WHERE email = $1 AND created_at > $2
	`

	var count int
	if err := s.db.QueryRow(ctx, query, email, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return count, nil
}

// MarkResetTokenUsed выставляет used_at ровно один раз.
// Уже использованная строка трактуется как отсутствующая.
func (s *Storage) MarkResetTokenUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	const op = "storage.postgres.MarkResetTokenUsed"

	query := `
		UPDATE password_reset_tokens
		SET used_at = $2
		WHERE id = $1 AND used_at IS NULL
	`

	cmdTag, err := s.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// DeleteStaleResetTokens удаляет просроченные строки и строки старше
// грейс-окна независимо от expires_at.
func (s *Storage) DeleteStaleResetTokens(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	const op = "storage.postgres.DeleteStaleResetTokens"

	query := `
		DELETE FROM password_reset_tokens
		WHERE expires_at < $1 OR created_at < $2
	`

	cmdTag, err := s.db.Exec(ctx, query, now, now.Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return cmdTag.RowsAffected(), nil
}
