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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const userColumns = `
	id, email, organization_id, password_hash, is_active,
	token_version, refresh_token_hash, refresh_token_version, refresh_token_issued_at,
	last_login_at, last_password_reset_at, failed_login_attempts, locked_until,
	created_at, updated_at
`

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.OrganizationID,
		&user.PasswordHash,
		&user.IsActive,
		&user.TokenVersion,
		&user.RefreshTokenHash,
		&user.RefreshTokenVersion,
		&user.RefreshTokenIssuedAt,
		&user.LastLoginAt,
		&user.LastPasswordResetAt,
		&user.FailedLoginAttempts,
		&user.LockedUntil,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// SaveUser создает нового пользователя в БД.
func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	const op = "storage.postgres.SaveUser"

	query := `
		INSERT INTO users(id, email, organization_id, password_hash, is_active,
			token_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.Exec(ctx, query,
		user.ID,
		user.Email,
		user.OrganizationID,
		user.PasswordHash,
		user.IsActive,
		user.TokenVersion,
		user.CreatedAt,
		user.UpdatedAt,
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

// UserByEmail находит пользователя по email.
func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.postgres.UserByEmail"

	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(s.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// UserByID находит пользователя по ID.
func (s *Storage) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const op = "storage.postgres.UserByID"

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// StoreRefreshRotation записывает refresh-поля пользователя одним UPDATE.
// При rot.BumpTokenVersion дополнительно инкрементируется token_version —
// ротация мгновенно инвалидирует все ранее выпущенные access-токены.
func (s *Storage) StoreRefreshRotation(ctx context.Context, userID uuid.UUID, rot storage.RefreshRotation) error {
	const op = "storage.postgres.StoreRefreshRotation"

	query := `
		UPDATE users
		SET refresh_token_hash = $2,
			refresh_token_version = $3,
			refresh_token_issued_at = $4,
			token_version = token_version + CASE WHEN $5 THEN 1 ELSE 0 END,
			last_login_at = CASE WHEN $6 THEN $4 ELSE last_login_at END,
			updated_at = now()
		WHERE id = $1
	`

	cmdTag, err := s.db.Exec(ctx, query,
		userID,
		rot.TokenHash,
		rot.TokenVersion,
		rot.IssuedAt,
		rot.BumpTokenVersion,
		rot.TouchLastLogin,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// InvalidateTokens очищает refresh-поля и инкрементирует token_version.
func (s *Storage) InvalidateTokens(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.postgres.InvalidateTokens"

	query := `
		UPDATE users
		SET refresh_token_hash = NULL,
			refresh_token_version = NULL,
			refresh_token_issued_at = NULL,
			token_version = token_version + 1,
			updated_at = now()
		WHERE id = $1
	`

	cmdTag, err := s.db.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// UpdatePassword меняет пароль и закрывает все выпущенные сессии пользователя.
func (s *Storage) UpdatePassword(ctx context.Context, userID uuid.UUID, passwordHash string, at time.Time) error {
	const op = "storage.postgres.UpdatePassword"

	query := `
		UPDATE users
		SET password_hash = $2,
			refresh_token_hash = NULL,
			refresh_token_version = NULL,
			refresh_token_issued_at = NULL,
			token_version = token_version + 1,
			last_password_reset_at = $3,
			failed_login_attempts = 0,
			locked_until = NULL,
			updated_at = now()
		WHERE id = $1
	`

	cmdTag, err := s.db.Exec(ctx, query, userID, passwordHash, at)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// RecordFailedLogin инкрементирует счетчик неудачных входов; при достижении
// threshold выставляет locked_until.
func (s *Storage) RecordFailedLogin(ctx context.Context, userID uuid.UUID, threshold int, lockUntil time.Time) error {
	const op = "storage.postgres.RecordFailedLogin"

	query := `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
			locked_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
			updated_at = now()
		WHERE id = $1
	`

	cmdTag, err := s.db.Exec(ctx, query, userID, threshold, lockUntil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// ResetFailedLogins сбрасывает счетчик неудачных входов и блокировку.
func (s *Storage) ResetFailedLogins(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.postgres.ResetFailedLogins"

	query := `
		UPDATE users
		SET failed_login_attempts = 0,
			locked_until = NULL,
			updated_at = now()
		WHERE id = $1
	`

	cmdTag, err := s.db.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}
