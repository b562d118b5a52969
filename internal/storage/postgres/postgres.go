package postgres

import (
	"context"
	"errors"
	"fmt"

	"crm-auth-service/internal/storage"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier — общий контракт *pgxpool.Pool и pgx.Tx; позволяет методам
// репозитория работать и вне, и внутри транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Storage struct {
	db   querier
	pool *pgxpool.Pool // nil для транзакционного среза
}

// Число повторов serializable-транзакции при конфликте сериализации.
const serializableAttempts = 3

// New создает новое подключение к PostgreSQL.
func New(ctx context.Context, dbURL string) (*Storage, error) {
	const op = "storage.postgres.New"

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: pool, pool: pool}, nil
}

// Close закрывает пул соединений.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithinSerializable выполняет fn в транзакции SERIALIZABLE с ограниченным
// числом повторов при конфликте сериализации. Проигравшая конкурентная
// ротация при повторе наблюдает уже записанную новую версию токена.
func (s *Storage) WithinSerializable(ctx context.Context, fn func(ctx context.Context, st storage.Storage) error) error {
	const op = "storage.postgres.WithinSerializable"

	if s.pool == nil {
		// Уже внутри транзакции.
		return fn(ctx, s)
	}

	var lastErr error
	for attempt := 0; attempt < serializableAttempts; attempt++ {
		err := s.runTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil {
			return nil
		}

		if isSerializationFailure(err) {
			lastErr = err
			continue
		}

		return err
	}

	return fmt.Errorf("%s: %w: %v", op, storage.ErrSerialization, lastErr)
}

// WithinTx выполняет fn в транзакции read committed.
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, st storage.Storage) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}

	return s.runTx(ctx, pgx.TxOptions{}, fn)
}

func (s *Storage) runTx(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context, st storage.Storage) error) error {
	const op = "storage.postgres.runTx"

	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	txStorage := &Storage{db: tx}

	if err := fn(ctx, txStorage); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.SerializationFailure
}

// Проверка на соответствие интерфейсу Storage.
var _ storage.Storage = (*Storage)(nil)
