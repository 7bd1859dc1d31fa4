// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrSerialization — транзакция отменена PostgreSQL из-за конфликта сериализации.
	ErrSerialization = errors.New("конфликт сериализации транзакции")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repos — набор репозиториев, привязанных к одному DBTX.
type Repos struct {
	Files        FileCatalogRepository
	Archive      FileArchiveRepository
	Quota        QuotaLedgerRepository
	Runs         ArchiveRunRepository
	Entitlements EntitlementRepository
}

// NewRepos создаёт репозитории поверх пула или транзакции.
func NewRepos(db DBTX) Repos {
	return Repos{
		Files:        NewFileCatalogRepository(db),
		Archive:      NewFileArchiveRepository(db),
		Quota:        NewQuotaLedgerRepository(db),
		Runs:         NewArchiveRunRepository(db),
		Entitlements: NewEntitlementRepository(db),
	}
}

// Transactor выполняет fn над репозиториями в одной транзакции
// с указанным уровнем изоляции.
type Transactor interface {
	InTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(r Repos) error) error
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTxWithOptions выполняет fn внутри транзакции с заданными опциями.
// При ошибке fn транзакция откатывается, при успехе коммитится.
func (r *TxRunner) RunInTxWithOptions(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return wrapTxError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка коммита транзакции: %w", wrapTxError(err))
	}
	return nil
}

// InTx реализует Transactor.
func (r *TxRunner) InTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(r Repos) error) error {
	return r.RunInTxWithOptions(ctx, pgx.TxOptions{IsoLevel: iso}, func(tx pgx.Tx) error {
		return fn(NewRepos(tx))
	})
}

// wrapTxError добавляет ErrSerialization к ошибкам 40001/40P01.
func wrapTxError(err error) error {
	if isSerializationFailure(err) && !errors.Is(err, ErrSerialization) {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return err
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isSerializationFailure — serialization_failure или deadlock_detected.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
