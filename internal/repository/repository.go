// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
// Каждый репозиторий привязан к арендатору: все запросы фильтруются по tenant.
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
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Repos — набор репозиториев одного арендатора, работающих через общий DBTX.
type Repos struct {
	Files    FileReferenceRepository
	Requests FileRequestRepository
	Backends BackendEntryRepository
	Cache    CachedFileRepository
}

// NewRepos создаёт набор репозиториев арендатора поверх db.
func NewRepos(db DBTX, tenant string) Repos {
	return Repos{
		Files:    NewFileReferenceRepository(db, tenant),
		Requests: NewFileRequestRepository(db, tenant),
		Backends: NewBackendEntryRepository(db, tenant),
		Cache:    NewCachedFileRepository(db, tenant),
	}
}

// UnitOfWork — ограниченная единица работы одного арендатора.
// fn выполняется целиком в одной транзакции: ошибка fn откатывает все изменения.
type UnitOfWork interface {
	Do(ctx context.Context, tenant string, fn func(r Repos) error) error
}

// txUnitOfWork — реализация UnitOfWork поверх TxRunner.
type txUnitOfWork struct {
	runner *TxRunner
}

// NewUnitOfWork создаёт UnitOfWork для пула подключений.
func NewUnitOfWork(pool *pgxpool.Pool) UnitOfWork {
	return &txUnitOfWork{runner: NewTxRunner(pool)}
}

func (u *txUnitOfWork) Do(ctx context.Context, tenant string, fn func(r Repos) error) error {
	return u.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(NewRepos(tx, tenant))
	})
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// notFound преобразует pgx.ErrNoRows в ErrNotFound.
func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
