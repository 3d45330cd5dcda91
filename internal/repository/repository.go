// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
// Переходы статусов выполняются одним guarded UPDATE (WHERE status = ...):
// переход либо применяется целиком, либо не применяется вовсе.
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
	// ErrStaleState — guarded UPDATE не затронул ни одной строки:
	// запись существует, но её статус уже изменён конкурирующей операцией.
	ErrStaleState = errors.New("статус записи изменён конкурирующей операцией")
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

// TxRepos — репозитории, привязанные к одной транзакции.
// Передаются в callback TxRunner.WithRepos: все операции над ними
// коммитятся или откатываются вместе.
type TxRepos struct {
	Quotes    QuoteRepository
	Policies  PolicyRepository
	Documents DocumentSetRepository
	Payments  PaymentRepository
}

// WithRepos выполняет fn с репозиториями, привязанными к одной транзакции.
func (r *TxRunner) WithRepos(ctx context.Context, fn func(repos TxRepos) error) error {
	return r.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(TxRepos{
			Quotes:    NewQuoteRepository(tx),
			Policies:  NewPolicyRepository(tx),
			Documents: NewDocumentSetRepository(tx),
			Payments:  NewPaymentRepository(tx),
		})
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

// statusStrings конвертирует срез типизированных статусов в []string
// для передачи в параметр ANY($n).
func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
