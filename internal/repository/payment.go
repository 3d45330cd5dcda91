package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
)

// PaymentRepository — интерфейс доступа к таблице payments.
type PaymentRepository interface {
	// Create создаёт платёж. transaction_id уникален:
	// повторная регистрация той же транзакции — ErrConflict.
	Create(ctx context.Context, p *model.Payment) error
	// GetByID возвращает платёж по UUID.
	GetByID(ctx context.Context, id string) (*model.Payment, error)
	// GetByTransactionID возвращает платёж по идентификатору транзакции шлюза.
	GetByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error)
	// ListByQuote возвращает все платежи котировки (новые первыми).
	ListByQuote(ctx context.Context, quoteID string) ([]*model.Payment, error)
	// Transition выполняет guarded-переход статуса платежа.
	Transition(ctx context.Context, id string, from []model.PaymentStatus, to model.PaymentStatus, processedAt, completedAt *time.Time) error
}

// paymentColumns — список колонок для SELECT платежа.
const paymentColumns = `id, quote_id, policy_id, amount, method, status,
	transaction_id, processed_at, completed_at, created_at, updated_at`

// paymentRepo — реализация PaymentRepository.
type paymentRepo struct {
	db DBTX
}

// NewPaymentRepository создаёт репозиторий платежей.
func NewPaymentRepository(db DBTX) PaymentRepository {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) Create(ctx context.Context, p *model.Payment) error {
	query := `
		INSERT INTO payments (id, quote_id, policy_id, amount, method, status, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.QuoteID, p.PolicyID, p.Amount, p.Method, p.Status, p.TransactionID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: транзакция с таким ID уже зарегистрирована", ErrConflict)
		}
		return fmt.Errorf("ошибка создания платежа: %w", err)
	}
	return nil
}

func (r *paymentRepo) GetByID(ctx context.Context, id string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *paymentRepo) GetByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1`
	return r.getOne(ctx, query, transactionID)
}

func (r *paymentRepo) getOne(ctx context.Context, query string, arg any) (*model.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения платежа: %w", err)
	}
	return p, nil
}

func (r *paymentRepo) ListByQuote(ctx context.Context, quoteID string) ([]*model.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE quote_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, quoteID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения платежей котировки: %w", err)
	}
	defer rows.Close()

	var result []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования платежа: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *paymentRepo) Transition(ctx context.Context, id string, from []model.PaymentStatus, to model.PaymentStatus, processedAt, completedAt *time.Time) error {
	query := `
		UPDATE payments
		SET status = $3,
			processed_at = COALESCE($4, processed_at),
			completed_at = COALESCE($5, completed_at),
			updated_at = now()
		WHERE id = $1 AND status = ANY($2)`

	tag, err := r.db.Exec(ctx, query, id, statusStrings(from), to, processedAt, completedAt)
	if err != nil {
		return fmt.Errorf("ошибка перехода статуса платежа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

// scanPayment сканирует одну строку в model.Payment.
func scanPayment(row pgx.Row) (*model.Payment, error) {
	p := &model.Payment{}
	err := row.Scan(
		&p.ID, &p.QuoteID, &p.PolicyID, &p.Amount, &p.Method, &p.Status,
		&p.TransactionID, &p.ProcessedAt, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
