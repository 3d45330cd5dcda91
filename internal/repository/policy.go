package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
)

// PolicyRepository — интерфейс доступа к таблице policies.
type PolicyRepository interface {
	// Create создаёт полис в статусе pending_payment.
	// Уникальный индекс по quote_id гарантирует не более одного полиса
	// на котировку; при гонке возвращается ErrConflict.
	Create(ctx context.Context, p *model.Policy) error
	// GetByID возвращает полис по UUID.
	GetByID(ctx context.Context, id string) (*model.Policy, error)
	// GetByQuoteID возвращает полис по UUID исходной котировки.
	GetByQuoteID(ctx context.Context, quoteID string) (*model.Policy, error)
	// List возвращает список полисов с фильтрацией.
	List(ctx context.Context, filters PolicyListFilters, limit, offset int) ([]*model.Policy, error)
	// Count возвращает количество полисов с фильтрацией.
	Count(ctx context.Context, filters PolicyListFilters) (int, error)
	// Activate переводит полис pending_payment → active, payment_status → paid.
	Activate(ctx context.Context, id string, paidAt, activatedAt time.Time, receiptURL *string) error
	// SetCertificateURL записывает ссылку на сгенерированный сертификат.
	SetCertificateURL(ctx context.Context, id, url string) error
	// Expire переводит активный полис в expired. Идемпотентно:
	// повторный вызов для уже истёкшего полиса возвращает ErrStaleState.
	Expire(ctx context.Context, id string) error
	// ListActiveExpiredBefore возвращает активные полисы,
	// у которых coverage_end раньше now.
	ListActiveExpiredBefore(ctx context.Context, now time.Time, limit int) ([]*model.Policy, error)
}

// PolicyListFilters — фильтры для списка полисов.
type PolicyListFilters struct {
	OwnerID *string
	Status  *string
}

// policyColumns — список колонок для SELECT полиса.
const policyColumns = `id, policy_number, quote_id, owner_id, status, payment_status,
	coverage_start, coverage_end, premium, deductible, total_amount,
	certificate_url, receipt_url, paid_at, activated_at, created_at, updated_at`

// policyRepo — реализация PolicyRepository.
type policyRepo struct {
	db DBTX
}

// NewPolicyRepository создаёт репозиторий полисов.
func NewPolicyRepository(db DBTX) PolicyRepository {
	return &policyRepo{db: db}
}

func (r *policyRepo) Create(ctx context.Context, p *model.Policy) error {
	query := `
		INSERT INTO policies (id, policy_number, quote_id, owner_id, status, payment_status,
			coverage_start, coverage_end, premium, deductible, total_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.PolicyNumber, p.QuoteID, p.OwnerID, p.Status, p.PaymentStatus,
		p.CoverageStart, p.CoverageEnd, p.Premium, p.Deductible, p.TotalAmount,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: полис для этой котировки уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания полиса: %w", err)
	}
	return nil
}

func (r *policyRepo) GetByID(ctx context.Context, id string) (*model.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *policyRepo) GetByQuoteID(ctx context.Context, quoteID string) (*model.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE quote_id = $1`
	return r.getOne(ctx, query, quoteID)
}

func (r *policyRepo) getOne(ctx context.Context, query string, arg any) (*model.Policy, error) {
	p, err := scanPolicy(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения полиса: %w", err)
	}
	return p, nil
}

// buildPolicyWhere строит WHERE-условие и аргументы для фильтрации полисов.
func buildPolicyWhere(filters PolicyListFilters, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if filters.OwnerID != nil {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argNum))
		args = append(args, *filters.OwnerID)
		argNum++
	}
	if filters.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, *filters.Status)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *policyRepo) List(ctx context.Context, filters PolicyListFilters, limit, offset int) ([]*model.Policy, error) {
	where, args := buildPolicyWhere(filters, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT `+policyColumns+`
		FROM policies
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, argNum, argNum+1)

	args = append(args, limit, offset)
	return r.queryPolicies(ctx, query, args...)
}

func (r *policyRepo) Count(ctx context.Context, filters PolicyListFilters) (int, error) {
	where, args := buildPolicyWhere(filters, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM policies %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта полисов: %w", err)
	}
	return count, nil
}

func (r *policyRepo) Activate(ctx context.Context, id string, paidAt, activatedAt time.Time, receiptURL *string) error {
	query := `
		UPDATE policies
		SET status = 'active', payment_status = 'paid',
			paid_at = $2, activated_at = $3,
			receipt_url = COALESCE($4, receipt_url),
			updated_at = now()
		WHERE id = $1 AND status = 'pending_payment'`

	tag, err := r.db.Exec(ctx, query, id, paidAt, activatedAt, receiptURL)
	if err != nil {
		return fmt.Errorf("ошибка активации полиса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (r *policyRepo) SetCertificateURL(ctx context.Context, id, url string) error {
	query := `
		UPDATE policies
		SET certificate_url = $2, updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, url)
	if err != nil {
		return fmt.Errorf("ошибка записи certificate_url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *policyRepo) Expire(ctx context.Context, id string) error {
	query := `
		UPDATE policies
		SET status = 'expired', updated_at = now()
		WHERE id = $1 AND status = 'active'`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ошибка перевода полиса в expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (r *policyRepo) ListActiveExpiredBefore(ctx context.Context, now time.Time, limit int) ([]*model.Policy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM policies
		WHERE status = 'active' AND coverage_end < $1
		ORDER BY coverage_end
		LIMIT $2`

	return r.queryPolicies(ctx, query, now, limit)
}

// queryPolicies выполняет запрос и сканирует результат в срез полисов.
func (r *policyRepo) queryPolicies(ctx context.Context, query string, args ...any) ([]*model.Policy, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка полисов: %w", err)
	}
	defer rows.Close()

	var result []*model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования полиса: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// scanPolicy сканирует одну строку в model.Policy.
func scanPolicy(row pgx.Row) (*model.Policy, error) {
	p := &model.Policy{}
	err := row.Scan(
		&p.ID, &p.PolicyNumber, &p.QuoteID, &p.OwnerID, &p.Status, &p.PaymentStatus,
		&p.CoverageStart, &p.CoverageEnd, &p.Premium, &p.Deductible, &p.TotalAmount,
		&p.CertificateURL, &p.ReceiptURL, &p.PaidAt, &p.ActivatedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
