package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
)

// QuoteRepository — интерфейс доступа к таблице quotes.
type QuoteRepository interface {
	// Create создаёт котировку в статусе draft.
	// Номер котировки назначается из sequence quote_number_seq.
	Create(ctx context.Context, q *model.Quote) error
	// GetByID возвращает котировку по UUID.
	GetByID(ctx context.Context, id string) (*model.Quote, error)
	// List возвращает список котировок с фильтрацией.
	List(ctx context.Context, filters QuoteListFilters, limit, offset int) ([]*model.Quote, error)
	// Count возвращает количество котировок с фильтрацией.
	Count(ctx context.Context, filters QuoteListFilters) (int, error)
	// UpdateFacts обновляет исходные данные котировки. UPDATE применяется,
	// только если текущий статус равен from (draft либо needs_info).
	UpdateFacts(ctx context.Context, q *model.Quote, from model.QuoteStatus) error
	// ApplySubmission записывает расчётные суммы и переводит котировку
	// из from (draft либо needs_info) в итоговый статус одним UPDATE.
	ApplySubmission(ctx context.Context, q *model.Quote, from, to model.QuoteStatus) error
	// Transition выполняет guarded-переход статуса: UPDATE применяется,
	// только если текущий статус входит в from. Обновляет updated_at.
	Transition(ctx context.Context, id string, from []model.QuoteStatus, to model.QuoteStatus, upd TransitionUpdate) error
	// ListInReviewBefore возвращает котировки в under_review/needs_info,
	// последний переход которых старше cutoff.
	ListInReviewBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Quote, error)
	// ListExpirable возвращает нетерминальные котировки с истёкшим quote_expires_at.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*model.Quote, error)
}

// QuoteListFilters — фильтры для списка котировок.
type QuoteListFilters struct {
	OwnerID *string
	Status  *string
}

// TransitionUpdate — дополнительные поля, записываемые при переходе статуса.
type TransitionUpdate struct {
	// RejectionReason — причина отказа (обязательна для rejected)
	RejectionReason *string
	// ApprovedAt — время одобрения (для approved)
	ApprovedAt *time.Time
}

// quoteColumns — список колонок для SELECT котировки.
const quoteColumns = `id, quote_number, owner_id, cargo_type, shipment_value,
	transport_mode, coverage_tier, coverage_start, coverage_end,
	premium, deductible, service_fee, taxes, total_amount,
	status, rejection_reason, approved_at, quote_expires_at, created_at, updated_at`

// quoteRepo — реализация QuoteRepository.
type quoteRepo struct {
	db DBTX
}

// NewQuoteRepository создаёт репозиторий котировок.
func NewQuoteRepository(db DBTX) QuoteRepository {
	return &quoteRepo{db: db}
}

func (r *quoteRepo) Create(ctx context.Context, q *model.Quote) error {
	// Номер котировки формируется на стороне БД: sequence + уникальный
	// индекс вместо in-process дедупликации (переживает рестарты и
	// несколько инстансов).
	query := `
		INSERT INTO quotes (id, quote_number, owner_id, cargo_type, shipment_value,
			transport_mode, coverage_tier, coverage_start, coverage_end, status)
		VALUES ($1, 'Q-' || lpad(nextval('quote_number_seq')::text, 5, '0'),
			$2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING quote_number, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		q.ID, q.OwnerID, q.CargoType, q.ShipmentValue,
		q.TransportMode, q.CoverageTier, q.CoverageStart, q.CoverageEnd, q.Status,
	).Scan(&q.QuoteNumber, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: котировка с таким номером уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания котировки: %w", err)
	}
	return nil
}

func (r *quoteRepo) GetByID(ctx context.Context, id string) (*model.Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE id = $1`

	q, err := scanQuote(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения котировки: %w", err)
	}
	return q, nil
}

// buildQuoteWhere строит WHERE-условие и аргументы для фильтрации котировок.
func buildQuoteWhere(filters QuoteListFilters, startArg int) (string, []any) {
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

func (r *quoteRepo) List(ctx context.Context, filters QuoteListFilters, limit, offset int) ([]*model.Quote, error) {
	where, args := buildQuoteWhere(filters, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT `+quoteColumns+`
		FROM quotes
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, argNum, argNum+1)

	args = append(args, limit, offset)
	return r.queryQuotes(ctx, query, args...)
}

func (r *quoteRepo) Count(ctx context.Context, filters QuoteListFilters) (int, error) {
	where, args := buildQuoteWhere(filters, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM quotes %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта котировок: %w", err)
	}
	return count, nil
}

func (r *quoteRepo) UpdateFacts(ctx context.Context, q *model.Quote, from model.QuoteStatus) error {
	query := `
		UPDATE quotes
		SET cargo_type = $2, shipment_value = $3, transport_mode = $4,
			coverage_tier = $5, coverage_start = $6, coverage_end = $7,
			updated_at = now()
		WHERE id = $1 AND status = $8
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		q.ID, q.CargoType, q.ShipmentValue, q.TransportMode,
		q.CoverageTier, q.CoverageStart, q.CoverageEnd, from,
	).Scan(&q.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrStaleState
		}
		return fmt.Errorf("ошибка обновления котировки: %w", err)
	}
	return nil
}

// ApplySubmission — единственный UPDATE подачи: расчётные суммы, срок действия
// и итоговый статус записываются атомарно, guard по наблюдаемому статусу from.
func (r *quoteRepo) ApplySubmission(ctx context.Context, q *model.Quote, from, to model.QuoteStatus) error {
	query := `
		UPDATE quotes
		SET premium = $2, deductible = $3, service_fee = $4, taxes = $5,
			total_amount = $6, quote_expires_at = $7, status = $8,
			approved_at = $9, updated_at = now()
		WHERE id = $1 AND status = $10
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		q.ID, q.Premium, q.Deductible, q.ServiceFee, q.Taxes,
		q.TotalAmount, q.QuoteExpiresAt, to, q.ApprovedAt, from,
	).Scan(&q.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrStaleState
		}
		return fmt.Errorf("ошибка подачи котировки: %w", err)
	}
	q.Status = to
	return nil
}

func (r *quoteRepo) Transition(ctx context.Context, id string, from []model.QuoteStatus, to model.QuoteStatus, upd TransitionUpdate) error {
	query := `
		UPDATE quotes
		SET status = $3,
			rejection_reason = COALESCE($4, rejection_reason),
			approved_at = COALESCE($5, approved_at),
			updated_at = now()
		WHERE id = $1 AND status = ANY($2)`

	tag, err := r.db.Exec(ctx, query, id, statusStrings(from), to, upd.RejectionReason, upd.ApprovedAt)
	if err != nil {
		return fmt.Errorf("ошибка перехода статуса котировки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (r *quoteRepo) ListInReviewBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Quote, error) {
	query := `
		SELECT ` + quoteColumns + `
		FROM quotes
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`

	review := []string{string(model.QuoteStatusUnderReview), string(model.QuoteStatusNeedsInfo)}
	return r.queryQuotes(ctx, query, review, cutoff, limit)
}

func (r *quoteRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*model.Quote, error) {
	query := `
		SELECT ` + quoteColumns + `
		FROM quotes
		WHERE quote_expires_at IS NOT NULL
			AND quote_expires_at < $1
			AND status NOT IN ('rejected', 'expired', 'converted')
		ORDER BY quote_expires_at
		LIMIT $2`

	return r.queryQuotes(ctx, query, now, limit)
}

// queryQuotes выполняет запрос и сканирует результат в срез котировок.
func (r *quoteRepo) queryQuotes(ctx context.Context, query string, args ...any) ([]*model.Quote, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка котировок: %w", err)
	}
	defer rows.Close()

	var result []*model.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования котировки: %w", err)
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

// scanQuote сканирует одну строку в model.Quote.
func scanQuote(row pgx.Row) (*model.Quote, error) {
	q := &model.Quote{}
	err := row.Scan(
		&q.ID, &q.QuoteNumber, &q.OwnerID, &q.CargoType, &q.ShipmentValue,
		&q.TransportMode, &q.CoverageTier, &q.CoverageStart, &q.CoverageEnd,
		&q.Premium, &q.Deductible, &q.ServiceFee, &q.Taxes, &q.TotalAmount,
		&q.Status, &q.RejectionReason, &q.ApprovedAt, &q.QuoteExpiresAt,
		&q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return q, nil
}
