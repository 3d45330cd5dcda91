// quotes.go — сервис жизненного цикла котировок.
// Создание черновика, подача с расчётом премии и развилкой автоодобрения,
// решения ручного андеррайтинга. Переходы статусов защищены guarded UPDATE
// в репозитории: гонка двух операций разрешается на стороне БД.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/lifecycle"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/premium"
	"github.com/bigkaa/cargocover/policy-module/internal/events"
	"github.com/bigkaa/cargocover/policy-module/internal/repository"
)

// quoteTransitionsTotal — счётчик переходов статусов котировок.
var quoteTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "policy_module_quote_transitions_total",
	Help: "Количество переходов статусов котировок",
}, []string{"to"})

// Решения ручного андеррайтинга (POST /api/v1/quotes/{id}/resolve).
const (
	DecisionApprove   = "approve"
	DecisionReject    = "reject"
	DecisionNeedsInfo = "needs_info"
	DecisionResume    = "resume"
)

// QuoteInput — исходные данные котировки (создание и обновление черновика).
type QuoteInput struct {
	CargoType     string
	ShipmentValue decimal.Decimal
	TransportMode string
	CoverageTier  string
	CoverageStart time.Time
	CoverageEnd   time.Time
}

// QuoteService — сервис жизненного цикла котировок.
type QuoteService struct {
	quoteRepo     repository.QuoteRepository
	gate          *premium.Gate
	quoteValidity time.Duration
	notifier      events.Notifier
	logger        *slog.Logger
}

// NewQuoteService создаёт сервис котировок.
func NewQuoteService(
	quoteRepo repository.QuoteRepository,
	gate *premium.Gate,
	quoteValidity time.Duration,
	notifier events.Notifier,
	logger *slog.Logger,
) *QuoteService {
	return &QuoteService{
		quoteRepo:     quoteRepo,
		gate:          gate,
		quoteValidity: quoteValidity,
		notifier:      notifier,
		logger:        logger.With(slog.String("component", "quote_service")),
	}
}

// validateInput проверяет исходные данные котировки.
func validateInput(in QuoteInput) error {
	if in.CargoType == "" {
		return fmt.Errorf("%w: не указан тип груза", ErrValidation)
	}
	if !in.ShipmentValue.IsPositive() {
		return fmt.Errorf("%w: стоимость груза должна быть положительной", ErrValidation)
	}
	switch in.TransportMode {
	case model.TransportModeSea, model.TransportModeAir, model.TransportModeRoad:
	default:
		return fmt.Errorf("%w: недопустимый режим транспортировки %q", ErrValidation, in.TransportMode)
	}
	switch in.CoverageTier {
	case model.CoverageTierStandard, model.CoverageTierPremium, model.CoverageTierEnterprise:
	default:
		return fmt.Errorf("%w: недопустимый уровень покрытия %q", ErrValidation, in.CoverageTier)
	}
	if !in.CoverageEnd.After(in.CoverageStart) {
		return fmt.Errorf("%w: конец периода покрытия должен быть позже начала", ErrValidation)
	}
	return nil
}

// CreateDraft создаёт котировку в статусе draft.
// Номер котировки назначает БД (sequence quote_number_seq).
func (s *QuoteService) CreateDraft(ctx context.Context, ownerID string, in QuoteInput) (*model.Quote, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	q := &model.Quote{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		CargoType:     in.CargoType,
		ShipmentValue: in.ShipmentValue,
		TransportMode: in.TransportMode,
		CoverageTier:  in.CoverageTier,
		CoverageStart: in.CoverageStart,
		CoverageEnd:   in.CoverageEnd,
		Status:        model.QuoteStatusDraft,
	}

	if err := s.quoteRepo.Create(ctx, q); err != nil {
		return nil, fmt.Errorf("создание котировки: %w", err)
	}

	s.logger.Info("Котировка создана",
		slog.String("quote_id", q.ID),
		slog.String("quote_number", q.QuoteNumber),
		slog.String("cargo_type", q.CargoType),
	)

	return q, nil
}

// UpdateFacts обновляет исходные данные котировки. Допустимо в статусе
// draft и в needs_info: запрос дополнительной информации подразумевает,
// что владелец исправляет данные перед повторной подачей.
func (s *QuoteService) UpdateFacts(ctx context.Context, id string, in QuoteInput) (*model.Quote, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	q, err := s.quoteRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение котировки: %w", err)
	}
	if q.Status != model.QuoteStatusDraft && q.Status != model.QuoteStatusNeedsInfo {
		return nil, fmt.Errorf("%w: котировка в статусе %s, обновление возможно только в draft или needs_info",
			ErrInvalidState, q.Status)
	}

	q.CargoType = in.CargoType
	q.ShipmentValue = in.ShipmentValue
	q.TransportMode = in.TransportMode
	q.CoverageTier = in.CoverageTier
	q.CoverageStart = in.CoverageStart
	q.CoverageEnd = in.CoverageEnd

	if err := s.quoteRepo.UpdateFacts(ctx, q, q.Status); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return nil, fmt.Errorf("%w: статус котировки изменён конкурирующей операцией", ErrConflict)
		}
		return nil, fmt.Errorf("обновление котировки: %w", err)
	}

	return q, nil
}

// Submit подаёт котировку: рассчитывает премию и применяет развилку
// автоодобрения. Черновик переходит в approved либо в under_review;
// суммы, срок действия и итоговый статус записываются одним UPDATE.
// Повторная подача из needs_info пересчитывает суммы и всегда
// возвращает котировку в under_review — решение за андеррайтером.
func (s *QuoteService) Submit(ctx context.Context, id string) (*model.Quote, error) {
	q, err := s.quoteRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение котировки: %w", err)
	}
	if q.Status != model.QuoteStatusDraft && q.Status != model.QuoteStatusNeedsInfo {
		return nil, fmt.Errorf("%w: котировка в статусе %s, подать можно только draft или needs_info",
			ErrInvalidState, q.Status)
	}
	from := q.Status

	quotation := premium.Calculate(premium.Input{
		CargoType:     q.CargoType,
		ShipmentValue: q.ShipmentValue,
		TransportMode: q.TransportMode,
		CoverageTier:  q.CoverageTier,
		CoverageStart: q.CoverageStart,
		CoverageEnd:   q.CoverageEnd,
	})

	q.Premium = quotation.BasePremium
	q.Deductible = quotation.Deductible
	q.ServiceFee = quotation.ServiceFee
	q.Taxes = quotation.Taxes
	q.TotalAmount = quotation.TotalAmount

	now := time.Now().UTC()
	expiresAt := now.Add(s.quoteValidity)
	q.QuoteExpiresAt = &expiresAt

	// Развилка автоодобрения — единственное место, где решается
	// автоматический vs ручной андеррайтинг. Для повторной подачи из
	// needs_info развилка не применяется: запрошенные данные смотрит человек.
	to := model.QuoteStatusUnderReview
	if from == model.QuoteStatusDraft && s.gate.ShouldAutoApprove(q.CargoType, q.ShipmentValue) {
		to = model.QuoteStatusApproved
		q.ApprovedAt = &now
	}

	if err := s.quoteRepo.ApplySubmission(ctx, q, from, to); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return nil, fmt.Errorf("%w: котировка уже подана конкурирующей операцией", ErrConflict)
		}
		return nil, fmt.Errorf("подача котировки: %w", err)
	}

	quoteTransitionsTotal.WithLabelValues(string(to)).Inc()

	s.logger.Info("Котировка подана",
		slog.String("quote_id", q.ID),
		slog.String("quote_number", q.QuoteNumber),
		slog.String("status", string(to)),
		slog.String("total_amount", q.TotalAmount.String()),
	)

	s.publish(ctx, events.Event{
		Type:    submitEventType(to),
		QuoteID: q.ID,
		Status:  string(to),
	})

	return q, nil
}

// submitEventType возвращает тип события для итогового статуса подачи.
func submitEventType(to model.QuoteStatus) string {
	if to == model.QuoteStatusApproved {
		return events.TypeQuoteApproved
	}
	return events.TypeQuoteSubmitted
}

// Resolve применяет решение ручного андеррайтинга.
// approve: under_review/needs_info → approved;
// reject: under_review/needs_info → rejected (обязательна непустая причина);
// needs_info: under_review → needs_info;
// resume: needs_info → under_review (повторная подача данных).
func (s *QuoteService) Resolve(ctx context.Context, id, decision string, reason *string) (*model.Quote, error) {
	q, err := s.quoteRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение котировки: %w", err)
	}

	var (
		from []model.QuoteStatus
		to   model.QuoteStatus
		upd  repository.TransitionUpdate
		evt  string
	)

	switch decision {
	case DecisionApprove:
		from = []model.QuoteStatus{model.QuoteStatusUnderReview, model.QuoteStatusNeedsInfo}
		to = model.QuoteStatusApproved
		now := time.Now().UTC()
		upd.ApprovedAt = &now
		evt = events.TypeQuoteApproved
	case DecisionReject:
		if reason == nil || *reason == "" {
			return nil, fmt.Errorf("%w: отказ требует непустой причины", ErrValidation)
		}
		from = []model.QuoteStatus{model.QuoteStatusUnderReview, model.QuoteStatusNeedsInfo}
		to = model.QuoteStatusRejected
		upd.RejectionReason = reason
		evt = events.TypeQuoteRejected
	case DecisionNeedsInfo:
		from = []model.QuoteStatus{model.QuoteStatusUnderReview}
		to = model.QuoteStatusNeedsInfo
		evt = events.TypeQuoteNeedsInfo
	case DecisionResume:
		from = []model.QuoteStatus{model.QuoteStatusNeedsInfo}
		to = model.QuoteStatusUnderReview
		evt = events.TypeQuoteSubmitted
	default:
		return nil, fmt.Errorf("%w: неизвестное решение %q", ErrValidation, decision)
	}

	if !lifecycle.CanTransition(q.Status, to) {
		return nil, fmt.Errorf("%w: переход %s → %s недопустим", ErrInvalidState, q.Status, to)
	}

	if err := s.quoteRepo.Transition(ctx, id, from, to, upd); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return nil, fmt.Errorf("%w: статус котировки изменён конкурирующей операцией", ErrConflict)
		}
		return nil, fmt.Errorf("переход статуса котировки: %w", err)
	}

	quoteTransitionsTotal.WithLabelValues(string(to)).Inc()

	s.logger.Info("Решение андеррайтинга применено",
		slog.String("quote_id", id),
		slog.String("decision", decision),
		slog.String("status", string(to)),
	)

	s.publish(ctx, events.Event{Type: evt, QuoteID: id, Status: string(to)})

	// Перечитываем актуальное состояние после перехода
	return s.Get(ctx, id)
}

// Get возвращает котировку по ID.
func (s *QuoteService) Get(ctx context.Context, id string) (*model.Quote, error) {
	q, err := s.quoteRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение котировки: %w", err)
	}
	return q, nil
}

// List возвращает список котировок с фильтрацией и пагинацией.
func (s *QuoteService) List(ctx context.Context, filters repository.QuoteListFilters, limit, offset int) ([]*model.Quote, int, error) {
	quotes, err := s.quoteRepo.List(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("получение списка котировок: %w", err)
	}

	total, err := s.quoteRepo.Count(ctx, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт котировок: %w", err)
	}

	return quotes, total, nil
}

// publish отправляет событие; ошибка публикации не влияет на операцию.
func (s *QuoteService) publish(ctx context.Context, evt events.Event) {
	if err := s.notifier.Publish(ctx, evt); err != nil {
		s.logger.Warn("Не удалось опубликовать событие",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}
