// policies.go — сервис полисов: конвертация одобренной котировки
// и активация по подтверждению оплаты.
//
// Конвертация выполняется в одной транзакции: полис + пустой комплект
// документов + перевод котировки в converted. Уникальный индекс по
// policies.quote_id — контроль гонки "не более одного полиса на котировку":
// проигравшая сторона получает 23505 и молча возвращает существующий полис.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
	"github.com/bigkaa/cargocover/policy-module/internal/events"
	"github.com/bigkaa/cargocover/policy-module/internal/paygate"
	"github.com/bigkaa/cargocover/policy-module/internal/repository"
)

// TxExecutor выполняет операции над несколькими репозиториями в одной транзакции.
// Реализуется repository.TxRunner.
type TxExecutor interface {
	WithRepos(ctx context.Context, fn func(repos repository.TxRepos) error) error
}

// PaymentGateway — операции платёжного шлюза, используемые сервисом.
// Реализуется *paygate.Client.
type PaymentGateway interface {
	VerifyTransaction(ctx context.Context, transactionID string) (*paygate.Transaction, error)
	CreateCheckout(ctx context.Context, in paygate.CheckoutRequest) (*paygate.Checkout, error)
}

// WebhookInput — данные webhook платёжного шлюза.
type WebhookInput struct {
	PolicyID      string
	TransactionID string
	Status        string
	Amount        decimal.Decimal
	Method        string
}

// PolicyService — сервис полисов.
type PolicyService struct {
	tx          TxExecutor
	quoteRepo   repository.QuoteRepository
	policyRepo  repository.PolicyRepository
	docRepo     repository.DocumentSetRepository
	paymentRepo repository.PaymentRepository
	gateway     PaymentGateway
	notifier    events.Notifier
	logger      *slog.Logger
}

// NewPolicyService создаёт сервис полисов.
func NewPolicyService(
	tx TxExecutor,
	quoteRepo repository.QuoteRepository,
	policyRepo repository.PolicyRepository,
	docRepo repository.DocumentSetRepository,
	paymentRepo repository.PaymentRepository,
	gateway PaymentGateway,
	notifier events.Notifier,
	logger *slog.Logger,
) *PolicyService {
	return &PolicyService{
		tx:          tx,
		quoteRepo:   quoteRepo,
		policyRepo:  policyRepo,
		docRepo:     docRepo,
		paymentRepo: paymentRepo,
		gateway:     gateway,
		notifier:    notifier,
		logger:      logger.With(slog.String("component", "policy_service")),
	}
}

// policyNumberFromQuote выводит номер полиса из номера котировки: Q-00042 → P-00042.
func policyNumberFromQuote(quoteNumber string) string {
	return "P-" + strings.TrimPrefix(quoteNumber, "Q-")
}

// CreateFromQuote конвертирует одобренную котировку в полис.
// Идемпотентна: повторный вызов (и проигравшая сторона гонки)
// возвращает уже существующий полис. Вторым значением возвращается
// URL оплаты платёжного шлюза (пустая строка, если шлюз недоступен).
func (s *PolicyService) CreateFromQuote(ctx context.Context, quoteID string) (*model.Policy, string, error) {
	q, err := s.quoteRepo.GetByID(ctx, quoteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("получение котировки: %w", err)
	}

	// Повторный вызов для уже конвертированной котировки — вернуть существующий полис
	if q.Status == model.QuoteStatusConverted {
		existing, err := s.policyRepo.GetByQuoteID(ctx, quoteID)
		if err != nil {
			return nil, "", fmt.Errorf("получение существующего полиса: %w", err)
		}
		return existing, s.checkoutURL(ctx, existing), nil
	}

	if q.Status != model.QuoteStatusApproved {
		return nil, "", fmt.Errorf("%w: котировка в статусе %s, конвертация возможна только из approved",
			ErrInvalidState, q.Status)
	}
	if q.QuoteExpiresAt != nil && q.QuoteExpiresAt.Before(time.Now().UTC()) {
		return nil, "", fmt.Errorf("%w: срок действия котировки истёк", ErrInvalidState)
	}

	p := &model.Policy{
		ID:            uuid.New().String(),
		PolicyNumber:  policyNumberFromQuote(q.QuoteNumber),
		QuoteID:       q.ID,
		OwnerID:       q.OwnerID,
		Status:        model.PolicyStatusPendingPayment,
		PaymentStatus: model.PaymentStatePending,
		CoverageStart: q.CoverageStart,
		CoverageEnd:   q.CoverageEnd,
		Premium:       q.Premium,
		Deductible:    q.Deductible,
		TotalAmount:   q.TotalAmount,
	}

	// Полис, комплект документов и перевод котировки — одна транзакция
	err = s.tx.WithRepos(ctx, func(repos repository.TxRepos) error {
		if err := repos.Policies.Create(ctx, p); err != nil {
			return err
		}
		if _, err := repos.Documents.Create(ctx, p.ID); err != nil {
			return err
		}
		return repos.Quotes.Transition(ctx, q.ID,
			[]model.QuoteStatus{model.QuoteStatusApproved},
			model.QuoteStatusConverted,
			repository.TransitionUpdate{})
	})
	if err != nil {
		// Гонка конвертации: полис уже создан конкурирующим запросом
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrStaleState) {
			existing, getErr := s.policyRepo.GetByQuoteID(ctx, quoteID)
			if getErr != nil {
				return nil, "", fmt.Errorf("%w: полис для котировки не найден после гонки конвертации", ErrConflict)
			}
			return existing, s.checkoutURL(ctx, existing), nil
		}
		return nil, "", fmt.Errorf("конвертация котировки в полис: %w", err)
	}

	quoteTransitionsTotal.WithLabelValues(string(model.QuoteStatusConverted)).Inc()

	s.logger.Info("Полис создан из котировки",
		slog.String("policy_id", p.ID),
		slog.String("policy_number", p.PolicyNumber),
		slog.String("quote_id", q.ID),
		slog.String("total_amount", p.TotalAmount.String()),
	)

	s.publish(ctx, events.Event{
		Type:     events.TypePolicyCreated,
		QuoteID:  q.ID,
		PolicyID: p.ID,
		Status:   string(p.Status),
	})

	return p, s.checkoutURL(ctx, p), nil
}

// checkoutURL запрашивает платёжную сессию у шлюза.
// Недоступность шлюза не блокирует конвертацию: возвращается пустая строка.
func (s *PolicyService) checkoutURL(ctx context.Context, p *model.Policy) string {
	if p.Status != model.PolicyStatusPendingPayment {
		return ""
	}

	checkout, err := s.gateway.CreateCheckout(ctx, paygate.CheckoutRequest{
		Reference: p.PolicyNumber,
		Amount:    p.TotalAmount,
		Currency:  "USD",
	})
	if err != nil {
		s.logger.Warn("Не удалось создать платёжную сессию",
			slog.String("policy_id", p.ID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return checkout.PaymentURL
}

// ActivateOnPayment активирует полис по webhook платёжного шлюза.
// Транзакция перепроверяется у шлюза; дубликат webhook для уже активного
// полиса — no-op. Автоматических ретраев нет: при ошибке шлюз повторит webhook.
func (s *PolicyService) ActivateOnPayment(ctx context.Context, in WebhookInput) (*model.Policy, error) {
	p, err := s.policyRepo.GetByID(ctx, in.PolicyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение полиса: %w", err)
	}

	// Webhook — только сигнал; состояние транзакции перепроверяем у шлюза
	tx, err := s.gateway.VerifyTransaction(ctx, in.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: проверка транзакции %s: %w", ErrDependency, in.TransactionID, err) //nolint:errorlint // намеренный двойной wrap
	}

	now := time.Now().UTC()
	payment := s.registerPayment(ctx, p, tx)

	if tx.Status != paygate.TxStatusCompleted {
		s.settlePayment(ctx, payment, model.PaymentStatusFailed, now)
		return nil, fmt.Errorf("%w: транзакция %s в статусе %s, ожидался completed",
			ErrValidation, in.TransactionID, tx.Status)
	}
	if !tx.Amount.Equal(p.TotalAmount) {
		s.settlePayment(ctx, payment, model.PaymentStatusFailed, now)
		return nil, fmt.Errorf("%w: сумма транзакции %s не совпадает с суммой полиса %s",
			ErrValidation, tx.Amount, p.TotalAmount)
	}

	paidAt := now
	if tx.CompletedAt != nil {
		paidAt = *tx.CompletedAt
	}
	s.settlePayment(ctx, payment, model.PaymentStatusCompleted, paidAt)

	if err := s.policyRepo.Activate(ctx, p.ID, paidAt, now, tx.ReceiptURL); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			// Дубликат webhook: полис уже активирован — идемпотентный no-op
			current, getErr := s.policyRepo.GetByID(ctx, p.ID)
			if getErr == nil && current.Status == model.PolicyStatusActive {
				return current, nil
			}
			return nil, fmt.Errorf("%w: полис в статусе %s, активация возможна только из pending_payment",
				ErrInvalidState, p.Status)
		}
		return nil, fmt.Errorf("активация полиса: %w", err)
	}

	// Сертификат страхования генерируется по номеру полиса
	certURL := fmt.Sprintf("/certificates/%s.pdf", p.PolicyNumber)
	if err := s.policyRepo.SetCertificateURL(ctx, p.ID, certURL); err != nil {
		s.logger.Warn("Не удалось записать certificate_url",
			slog.String("policy_id", p.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Полис активирован",
		slog.String("policy_id", p.ID),
		slog.String("policy_number", p.PolicyNumber),
		slog.String("transaction_id", in.TransactionID),
	)

	s.publish(ctx, events.Event{
		Type:     events.TypePolicyActivated,
		QuoteID:  p.QuoteID,
		PolicyID: p.ID,
		Status:   string(model.PolicyStatusActive),
	})

	return s.Get(ctx, p.ID)
}

// registerPayment регистрирует транзакцию в статусе processing: webhook
// получен, исход ещё не зафиксирован. Дубликат transaction_id (повторный
// webhook) возвращает уже зарегистрированный платёж.
func (s *PolicyService) registerPayment(ctx context.Context, p *model.Policy, tx *paygate.Transaction) *model.Payment {
	payment := &model.Payment{
		ID:            uuid.New().String(),
		QuoteID:       p.QuoteID,
		PolicyID:      &p.ID,
		Amount:        tx.Amount,
		Method:        tx.Method,
		Status:        model.PaymentStatusProcessing,
		TransactionID: tx.TransactionID,
	}

	err := s.paymentRepo.Create(ctx, payment)
	if err == nil {
		return payment
	}
	if errors.Is(err, repository.ErrConflict) {
		existing, getErr := s.paymentRepo.GetByTransactionID(ctx, tx.TransactionID)
		if getErr == nil {
			return existing
		}
		err = getErr
	}
	s.logger.Warn("Не удалось зарегистрировать платёж",
		slog.String("transaction_id", tx.TransactionID),
		slog.String("error", err.Error()),
	)
	return nil
}

// settlePayment фиксирует исход платежа guarded-переходом
// pending/processing → completed либо failed. ErrStaleState означает,
// что исход уже зафиксирован ранее (повторный webhook).
func (s *PolicyService) settlePayment(ctx context.Context, payment *model.Payment, to model.PaymentStatus, at time.Time) {
	if payment == nil {
		return
	}

	processedAt := at
	var completedAt *time.Time
	if to == model.PaymentStatusCompleted {
		completedAt = &at
	}

	err := s.paymentRepo.Transition(ctx, payment.ID,
		[]model.PaymentStatus{model.PaymentStatusPending, model.PaymentStatusProcessing},
		to, &processedAt, completedAt)
	if err == nil {
		payment.Status = to
		payment.ProcessedAt = &processedAt
		payment.CompletedAt = completedAt
		return
	}
	if errors.Is(err, repository.ErrStaleState) {
		current, getErr := s.paymentRepo.GetByID(ctx, payment.ID)
		if getErr == nil && current.Status == to {
			return
		}
	}
	s.logger.Warn("Не удалось зафиксировать исход платежа",
		slog.String("payment_id", payment.ID),
		slog.String("status", string(to)),
		slog.String("error", err.Error()),
	)
}

// Get возвращает полис по ID.
func (s *PolicyService) Get(ctx context.Context, id string) (*model.Policy, error) {
	p, err := s.policyRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение полиса: %w", err)
	}
	return p, nil
}

// List возвращает список полисов с фильтрацией и пагинацией.
func (s *PolicyService) List(ctx context.Context, filters repository.PolicyListFilters, limit, offset int) ([]*model.Policy, int, error) {
	policies, err := s.policyRepo.List(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("получение списка полисов: %w", err)
	}

	total, err := s.policyRepo.Count(ctx, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт полисов: %w", err)
	}

	return policies, total, nil
}

// ListPayments возвращает платежи котировки.
func (s *PolicyService) ListPayments(ctx context.Context, quoteID string) ([]*model.Payment, error) {
	payments, err := s.paymentRepo.ListByQuote(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("получение платежей котировки: %w", err)
	}
	return payments, nil
}

// publish отправляет событие; ошибка публикации не влияет на операцию.
func (s *PolicyService) publish(ctx context.Context, evt events.Event) {
	if err := s.notifier.Publish(ctx, evt); err != nil {
		s.logger.Warn("Не удалось опубликовать событие",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}
