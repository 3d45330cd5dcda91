// scheduler.go — фоновый планировщик sweep-проходов.
//
// ReviewScheduler запускает фоновую горутину с ticker (PM_SWEEP_INTERVAL);
// тот же проход доступен внешнему cron через POST /internal/v1/sweep.
// Два независимых прохода, каждый идемпотентен:
//  1. Контроль SLA рассмотрения: котировки в under_review/needs_info,
//     не менявшиеся дольше PM_REVIEW_SLA — повторная развилка автоодобрения.
//     Проходит — approved; under_review не проходит — эскалация в needs_info;
//     needs_info не проходит — остаётся как есть.
//  2. Истечение сроков: котировки с истёкшим quote_expires_at → expired,
//     активные полисы с прошедшим coverage_end → expired.
// Ошибка обработки одной записи логируется, проход продолжается.
// Guarded UPDATE делает повторный sweep no-op.
//
// Prometheus-метрики:
//   - policy_module_sweep_duration_seconds — длительность прохода
//   - policy_module_sweep_records_total{pass,outcome} — обработанные записи
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/premium"
	"github.com/bigkaa/cargocover/policy-module/internal/events"
	"github.com/bigkaa/cargocover/policy-module/internal/repository"
)

// Prometheus-метрики sweep.
var (
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "policy_module_sweep_duration_seconds",
		Help:    "Длительность одного sweep-прохода",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms … ~20s
	})
	sweepRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_module_sweep_records_total",
		Help: "Количество записей, обработанных sweep, по проходу и исходу",
	}, []string{"pass", "outcome"})
)

// expiredReason — причина, записываемая при истечении срока действия.
const expiredReason = "срок действия котировки истёк"

// ReviewScheduler — фоновый планировщик контроля SLA и истечения сроков.
type ReviewScheduler struct {
	quoteRepo  repository.QuoteRepository
	policyRepo repository.PolicyRepository
	gate       *premium.Gate
	reviewSLA  time.Duration
	batchSize  int
	interval   time.Duration
	notifier   events.Notifier
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReviewScheduler создаёт планировщик.
func NewReviewScheduler(
	quoteRepo repository.QuoteRepository,
	policyRepo repository.PolicyRepository,
	gate *premium.Gate,
	reviewSLA time.Duration,
	batchSize int,
	interval time.Duration,
	notifier events.Notifier,
	logger *slog.Logger,
) *ReviewScheduler {
	return &ReviewScheduler{
		quoteRepo:  quoteRepo,
		policyRepo: policyRepo,
		gate:       gate,
		reviewSLA:  reviewSLA,
		batchSize:  batchSize,
		interval:   interval,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "review_scheduler")),
	}
}

// Start запускает фоновую горутину с периодическим sweep.
func (s *ReviewScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Планировщик sweep запущен",
			slog.String("interval", s.interval.String()),
			slog.String("review_sla", s.reviewSLA.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Планировщик sweep остановлен")
				return
			case <-ticker.C:
				result, err := s.SweepNow(ctx)
				if err != nil {
					s.logger.Error("Ошибка sweep-прохода",
						slog.String("error", err.Error()),
					)
					continue
				}
				s.logResult(result)
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *ReviewScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// SweepNow выполняет немедленный sweep-проход.
// Проходы независимы; ошибка обработки одной записи не прерывает проход.
func (s *ReviewScheduler) SweepNow(ctx context.Context) (*model.SweepResult, error) {
	result := &model.SweepResult{StartedAt: time.Now().UTC()}

	s.sweepReviews(ctx, result)
	s.sweepExpirations(ctx, result)

	result.CompletedAt = time.Now().UTC()
	sweepDuration.Observe(result.CompletedAt.Sub(result.StartedAt).Seconds())

	return result, nil
}

// sweepReviews — проход 1: контроль SLA ручного рассмотрения.
func (s *ReviewScheduler) sweepReviews(ctx context.Context, result *model.SweepResult) {
	cutoff := time.Now().UTC().Add(-s.reviewSLA)

	quotes, err := s.quoteRepo.ListInReviewBefore(ctx, cutoff, s.batchSize)
	if err != nil {
		s.logger.Error("Ошибка выборки котировок на рассмотрении",
			slog.String("error", err.Error()),
		)
		result.Failures++
		return
	}

	for _, q := range quotes {
		switch {
		case s.gate.ShouldAutoApprove(q.CargoType, q.ShipmentValue):
			// Повторная развилка проходит — одобряем из любого статуса рассмотрения
			now := time.Now().UTC()
			err := s.quoteRepo.Transition(ctx, q.ID,
				[]model.QuoteStatus{model.QuoteStatusUnderReview, model.QuoteStatusNeedsInfo},
				model.QuoteStatusApproved,
				repository.TransitionUpdate{ApprovedAt: &now})
			if s.countOutcome(err, q.ID, "review", "auto_approved", result) {
				result.QuotesAutoApproved++
				quoteTransitionsTotal.WithLabelValues(string(model.QuoteStatusApproved)).Inc()
				s.publish(ctx, events.Event{
					Type:    events.TypeQuoteApproved,
					QuoteID: q.ID,
					Status:  string(model.QuoteStatusApproved),
				})
			}
		case q.Status == model.QuoteStatusUnderReview:
			// Эскалация: запрос дополнительной информации
			err := s.quoteRepo.Transition(ctx, q.ID,
				[]model.QuoteStatus{model.QuoteStatusUnderReview},
				model.QuoteStatusNeedsInfo,
				repository.TransitionUpdate{})
			if s.countOutcome(err, q.ID, "review", "escalated", result) {
				result.QuotesEscalated++
				quoteTransitionsTotal.WithLabelValues(string(model.QuoteStatusNeedsInfo)).Inc()
				s.publish(ctx, events.Event{
					Type:    events.TypeQuoteNeedsInfo,
					QuoteID: q.ID,
					Status:  string(model.QuoteStatusNeedsInfo),
				})
			}
		default:
			// needs_info, развилка не проходит — оставляем на ручном рассмотрении
			result.QuotesRetained++
			sweepRecords.WithLabelValues("review", "retained").Inc()
		}
	}
}

// sweepExpirations — проход 2: истечение сроков котировок и полисов.
func (s *ReviewScheduler) sweepExpirations(ctx context.Context, result *model.SweepResult) {
	now := time.Now().UTC()

	quotes, err := s.quoteRepo.ListExpirable(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("Ошибка выборки истекающих котировок",
			slog.String("error", err.Error()),
		)
		result.Failures++
	} else {
		nonTerminal := []model.QuoteStatus{
			model.QuoteStatusDraft, model.QuoteStatusSubmitted,
			model.QuoteStatusUnderReview, model.QuoteStatusNeedsInfo,
			model.QuoteStatusApproved,
		}
		reason := expiredReason
		for _, q := range quotes {
			err := s.quoteRepo.Transition(ctx, q.ID, nonTerminal,
				model.QuoteStatusExpired,
				repository.TransitionUpdate{RejectionReason: &reason})
			if s.countOutcome(err, q.ID, "expiration", "quote_expired", result) {
				result.QuotesExpired++
				quoteTransitionsTotal.WithLabelValues(string(model.QuoteStatusExpired)).Inc()
				s.publish(ctx, events.Event{
					Type:    events.TypeQuoteExpired,
					QuoteID: q.ID,
					Status:  string(model.QuoteStatusExpired),
				})
			}
		}
	}

	policies, err := s.policyRepo.ListActiveExpiredBefore(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("Ошибка выборки истекающих полисов",
			slog.String("error", err.Error()),
		)
		result.Failures++
		return
	}
	for _, p := range policies {
		err := s.policyRepo.Expire(ctx, p.ID)
		if s.countOutcome(err, p.ID, "expiration", "policy_expired", result) {
			result.PoliciesExpired++
			s.publish(ctx, events.Event{
				Type:     events.TypePolicyExpired,
				PolicyID: p.ID,
				Status:   string(model.PolicyStatusExpired),
			})
		}
	}
}

// countOutcome обрабатывает результат перехода одной записи.
// ErrStaleState — запись уже обработана конкурирующей операцией, no-op.
// Возвращает true, если переход применён.
func (s *ReviewScheduler) countOutcome(err error, id, pass, outcome string, result *model.SweepResult) bool {
	switch {
	case err == nil:
		sweepRecords.WithLabelValues(pass, outcome).Inc()
		return true
	case errors.Is(err, repository.ErrStaleState):
		sweepRecords.WithLabelValues(pass, "stale").Inc()
		return false
	default:
		s.logger.Warn("Ошибка обработки записи в sweep",
			slog.String("id", id),
			slog.String("pass", pass),
			slog.String("error", err.Error()),
		)
		sweepRecords.WithLabelValues(pass, "failed").Inc()
		result.Failures++
		return false
	}
}

// logResult логирует итог периодического прохода.
func (s *ReviewScheduler) logResult(result *model.SweepResult) {
	s.logger.Info("Sweep-проход завершён",
		slog.Int("quotes_auto_approved", result.QuotesAutoApproved),
		slog.Int("quotes_escalated", result.QuotesEscalated),
		slog.Int("quotes_retained", result.QuotesRetained),
		slog.Int("quotes_expired", result.QuotesExpired),
		slog.Int("policies_expired", result.PoliciesExpired),
		slog.Int("failures", result.Failures),
		slog.String("duration", result.CompletedAt.Sub(result.StartedAt).String()),
	)
}

// publish отправляет событие; ошибка публикации не влияет на проход.
func (s *ReviewScheduler) publish(ctx context.Context, evt events.Event) {
	if err := s.notifier.Publish(ctx, evt); err != nil {
		s.logger.Warn("Не удалось опубликовать событие",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}
