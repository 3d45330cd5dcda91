// sweep.go — внешний триггер планового прохода по котировкам и полисам.
package handlers

import (
	"log/slog"
	"net/http"
	"time"
)

// sweepResponse — результат внепланового прохода.
type sweepResponse struct {
	QuotesAutoApproved int       `json:"quotes_auto_approved"`
	QuotesEscalated    int       `json:"quotes_escalated"`
	QuotesRetained     int       `json:"quotes_retained"`
	QuotesExpired      int       `json:"quotes_expired"`
	PoliciesExpired    int       `json:"policies_expired"`
	Failures           int       `json:"failures"`
	StartedAt          time.Time `json:"started_at"`
	CompletedAt        time.Time `json:"completed_at"`
}

// TriggerSweep обрабатывает POST /internal/v1/sweep.
// Маршрут не проходит JWT-аутентификацию: доступ ограничен
// токеном X-Sweep-Token (middleware.RequireSweepToken).
// Запускает внеплановый проход синхронно и возвращает счётчики.
func (h *APIHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.SweepNow(r.Context())
	if err != nil {
		h.logger.Error("Внеплановый sweep завершился ошибкой", slog.String("error", err.Error()))
		h.writeQuoteError(w, err, "внеплановый sweep")
		return
	}

	h.logger.Info("Внеплановый sweep завершён",
		slog.Int("quotes_auto_approved", result.QuotesAutoApproved),
		slog.Int("quotes_escalated", result.QuotesEscalated),
		slog.Int("quotes_expired", result.QuotesExpired),
		slog.Int("policies_expired", result.PoliciesExpired),
		slog.Int("failures", result.Failures))

	writeJSON(w, http.StatusOK, sweepResponse{
		QuotesAutoApproved: result.QuotesAutoApproved,
		QuotesEscalated:    result.QuotesEscalated,
		QuotesRetained:     result.QuotesRetained,
		QuotesExpired:      result.QuotesExpired,
		PoliciesExpired:    result.PoliciesExpired,
		Failures:           result.Failures,
		StartedAt:          result.StartedAt,
		CompletedAt:        result.CompletedAt,
	})
}
