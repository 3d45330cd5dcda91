// policies.go — обработчики полисов и истории платежей.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/cargocover/policy-module/internal/api/errors"
	"github.com/bigkaa/cargocover/policy-module/internal/api/middleware"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/rbac"
	"github.com/bigkaa/cargocover/policy-module/internal/repository"
)

// CreatePolicy обрабатывает POST /api/v1/quotes/{id}/policy.
// Конвертирует одобренную котировку в полис и создаёт платёжную сессию.
func (h *APIHandler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	quoteID := chi.URLParam(r, "id")

	quote, err := h.quotes.Get(r.Context(), quoteID)
	if err != nil {
		h.writeQuoteError(w, err, "конвертация котировки")
		return
	}
	if !claims.CanActFor(quote.OwnerID) {
		apierrors.Forbidden(w, "Доступ к чужой котировке запрещён")
		return
	}

	policy, paymentURL, err := h.policies.CreateFromQuote(r.Context(), quoteID)
	if err != nil {
		h.writeQuoteError(w, err, "конвертация котировки")
		return
	}

	h.logger.Info("Полис создан",
		slog.String("policy_id", policy.ID),
		slog.String("quote_id", policy.QuoteID),
		slog.String("policy_number", policy.PolicyNumber))
	writeJSON(w, http.StatusCreated, mapPolicy(policy, paymentURL))
}

// GetPolicy обрабатывает GET /api/v1/policies/{id}.
func (h *APIHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	id := chi.URLParam(r, "id")

	policy, err := h.policies.Get(r.Context(), id)
	if err != nil {
		h.writeQuoteError(w, err, "чтение полиса")
		return
	}
	if !claims.CanActFor(policy.OwnerID) {
		apierrors.Forbidden(w, "Доступ к чужому полису запрещён")
		return
	}

	writeJSON(w, http.StatusOK, mapPolicy(policy, ""))
}

// ListPolicies обрабатывает GET /api/v1/policies.
// Грузоотправители видят только свои полисы.
func (h *APIHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	limit, offset := paginationParams(r)

	var filters repository.PolicyListFilters
	if claims.Role == rbac.RoleShipper {
		owner := claims.Subject
		filters.OwnerID = &owner
	} else if v := r.URL.Query().Get("owner_id"); v != "" {
		filters.OwnerID = &v
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filters.Status = &v
	}

	policies, total, err := h.policies.List(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeQuoteError(w, err, "список полисов")
		return
	}

	items := make([]policyResponse, 0, len(policies))
	for _, p := range policies {
		items = append(items, mapPolicy(p, ""))
	}

	writeJSON(w, http.StatusOK, struct {
		Items []policyResponse `json:"items"`
		Meta  listMeta         `json:"meta"`
	}{Items: items, Meta: listMeta{Total: total, Limit: limit, Offset: offset}})
}

// ListPolicyPayments обрабатывает GET /api/v1/policies/{id}/payments.
// Возвращает историю платёжных попыток по котировке полиса.
func (h *APIHandler) ListPolicyPayments(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	id := chi.URLParam(r, "id")

	policy, err := h.policies.Get(r.Context(), id)
	if err != nil {
		h.writeQuoteError(w, err, "история платежей")
		return
	}
	if !claims.CanActFor(policy.OwnerID) {
		apierrors.Forbidden(w, "Доступ к чужому полису запрещён")
		return
	}

	payments, err := h.policies.ListPayments(r.Context(), policy.QuoteID)
	if err != nil {
		h.writeQuoteError(w, err, "история платежей")
		return
	}

	items := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		items = append(items, mapPayment(p))
	}

	writeJSON(w, http.StatusOK, struct {
		Items []paymentResponse `json:"items"`
	}{Items: items})
}
