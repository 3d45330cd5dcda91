// quotes.go — обработчики жизненного цикла котировок.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	apierrors "github.com/bigkaa/cargocover/policy-module/internal/api/errors"
	"github.com/bigkaa/cargocover/policy-module/internal/api/middleware"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/rbac"
	"github.com/bigkaa/cargocover/policy-module/internal/repository"
	"github.com/bigkaa/cargocover/policy-module/internal/service"
)

// quoteRequest — тело запроса создания/обновления черновика котировки.
type quoteRequest struct {
	CargoType     string          `json:"cargo_type"`
	ShipmentValue decimal.Decimal `json:"shipment_value"`
	TransportMode string          `json:"transport_mode"`
	CoverageTier  string          `json:"coverage_tier"`
	CoverageStart time.Time       `json:"coverage_start"`
	CoverageEnd   time.Time       `json:"coverage_end"`
}

func (q quoteRequest) toInput() service.QuoteInput {
	return service.QuoteInput{
		CargoType:     q.CargoType,
		ShipmentValue: q.ShipmentValue,
		TransportMode: q.TransportMode,
		CoverageTier:  q.CoverageTier,
		CoverageStart: q.CoverageStart,
		CoverageEnd:   q.CoverageEnd,
	}
}

// resolveRequest — тело запроса ручного решения андеррайтера.
type resolveRequest struct {
	Decision string  `json:"decision"`
	Reason   *string `json:"reason,omitempty"`
}

// CreateQuote обрабатывает POST /api/v1/quotes.
// Создаёт черновик котировки, владелец — субъект токена.
func (h *APIHandler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	quote, err := h.quotes.CreateDraft(r.Context(), claims.Subject, req.toInput())
	if err != nil {
		h.writeQuoteError(w, err, "создание котировки")
		return
	}

	h.logger.Info("Котировка создана",
		slog.String("quote_id", quote.ID),
		slog.String("owner_id", quote.OwnerID))
	writeJSON(w, http.StatusCreated, mapQuote(quote))
}

// UpdateQuote обрабатывает PUT /api/v1/quotes/{id}.
// Обновляет параметры черновика до подачи.
func (h *APIHandler) UpdateQuote(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	id := chi.URLParam(r, "id")

	quote, err := h.quotes.Get(r.Context(), id)
	if err != nil {
		h.writeQuoteError(w, err, "обновление котировки")
		return
	}
	if !claims.CanActFor(quote.OwnerID) {
		apierrors.Forbidden(w, "Доступ к чужой котировке запрещён")
		return
	}

	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	updated, err := h.quotes.UpdateFacts(r.Context(), id, req.toInput())
	if err != nil {
		h.writeQuoteError(w, err, "обновление котировки")
		return
	}

	writeJSON(w, http.StatusOK, mapQuote(updated))
}

// SubmitQuote обрабатывает POST /api/v1/quotes/{id}/submit.
// Рассчитывает премию и прогоняет котировку через гейт автоодобрения.
func (h *APIHandler) SubmitQuote(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	id := chi.URLParam(r, "id")

	quote, err := h.quotes.Get(r.Context(), id)
	if err != nil {
		h.writeQuoteError(w, err, "подача котировки")
		return
	}
	if !claims.CanActFor(quote.OwnerID) {
		apierrors.Forbidden(w, "Доступ к чужой котировке запрещён")
		return
	}

	submitted, err := h.quotes.Submit(r.Context(), id)
	if err != nil {
		h.writeQuoteError(w, err, "подача котировки")
		return
	}

	h.logger.Info("Котировка подана",
		slog.String("quote_id", submitted.ID),
		slog.String("status", string(submitted.Status)))
	writeJSON(w, http.StatusOK, mapQuote(submitted))
}

// ResolveQuote обрабатывает POST /api/v1/quotes/{id}/resolve.
// Ручное решение андеррайтера: approve, reject, needs_info или resume.
// Маршрут защищён RequireRole(underwriter, admin).
func (h *APIHandler) ResolveQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	quote, err := h.quotes.Resolve(r.Context(), id, req.Decision, req.Reason)
	if err != nil {
		h.writeQuoteError(w, err, "решение по котировке")
		return
	}

	h.logger.Info("Решение по котировке принято",
		slog.String("quote_id", quote.ID),
		slog.String("decision", req.Decision),
		slog.String("status", string(quote.Status)))
	writeJSON(w, http.StatusOK, mapQuote(quote))
}

// GetQuote обрабатывает GET /api/v1/quotes/{id}.
func (h *APIHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	id := chi.URLParam(r, "id")

	quote, err := h.quotes.Get(r.Context(), id)
	if err != nil {
		h.writeQuoteError(w, err, "чтение котировки")
		return
	}
	if !claims.CanActFor(quote.OwnerID) {
		apierrors.Forbidden(w, "Доступ к чужой котировке запрещён")
		return
	}

	writeJSON(w, http.StatusOK, mapQuote(quote))
}

// ListQuotes обрабатывает GET /api/v1/quotes.
// Грузоотправители видят только свои котировки,
// андеррайтеры и администраторы — все.
func (h *APIHandler) ListQuotes(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	limit, offset := paginationParams(r)

	var filters repository.QuoteListFilters
	if claims.Role == rbac.RoleShipper {
		owner := claims.Subject
		filters.OwnerID = &owner
	} else if v := r.URL.Query().Get("owner_id"); v != "" {
		filters.OwnerID = &v
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filters.Status = &v
	}

	quotes, total, err := h.quotes.List(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeQuoteError(w, err, "список котировок")
		return
	}

	items := make([]quoteResponse, 0, len(quotes))
	for _, q := range quotes {
		items = append(items, mapQuote(q))
	}

	writeJSON(w, http.StatusOK, struct {
		Items []quoteResponse `json:"items"`
		Meta  listMeta        `json:"meta"`
	}{Items: items, Meta: listMeta{Total: total, Limit: limit, Offset: offset}})
}

// writeQuoteError преобразует ошибку сервисного слоя в API-ответ.
func (h *APIHandler) writeQuoteError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrInvalidState):
		apierrors.InvalidState(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrDependency):
		apierrors.GatewayUnavailable(w, err.Error())
	default:
		h.logger.Error("Внутренняя ошибка", slog.String("operation", op), slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
