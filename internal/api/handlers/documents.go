// documents.go — обработчики слотов документов полиса.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/cargocover/policy-module/internal/api/errors"
	"github.com/bigkaa/cargocover/policy-module/internal/api/middleware"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
)

// uploadDocumentRequest — тело запроса загрузки документа в слот.
type uploadDocumentRequest struct {
	FileRef string `json:"file_ref"`
}

// reviewDocumentRequest — тело запроса проверки документа андеррайтером.
type reviewDocumentRequest struct {
	Decision string  `json:"decision"`
	Reason   *string `json:"reason,omitempty"`
}

// GetDocuments обрабатывает GET /api/v1/policies/{id}/documents.
// Возвращает три слота и производный агрегированный статус.
func (h *APIHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	policy, ok := h.policyForRequest(w, r)
	if !ok {
		return
	}

	set, rollup, err := h.documents.GetStatus(r.Context(), policy.ID)
	if err != nil {
		h.writeQuoteError(w, err, "статус документов")
		return
	}

	writeJSON(w, http.StatusOK, mapDocumentSet(set, rollup))
}

// UploadDocument обрабатывает POST /api/v1/policies/{id}/documents/{slot}.
// Регистрирует загрузку файла в слот; повторная загрузка после отказа
// сбрасывает причину отказа.
func (h *APIHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	policy, ok := h.policyForRequest(w, r)
	if !ok {
		return
	}
	slot := chi.URLParam(r, "slot")

	var req uploadDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	set, rollup, err := h.documents.UploadSlot(r.Context(), policy.ID, slot, req.FileRef)
	if err != nil {
		h.writeQuoteError(w, err, "загрузка документа")
		return
	}

	h.logger.Info("Документ загружен",
		slog.String("policy_id", policy.ID),
		slog.String("slot", slot))
	writeJSON(w, http.StatusOK, mapDocumentSet(set, rollup))
}

// ReviewDocument обрабатывает POST /api/v1/policies/{id}/documents/{slot}/review.
// Решение андеррайтера по загруженному документу: approve или reject.
// Маршрут защищён RequireRole(underwriter, admin).
func (h *APIHandler) ReviewDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	slot := chi.URLParam(r, "slot")

	var req reviewDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	set, rollup, err := h.documents.ReviewSlot(r.Context(), id, slot, req.Decision, req.Reason)
	if err != nil {
		h.writeQuoteError(w, err, "проверка документа")
		return
	}

	h.logger.Info("Документ проверен",
		slog.String("policy_id", id),
		slog.String("slot", slot),
		slog.String("decision", req.Decision))
	writeJSON(w, http.StatusOK, mapDocumentSet(set, rollup))
}

// policyForRequest загружает полис из path-параметра id и проверяет,
// что субъект вправе работать с ним. При ошибке пишет ответ и возвращает false.
func (h *APIHandler) policyForRequest(w http.ResponseWriter, r *http.Request) (*model.Policy, bool) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return nil, false
	}
	id := chi.URLParam(r, "id")

	policy, err := h.policies.Get(r.Context(), id)
	if err != nil {
		h.writeQuoteError(w, err, "чтение полиса")
		return nil, false
	}
	if !claims.CanActFor(policy.OwnerID) {
		apierrors.Forbidden(w, "Доступ к чужому полису запрещён")
		return nil, false
	}
	return policy, true
}
