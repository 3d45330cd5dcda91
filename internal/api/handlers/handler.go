// handler.go — основной обработчик API Policy Module.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/docstatus"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
	"github.com/bigkaa/cargocover/policy-module/internal/service"
)

// APIHandler — основной обработчик API Policy Module.
type APIHandler struct {
	health        *HealthHandler
	quotes        *service.QuoteService
	policies      *service.PolicyService
	documents     *service.DocumentService
	scheduler     *service.ReviewScheduler
	webhookSecret string
	logger        *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
// webhookSecret — секрет подписи webhook платёжного шлюза (PM_PAYGATE_WEBHOOK_SECRET).
func NewAPIHandler(
	health *HealthHandler,
	quotes *service.QuoteService,
	policies *service.PolicyService,
	documents *service.DocumentService,
	scheduler *service.ReviewScheduler,
	webhookSecret string,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:        health,
		quotes:        quotes,
		policies:      policies,
		documents:     documents,
		scheduler:     scheduler,
		webhookSecret: webhookSecret,
		logger:        logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// paginationParams извлекает limit/offset из query-параметров
// и нормализует их.
func paginationParams(r *http.Request) (limit, offset int) {
	limit = 100
	offset = 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// listMeta — метаданные пагинации в списочных ответах.
type listMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// --- DTO и мапперы ---

// quoteResponse — представление котировки в API.
type quoteResponse struct {
	ID              string           `json:"id"`
	QuoteNumber     string           `json:"quote_number"`
	OwnerID         string           `json:"owner_id"`
	CargoType       string           `json:"cargo_type"`
	ShipmentValue   decimal.Decimal  `json:"shipment_value"`
	TransportMode   string           `json:"transport_mode"`
	CoverageTier    string           `json:"coverage_tier"`
	CoverageStart   time.Time        `json:"coverage_start"`
	CoverageEnd     time.Time        `json:"coverage_end"`
	Premium         *decimal.Decimal `json:"premium,omitempty"`
	Deductible      *decimal.Decimal `json:"deductible,omitempty"`
	ServiceFee      *decimal.Decimal `json:"service_fee,omitempty"`
	Taxes           *decimal.Decimal `json:"taxes,omitempty"`
	TotalAmount     *decimal.Decimal `json:"total_amount,omitempty"`
	Status          string           `json:"status"`
	RejectionReason *string          `json:"rejection_reason,omitempty"`
	ApprovedAt      *time.Time       `json:"approved_at,omitempty"`
	QuoteExpiresAt  *time.Time       `json:"quote_expires_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// mapQuote преобразует доменную котировку в DTO.
// Расчётные суммы опускаются до подачи (в draft они нулевые).
func mapQuote(q *model.Quote) quoteResponse {
	resp := quoteResponse{
		ID:              q.ID,
		QuoteNumber:     q.QuoteNumber,
		OwnerID:         q.OwnerID,
		CargoType:       q.CargoType,
		ShipmentValue:   q.ShipmentValue,
		TransportMode:   q.TransportMode,
		CoverageTier:    q.CoverageTier,
		CoverageStart:   q.CoverageStart,
		CoverageEnd:     q.CoverageEnd,
		Status:          string(q.Status),
		RejectionReason: q.RejectionReason,
		ApprovedAt:      q.ApprovedAt,
		QuoteExpiresAt:  q.QuoteExpiresAt,
		CreatedAt:       q.CreatedAt,
		UpdatedAt:       q.UpdatedAt,
	}

	if q.Status != model.QuoteStatusDraft {
		resp.Premium = &q.Premium
		resp.Deductible = &q.Deductible
		resp.ServiceFee = &q.ServiceFee
		resp.Taxes = &q.Taxes
		resp.TotalAmount = &q.TotalAmount
	}

	return resp
}

// policyResponse — представление полиса в API.
type policyResponse struct {
	ID             string          `json:"id"`
	PolicyNumber   string          `json:"policy_number"`
	QuoteID        string          `json:"quote_id"`
	OwnerID        string          `json:"owner_id"`
	Status         string          `json:"status"`
	PaymentStatus  string          `json:"payment_status"`
	CoverageStart  time.Time       `json:"coverage_start"`
	CoverageEnd    time.Time       `json:"coverage_end"`
	Premium        decimal.Decimal `json:"premium"`
	Deductible     decimal.Decimal `json:"deductible"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	CertificateURL *string         `json:"certificate_url,omitempty"`
	ReceiptURL     *string         `json:"receipt_url,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	ActivatedAt    *time.Time      `json:"activated_at,omitempty"`
	PaymentURL     string          `json:"payment_url,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// mapPolicy преобразует доменный полис в DTO.
// paymentURL — ссылка на платёжную сессию (только в ответе создания).
func mapPolicy(p *model.Policy, paymentURL string) policyResponse {
	return policyResponse{
		ID:             p.ID,
		PolicyNumber:   p.PolicyNumber,
		QuoteID:        p.QuoteID,
		OwnerID:        p.OwnerID,
		Status:         string(p.Status),
		PaymentStatus:  string(p.PaymentStatus),
		CoverageStart:  p.CoverageStart,
		CoverageEnd:    p.CoverageEnd,
		Premium:        p.Premium,
		Deductible:     p.Deductible,
		TotalAmount:    p.TotalAmount,
		CertificateURL: p.CertificateURL,
		ReceiptURL:     p.ReceiptURL,
		PaidAt:         p.PaidAt,
		ActivatedAt:    p.ActivatedAt,
		PaymentURL:     paymentURL,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// slotResponse — представление слота документа в API.
type slotResponse struct {
	State           string  `json:"state"`
	FileRef         *string `json:"file_ref,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

// documentSetResponse — комплект документов с агрегированным статусом.
type documentSetResponse struct {
	PolicyID string                  `json:"policy_id"`
	Slots    map[string]slotResponse `json:"slots"`
	Rollup   rollupResponse          `json:"rollup"`
}

// rollupResponse — производный статус комплекта.
type rollupResponse struct {
	Status  string `json:"status"`
	Summary string `json:"summary"`
}

// mapDocumentSet преобразует комплект документов в DTO.
func mapDocumentSet(set *model.DocumentSet, rollup docstatus.Rollup) documentSetResponse {
	slots := make(map[string]slotResponse, 3)
	for _, slot := range model.Slots() {
		rec := set.Slot(slot)
		slots[string(slot)] = slotResponse{
			State:           string(rec.State),
			FileRef:         rec.FileRef,
			RejectionReason: rec.RejectionReason,
		}
	}

	return documentSetResponse{
		PolicyID: set.PolicyID,
		Slots:    slots,
		Rollup: rollupResponse{
			Status:  string(rollup.Status),
			Summary: rollup.Summary,
		},
	}
}

// paymentResponse — представление платежа в API.
type paymentResponse struct {
	ID            string          `json:"id"`
	QuoteID       string          `json:"quote_id"`
	PolicyID      *string         `json:"policy_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transaction_id"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// mapPayment преобразует доменный платёж в DTO.
func mapPayment(p *model.Payment) paymentResponse {
	return paymentResponse{
		ID:            p.ID,
		QuoteID:       p.QuoteID,
		PolicyID:      p.PolicyID,
		Amount:        p.Amount,
		Method:        p.Method,
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		ProcessedAt:   p.ProcessedAt,
		CompletedAt:   p.CompletedAt,
		CreatedAt:     p.CreatedAt,
	}
}
