// payments.go — обработчик webhook платёжного шлюза.
package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	apierrors "github.com/bigkaa/cargocover/policy-module/internal/api/errors"
	"github.com/bigkaa/cargocover/policy-module/internal/service"
)

// HeaderPaygateSignature — заголовок с HMAC-подписью тела webhook.
const HeaderPaygateSignature = "X-Paygate-Signature"

// maxWebhookBody — предел размера тела webhook (64 KiB).
const maxWebhookBody = 64 << 10

// paymentWebhookRequest — тело webhook от платёжного шлюза.
type paymentWebhookRequest struct {
	PolicyID      string          `json:"policy_id"`
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
}

// PaymentWebhook обрабатывает POST /api/v1/payments/webhook.
// Маршрут не проходит JWT-аутентификацию: подлинность запроса
// подтверждается HMAC-SHA256 подписью тела общим секретом шлюза.
// Обработка идемпотентна — повторная доставка для уже активного
// полиса возвращает текущее состояние.
func (h *APIHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		h.logger.Warn("Webhook платёжного шлюза отключён: секрет не задан")
		apierrors.Forbidden(w, "Webhook платёжного шлюза отключён")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		apierrors.ValidationError(w, "Не удалось прочитать тело запроса")
		return
	}

	if !h.verifyWebhookSignature(body, r.Header.Get(HeaderPaygateSignature)) {
		h.logger.Warn("Webhook с недействительной подписью",
			slog.String("remote_addr", r.RemoteAddr))
		apierrors.Unauthorized(w, "Недействительная подпись webhook")
		return
	}

	var req paymentWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	policy, err := h.policies.ActivateOnPayment(r.Context(), service.WebhookInput{
		PolicyID:      req.PolicyID,
		TransactionID: req.TransactionID,
		Status:        req.Status,
		Amount:        req.Amount,
		Method:        req.Method,
	})
	if err != nil {
		h.writeQuoteError(w, err, "активация полиса по webhook")
		return
	}

	h.logger.Info("Полис активирован по webhook",
		slog.String("policy_id", policy.ID),
		slog.String("transaction_id", req.TransactionID),
		slog.String("status", string(policy.Status)))
	writeJSON(w, http.StatusOK, mapPolicy(policy, ""))
}

// verifyWebhookSignature сверяет HMAC-SHA256 подпись тела webhook.
func (h *APIHandler) verifyWebhookSignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
