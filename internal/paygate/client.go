// Пакет paygate — HTTP-клиент платёжного шлюза.
// Поддерживает TLS с кастомным CA (PM_PAYGATE_CA_CERT_PATH).
// Операции: VerifyTransaction (GET /api/v1/transactions/{id}),
// CreateCheckout (POST /api/v1/checkouts).
package paygate

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Статусы транзакции на стороне шлюза.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusRefunded  = "refunded"
)

// Transaction — состояние транзакции по данным шлюза
// (ответ GET /api/v1/transactions/{id}).
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	ReceiptURL    *string         `json:"receipt_url,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// CheckoutRequest — запрос на создание платёжной сессии.
type CheckoutRequest struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// Checkout — созданная платёжная сессия (ответ POST /api/v1/checkouts).
type Checkout struct {
	CheckoutID string `json:"checkout_id"`
	PaymentURL string `json:"payment_url"`
}

// Client — HTTP-клиент платёжного шлюза.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент платёжного шлюза.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
func New(baseURL, apiKey, caCertPath string, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата платёжного шлюза: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
		logger.Info("CA-сертификат платёжного шлюза добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "paygate_client")),
	}, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

// VerifyTransaction запрашивает у шлюза состояние транзакции.
// GET /api/v1/transactions/{id}.
func (c *Client) VerifyTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	reqURL := fmt.Sprintf("%s/api/v1/transactions/%s", c.baseURL, transactionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("создание запроса VerifyTransaction: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос транзакции %s: %w", transactionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("шлюз вернул статус %d для транзакции %s: %s",
			resp.StatusCode, transactionID, string(body))
	}

	var tx Transaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("декодирование транзакции %s: %w", transactionID, err)
	}

	return &tx, nil
}

// CreateCheckout создаёт платёжную сессию для оплаты полиса.
// POST /api/v1/checkouts.
func (c *Client) CreateCheckout(ctx context.Context, in CheckoutRequest) (*Checkout, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса checkout: %w", err)
	}

	reqURL := c.baseURL + "/api/v1/checkouts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса CreateCheckout: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос создания checkout для %s: %w", in.Reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("шлюз вернул статус %d при создании checkout: %s",
			resp.StatusCode, string(respBody))
	}

	var checkout Checkout
	if err := json.NewDecoder(resp.Body).Decode(&checkout); err != nil {
		return nil, fmt.Errorf("декодирование ответа checkout: %w", err)
	}

	return &checkout, nil
}
