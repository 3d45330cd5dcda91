package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus — статус платёжной транзакции.
type PaymentStatus string

// Статусы платежа.
const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// Payment — попытка оплаты, привязанная ровно к одной котировке
// и (после успеха) ровно к одному полису.
// Хранится в таблице payments.
type Payment struct {
	// ID — UUID записи
	ID string
	// QuoteID — UUID котировки
	QuoteID string
	// PolicyID — UUID полиса (nil до привязки)
	PolicyID *string
	// Amount — сумма платежа
	Amount decimal.Decimal
	// Method — способ оплаты (card, invoice, ...)
	Method string
	// Status — статус транзакции
	Status PaymentStatus
	// TransactionID — уникальный идентификатор транзакции платёжного шлюза
	TransactionID string
	// ProcessedAt — время начала обработки
	ProcessedAt *time.Time
	// CompletedAt — время завершения
	CompletedAt *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}
