package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PolicyStatus — статус полиса.
type PolicyStatus string

// Статусы полиса.
const (
	PolicyStatusPendingPayment PolicyStatus = "pending_payment"
	PolicyStatusActive         PolicyStatus = "active"
	PolicyStatusExpired        PolicyStatus = "expired"
)

// PaymentState — статус оплаты полиса.
type PaymentState string

// Статусы оплаты полиса.
const (
	PaymentStatePending  PaymentState = "pending"
	PaymentStatePaid     PaymentState = "paid"
	PaymentStateFailed   PaymentState = "failed"
	PaymentStateRefunded PaymentState = "refunded"
)

// Policy — заключённый страховой полис, порождённый одобренной котировкой.
// Хранится в таблице policies. На одну котировку — не более одного полиса
// (уникальный индекс по quote_id).
type Policy struct {
	// ID — UUID записи
	ID string
	// PolicyNumber — номер полиса (P-00042, выводится из номера котировки)
	PolicyNumber string
	// QuoteID — UUID исходной котировки
	QuoteID string
	// OwnerID — владелец (копируется из котировки)
	OwnerID string
	// Status — статус полиса
	Status PolicyStatus
	// PaymentStatus — статус оплаты
	PaymentStatus PaymentState
	// CoverageStart — начало покрытия (копия из котировки, неизменяемо)
	CoverageStart time.Time
	// CoverageEnd — конец покрытия (копия из котировки, неизменяемо)
	CoverageEnd time.Time
	// Premium — премия (копия из котировки)
	Premium decimal.Decimal
	// Deductible — франшиза (копия из котировки)
	Deductible decimal.Decimal
	// TotalAmount — итоговая сумма к оплате
	TotalAmount decimal.Decimal
	// CertificateURL — ссылка на сертификат страхования (после активации)
	CertificateURL *string
	// ReceiptURL — ссылка на квитанцию об оплате
	ReceiptURL *string
	// PaidAt — время подтверждения оплаты
	PaidAt *time.Time
	// ActivatedAt — время активации полиса
	ActivatedAt *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}
