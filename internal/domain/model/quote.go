// Пакет model — доменные структуры Policy Module.
// Соответствуют таблицам quotes, policies, document_sets, payments.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteStatus — статус котировки.
type QuoteStatus string

// Статусы котировки. Терминальные: rejected, expired, converted.
const (
	QuoteStatusDraft       QuoteStatus = "draft"
	QuoteStatusSubmitted   QuoteStatus = "submitted"
	QuoteStatusUnderReview QuoteStatus = "under_review"
	QuoteStatusNeedsInfo   QuoteStatus = "needs_info"
	QuoteStatusApproved    QuoteStatus = "approved"
	QuoteStatusRejected    QuoteStatus = "rejected"
	QuoteStatusExpired     QuoteStatus = "expired"
	QuoteStatusConverted   QuoteStatus = "converted"
)

// Режимы транспортировки груза.
const (
	TransportModeSea  = "sea"
	TransportModeAir  = "air"
	TransportModeRoad = "road"
)

// Уровни покрытия.
const (
	CoverageTierStandard   = "standard"
	CoverageTierPremium    = "premium"
	CoverageTierEnterprise = "enterprise"
)

// Quote — котировка страхования груза.
// Хранится в таблице quotes.
type Quote struct {
	// ID — UUID записи
	ID string
	// QuoteNumber — человекочитаемый номер (формат Q-00042, уникальный)
	QuoteNumber string
	// OwnerID — идентификатор владельца (sub из JWT)
	OwnerID string
	// CargoType — тип груза (electronics, chemicals, ...)
	CargoType string
	// ShipmentValue — заявленная стоимость груза (положительная)
	ShipmentValue decimal.Decimal
	// TransportMode — режим транспортировки (sea, air, road)
	TransportMode string
	// CoverageTier — уровень покрытия (standard, premium, enterprise)
	CoverageTier string
	// CoverageStart — начало периода покрытия
	CoverageStart time.Time
	// CoverageEnd — конец периода покрытия (строго позже начала)
	CoverageEnd time.Time

	// --- Расчётные суммы (заполняются при submit) ---

	// Premium — базовая премия (округлена до целой денежной единицы)
	Premium decimal.Decimal
	// Deductible — франшиза (фиксированная по уровню покрытия)
	Deductible decimal.Decimal
	// ServiceFee — сервисный сбор
	ServiceFee decimal.Decimal
	// Taxes — налоги (8% от премии)
	Taxes decimal.Decimal
	// TotalAmount — итоговая сумма к оплате
	TotalAmount decimal.Decimal

	// Status — текущий статус котировки
	Status QuoteStatus
	// RejectionReason — причина отказа (обязательна при rejected)
	RejectionReason *string
	// ApprovedAt — время одобрения
	ApprovedAt *time.Time
	// QuoteExpiresAt — срок действия котировки
	QuoteExpiresAt *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления (монотонно растёт при переходах)
	UpdatedAt time.Time
}

// IsTerminal сообщает, находится ли котировка в терминальном статусе.
func (q *Quote) IsTerminal() bool {
	switch q.Status {
	case QuoteStatusRejected, QuoteStatusExpired, QuoteStatusConverted:
		return true
	}
	return false
}
