// Пакет premium — расчёт страховой премии и решение об автоодобрении.
// Расчёт детерминированный и без побочных эффектов: повторный расчёт
// на стороне UI и сервера даёт одинаковый результат с точностью до бита.
// Арифметика на decimal, одно округление до целой денежной единицы.
package premium

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
)

// Базовая ставка премии: 2.3% от стоимости груза.
var baseRate = decimal.RequireFromString("0.023")

// Ставка налога: 8% от округлённой премии.
var taxRate = decimal.RequireFromString("0.08")

// Сервисный сбор — фиксированная константа.
var serviceFee = decimal.NewFromInt(99)

// cargoRiskFactors — множители риска по типу груза.
// Неизвестный тип груза — множитель 1.0, без ошибки.
var cargoRiskFactors = map[string]decimal.Decimal{
	"general_merchandise": decimal.RequireFromString("1.0"),
	"electronics":         decimal.RequireFromString("1.2"),
	"textiles":            decimal.RequireFromString("0.9"),
	"automotive":          decimal.RequireFromString("1.15"),
	"perishables":         decimal.RequireFromString("1.3"),
	"machinery":           decimal.RequireFromString("1.4"),
	"chemicals":           decimal.RequireFromString("1.6"),
}

// transportModeFactors — множители по режиму транспортировки.
var transportModeFactors = map[string]decimal.Decimal{
	model.TransportModeSea:  decimal.RequireFromString("1.0"),
	model.TransportModeRoad: decimal.RequireFromString("1.1"),
	model.TransportModeAir:  decimal.RequireFromString("1.25"),
}

// coverageTierFactors — множители по уровню покрытия.
var coverageTierFactors = map[string]decimal.Decimal{
	model.CoverageTierStandard:   decimal.RequireFromString("1.0"),
	model.CoverageTierPremium:    decimal.RequireFromString("1.35"),
	model.CoverageTierEnterprise: decimal.RequireFromString("1.75"),
}

// minPremiums — минимальная премия по уровню покрытия.
var minPremiums = map[string]decimal.Decimal{
	model.CoverageTierStandard:   decimal.NewFromInt(450),
	model.CoverageTierPremium:    decimal.NewFromInt(675),
	model.CoverageTierEnterprise: decimal.NewFromInt(900),
}

// deductibles — фиксированная франшиза по уровню покрытия (не вычисляется).
var deductibles = map[string]decimal.Decimal{
	model.CoverageTierStandard:   decimal.NewFromInt(1000),
	model.CoverageTierPremium:    decimal.NewFromInt(500),
	model.CoverageTierEnterprise: decimal.NewFromInt(250),
}

// Input — исходные данные для расчёта премии.
type Input struct {
	// CargoType — тип груза
	CargoType string
	// ShipmentValue — стоимость груза (валидируется вызывающей стороной)
	ShipmentValue decimal.Decimal
	// TransportMode — режим транспортировки
	TransportMode string
	// CoverageTier — уровень покрытия
	CoverageTier string
	// CoverageStart — начало периода покрытия
	CoverageStart time.Time
	// CoverageEnd — конец периода покрытия
	CoverageEnd time.Time
}

// Quotation — результат расчёта премии.
type Quotation struct {
	// BasePremium — базовая премия, округлённая до целой денежной единицы
	BasePremium decimal.Decimal
	// Deductible — франшиза
	Deductible decimal.Decimal
	// ServiceFee — сервисный сбор
	ServiceFee decimal.Decimal
	// Taxes — налоги (8% от округлённой премии)
	Taxes decimal.Decimal
	// TotalAmount — итого: премия + сбор + налоги
	TotalAmount decimal.Decimal
}

// Calculate вычисляет премию по алгоритму:
// base = value × 0.023 × cargoFactor × modeFactor × tierFactor × durationFactor,
// где durationFactor = max(1, durationDays/30).
// Результат ограничивается снизу минимальной премией уровня покрытия
// и округляется до целой денежной единицы.
func Calculate(in Input) Quotation {
	base := in.ShipmentValue.Mul(baseRate)
	base = base.Mul(factorOrDefault(cargoRiskFactors, in.CargoType))
	base = base.Mul(factorOrDefault(transportModeFactors, in.TransportMode))
	base = base.Mul(factorOrDefault(coverageTierFactors, in.CoverageTier))
	base = base.Mul(durationFactor(in.CoverageStart, in.CoverageEnd))

	// Минимальная премия уровня покрытия
	if minP, ok := minPremiums[in.CoverageTier]; ok && base.LessThan(minP) {
		base = minP
	}

	// Одно округление до целой денежной единицы
	base = base.Round(0)

	deductible, ok := deductibles[in.CoverageTier]
	if !ok {
		deductible = deductibles[model.CoverageTierStandard]
	}

	taxes := base.Mul(taxRate).Round(0)

	return Quotation{
		BasePremium: base,
		Deductible:  deductible,
		ServiceFee:  serviceFee,
		Taxes:       taxes,
		TotalAmount: base.Add(serviceFee).Add(taxes),
	}
}

// durationFactor возвращает max(1, durationDays/30).
// Длительность берётся в целых днях, неполный день считается полным.
func durationFactor(start, end time.Time) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if !end.After(start) {
		return one
	}

	hours := end.Sub(start).Hours()
	days := int64(hours / 24)
	if float64(days*24) < hours {
		days++
	}

	factor := decimal.NewFromInt(days).Div(decimal.NewFromInt(30))
	if factor.LessThan(one) {
		return one
	}
	return factor
}

// factorOrDefault возвращает множитель из таблицы или 1.0 для неизвестного ключа.
func factorOrDefault(table map[string]decimal.Decimal, key string) decimal.Decimal {
	if f, ok := table[key]; ok {
		return f
	}
	return decimal.NewFromInt(1)
}

// Gate — решение об автоодобрении котировки.
// Единственная развилка между автоматическим и ручным андеррайтингом.
type Gate struct {
	highRisk map[string]bool
	maxValue decimal.Decimal
}

// NewGate создаёт Gate.
// highRiskCargo — типы груза, всегда уходящие на ручной андеррайтинг.
// maxValue — порог стоимости груза для автоодобрения.
func NewGate(highRiskCargo []string, maxValue decimal.Decimal) *Gate {
	set := make(map[string]bool, len(highRiskCargo))
	for _, c := range highRiskCargo {
		set[c] = true
	}
	return &Gate{highRisk: set, maxValue: maxValue}
}

// ShouldAutoApprove возвращает false, если тип груза высокорисковый
// или стоимость превышает порог; иначе true.
func (g *Gate) ShouldAutoApprove(cargoType string, shipmentValue decimal.Decimal) bool {
	if g.highRisk[cargoType] {
		return false
	}
	return !shipmentValue.GreaterThan(g.maxValue)
}
