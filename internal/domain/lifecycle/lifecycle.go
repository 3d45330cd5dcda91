// Пакет lifecycle — таблицы допустимых переходов состояний.
// Машина состояний котировки и переходы слотов документов описаны
// декларативно; сервисный слой и SQL-guard'ы опираются на эти же правила.
package lifecycle

import "github.com/bigkaa/cargocover/policy-module/internal/domain/model"

// quoteTransitions — допустимые переходы статусов котировки.
// Терминальные статусы (rejected, expired, converted) не имеют исходящих переходов.
var quoteTransitions = map[model.QuoteStatus][]model.QuoteStatus{
	model.QuoteStatusDraft: {
		model.QuoteStatusSubmitted,
	},
	model.QuoteStatusSubmitted: {
		model.QuoteStatusApproved,
		model.QuoteStatusUnderReview,
	},
	model.QuoteStatusUnderReview: {
		model.QuoteStatusNeedsInfo,
		model.QuoteStatusApproved,
		model.QuoteStatusRejected,
		model.QuoteStatusExpired,
	},
	model.QuoteStatusNeedsInfo: {
		model.QuoteStatusUnderReview,
		model.QuoteStatusApproved,
		model.QuoteStatusRejected,
		model.QuoteStatusExpired,
	},
	model.QuoteStatusApproved: {
		model.QuoteStatusConverted,
		model.QuoteStatusExpired,
	},
}

// CanTransition сообщает, допустим ли переход котировки from → to.
func CanTransition(from, to model.QuoteStatus) bool {
	for _, next := range quoteTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, является ли статус котировки терминальным.
func IsTerminal(s model.QuoteStatus) bool {
	switch s {
	case model.QuoteStatusRejected, model.QuoteStatusExpired, model.QuoteStatusConverted:
		return true
	}
	return false
}

// slotTransitions — допустимые переходы состояния слота документа.
// rejected → uploaded разрешён (повторная загрузка), approved → pending — никогда.
var slotTransitions = map[model.SlotState][]model.SlotState{
	model.SlotStatePending: {
		model.SlotStateUploaded,
	},
	model.SlotStateUploaded: {
		model.SlotStateApproved,
		model.SlotStateRejected,
	},
	model.SlotStateRejected: {
		model.SlotStateUploaded,
	},
}

// CanSlotTransition сообщает, допустим ли переход слота from → to.
func CanSlotTransition(from, to model.SlotState) bool {
	for _, next := range slotTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
