// Пакет docstatus — агрегация статусов трёх слотов документов полиса.
// Агрегат чистый и выводится из текущих состояний слотов при каждом чтении,
// никогда не сохраняется и не кэшируется: обновление слота видно немедленно,
// двух источников истины не возникает.
package docstatus

import (
	"fmt"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
)

// Status — агрегированный статус комплекта документов.
type Status string

// Агрегированные статусы в порядке приоритета правил.
const (
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusPendingReview Status = "pending_review"
	StatusMissing       Status = "missing"
	StatusInProgress    Status = "in_progress"
)

// Rollup — производный статус комплекта и краткая сводка для отображения.
type Rollup struct {
	// Status — агрегированный статус
	Status Status
	// Summary — краткая сводка (счётчики слотов)
	Summary string
}

// Aggregate вычисляет агрегированный статус по трём слотам.
// Правила в порядке приоритета:
//  1. все три approved → approved
//  2. хотя бы один rejected → rejected
//  3. хотя бы один uploaded (ждёт проверки) → pending_review
//  4. все pending → missing; pending вперемешку с approved → in_progress
//
// set == nil (комплект не создан) → missing, "No Documents Uploaded".
func Aggregate(set *model.DocumentSet) Rollup {
	if set == nil {
		return Rollup{Status: StatusMissing, Summary: "No Documents Uploaded"}
	}

	states := []model.SlotState{
		set.Invoice.State,
		set.PackingList.State,
		set.BillOfLading.State,
	}

	var approved, rejected, uploaded, pending int
	for _, s := range states {
		switch s {
		case model.SlotStateApproved:
			approved++
		case model.SlotStateRejected:
			rejected++
		case model.SlotStateUploaded:
			uploaded++
		case model.SlotStatePending:
			pending++
		}
	}

	total := len(states)

	switch {
	case approved == total:
		return Rollup{
			Status:  StatusApproved,
			Summary: fmt.Sprintf("%d of %d documents approved", approved, total),
		}
	case rejected > 0:
		return Rollup{
			Status:  StatusRejected,
			Summary: fmt.Sprintf("%d of %d documents rejected", rejected, total),
		}
	case uploaded > 0:
		return Rollup{
			Status:  StatusPendingReview,
			Summary: fmt.Sprintf("%d of %d documents awaiting review", uploaded, total),
		}
	case pending == total:
		return Rollup{
			Status:  StatusMissing,
			Summary: "No Documents Uploaded",
		}
	default:
		// Смесь approved/pending без uploaded и rejected
		return Rollup{
			Status:  StatusInProgress,
			Summary: fmt.Sprintf("%d/%d approved", approved, total),
		}
	}
}
