package model

import "time"

// SlotState — состояние одного слота документа.
type SlotState string

// Состояния слота. Допустимые переходы:
// pending→uploaded→{approved,rejected}, rejected→uploaded (повторная загрузка).
// Переход approved→pending запрещён.
const (
	SlotStatePending  SlotState = "pending"
	SlotStateUploaded SlotState = "uploaded"
	SlotStateApproved SlotState = "approved"
	SlotStateRejected SlotState = "rejected"
)

// DocumentSlot — имя слота документа.
type DocumentSlot string

// Три обязательных документа полиса.
const (
	SlotInvoice      DocumentSlot = "invoice"
	SlotPackingList  DocumentSlot = "packing_list"
	SlotBillOfLading DocumentSlot = "bill_of_lading"
)

// Slots возвращает все слоты в каноническом порядке.
func Slots() []DocumentSlot {
	return []DocumentSlot{SlotInvoice, SlotPackingList, SlotBillOfLading}
}

// IsValidSlot проверяет, является ли строка именем слота.
func IsValidSlot(s string) bool {
	switch DocumentSlot(s) {
	case SlotInvoice, SlotPackingList, SlotBillOfLading:
		return true
	}
	return false
}

// SlotRecord — состояние одного слота: статус, ссылка на файл, причина отказа.
type SlotRecord struct {
	// State — состояние слота
	State SlotState
	// FileRef — ссылка на загруженный файл (nil пока не загружен)
	FileRef *string
	// RejectionReason — причина отказа (nil вне состояния rejected)
	RejectionReason *string
}

// DocumentSet — ровно одна запись на полис с тремя независимыми слотами.
// Хранится в таблице document_sets. Агрегированный статус НЕ хранится —
// он выводится из трёх слотов при каждом чтении (пакет docstatus).
type DocumentSet struct {
	// PolicyID — UUID полиса (первичный ключ)
	PolicyID string
	// Invoice — слот коммерческого инвойса
	Invoice SlotRecord
	// PackingList — слот упаковочного листа
	PackingList SlotRecord
	// BillOfLading — слот коносамента
	BillOfLading SlotRecord
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// Slot возвращает указатель на запись слота по имени.
// Для неизвестного имени возвращает nil.
func (d *DocumentSet) Slot(name DocumentSlot) *SlotRecord {
	switch name {
	case SlotInvoice:
		return &d.Invoice
	case SlotPackingList:
		return &d.PackingList
	case SlotBillOfLading:
		return &d.BillOfLading
	}
	return nil
}
