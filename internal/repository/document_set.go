package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
)

// DocumentSetRepository — интерфейс доступа к таблице document_sets.
// Хранятся только сырые состояния трёх слотов; агрегированный статус
// никогда не пишется в БД (пакет docstatus выводит его при чтении).
type DocumentSetRepository interface {
	// Create создаёт комплект документов полиса: все слоты в pending.
	Create(ctx context.Context, policyID string) (*model.DocumentSet, error)
	// GetByPolicyID возвращает комплект по UUID полиса.
	GetByPolicyID(ctx context.Context, policyID string) (*model.DocumentSet, error)
	// UpdateSlot обновляет один слот guarded-переходом: UPDATE применяется,
	// только если текущее состояние слота входит в from.
	UpdateSlot(ctx context.Context, policyID string, slot model.DocumentSlot, rec model.SlotRecord, from []model.SlotState) error
}

// documentSetRepo — реализация DocumentSetRepository.
type documentSetRepo struct {
	db DBTX
}

// NewDocumentSetRepository создаёт репозиторий комплектов документов.
func NewDocumentSetRepository(db DBTX) DocumentSetRepository {
	return &documentSetRepo{db: db}
}

// slotColumnPrefix возвращает префикс колонок слота.
// Имена слотов ограничены перечислением model.DocumentSlot,
// динамической подстановки пользовательского ввода в SQL нет.
func slotColumnPrefix(slot model.DocumentSlot) (string, error) {
	switch slot {
	case model.SlotInvoice:
		return "invoice", nil
	case model.SlotPackingList:
		return "packing_list", nil
	case model.SlotBillOfLading:
		return "bill_of_lading", nil
	}
	return "", fmt.Errorf("неизвестный слот документа: %q", slot)
}

func (r *documentSetRepo) Create(ctx context.Context, policyID string) (*model.DocumentSet, error) {
	query := `
		INSERT INTO document_sets (policy_id)
		VALUES ($1)
		RETURNING created_at, updated_at`

	d := &model.DocumentSet{
		PolicyID:     policyID,
		Invoice:      model.SlotRecord{State: model.SlotStatePending},
		PackingList:  model.SlotRecord{State: model.SlotStatePending},
		BillOfLading: model.SlotRecord{State: model.SlotStatePending},
	}

	err := r.db.QueryRow(ctx, query, policyID).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: комплект документов для полиса уже существует", ErrConflict)
		}
		return nil, fmt.Errorf("ошибка создания комплекта документов: %w", err)
	}
	return d, nil
}

func (r *documentSetRepo) GetByPolicyID(ctx context.Context, policyID string) (*model.DocumentSet, error) {
	query := `
		SELECT policy_id,
			invoice_state, invoice_file_ref, invoice_rejection_reason,
			packing_list_state, packing_list_file_ref, packing_list_rejection_reason,
			bill_of_lading_state, bill_of_lading_file_ref, bill_of_lading_rejection_reason,
			created_at, updated_at
		FROM document_sets
		WHERE policy_id = $1`

	d := &model.DocumentSet{}
	err := r.db.QueryRow(ctx, query, policyID).Scan(
		&d.PolicyID,
		&d.Invoice.State, &d.Invoice.FileRef, &d.Invoice.RejectionReason,
		&d.PackingList.State, &d.PackingList.FileRef, &d.PackingList.RejectionReason,
		&d.BillOfLading.State, &d.BillOfLading.FileRef, &d.BillOfLading.RejectionReason,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения комплекта документов: %w", err)
	}
	return d, nil
}

func (r *documentSetRepo) UpdateSlot(ctx context.Context, policyID string, slot model.DocumentSlot, rec model.SlotRecord, from []model.SlotState) error {
	prefix, err := slotColumnPrefix(slot)
	if err != nil {
		return err
	}

	// Все три колонки слота пишутся одним UPDATE — частичных записей не бывает.
	query := fmt.Sprintf(`
		UPDATE document_sets
		SET %[1]s_state = $3, %[1]s_file_ref = $4, %[1]s_rejection_reason = $5,
			updated_at = now()
		WHERE policy_id = $1 AND %[1]s_state = ANY($2)`, prefix)

	tag, err := r.db.Exec(ctx, query, policyID, statusStrings(from), rec.State, rec.FileRef, rec.RejectionReason)
	if err != nil {
		return fmt.Errorf("ошибка обновления слота %s: %w", slot, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}
