// documents.go — сервис верификации документов полиса.
// Три независимых слота (инвойс, упаковочный лист, коносамент);
// агрегированный статус комплекта выводится пакетом docstatus при каждом
// чтении и никогда не сохраняется в БД.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/docstatus"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/lifecycle"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
	"github.com/bigkaa/cargocover/policy-module/internal/events"
	"github.com/bigkaa/cargocover/policy-module/internal/repository"
)

// Решения проверки слота документа.
const (
	SlotDecisionApprove = "approve"
	SlotDecisionReject  = "reject"
)

// DocumentService — сервис комплектов документов полиса.
type DocumentService struct {
	docRepo  repository.DocumentSetRepository
	notifier events.Notifier
	logger   *slog.Logger
}

// NewDocumentService создаёт сервис документов.
func NewDocumentService(
	docRepo repository.DocumentSetRepository,
	notifier events.Notifier,
	logger *slog.Logger,
) *DocumentService {
	return &DocumentService{
		docRepo:  docRepo,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "document_service")),
	}
}

// GetStatus возвращает комплект документов и его агрегированный статус.
// Статус пересчитывается при каждом чтении.
func (s *DocumentService) GetStatus(ctx context.Context, policyID string) (*model.DocumentSet, docstatus.Rollup, error) {
	set, err := s.docRepo.GetByPolicyID(ctx, policyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, docstatus.Rollup{}, ErrNotFound
		}
		return nil, docstatus.Rollup{}, fmt.Errorf("получение комплекта документов: %w", err)
	}
	return set, docstatus.Aggregate(set), nil
}

// UploadSlot регистрирует загрузку документа в слот.
// Допустимо из pending и rejected (повторная загрузка); причина
// предыдущего отказа при этом сбрасывается.
func (s *DocumentService) UploadSlot(ctx context.Context, policyID, slotName, fileRef string) (*model.DocumentSet, docstatus.Rollup, error) {
	if !model.IsValidSlot(slotName) {
		return nil, docstatus.Rollup{}, fmt.Errorf("%w: неизвестный слот документа %q", ErrValidation, slotName)
	}
	if fileRef == "" {
		return nil, docstatus.Rollup{}, fmt.Errorf("%w: не указана ссылка на файл", ErrValidation)
	}
	slot := model.DocumentSlot(slotName)

	set, err := s.docRepo.GetByPolicyID(ctx, policyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, docstatus.Rollup{}, ErrNotFound
		}
		return nil, docstatus.Rollup{}, fmt.Errorf("получение комплекта документов: %w", err)
	}

	cur := set.Slot(slot)
	if !lifecycle.CanSlotTransition(cur.State, model.SlotStateUploaded) {
		return nil, docstatus.Rollup{}, fmt.Errorf("%w: слот %s в состоянии %s, загрузка недопустима",
			ErrInvalidState, slot, cur.State)
	}

	rec := model.SlotRecord{
		State:   model.SlotStateUploaded,
		FileRef: &fileRef,
	}
	from := []model.SlotState{model.SlotStatePending, model.SlotStateRejected}

	if err := s.docRepo.UpdateSlot(ctx, policyID, slot, rec, from); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return nil, docstatus.Rollup{}, fmt.Errorf("%w: состояние слота изменено конкурирующей операцией", ErrConflict)
		}
		return nil, docstatus.Rollup{}, fmt.Errorf("обновление слота %s: %w", slot, err)
	}

	s.logger.Info("Документ загружен",
		slog.String("policy_id", policyID),
		slog.String("slot", slotName),
	)

	s.publish(ctx, events.Event{
		Type:     events.TypeDocumentUploaded,
		PolicyID: policyID,
		Slot:     slotName,
		Status:   string(model.SlotStateUploaded),
	})

	return s.GetStatusAfterUpdate(ctx, policyID)
}

// ReviewSlot применяет решение проверки документа.
// approve/reject допустимы только из uploaded; reject требует непустой причины.
func (s *DocumentService) ReviewSlot(ctx context.Context, policyID, slotName, decision string, reason *string) (*model.DocumentSet, docstatus.Rollup, error) {
	if !model.IsValidSlot(slotName) {
		return nil, docstatus.Rollup{}, fmt.Errorf("%w: неизвестный слот документа %q", ErrValidation, slotName)
	}
	slot := model.DocumentSlot(slotName)

	var to model.SlotState
	switch decision {
	case SlotDecisionApprove:
		to = model.SlotStateApproved
	case SlotDecisionReject:
		if reason == nil || *reason == "" {
			return nil, docstatus.Rollup{}, fmt.Errorf("%w: отказ по документу требует непустой причины", ErrValidation)
		}
		to = model.SlotStateRejected
	default:
		return nil, docstatus.Rollup{}, fmt.Errorf("%w: неизвестное решение %q", ErrValidation, decision)
	}

	set, err := s.docRepo.GetByPolicyID(ctx, policyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, docstatus.Rollup{}, ErrNotFound
		}
		return nil, docstatus.Rollup{}, fmt.Errorf("получение комплекта документов: %w", err)
	}

	cur := set.Slot(slot)
	if !lifecycle.CanSlotTransition(cur.State, to) {
		return nil, docstatus.Rollup{}, fmt.Errorf("%w: слот %s в состоянии %s, переход в %s недопустим",
			ErrInvalidState, slot, cur.State, to)
	}

	rec := model.SlotRecord{
		State:   to,
		FileRef: cur.FileRef,
	}
	if to == model.SlotStateRejected {
		rec.RejectionReason = reason
	}

	if err := s.docRepo.UpdateSlot(ctx, policyID, slot, rec, []model.SlotState{model.SlotStateUploaded}); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return nil, docstatus.Rollup{}, fmt.Errorf("%w: состояние слота изменено конкурирующей операцией", ErrConflict)
		}
		return nil, docstatus.Rollup{}, fmt.Errorf("обновление слота %s: %w", slot, err)
	}

	s.logger.Info("Документ проверен",
		slog.String("policy_id", policyID),
		slog.String("slot", slotName),
		slog.String("decision", decision),
	)

	s.publish(ctx, events.Event{
		Type:     events.TypeDocumentReviewed,
		PolicyID: policyID,
		Slot:     slotName,
		Status:   string(to),
	})

	return s.GetStatusAfterUpdate(ctx, policyID)
}

// GetStatusAfterUpdate перечитывает комплект после изменения слота.
func (s *DocumentService) GetStatusAfterUpdate(ctx context.Context, policyID string) (*model.DocumentSet, docstatus.Rollup, error) {
	set, err := s.docRepo.GetByPolicyID(ctx, policyID)
	if err != nil {
		return nil, docstatus.Rollup{}, fmt.Errorf("перечитывание комплекта документов: %w", err)
	}
	return set, docstatus.Aggregate(set), nil
}

// publish отправляет событие; ошибка публикации не влияет на операцию.
func (s *DocumentService) publish(ctx context.Context, evt events.Event) {
	if err := s.notifier.Publish(ctx, evt); err != nil {
		s.logger.Warn("Не удалось опубликовать событие",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}
