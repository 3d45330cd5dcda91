// Интеграционные тесты репозиториев против реального PostgreSQL
// (testcontainers). Запускаются только при TEST_INTEGRATION=1.
package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/cargocover/policy-module/internal/config"
	"github.com/bigkaa/cargocover/policy-module/internal/database"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; очистка через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("cargocover_test"),
		postgres.WithUsername("cargocover"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("PM_DB_HOST", host)
	os.Setenv("PM_DB_PORT", port.Port())
	os.Setenv("PM_DB_NAME", "cargocover_test")
	os.Setenv("PM_DB_USER", "cargocover")
	os.Setenv("PM_DB_PASSWORD", "test-password")
	os.Setenv("PM_DB_SSL_MODE", "disable")
	os.Setenv("PM_KEYCLOAK_URL", "http://localhost:8080")
	os.Setenv("PM_PAYGATE_URL", "http://localhost:9200")
	os.Setenv("PM_PAYGATE_API_KEY", "test")
	os.Setenv("PM_PAYGATE_WEBHOOK_SECRET", "test")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newTestQuote создаёт котировку в БД и возвращает её.
func newTestQuote(t *testing.T, repo QuoteRepository, ownerID string) *model.Quote {
	t.Helper()

	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	q := &model.Quote{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		CargoType:     "electronics",
		ShipmentValue: decimal.NewFromInt(50000),
		TransportMode: model.TransportModeSea,
		CoverageTier:  model.CoverageTierStandard,
		CoverageStart: start,
		CoverageEnd:   start.Add(30 * 24 * time.Hour),
		Status:        model.QuoteStatusDraft,
	}
	if err := repo.Create(context.Background(), q); err != nil {
		t.Fatalf("Create() котировки: %v", err)
	}
	return q
}

// --- Тесты QuoteRepository ---

func TestQuoteCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewQuoteRepository(pool)

	q := newTestQuote(t, repo, "owner-1")

	if q.QuoteNumber == "" {
		t.Error("Номер котировки не назначен")
	}
	if q.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	// GetByID
	got, err := repo.GetByID(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.QuoteNumber != q.QuoteNumber {
		t.Errorf("Ожидался номер %s, получен %s", q.QuoteNumber, got.QuoteNumber)
	}
	if got.Status != model.QuoteStatusDraft {
		t.Errorf("Ожидался статус draft, получен %s", got.Status)
	}
	if !got.ShipmentValue.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("Ожидалась стоимость 50000, получена %s", got.ShipmentValue)
	}

	// GetByID несуществующей
	if _, err := repo.GetByID(ctx, uuid.New().String()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидалась ErrNotFound, получено: %v", err)
	}

	// UpdateFacts в draft
	got.CargoType = "textiles"
	got.ShipmentValue = decimal.NewFromInt(30000)
	if err := repo.UpdateFacts(ctx, got, model.QuoteStatusDraft); err != nil {
		t.Fatalf("UpdateFacts() ошибка: %v", err)
	}
	updated, err := repo.GetByID(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetByID() после обновления: %v", err)
	}
	if updated.CargoType != "textiles" {
		t.Errorf("Ожидался тип груза textiles, получен %s", updated.CargoType)
	}
}

func TestQuoteSubmissionAndTransitions(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewQuoteRepository(pool)

	q := newTestQuote(t, repo, "owner-1")

	// ApplySubmission: суммы + итоговый статус одним UPDATE
	now := time.Now().UTC()
	expiresAt := now.Add(720 * time.Hour)
	q.Premium = decimal.NewFromInt(1380)
	q.Deductible = decimal.NewFromInt(1000)
	q.ServiceFee = decimal.NewFromInt(99)
	q.Taxes = decimal.NewFromInt(110)
	q.TotalAmount = decimal.NewFromInt(1589)
	q.QuoteExpiresAt = &expiresAt
	q.ApprovedAt = &now
	if err := repo.ApplySubmission(ctx, q, model.QuoteStatusDraft, model.QuoteStatusApproved); err != nil {
		t.Fatalf("ApplySubmission() ошибка: %v", err)
	}

	got, err := repo.GetByID(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Status != model.QuoteStatusApproved {
		t.Errorf("Ожидался статус approved, получен %s", got.Status)
	}
	if !got.Premium.Equal(decimal.NewFromInt(1380)) {
		t.Errorf("Ожидалась премия 1380, получена %s", got.Premium)
	}
	if got.QuoteExpiresAt == nil {
		t.Error("quote_expires_at не записан")
	}

	// Повторная подача — guard по наблюдаемому статусу
	if err := repo.ApplySubmission(ctx, q, model.QuoteStatusDraft, model.QuoteStatusApproved); !errors.Is(err, ErrStaleState) {
		t.Errorf("Ожидалась ErrStaleState при повторной подаче, получено: %v", err)
	}

	// Guarded-переход approved → converted
	err = repo.Transition(ctx, q.ID,
		[]model.QuoteStatus{model.QuoteStatusApproved}, model.QuoteStatusConverted,
		TransitionUpdate{})
	if err != nil {
		t.Fatalf("Transition() approved→converted ошибка: %v", err)
	}

	// Переход из недопустимого статуса не применяется
	err = repo.Transition(ctx, q.ID,
		[]model.QuoteStatus{model.QuoteStatusApproved}, model.QuoteStatusExpired,
		TransitionUpdate{})
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("Ожидалась ErrStaleState, получено: %v", err)
	}
}

func TestQuoteListFiltering(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewQuoteRepository(pool)

	newTestQuote(t, repo, "owner-a")
	newTestQuote(t, repo, "owner-a")
	newTestQuote(t, repo, "owner-b")

	owner := "owner-a"
	quotes, err := repo.List(ctx, QuoteListFilters{OwnerID: &owner}, 100, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(quotes) != 2 {
		t.Errorf("Ожидалось 2 котировки owner-a, получено %d", len(quotes))
	}

	count, err := repo.Count(ctx, QuoteListFilters{OwnerID: &owner})
	if err != nil {
		t.Fatalf("Count() ошибка: %v", err)
	}
	if count != 2 {
		t.Errorf("Ожидался счётчик 2, получен %d", count)
	}

	status := "draft"
	count, err = repo.Count(ctx, QuoteListFilters{Status: &status})
	if err != nil {
		t.Fatalf("Count() по статусу ошибка: %v", err)
	}
	if count != 3 {
		t.Errorf("Ожидалось 3 черновика, получено %d", count)
	}
}

// --- Тесты PolicyRepository ---

// newTestPolicy создаёт полис для котировки.
func newTestPolicy(t *testing.T, repo PolicyRepository, q *model.Quote) *model.Policy {
	t.Helper()

	p := &model.Policy{
		ID:            uuid.New().String(),
		PolicyNumber:  "P-" + q.QuoteNumber,
		QuoteID:       q.ID,
		OwnerID:       q.OwnerID,
		Status:        model.PolicyStatusPendingPayment,
		PaymentStatus: model.PaymentStatePending,
		CoverageStart: q.CoverageStart,
		CoverageEnd:   q.CoverageEnd,
		Premium:       decimal.NewFromInt(1380),
		Deductible:    decimal.NewFromInt(1000),
		TotalAmount:   decimal.NewFromInt(1589),
	}
	if err := repo.Create(context.Background(), p); err != nil {
		t.Fatalf("Create() полиса: %v", err)
	}
	return p
}

func TestPolicyUniquePerQuote(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	quoteRepo := NewQuoteRepository(pool)
	policyRepo := NewPolicyRepository(pool)

	q := newTestQuote(t, quoteRepo, "owner-1")
	p := newTestPolicy(t, policyRepo, q)

	// Второй полис для той же котировки отклоняется уникальным индексом
	dup := &model.Policy{
		ID:            uuid.New().String(),
		PolicyNumber:  "P-DUP-" + q.QuoteNumber,
		QuoteID:       q.ID,
		OwnerID:       q.OwnerID,
		Status:        model.PolicyStatusPendingPayment,
		PaymentStatus: model.PaymentStatePending,
		CoverageStart: q.CoverageStart,
		CoverageEnd:   q.CoverageEnd,
		Premium:       decimal.NewFromInt(1380),
		Deductible:    decimal.NewFromInt(1000),
		TotalAmount:   decimal.NewFromInt(1589),
	}
	if err := policyRepo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Ожидалась ErrConflict для второго полиса, получено: %v", err)
	}

	// Проигравшая сторона гонки находит полис победителя
	got, err := policyRepo.GetByQuoteID(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetByQuoteID() ошибка: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("Ожидался полис %s, получен %s", p.ID, got.ID)
	}
}

func TestPolicyActivateAndExpire(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	quoteRepo := NewQuoteRepository(pool)
	policyRepo := NewPolicyRepository(pool)

	q := newTestQuote(t, quoteRepo, "owner-1")
	p := newTestPolicy(t, policyRepo, q)

	now := time.Now().UTC()
	receipt := "https://paygate.test/receipts/r-1"
	if err := policyRepo.Activate(ctx, p.ID, now, now, &receipt); err != nil {
		t.Fatalf("Activate() ошибка: %v", err)
	}

	got, err := policyRepo.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Status != model.PolicyStatusActive {
		t.Errorf("Ожидался статус active, получен %s", got.Status)
	}
	if got.PaymentStatus != model.PaymentStatePaid {
		t.Errorf("Ожидался payment_status paid, получен %s", got.PaymentStatus)
	}
	if got.PaidAt == nil || got.ActivatedAt == nil {
		t.Error("paid_at/activated_at не записаны")
	}
	if got.ReceiptURL == nil || *got.ReceiptURL != receipt {
		t.Errorf("Ожидалась ссылка на чек %s, получено %v", receipt, got.ReceiptURL)
	}

	// Повторная активация — guard по статусу pending_payment
	if err := policyRepo.Activate(ctx, p.ID, now, now, nil); !errors.Is(err, ErrStaleState) {
		t.Errorf("Ожидалась ErrStaleState при повторной активации, получено: %v", err)
	}

	// Expire идемпотентен: второй вызов — ErrStaleState
	if err := policyRepo.Expire(ctx, p.ID); err != nil {
		t.Fatalf("Expire() ошибка: %v", err)
	}
	if err := policyRepo.Expire(ctx, p.ID); !errors.Is(err, ErrStaleState) {
		t.Errorf("Ожидалась ErrStaleState при повторном Expire, получено: %v", err)
	}
}

// --- Тесты DocumentSetRepository ---

func TestDocumentSetSlots(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	quoteRepo := NewQuoteRepository(pool)
	policyRepo := NewPolicyRepository(pool)
	docRepo := NewDocumentSetRepository(pool)

	q := newTestQuote(t, quoteRepo, "owner-1")
	p := newTestPolicy(t, policyRepo, q)

	set, err := docRepo.Create(ctx, p.ID)
	if err != nil {
		t.Fatalf("Create() комплекта: %v", err)
	}
	for _, slot := range model.Slots() {
		if set.Slot(slot).State != model.SlotStatePending {
			t.Errorf("Слот %s: ожидалось pending, получено %s", slot, set.Slot(slot).State)
		}
	}

	// Guarded-переход pending → uploaded
	fileRef := "s3://cargocover-docs/invoice.pdf"
	err = docRepo.UpdateSlot(ctx, p.ID, model.SlotInvoice,
		model.SlotRecord{State: model.SlotStateUploaded, FileRef: &fileRef},
		[]model.SlotState{model.SlotStatePending, model.SlotStateRejected})
	if err != nil {
		t.Fatalf("UpdateSlot() pending→uploaded ошибка: %v", err)
	}

	got, err := docRepo.GetByPolicyID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetByPolicyID() ошибка: %v", err)
	}
	if got.Invoice.State != model.SlotStateUploaded {
		t.Errorf("Ожидалось состояние uploaded, получено %s", got.Invoice.State)
	}
	if got.Invoice.FileRef == nil || *got.Invoice.FileRef != fileRef {
		t.Errorf("Ожидалась ссылка %s, получено %v", fileRef, got.Invoice.FileRef)
	}
	// Остальные слоты не затронуты
	if got.PackingList.State != model.SlotStatePending {
		t.Errorf("Слот packing_list затронут: %s", got.PackingList.State)
	}

	// Переход из недопустимого состояния не применяется
	err = docRepo.UpdateSlot(ctx, p.ID, model.SlotInvoice,
		model.SlotRecord{State: model.SlotStateUploaded, FileRef: &fileRef},
		[]model.SlotState{model.SlotStatePending})
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("Ожидалась ErrStaleState, получено: %v", err)
	}
}

// --- Тесты PaymentRepository ---

func TestPaymentLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	quoteRepo := NewQuoteRepository(pool)
	policyRepo := NewPolicyRepository(pool)
	paymentRepo := NewPaymentRepository(pool)

	q := newTestQuote(t, quoteRepo, "owner-1")
	p := newTestPolicy(t, policyRepo, q)

	pay := &model.Payment{
		ID:            uuid.New().String(),
		QuoteID:       q.ID,
		PolicyID:      &p.ID,
		Amount:        decimal.NewFromInt(1589),
		Method:        "card",
		Status:        model.PaymentStatusProcessing,
		TransactionID: "txn-0001",
	}
	if err := paymentRepo.Create(ctx, pay); err != nil {
		t.Fatalf("Create() платежа: %v", err)
	}

	// Повторная регистрация той же транзакции — дубль webhook
	dup := &model.Payment{
		ID:            uuid.New().String(),
		QuoteID:       q.ID,
		Amount:        decimal.NewFromInt(1589),
		Method:        "card",
		Status:        model.PaymentStatusProcessing,
		TransactionID: "txn-0001",
	}
	if err := paymentRepo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Ожидалась ErrConflict для дубля транзакции, получено: %v", err)
	}

	got, err := paymentRepo.GetByTransactionID(ctx, "txn-0001")
	if err != nil {
		t.Fatalf("GetByTransactionID() ошибка: %v", err)
	}
	if got.ID != pay.ID {
		t.Errorf("Ожидался платёж %s, получен %s", pay.ID, got.ID)
	}

	// Guarded-переход processing → completed
	now := time.Now().UTC()
	err = paymentRepo.Transition(ctx, pay.ID,
		[]model.PaymentStatus{model.PaymentStatusPending, model.PaymentStatusProcessing},
		model.PaymentStatusCompleted, &now, &now)
	if err != nil {
		t.Fatalf("Transition() ошибка: %v", err)
	}

	got, err = paymentRepo.GetByID(ctx, pay.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Status != model.PaymentStatusCompleted {
		t.Errorf("Ожидался статус completed, получен %s", got.Status)
	}
	if got.ProcessedAt == nil || got.CompletedAt == nil {
		t.Error("processed_at/completed_at не записаны при переходе")
	}

	// Исход уже зафиксирован — повторный переход не проходит guard
	err = paymentRepo.Transition(ctx, pay.ID,
		[]model.PaymentStatus{model.PaymentStatusPending, model.PaymentStatusProcessing},
		model.PaymentStatusFailed, &now, nil)
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("Ожидалась ErrStaleState для повторного перехода, получено: %v", err)
	}

	payments, err := paymentRepo.ListByQuote(ctx, q.ID)
	if err != nil {
		t.Fatalf("ListByQuote() ошибка: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("Ожидался 1 платёж, получено %d", len(payments))
	}
	if payments[0].PolicyID == nil || *payments[0].PolicyID != p.ID {
		t.Errorf("Ожидалась привязка к полису %s, получено %v", p.ID, payments[0].PolicyID)
	}
}

// --- Тесты TxRunner ---

func TestTxRunnerRollback(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	quoteRepo := NewQuoteRepository(pool)
	policyRepo := NewPolicyRepository(pool)
	tx := NewTxRunner(pool)

	q := newTestQuote(t, quoteRepo, "owner-1")

	// Транзакция с ошибкой откатывает созданный полис
	wantErr := errors.New("искусственный сбой")
	err := tx.WithRepos(ctx, func(repos TxRepos) error {
		p := &model.Policy{
			ID:            uuid.New().String(),
			PolicyNumber:  "P-" + q.QuoteNumber,
			QuoteID:       q.ID,
			OwnerID:       q.OwnerID,
			Status:        model.PolicyStatusPendingPayment,
			PaymentStatus: model.PaymentStatePending,
			CoverageStart: q.CoverageStart,
			CoverageEnd:   q.CoverageEnd,
			Premium:       decimal.NewFromInt(1380),
			Deductible:    decimal.NewFromInt(1000),
			TotalAmount:   decimal.NewFromInt(1589),
		}
		if err := repos.Policies.Create(ctx, p); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Ожидалась ошибка транзакции, получено: %v", err)
	}

	if _, err := policyRepo.GetByQuoteID(ctx, q.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидалась ErrNotFound после отката, получено: %v", err)
	}
}
