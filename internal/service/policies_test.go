package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
	"github.com/bigkaa/cargocover/policy-module/internal/events"
	"github.com/bigkaa/cargocover/policy-module/internal/paygate"
	"github.com/bigkaa/cargocover/policy-module/internal/repository"
)

// policyTestEnv — фейковое окружение сервиса полисов.
type policyTestEnv struct {
	quotes   *fakeQuoteRepo
	policies *fakePolicyRepo
	docs     *fakeDocumentSetRepo
	payments *fakePaymentRepo
	gateway  *fakeGateway
	notifier *captureNotifier
	svc      *PolicyService
	quoteSvc *QuoteService
}

func newPolicyTestEnv() *policyTestEnv {
	env := &policyTestEnv{
		quotes:   newFakeQuoteRepo(),
		policies: newFakePolicyRepo(),
		docs:     newFakeDocumentSetRepo(),
		payments: newFakePaymentRepo(),
		gateway:  newFakeGateway(),
		notifier: &captureNotifier{},
	}
	tx := &fakeTxExecutor{
		quotes:   env.quotes,
		policies: env.policies,
		docs:     env.docs,
		payments: env.payments,
	}
	env.svc = NewPolicyService(tx, env.quotes, env.policies, env.docs, env.payments,
		env.gateway, env.notifier, testLogger())
	env.quoteSvc = NewQuoteService(env.quotes, defaultGate(), 720*time.Hour,
		events.NewNopNotifier(), testLogger())
	return env
}

// approvedQuote создаёт и автоодобряет котировку.
func (env *policyTestEnv) approvedQuote(t *testing.T) *model.Quote {
	t.Helper()

	q, err := env.quoteSvc.CreateDraft(context.Background(), "user-1", validInput())
	if err != nil {
		t.Fatal(err)
	}
	submitted, err := env.quoteSvc.Submit(context.Background(), q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if submitted.Status != model.QuoteStatusApproved {
		t.Fatalf("котировка в статусе %s, ожидается approved", submitted.Status)
	}
	return submitted
}

// activePolicy создаёт полис и активирует его оплатой.
func (env *policyTestEnv) activePolicy(t *testing.T) *model.Policy {
	t.Helper()

	q := env.approvedQuote(t)
	p, _, err := env.svc.CreateFromQuote(context.Background(), q.ID)
	if err != nil {
		t.Fatal(err)
	}

	txID := "tx-" + p.PolicyNumber
	env.gateway.setTransaction(&paygate.Transaction{
		TransactionID: txID,
		Status:        paygate.TxStatusCompleted,
		Amount:        p.TotalAmount,
		Method:        "card",
	})

	active, err := env.svc.ActivateOnPayment(context.Background(), WebhookInput{
		PolicyID:      p.ID,
		TransactionID: txID,
		Status:        paygate.TxStatusCompleted,
		Amount:        p.TotalAmount,
		Method:        "card",
	})
	if err != nil {
		t.Fatal(err)
	}
	return active
}

// TestPolicyService_CreateFromQuote проверяет конвертацию одобренной котировки.
func TestPolicyService_CreateFromQuote(t *testing.T) {
	env := newPolicyTestEnv()
	q := env.approvedQuote(t)

	p, paymentURL, err := env.svc.CreateFromQuote(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("CreateFromQuote вернул ошибку: %v", err)
	}

	if p.Status != model.PolicyStatusPendingPayment {
		t.Errorf("статус полиса = %s, ожидается pending_payment", p.Status)
	}
	if p.PaymentStatus != model.PaymentStatePending {
		t.Errorf("статус оплаты = %s, ожидается pending", p.PaymentStatus)
	}
	if want := "P-" + q.QuoteNumber[2:]; p.PolicyNumber != want {
		t.Errorf("номер полиса = %s, ожидается %s", p.PolicyNumber, want)
	}
	if !p.TotalAmount.Equal(q.TotalAmount) {
		t.Errorf("сумма полиса = %s, ожидается %s", p.TotalAmount, q.TotalAmount)
	}
	if !p.CoverageStart.Equal(q.CoverageStart) || !p.CoverageEnd.Equal(q.CoverageEnd) {
		t.Error("период покрытия не скопирован из котировки")
	}
	if paymentURL == "" {
		t.Error("ожидался URL платёжной сессии")
	}

	// Котировка переведена в converted
	converted, _ := env.quoteSvc.Get(context.Background(), q.ID)
	if converted.Status != model.QuoteStatusConverted {
		t.Errorf("статус котировки = %s, ожидается converted", converted.Status)
	}

	// Комплект документов создан, все слоты pending
	set, err := env.docs.GetByPolicyID(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("комплект документов не создан: %v", err)
	}
	for _, slot := range model.Slots() {
		if set.Slot(slot).State != model.SlotStatePending {
			t.Errorf("слот %s в состоянии %s, ожидается pending", slot, set.Slot(slot).State)
		}
	}
}

// TestPolicyService_CreateFromQuote_Idempotent проверяет повторную конвертацию:
// возвращается существующий полис, второй не создаётся.
func TestPolicyService_CreateFromQuote_Idempotent(t *testing.T) {
	env := newPolicyTestEnv()
	q := env.approvedQuote(t)

	p1, _, err := env.svc.CreateFromQuote(context.Background(), q.ID)
	if err != nil {
		t.Fatal(err)
	}

	p2, _, err := env.svc.CreateFromQuote(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("повторная конвертация вернула ошибку: %v", err)
	}

	if p1.ID != p2.ID {
		t.Errorf("повторная конвертация создала другой полис: %s != %s", p1.ID, p2.ID)
	}

	total, _ := env.policies.Count(context.Background(), repository.PolicyListFilters{})
	if total != 1 {
		t.Errorf("полисов в хранилище: %d, ожидается 1", total)
	}
}

// TestPolicyService_CreateFromQuote_InvalidState проверяет запрет конвертации
// из неодобренных статусов.
func TestPolicyService_CreateFromQuote_InvalidState(t *testing.T) {
	statuses := []model.QuoteStatus{
		model.QuoteStatusDraft,
		model.QuoteStatusUnderReview,
		model.QuoteStatusNeedsInfo,
		model.QuoteStatusRejected,
		model.QuoteStatusExpired,
	}

	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			env := newPolicyTestEnv()
			q, _ := env.quoteSvc.CreateDraft(context.Background(), "user-1", validInput())
			env.quotes.setStatus(q.ID, status, time.Now().UTC())

			_, _, err := env.svc.CreateFromQuote(context.Background(), q.ID)
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("ожидался ErrInvalidState, получено: %v", err)
			}
		})
	}
}

// TestPolicyService_CreateFromQuote_ExpiredQuote проверяет запрет конвертации
// одобренной котировки с истёкшим сроком действия.
func TestPolicyService_CreateFromQuote_ExpiredQuote(t *testing.T) {
	env := newPolicyTestEnv()
	q := env.approvedQuote(t)

	// Срок действия в прошлом
	past := time.Now().UTC().Add(-time.Hour)
	env.quotes.mu.Lock()
	env.quotes.quotes[q.ID].QuoteExpiresAt = &past
	env.quotes.mu.Unlock()

	_, _, err := env.svc.CreateFromQuote(context.Background(), q.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("ожидался ErrInvalidState, получено: %v", err)
	}
}

// TestPolicyService_CreateFromQuote_GatewayDown проверяет, что недоступность
// шлюза не блокирует конвертацию (пустой URL оплаты).
func TestPolicyService_CreateFromQuote_GatewayDown(t *testing.T) {
	env := newPolicyTestEnv()
	env.gateway.checkoutErr = fmt.Errorf("шлюз недоступен")
	q := env.approvedQuote(t)

	p, paymentURL, err := env.svc.CreateFromQuote(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("конвертация не должна зависеть от шлюза: %v", err)
	}
	if p.Status != model.PolicyStatusPendingPayment {
		t.Errorf("статус полиса = %s, ожидается pending_payment", p.Status)
	}
	if paymentURL != "" {
		t.Errorf("ожидался пустой URL оплаты, получен %q", paymentURL)
	}
}

// TestPolicyService_ActivateOnPayment проверяет активацию по оплате.
func TestPolicyService_ActivateOnPayment(t *testing.T) {
	env := newPolicyTestEnv()
	q := env.approvedQuote(t)
	p, _, _ := env.svc.CreateFromQuote(context.Background(), q.ID)

	receiptURL := "https://pay.test/receipts/tx-001.pdf"
	completedAt := time.Now().UTC().Add(-time.Minute)
	env.gateway.setTransaction(&paygate.Transaction{
		TransactionID: "tx-001",
		Status:        paygate.TxStatusCompleted,
		Amount:        p.TotalAmount,
		Method:        "card",
		ReceiptURL:    &receiptURL,
		CompletedAt:   &completedAt,
	})

	active, err := env.svc.ActivateOnPayment(context.Background(), WebhookInput{
		PolicyID:      p.ID,
		TransactionID: "tx-001",
		Status:        paygate.TxStatusCompleted,
		Amount:        p.TotalAmount,
		Method:        "card",
	})
	if err != nil {
		t.Fatalf("ActivateOnPayment вернул ошибку: %v", err)
	}

	if active.Status != model.PolicyStatusActive {
		t.Errorf("статус = %s, ожидается active", active.Status)
	}
	if active.PaymentStatus != model.PaymentStatePaid {
		t.Errorf("статус оплаты = %s, ожидается paid", active.PaymentStatus)
	}
	if active.PaidAt == nil || !active.PaidAt.Equal(completedAt) {
		t.Error("paid_at не совпадает со временем завершения транзакции")
	}
	if active.ActivatedAt == nil {
		t.Error("activated_at не установлен")
	}
	if active.ReceiptURL == nil || *active.ReceiptURL != receiptURL {
		t.Error("receipt_url не записан")
	}
	if active.CertificateURL == nil || *active.CertificateURL != "/certificates/"+p.PolicyNumber+".pdf" {
		t.Error("certificate_url не записан")
	}

	// Платёж зарегистрирован
	payment, err := env.payments.GetByTransactionID(context.Background(), "tx-001")
	if err != nil {
		t.Fatalf("платёж не зарегистрирован: %v", err)
	}
	if payment.Status != model.PaymentStatusCompleted {
		t.Errorf("статус платежа = %s, ожидается completed", payment.Status)
	}
	if payment.PolicyID == nil || *payment.PolicyID != p.ID {
		t.Error("платёж не привязан к полису")
	}
	if payment.ProcessedAt == nil {
		t.Error("processed_at не зафиксирован")
	}
	if payment.CompletedAt == nil || !payment.CompletedAt.Equal(completedAt) {
		t.Error("completed_at не совпадает со временем завершения транзакции")
	}
}

// TestPolicyService_ActivateOnPayment_DuplicateWebhook проверяет идемпотентность:
// повторный webhook для активного полиса — no-op.
func TestPolicyService_ActivateOnPayment_DuplicateWebhook(t *testing.T) {
	env := newPolicyTestEnv()
	active := env.activePolicy(t)

	txID := "tx-" + active.PolicyNumber
	again, err := env.svc.ActivateOnPayment(context.Background(), WebhookInput{
		PolicyID:      active.ID,
		TransactionID: txID,
		Status:        paygate.TxStatusCompleted,
		Amount:        active.TotalAmount,
		Method:        "card",
	})
	if err != nil {
		t.Fatalf("повторный webhook вернул ошибку: %v", err)
	}
	if again.Status != model.PolicyStatusActive {
		t.Errorf("статус = %s, ожидается active", again.Status)
	}

	if env.payments.count() != 1 {
		t.Errorf("платежей зарегистрировано: %d, ожидается 1", env.payments.count())
	}

	// Повторный webhook не перезаписывает зафиксированный исход платежа
	payment, err := env.payments.GetByTransactionID(context.Background(), txID)
	if err != nil {
		t.Fatalf("платёж не найден: %v", err)
	}
	if payment.Status != model.PaymentStatusCompleted {
		t.Errorf("статус платежа = %s, ожидается completed", payment.Status)
	}
}

// TestPolicyService_ActivateOnPayment_AmountMismatch проверяет отклонение
// транзакции с неверной суммой.
func TestPolicyService_ActivateOnPayment_AmountMismatch(t *testing.T) {
	env := newPolicyTestEnv()
	q := env.approvedQuote(t)
	p, _, _ := env.svc.CreateFromQuote(context.Background(), q.ID)

	env.gateway.setTransaction(&paygate.Transaction{
		TransactionID: "tx-bad",
		Status:        paygate.TxStatusCompleted,
		Amount:        p.TotalAmount.Sub(decimal.NewFromInt(100)),
		Method:        "card",
	})

	_, err := env.svc.ActivateOnPayment(context.Background(), WebhookInput{
		PolicyID:      p.ID,
		TransactionID: "tx-bad",
		Status:        paygate.TxStatusCompleted,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("ожидался ErrValidation, получено: %v", err)
	}

	// Полис не активирован, платёж зарегистрирован как failed
	current, _ := env.svc.Get(context.Background(), p.ID)
	if current.Status != model.PolicyStatusPendingPayment {
		t.Errorf("статус = %s, ожидается pending_payment", current.Status)
	}
	payment, err := env.payments.GetByTransactionID(context.Background(), "tx-bad")
	if err != nil {
		t.Fatalf("неуспешный платёж не зарегистрирован: %v", err)
	}
	if payment.Status != model.PaymentStatusFailed {
		t.Errorf("статус платежа = %s, ожидается failed", payment.Status)
	}
}

// TestPolicyService_ActivateOnPayment_IncompleteTransaction проверяет отклонение
// незавершённой транзакции.
func TestPolicyService_ActivateOnPayment_IncompleteTransaction(t *testing.T) {
	env := newPolicyTestEnv()
	q := env.approvedQuote(t)
	p, _, _ := env.svc.CreateFromQuote(context.Background(), q.ID)

	env.gateway.setTransaction(&paygate.Transaction{
		TransactionID: "tx-pending",
		Status:        paygate.TxStatusPending,
		Amount:        p.TotalAmount,
		Method:        "card",
	})

	_, err := env.svc.ActivateOnPayment(context.Background(), WebhookInput{
		PolicyID:      p.ID,
		TransactionID: "tx-pending",
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("ожидался ErrValidation, получено: %v", err)
	}
}

// TestPolicyService_ActivateOnPayment_GatewayError проверяет недоступность шлюза.
func TestPolicyService_ActivateOnPayment_GatewayError(t *testing.T) {
	env := newPolicyTestEnv()
	q := env.approvedQuote(t)
	p, _, _ := env.svc.CreateFromQuote(context.Background(), q.ID)

	env.gateway.verifyErr = fmt.Errorf("шлюз недоступен")

	_, err := env.svc.ActivateOnPayment(context.Background(), WebhookInput{
		PolicyID:      p.ID,
		TransactionID: "tx-001",
	})
	if !errors.Is(err, ErrDependency) {
		t.Errorf("ожидался ErrDependency, получено: %v", err)
	}
}

// TestPolicyService_ActivateOnPayment_NotFound проверяет webhook для
// несуществующего полиса.
func TestPolicyService_ActivateOnPayment_NotFound(t *testing.T) {
	env := newPolicyTestEnv()

	_, err := env.svc.ActivateOnPayment(context.Background(), WebhookInput{
		PolicyID:      "00000000-0000-0000-0000-000000000000",
		TransactionID: "tx-001",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидался ErrNotFound, получено: %v", err)
	}
}

// TestPolicyService_Events проверяет публикацию событий жизненного цикла полиса.
func TestPolicyService_Events(t *testing.T) {
	env := newPolicyTestEnv()
	env.activePolicy(t)

	types := env.notifier.types()
	want := []string{events.TypePolicyCreated, events.TypePolicyActivated}
	if len(types) != len(want) {
		t.Fatalf("события = %v, ожидается %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("событие[%d] = %s, ожидается %s", i, types[i], want[i])
		}
	}
}
