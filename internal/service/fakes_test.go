// fakes_test.go — in-memory фейки репозиториев и шлюза для unit-тестов
// сервисного слоя. Воспроизводят guarded-семантику переходов:
// переход применяется, только если текущий статус входит в from.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bigkaa/cargocover/policy-module/internal/domain/model"
	"github.com/bigkaa/cargocover/policy-module/internal/events"
	"github.com/bigkaa/cargocover/policy-module/internal/paygate"
	"github.com/bigkaa/cargocover/policy-module/internal/repository"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- fakeQuoteRepo ---

type fakeQuoteRepo struct {
	mu      sync.Mutex
	quotes  map[string]*model.Quote
	nextNum int
}

func newFakeQuoteRepo() *fakeQuoteRepo {
	return &fakeQuoteRepo{quotes: make(map[string]*model.Quote)}
}

func (r *fakeQuoteRepo) Create(_ context.Context, q *model.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextNum++
	q.QuoteNumber = fmt.Sprintf("Q-%05d", r.nextNum)
	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now

	stored := *q
	r.quotes[q.ID] = &stored
	return nil
}

func (r *fakeQuoteRepo) GetByID(_ context.Context, id string) (*model.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quotes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (r *fakeQuoteRepo) List(_ context.Context, filters repository.QuoteListFilters, limit, offset int) ([]*model.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*model.Quote
	for _, q := range r.quotes {
		if matchesQuote(q, filters) {
			cp := *q
			result = append(result, &cp)
		}
	}
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (r *fakeQuoteRepo) Count(_ context.Context, filters repository.QuoteListFilters) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, q := range r.quotes {
		if matchesQuote(q, filters) {
			count++
		}
	}
	return count, nil
}

func matchesQuote(q *model.Quote, filters repository.QuoteListFilters) bool {
	if filters.OwnerID != nil && q.OwnerID != *filters.OwnerID {
		return false
	}
	if filters.Status != nil && string(q.Status) != *filters.Status {
		return false
	}
	return true
}

func (r *fakeQuoteRepo) UpdateFacts(_ context.Context, q *model.Quote, from model.QuoteStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.quotes[q.ID]
	if !ok || stored.Status != from {
		return repository.ErrStaleState
	}

	stored.CargoType = q.CargoType
	stored.ShipmentValue = q.ShipmentValue
	stored.TransportMode = q.TransportMode
	stored.CoverageTier = q.CoverageTier
	stored.CoverageStart = q.CoverageStart
	stored.CoverageEnd = q.CoverageEnd
	stored.UpdatedAt = time.Now().UTC()
	q.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *fakeQuoteRepo) ApplySubmission(_ context.Context, q *model.Quote, from, to model.QuoteStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.quotes[q.ID]
	if !ok || stored.Status != from {
		return repository.ErrStaleState
	}

	stored.Premium = q.Premium
	stored.Deductible = q.Deductible
	stored.ServiceFee = q.ServiceFee
	stored.Taxes = q.Taxes
	stored.TotalAmount = q.TotalAmount
	stored.QuoteExpiresAt = q.QuoteExpiresAt
	stored.ApprovedAt = q.ApprovedAt
	stored.Status = to
	stored.UpdatedAt = time.Now().UTC()

	q.Status = to
	q.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *fakeQuoteRepo) Transition(_ context.Context, id string, from []model.QuoteStatus, to model.QuoteStatus, upd repository.TransitionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.quotes[id]
	if !ok {
		return repository.ErrStaleState
	}

	allowed := false
	for _, f := range from {
		if stored.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return repository.ErrStaleState
	}

	stored.Status = to
	if upd.RejectionReason != nil {
		stored.RejectionReason = upd.RejectionReason
	}
	if upd.ApprovedAt != nil {
		stored.ApprovedAt = upd.ApprovedAt
	}
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeQuoteRepo) ListInReviewBefore(_ context.Context, cutoff time.Time, limit int) ([]*model.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*model.Quote
	for _, q := range r.quotes {
		if len(result) >= limit {
			break
		}
		inReview := q.Status == model.QuoteStatusUnderReview || q.Status == model.QuoteStatusNeedsInfo
		if inReview && q.UpdatedAt.Before(cutoff) {
			cp := *q
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *fakeQuoteRepo) ListExpirable(_ context.Context, now time.Time, limit int) ([]*model.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*model.Quote
	for _, q := range r.quotes {
		if len(result) >= limit {
			break
		}
		if q.QuoteExpiresAt != nil && q.QuoteExpiresAt.Before(now) && !q.IsTerminal() {
			cp := *q
			result = append(result, &cp)
		}
	}
	return result, nil
}

// setStatus напрямую выставляет статус и updated_at (подготовка сценария).
func (r *fakeQuoteRepo) setStatus(id string, status model.QuoteStatus, updatedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.quotes[id]; ok {
		q.Status = status
		q.UpdatedAt = updatedAt
	}
}

// --- fakePolicyRepo ---

type fakePolicyRepo struct {
	mu       sync.Mutex
	policies map[string]*model.Policy
	byQuote  map[string]string
}

func newFakePolicyRepo() *fakePolicyRepo {
	return &fakePolicyRepo{
		policies: make(map[string]*model.Policy),
		byQuote:  make(map[string]string),
	}
}

func (r *fakePolicyRepo) Create(_ context.Context, p *model.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byQuote[p.QuoteID]; exists {
		return repository.ErrConflict
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	stored := *p
	r.policies[p.ID] = &stored
	r.byQuote[p.QuoteID] = p.ID
	return nil
}

func (r *fakePolicyRepo) GetByID(_ context.Context, id string) (*model.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakePolicyRepo) GetByQuoteID(_ context.Context, quoteID string) (*model.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byQuote[quoteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r.policies[id]
	return &cp, nil
}

func (r *fakePolicyRepo) List(_ context.Context, filters repository.PolicyListFilters, limit, offset int) ([]*model.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*model.Policy
	for _, p := range r.policies {
		if matchesPolicy(p, filters) {
			cp := *p
			result = append(result, &cp)
		}
	}
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (r *fakePolicyRepo) Count(_ context.Context, filters repository.PolicyListFilters) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, p := range r.policies {
		if matchesPolicy(p, filters) {
			count++
		}
	}
	return count, nil
}

func matchesPolicy(p *model.Policy, filters repository.PolicyListFilters) bool {
	if filters.OwnerID != nil && p.OwnerID != *filters.OwnerID {
		return false
	}
	if filters.Status != nil && string(p.Status) != *filters.Status {
		return false
	}
	return true
}

func (r *fakePolicyRepo) Activate(_ context.Context, id string, paidAt, activatedAt time.Time, receiptURL *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[id]
	if !ok || p.Status != model.PolicyStatusPendingPayment {
		return repository.ErrStaleState
	}

	p.Status = model.PolicyStatusActive
	p.PaymentStatus = model.PaymentStatePaid
	p.PaidAt = &paidAt
	p.ActivatedAt = &activatedAt
	if receiptURL != nil {
		p.ReceiptURL = receiptURL
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakePolicyRepo) SetCertificateURL(_ context.Context, id, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.CertificateURL = &url
	return nil
}

func (r *fakePolicyRepo) Expire(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[id]
	if !ok || p.Status != model.PolicyStatusActive {
		return repository.ErrStaleState
	}
	p.Status = model.PolicyStatusExpired
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakePolicyRepo) ListActiveExpiredBefore(_ context.Context, now time.Time, limit int) ([]*model.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*model.Policy
	for _, p := range r.policies {
		if len(result) >= limit {
			break
		}
		if p.Status == model.PolicyStatusActive && p.CoverageEnd.Before(now) {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

// --- fakeDocumentSetRepo ---

type fakeDocumentSetRepo struct {
	mu   sync.Mutex
	sets map[string]*model.DocumentSet
}

func newFakeDocumentSetRepo() *fakeDocumentSetRepo {
	return &fakeDocumentSetRepo{sets: make(map[string]*model.DocumentSet)}
}

func (r *fakeDocumentSetRepo) Create(_ context.Context, policyID string) (*model.DocumentSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sets[policyID]; exists {
		return nil, repository.ErrConflict
	}

	now := time.Now().UTC()
	d := &model.DocumentSet{
		PolicyID:     policyID,
		Invoice:      model.SlotRecord{State: model.SlotStatePending},
		PackingList:  model.SlotRecord{State: model.SlotStatePending},
		BillOfLading: model.SlotRecord{State: model.SlotStatePending},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.sets[policyID] = d
	cp := *d
	return &cp, nil
}

func (r *fakeDocumentSetRepo) GetByPolicyID(_ context.Context, policyID string) (*model.DocumentSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.sets[policyID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *fakeDocumentSetRepo) UpdateSlot(_ context.Context, policyID string, slot model.DocumentSlot, rec model.SlotRecord, from []model.SlotState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.sets[policyID]
	if !ok {
		return repository.ErrStaleState
	}

	cur := d.Slot(slot)
	if cur == nil {
		return fmt.Errorf("неизвестный слот: %s", slot)
	}

	allowed := false
	for _, f := range from {
		if cur.State == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return repository.ErrStaleState
	}

	*cur = rec
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// --- fakePaymentRepo ---

type fakePaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*model.Payment
	byTx     map[string]string
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{
		payments: make(map[string]*model.Payment),
		byTx:     make(map[string]string),
	}
}

func (r *fakePaymentRepo) Create(_ context.Context, p *model.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTx[p.TransactionID]; exists {
		return repository.ErrConflict
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	stored := *p
	r.payments[p.ID] = &stored
	r.byTx[p.TransactionID] = p.ID
	return nil
}

func (r *fakePaymentRepo) GetByID(_ context.Context, id string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakePaymentRepo) GetByTransactionID(_ context.Context, transactionID string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byTx[transactionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r.payments[id]
	return &cp, nil
}

func (r *fakePaymentRepo) ListByQuote(_ context.Context, quoteID string) ([]*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*model.Payment
	for _, p := range r.payments {
		if p.QuoteID == quoteID {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *fakePaymentRepo) Transition(_ context.Context, id string, from []model.PaymentStatus, to model.PaymentStatus, processedAt, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return repository.ErrStaleState
	}

	allowed := false
	for _, f := range from {
		if p.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return repository.ErrStaleState
	}

	p.Status = to
	if processedAt != nil {
		p.ProcessedAt = processedAt
	}
	if completedAt != nil {
		p.CompletedAt = completedAt
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakePaymentRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payments)
}

// --- fakeTxExecutor ---

// fakeTxExecutor передаёт в callback те же фейковые репозитории.
// Атомарность транзакции unit-тесты не проверяют.
type fakeTxExecutor struct {
	quotes   repository.QuoteRepository
	policies repository.PolicyRepository
	docs     repository.DocumentSetRepository
	payments repository.PaymentRepository
}

func (f *fakeTxExecutor) WithRepos(_ context.Context, fn func(repos repository.TxRepos) error) error {
	return fn(repository.TxRepos{
		Quotes:    f.quotes,
		Policies:  f.policies,
		Documents: f.docs,
		Payments:  f.payments,
	})
}

// --- fakeGateway ---

type fakeGateway struct {
	mu           sync.Mutex
	transactions map[string]*paygate.Transaction
	verifyErr    error
	checkoutErr  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{transactions: make(map[string]*paygate.Transaction)}
}

func (g *fakeGateway) setTransaction(tx *paygate.Transaction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transactions[tx.TransactionID] = tx
}

func (g *fakeGateway) VerifyTransaction(_ context.Context, transactionID string) (*paygate.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	tx, ok := g.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("транзакция %s не найдена", transactionID)
	}
	return tx, nil
}

func (g *fakeGateway) CreateCheckout(_ context.Context, in paygate.CheckoutRequest) (*paygate.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	return &paygate.Checkout{
		CheckoutID: "chk-" + in.Reference,
		PaymentURL: "https://pay.test/checkout/" + in.Reference,
	}, nil
}

// --- captureNotifier ---

// captureNotifier записывает опубликованные события.
type captureNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *captureNotifier) Publish(_ context.Context, evt events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return nil
}

func (n *captureNotifier) Close() error { return nil }

func (n *captureNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}
