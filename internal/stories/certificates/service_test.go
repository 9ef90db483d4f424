package certificates

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/subjects"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

type memStorage struct {
	mu        sync.Mutex
	results   map[string]TestResult
	purchases map[string]*Purchase
	urlWrites int
}

func newMemStorage() *memStorage {
	return &memStorage{results: map[string]TestResult{}, purchases: map[string]*Purchase{}}
}

func (m *memStorage) GetTestResult(_ context.Context, id string) (*TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStorage) UpsertTestResult(_ context.Context, result TestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result.ID] = result
	return nil
}

func (m *memStorage) CreatePurchase(_ context.Context, purchase Purchase) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.TestResultID == purchase.TestResultID && p.Status != StatusFailed {
			return nil, ErrDuplicateInProgress
		}
	}
	purchase.CreatedAt = time.Now()
	purchase.UpdatedAt = purchase.CreatedAt
	m.purchases[purchase.ID] = &purchase
	cp := purchase
	return &cp, nil
}

func (m *memStorage) GetPurchase(_ context.Context, criteria GetCriteria) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if criteria.ID != nil && p.ID != *criteria.ID {
			continue
		}
		if criteria.TransactionID != nil && lo.FromPtr(p.TransactionID) != *criteria.TransactionID {
			continue
		}
		if criteria.ActiveFor != nil && (p.TestResultID != *criteria.ActiveFor || p.Status == StatusFailed) {
			continue
		}
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *memStorage) CompletePurchase(_ context.Context, id string, paidAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.purchases[id]
	if p == nil || p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusCompleted
	p.PaidAt = &paidAt
	return true, nil
}

func (m *memStorage) FailPurchase(_ context.Context, id string, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.purchases[id]
	if p == nil || p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusFailed
	p.FailureReason = &reason
	return true, nil
}

func (m *memStorage) SetCertificateURL(_ context.Context, id string, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.purchases[id]
	if p != nil && p.CertificateURL == nil {
		p.CertificateURL = &url
		m.urlWrites++
	}
	return nil
}

type fakePayments struct {
	orders  map[string]*payment.Order
	openErr error
}

func (f *fakePayments) Open(_ context.Context, req payment.OpenRequest) (*payment.Order, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	order := &payment.Order{
		TransactionID:   req.TransactionID,
		Purpose:         req.Purpose,
		Amount:          10000,
		Currency:        "INR",
		Status:          payment.StatusPending,
		ProviderOrderID: lo.ToPtr("order_" + req.TransactionID),
	}
	f.orders[req.TransactionID] = order
	return order, nil
}

func (f *fakePayments) Get(_ context.Context, transactionID string) (*payment.Order, error) {
	order, ok := f.orders[transactionID]
	if !ok {
		return nil, payment.ErrOrderNotFound
	}
	return order, nil
}

func (f *fakePayments) Checkout(order *payment.Order, description string) payment.Checkout {
	return payment.Checkout{OrderID: lo.FromPtr(order.ProviderOrderID), TransactionID: order.TransactionID, Description: description}
}

func (f *fakePayments) pay(transactionID string, paidAt time.Time) {
	order := f.orders[transactionID]
	order.Status = payment.StatusCompleted
	order.PaidAt = &paidAt
}

type fakeSubjects struct{}

func (fakeSubjects) Resolve(_ context.Context, ref subjects.Ref) (*subjects.Account, error) {
	return &subjects.Account{Kind: ref.Kind, SapID: ref.SapID, Email: ref.SapID + "@example.com", Name: "Name " + ref.SapID}, nil
}

type countingRenderer struct {
	calls int
	err   error
}

func (r *countingRenderer) Render(_ context.Context, purchase *Purchase, _ *TestResult, _ *subjects.Account) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return "https://certs.example.com/" + purchase.ID + ".pdf", nil
}

type recordingNotifier struct {
	templates []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, template string, _ map[string]string) {
	n.templates = append(n.templates, template)
}

type fixture struct {
	svc      *Service
	storage  *memStorage
	payments *fakePayments
	renderer *countingRenderer
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		storage:  newMemStorage(),
		payments: &fakePayments{orders: map[string]*payment.Order{}},
		renderer: &countingRenderer{},
		notifier: &recordingNotifier{},
	}
	f.svc = NewService(f.storage, f.payments, fakeSubjects{}, f.notifier, f.renderer, "100.00", 60, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, r := range []TestResult{
		{ID: "R-pass", TestID: "T1", Subject: subjects.UserRef("100"), Score: 60, MaxScore: 100},
		{ID: "R-near", TestID: "T1", Subject: subjects.UserRef("100"), Score: 59.999, MaxScore: 100},
		{ID: "R-other", TestID: "T1", Subject: subjects.SpecialUserRef("100"), Score: 90, MaxScore: 100},
	} {
		if err := f.svc.ImportResult(context.Background(), r); err != nil {
			t.Fatalf("ImportResult(%s) error = %v", r.ID, err)
		}
	}
	return f
}

func TestIsEligible(t *testing.T) {
	tests := []struct {
		name      string
		score     float64
		maxScore  float64
		threshold float64
		want      bool
	}{
		{name: "exactly at threshold", score: 60, maxScore: 100, threshold: 60, want: true},
		{name: "just below", score: 59.999, maxScore: 100, threshold: 60, want: false},
		{name: "scaled max", score: 30, maxScore: 50, threshold: 60, want: true},
		{name: "zero max", score: 0, maxScore: 0, threshold: 0, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := TestResult{Score: tt.score, MaxScore: tt.maxScore}
			if got := IsEligible(r.Percentage(), tt.threshold); got != tt.want {
				t.Errorf("IsEligible(%v, %v) = %v, want %v", r.Percentage(), tt.threshold, got, tt.want)
			}
		})
	}
}

func TestInitiate(t *testing.T) {
	tests := []struct {
		name     string
		subject  subjects.Ref
		resultID string
		wantErr  error
	}{
		{name: "eligible", subject: subjects.UserRef("100"), resultID: "R-pass"},
		{name: "below threshold", subject: subjects.UserRef("100"), resultID: "R-near", wantErr: ErrNotEligible},
		{name: "someone else's result", subject: subjects.UserRef("100"), resultID: "R-other", wantErr: ErrResultNotFound},
		{name: "unknown result", subject: subjects.UserRef("100"), resultID: "R-missing", wantErr: ErrResultNotFound},
		{name: "empty id", subject: subjects.UserRef("100"), resultID: "", wantErr: ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			init, err := f.svc.Initiate(context.Background(), tt.subject, tt.resultID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Initiate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Initiate() error = %v", err)
			}
			if init.Purchase.Status != StatusPending || init.Purchase.Amount != 10000 {
				t.Errorf("purchase = %+v", init.Purchase)
			}
			if init.Checkout.TransactionID != lo.FromPtr(init.Purchase.TransactionID) {
				t.Errorf("checkout transaction = %s", init.Checkout.TransactionID)
			}
		})
	}
}

func TestInitiateDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Initiate(ctx, subjects.UserRef("100"), "R-pass")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	_, err = f.svc.Initiate(ctx, subjects.UserRef("100"), "R-pass")
	var dup *DuplicateError
	if !errors.As(err, &dup) || dup.ExistingID != first.Purchase.ID {
		t.Fatalf("second Initiate() error = %v, want DuplicateError(%s)", err, first.Purchase.ID)
	}

	// A completed purchase also blocks a new one.
	tx := lo.FromPtr(first.Purchase.TransactionID)
	f.payments.pay(tx, time.Now())
	if _, err := f.svc.Complete(ctx, tx); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, err := f.svc.Initiate(ctx, subjects.UserRef("100"), "R-pass"); !errors.Is(err, ErrDuplicateInProgress) {
		t.Errorf("Initiate() after completion error = %v, want ErrDuplicateInProgress", err)
	}
}

func TestFailedPurchaseAllowsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Initiate(ctx, subjects.UserRef("100"), "R-pass")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	failed, err := f.svc.Fail(ctx, lo.FromPtr(first.Purchase.TransactionID), "Card declined")
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if failed.Status != StatusFailed || lo.FromPtr(failed.FailureReason) != "Card declined" {
		t.Errorf("failed purchase = %+v", failed)
	}
	if len(f.notifier.templates) != 1 || f.notifier.templates[0] != "payment.failed" {
		t.Errorf("notifications = %v", f.notifier.templates)
	}

	second, err := f.svc.Initiate(ctx, subjects.UserRef("100"), "R-pass")
	if err != nil {
		t.Fatalf("retry Initiate() error = %v", err)
	}
	if second.Purchase.ID == first.Purchase.ID {
		t.Errorf("retry reused purchase %s", first.Purchase.ID)
	}

	kept, err := f.svc.Get(ctx, subjects.UserRef("100"), first.Purchase.ID)
	if err != nil || kept.Status != StatusFailed {
		t.Errorf("failed purchase not kept: %+v, %v", kept, err)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	init, err := f.svc.Initiate(ctx, subjects.UserRef("100"), "R-pass")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	tx := lo.FromPtr(init.Purchase.TransactionID)

	if _, err := f.svc.Complete(ctx, tx); !errors.Is(err, ErrPaymentNotCompleted) {
		t.Fatalf("Complete() before payment error = %v", err)
	}

	paidAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.payments.pay(tx, paidAt)

	first, err := f.svc.Complete(ctx, tx)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	second, err := f.svc.Complete(ctx, tx)
	if err != nil {
		t.Fatalf("second Complete() error = %v", err)
	}

	if !lo.FromPtr(first.PaidAt).Equal(paidAt) || !lo.FromPtr(second.PaidAt).Equal(paidAt) {
		t.Errorf("paidAt = %v, %v, want %v", first.PaidAt, second.PaidAt, paidAt)
	}
	if lo.FromPtr(first.CertificateURL) == "" || lo.FromPtr(first.CertificateURL) != lo.FromPtr(second.CertificateURL) {
		t.Errorf("certificate urls = %v, %v", first.CertificateURL, second.CertificateURL)
	}
	if f.renderer.calls != 1 || f.storage.urlWrites != 1 {
		t.Errorf("renders = %d, url writes = %d, want 1 each", f.renderer.calls, f.storage.urlWrites)
	}
	if len(f.notifier.templates) != 1 || f.notifier.templates[0] != "receipt.certificate" {
		t.Errorf("notifications = %v, want one receipt", f.notifier.templates)
	}
}

func TestCompleteRetriesFailedRender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	init, err := f.svc.Initiate(ctx, subjects.UserRef("100"), "R-pass")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	tx := lo.FromPtr(init.Purchase.TransactionID)
	f.payments.pay(tx, time.Now())

	f.renderer.err = errors.New("renderer down")
	got, err := f.svc.Complete(ctx, tx)
	if err == nil {
		t.Fatalf("Complete() expected render error")
	}
	if got.Status != StatusCompleted || got.CertificateURL != nil {
		t.Errorf("purchase after failed render = %+v", got)
	}

	f.renderer.err = nil
	repaired, err := f.svc.Complete(ctx, tx)
	if err != nil {
		t.Fatalf("repair Complete() error = %v", err)
	}
	if repaired.CertificateURL == nil {
		t.Errorf("certificate url not set on repair")
	}
	if f.renderer.calls != 2 {
		t.Errorf("renders = %d, want 2", f.renderer.calls)
	}
}

func TestCompleteFailedPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	init, err := f.svc.Initiate(ctx, subjects.UserRef("100"), "R-pass")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	tx := lo.FromPtr(init.Purchase.TransactionID)
	if _, err := f.svc.Fail(ctx, tx, "cancelled"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	f.payments.pay(tx, time.Now())

	if _, err := f.svc.Complete(ctx, tx); !errors.Is(err, ErrNotPending) {
		t.Errorf("Complete() of failed purchase error = %v, want ErrNotPending", err)
	}
	if f.renderer.calls != 0 {
		t.Errorf("rendered a failed purchase")
	}
}

func TestInitiateOpenError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus Status
	}{
		{name: "provider rejection fails purchase", err: errors.New("gateway said no"), wantStatus: StatusFailed},
		{name: "unknown outcome stays pending", err: errors.Wrap(payment.ErrOutcomeUnknown, "timeout"), wantStatus: StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.payments.openErr = tt.err

			if _, err := f.svc.Initiate(context.Background(), subjects.UserRef("100"), "R-pass"); err == nil {
				t.Fatalf("Initiate() expected error")
			}

			var found *Purchase
			for _, p := range f.storage.purchases {
				found = p
			}
			if found == nil || found.Status != tt.wantStatus {
				t.Errorf("purchase = %+v, want status %s", found, tt.wantStatus)
			}
		})
	}
}

func TestImportResultValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		result TestResult
	}{
		{name: "score above max", result: TestResult{ID: "R1", TestID: "T1", Subject: subjects.UserRef("1"), Score: 11, MaxScore: 10}},
		{name: "zero max", result: TestResult{ID: "R1", TestID: "T1", Subject: subjects.UserRef("1"), Score: 0, MaxScore: 0}},
		{name: "organization subject", result: TestResult{ID: "R1", TestID: "T1", Subject: subjects.Ref{Kind: subjects.KindOrganization, SapID: "1"}, Score: 1, MaxScore: 10}},
		{name: "missing id", result: TestResult{TestID: "T1", Subject: subjects.UserRef("1"), Score: 1, MaxScore: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.svc.ImportResult(context.Background(), tt.result); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("ImportResult() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}
