package otp

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"examdesk/internal/auth"
	"examdesk/internal/ratelimit"
	"examdesk/internal/stories/subjects"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

type memCodeStore struct {
	mu    sync.Mutex
	codes map[string]*StoredCode
}

func (m *memCodeStore) Save(_ context.Context, email string, code StoredCode, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code.Attempts = 0
	m.codes[email] = &code
	return nil
}

func (m *memCodeStore) Get(_ context.Context, email string) (*StoredCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[email]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCodeStore) IncrementAttempts(_ context.Context, email string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[email]
	if !ok {
		return 0, ErrCodeNotFound
	}
	c.Attempts++
	return c.Attempts, nil
}

func (m *memCodeStore) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, email)
	return nil
}

type fakeAccounts struct {
	accounts []subjects.Account
}

func (f *fakeAccounts) FindAccountByEmail(_ context.Context, email string) (*subjects.Account, error) {
	for _, a := range f.accounts {
		if a.Email == email {
			return &a, nil
		}
	}
	return nil, subjects.ErrAccountNotFound
}

func (f *fakeAccounts) Resolve(_ context.Context, ref subjects.Ref) (*subjects.Account, error) {
	for _, a := range f.accounts {
		if a.Ref() == ref {
			return &a, nil
		}
	}
	return nil, subjects.ErrAccountNotFound
}

type capturingNotifier struct {
	mu    sync.Mutex
	codes map[string]string
	sent  int
}

func (n *capturingNotifier) Notify(_ context.Context, email, template string, vars map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent++
	if template == "otp.code" {
		n.codes[email] = vars["code"]
	}
}

type fixture struct {
	svc      *Service
	codes    *memCodeStore
	notifier *capturingNotifier
	issuer   *auth.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	issuer, err := auth.NewIssuer("0123456789abcdef0123456789abcdef", "examdesk", time.Hour, nil)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	f := &fixture{
		codes:    &memCodeStore{codes: map[string]*StoredCode{}},
		notifier: &capturingNotifier{codes: map[string]string{}},
		issuer:   issuer,
	}
	accounts := &fakeAccounts{accounts: []subjects.Account{
		{Kind: subjects.KindUser, SapID: "100", Email: "cand@example.com", Name: "Cand"},
		{Kind: subjects.KindOrganization, SapID: "ORG", Email: "org@example.com", Name: "Org"},
	}}
	f.svc = NewService(f.codes, ratelimit.New(3, 10, 10*time.Minute), accounts, issuer, f.notifier, Settings{
		Length:      6,
		TTL:         5 * time.Minute,
		MaxAttempts: 5,
		HashCost:    bcrypt.MinCost,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func TestRequestAndVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.Request(ctx, " Cand@Example.com ", "10.0.0.1"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	code := f.notifier.codes["cand@example.com"]
	if len(code) != 6 {
		t.Fatalf("code = %q, want 6 digits", code)
	}
	stored, _ := f.codes.Get(ctx, "cand@example.com")
	if stored == nil || stored.Hash == code {
		t.Fatalf("stored code = %+v, want hashed code", stored)
	}

	session, err := f.svc.Verify(ctx, "cand@example.com", code)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	claims, err := f.issuer.Parse(session.Token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Ref() != subjects.UserRef("100") {
		t.Errorf("session subject = %v, want user:100", claims.Ref())
	}

	if _, err := f.svc.Verify(ctx, "cand@example.com", code); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("reused code error = %v, want ErrInvalidCode", err)
	}
}

func TestVerifyAttemptLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.Request(ctx, "cand@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	code := f.notifier.codes["cand@example.com"]
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 5; i++ {
		if _, err := f.svc.Verify(ctx, "cand@example.com", wrong); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("Verify(wrong) #%d error = %v", i+1, err)
		}
	}

	if _, err := f.svc.Verify(ctx, "cand@example.com", code); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("Verify(correct) after 5 misses error = %v, want ErrInvalidCode", err)
	}
	if stored, _ := f.codes.Get(ctx, "cand@example.com"); stored != nil {
		t.Errorf("code still stored after attempts exhausted")
	}
}

func TestRequestRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		if err := f.svc.Request(ctx, "cand@example.com", "10.0.0.1"); err != nil {
			t.Fatalf("Request() #%d error = %v", i+1, err)
		}
	}
	if err := f.svc.Request(ctx, "cand@example.com", "10.0.0.2"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("fourth Request() error = %v, want ErrRateLimited", err)
	}
	if f.notifier.sent != 3 {
		t.Errorf("notifications = %d, want 3", f.notifier.sent)
	}
}

func TestRequestUnknownEmailIsSilent(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Request(context.Background(), "nobody@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if f.notifier.sent != 0 || len(f.codes.codes) != 0 {
		t.Errorf("unknown email produced a code")
	}
}

func TestRequestInvalidEmail(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Request(context.Background(), "not-an-email", "10.0.0.1"); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("Request() error = %v, want ErrInvalidEmail", err)
	}
}

func TestOrganizationCanLogIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.Request(ctx, "org@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	session, err := f.svc.Verify(ctx, "org@example.com", f.notifier.codes["org@example.com"])
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if session.Account.Kind != subjects.KindOrganization {
		t.Errorf("account kind = %s", session.Account.Kind)
	}
}

func TestGenerateCode(t *testing.T) {
	for _, length := range []int{4, 6, 8} {
		code, err := generateCode(length)
		if err != nil {
			t.Fatalf("generateCode(%d) error = %v", length, err)
		}
		if len(code) != length {
			t.Errorf("generateCode(%d) = %q", length, code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Errorf("generateCode(%d) = %q has non-digit", length, code)
			}
		}
	}
	if _, err := generateCode(0); err == nil {
		t.Error("generateCode(0) expected error")
	}
}
