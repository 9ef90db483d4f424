package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"examdesk/internal/auth"
	"examdesk/internal/infra/razorpay"
	"examdesk/internal/stories/bookings"
	"examdesk/internal/stories/certificates"
	"examdesk/internal/stories/otp"
	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/settlement"
	"examdesk/internal/stories/subjects"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeOTP struct {
	requestErr error
	lastIP     string
}

func (f *fakeOTP) Request(_ context.Context, _ string, ip string) error {
	f.lastIP = ip
	return f.requestErr
}

func (f *fakeOTP) Verify(_ context.Context, email, code string) (*otp.Session, error) {
	if code != "123456" {
		return nil, otp.ErrInvalidCode
	}
	return &otp.Session{
		Token:     "tok",
		ExpiresAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Account:   &subjects.Account{Kind: subjects.KindUser, SapID: "100", Email: email},
	}, nil
}

type fakeBookings struct {
	initiateErr error
	subject     subjects.Ref
}

func (f *fakeBookings) Initiate(_ context.Context, subject subjects.Ref, testID string) (*bookings.Initiation, error) {
	f.subject = subject
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &bookings.Initiation{
		Booking:  &bookings.Booking{ID: "b-1", TestID: testID, Subject: subject, Status: bookings.StatusPending, TransactionID: lo.ToPtr("tx-1")},
		Checkout: payment.Checkout{KeyID: "rzp_test", OrderID: "order_1", TransactionID: "tx-1", Amount: 49950, Currency: "INR"},
	}, nil
}

func (f *fakeBookings) List(_ context.Context, subject subjects.Ref) ([]*bookings.Booking, error) {
	f.subject = subject
	return []*bookings.Booking{{ID: "b-1", TestID: "T1", Status: bookings.StatusConfirmed}}, nil
}

func (f *fakeBookings) Cancel(_ context.Context, _ subjects.Ref, id string) (*bookings.Booking, error) {
	if id != "b-1" {
		return nil, errors.Wrapf(bookings.ErrNotFound, "booking %s", id)
	}
	return &bookings.Booking{ID: id, Status: bookings.StatusCancelled}, nil
}

type fakeCertificates struct {
	initiateErr error
}

func (f *fakeCertificates) Initiate(_ context.Context, subject subjects.Ref, testResultID string) (*certificates.Initiation, error) {
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &certificates.Initiation{
		Purchase: &certificates.Purchase{ID: "p-1", TestResultID: testResultID, Subject: subject, Amount: 19900, Currency: "INR", Status: certificates.StatusPending},
	}, nil
}

func (f *fakeCertificates) Get(_ context.Context, _ subjects.Ref, id string) (*certificates.Purchase, error) {
	return &certificates.Purchase{ID: id, Amount: 19900, Currency: "INR", Status: certificates.StatusCompleted, CertificateURL: lo.ToPtr("https://c/p-1.pdf")}, nil
}

type fakeSettlement struct {
	confirmErr error
	webhookErr error
	callback   checkoutCallback
}

func (f *fakeSettlement) ConfirmCheckout(_ context.Context, orderID, paymentID, signature string) (*payment.Order, error) {
	f.callback = checkoutCallback{OrderID: orderID, PaymentID: paymentID, Signature: signature}
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &payment.Order{TransactionID: "tx-1", Purpose: payment.PurposeBooking, Status: payment.StatusCompleted}, nil
}

func (f *fakeSettlement) HandleWebhook(context.Context, []byte, string, string) error {
	return f.webhookErr
}

type testServer struct {
	handler      http.Handler
	otp          *fakeOTP
	bookings     *fakeBookings
	certificates *fakeCertificates
	settlement   *fakeSettlement
	token        string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerBehind(t, nil)
}

func newTestServerBehind(t *testing.T, trustedProxies []string) *testServer {
	t.Helper()
	issuer, err := auth.NewIssuer("0123456789abcdef0123456789abcdef", "examdesk", time.Hour, nil)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	token, _, err := issuer.Issue(subjects.SpecialUserRef("100"), "s@example.com")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	ts := &testServer{
		otp:          &fakeOTP{},
		bookings:     &fakeBookings{},
		certificates: &fakeCertificates{},
		settlement:   &fakeSettlement{},
		token:        token,
	}
	srv, err := NewServer(ts.otp, ts.bookings, ts.certificates, ts.settlement, issuer, trustedProxies,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(method, path string, body any, authed bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(http.MethodGet, "/health", nil, false); rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "not bearer", header: "Basic abc"},
		{name: "bad token", header: "Bearer nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestOTPEndpoints(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(http.MethodPost, "/api/v1/otp/request", otpRequest{Email: "a@example.com"}, false); rec.Code != http.StatusAccepted {
		t.Errorf("request = %d, want 202", rec.Code)
	}

	ts.otp.requestErr = otp.ErrRateLimited
	if rec := ts.do(http.MethodPost, "/api/v1/otp/request", otpRequest{Email: "a@example.com"}, false); rec.Code != http.StatusTooManyRequests {
		t.Errorf("rate limited request = %d, want 429", rec.Code)
	}

	if rec := ts.do(http.MethodPost, "/api/v1/otp/request", map[string]string{}, false); rec.Code != http.StatusBadRequest {
		t.Errorf("empty request = %d, want 400", rec.Code)
	}

	rec := ts.do(http.MethodPost, "/api/v1/otp/verify", otpVerifyRequest{Email: "a@example.com", Code: "123456"}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify = %d, body %s", rec.Code, rec.Body.String())
	}
	var session sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil || session.Token != "tok" || session.Kind != "user" {
		t.Errorf("session = %+v, %v", session, err)
	}

	if rec := ts.do(http.MethodPost, "/api/v1/otp/verify", otpVerifyRequest{Email: "a@example.com", Code: "000000"}, false); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong code = %d, want 401", rec.Code)
	}
}

func TestOTPRequestClientIP(t *testing.T) {
	tests := []struct {
		name           string
		trustedProxies []string
		remoteAddr     string
		headers        map[string]string
		wantIP         string
	}{
		{
			name:       "forwarded for ignored without trusted proxies",
			remoteAddr: "9.9.9.9:4000",
			headers:    map[string]string{"X-Forwarded-For": "1.1.1.1"},
			wantIP:     "9.9.9.9",
		},
		{
			name:       "real ip ignored without trusted proxies",
			remoteAddr: "9.9.9.9:4000",
			headers:    map[string]string{"X-Real-IP": "2.2.2.2"},
			wantIP:     "9.9.9.9",
		},
		{
			name:           "trusted proxy forwards client",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "10.0.0.5:4000",
			headers:        map[string]string{"X-Forwarded-For": "1.1.1.1"},
			wantIP:         "1.1.1.1",
		},
		{
			name:           "untrusted peer cannot forward",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "9.9.9.9:4000",
			headers:        map[string]string{"X-Forwarded-For": "1.1.1.1"},
			wantIP:         "9.9.9.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServerBehind(t, tt.trustedProxies)

			raw, _ := json.Marshal(otpRequest{Email: "a@example.com"})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/otp/request", bytes.NewReader(raw))
			req.Header.Set("Content-Type", "application/json")
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			if ts.otp.lastIP != tt.wantIP {
				t.Errorf("client ip = %q, want %q", ts.otp.lastIP, tt.wantIP)
			}
		})
	}
}

func TestNewServerRejectsBadProxy(t *testing.T) {
	_, err := NewServer(&fakeOTP{}, &fakeBookings{}, &fakeCertificates{}, &fakeSettlement{}, nil, []string{"not-an-ip"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("NewServer() error = nil, want error for bad proxy")
	}
}

func TestCreateBooking(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/bookings", createBookingRequest{TestID: "T1"}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ts.bookings.subject != subjects.SpecialUserRef("100") {
		t.Errorf("subject = %v, want token subject", ts.bookings.subject)
	}

	var resp initiationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Booking == nil || resp.Booking.ID != "b-1" || resp.Checkout.OrderID != "order_1" || resp.Checkout.Amount != 49950 {
		t.Errorf("response = %+v", resp)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "duplicate", err: &bookings.DuplicateError{ExistingID: "b-0"}, wantStatus: http.StatusConflict, wantCode: "duplicate_in_progress"},
		{name: "attempt limit", err: errors.Wrap(bookings.ErrAttemptLimit, "3 of 3"), wantStatus: http.StatusUnprocessableEntity, wantCode: "not_allowed"},
		{name: "validation", err: &razorpay.ValidationError{Field: "amount", Reason: "must be positive"}, wantStatus: http.StatusBadRequest, wantCode: "validation_error"},
		{name: "gateway", err: errors.Wrap(&razorpay.GatewayError{StatusCode: 400, Body: "{}"}, "create provider order"), wantStatus: http.StatusBadGateway, wantCode: "gateway_error"},
		{name: "outcome unknown", err: errors.Wrap(payment.ErrOutcomeUnknown, "timeout"), wantStatus: http.StatusBadGateway, wantCode: "gateway_unavailable"},
		{name: "invalid subject", err: errors.Wrap(bookings.ErrInvalidRequest, "organization"), wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "unexpected", err: errors.New("disk on fire"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.bookings.initiateErr = tt.err

			rec := ts.do(http.MethodPost, "/api/v1/bookings", createBookingRequest{TestID: "T1"}, true)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeError(t, rec)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if tt.wantCode == "internal_error" && strings.Contains(body.Message, "disk") {
				t.Errorf("internal error leaked: %q", body.Message)
			}
		})
	}
}

func TestDuplicateCarriesExistingID(t *testing.T) {
	ts := newTestServer(t)
	ts.certificates.initiateErr = &certificates.DuplicateError{ExistingID: "p-0"}

	rec := ts.do(http.MethodPost, "/api/v1/certificates", createCertificateRequest{TestResultID: "R1"}, true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.ExistingID != "p-0" {
		t.Errorf("existing_id = %q, want p-0", body.ExistingID)
	}
}

func TestCertificateNotEligible(t *testing.T) {
	ts := newTestServer(t)
	ts.certificates.initiateErr = errors.Wrap(certificates.ErrNotEligible, "scored 59.999%")

	rec := ts.do(http.MethodPost, "/api/v1/certificates", createCertificateRequest{TestResultID: "R1"}, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestCancelBooking(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(http.MethodPost, "/api/v1/bookings/b-1/cancel", nil, true); rec.Code != http.StatusOK {
		t.Errorf("cancel = %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/api/v1/bookings/b-9/cancel", nil, true); rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown = %d, want 404", rec.Code)
	}
}

func TestPaymentCallback(t *testing.T) {
	t.Run("form post", func(t *testing.T) {
		ts := newTestServer(t)
		form := url.Values{
			"razorpay_order_id":   {"order_1"},
			"razorpay_payment_id": {"pay_1"},
			"razorpay_signature":  {"sig"},
		}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if ts.settlement.callback != (checkoutCallback{OrderID: "order_1", PaymentID: "pay_1", Signature: "sig"}) {
			t.Errorf("callback = %+v", ts.settlement.callback)
		}
	})

	t.Run("signature mismatch", func(t *testing.T) {
		ts := newTestServer(t)
		ts.settlement.confirmErr = errors.Wrap(payment.ErrSignatureMismatch, "checkout")
		rec := ts.do(http.MethodPost, "/api/v1/payments/callback", checkoutCallback{OrderID: "o", PaymentID: "p", Signature: "bad"}, false)
		if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != "signature_mismatch" {
			t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(http.MethodPost, "/api/v1/payments/callback", map[string]string{"razorpay_order_id": "o"}, false)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestPaymentWebhook(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "applied", err: nil, wantStatus: http.StatusOK},
		{name: "unknown order acknowledged", err: errors.Wrap(payment.ErrOrderNotFound, "provider order x"), wantStatus: http.StatusOK},
		{name: "cancelled booking acknowledged", err: errors.Wrap(bookings.ErrNotPending, "b-1"), wantStatus: http.StatusOK},
		{name: "bad signature", err: errors.Wrap(payment.ErrSignatureMismatch, "webhook"), wantStatus: http.StatusBadRequest},
		{name: "garbage", err: errors.Wrap(settlement.ErrInvalidWebhook, "eof"), wantStatus: http.StatusBadRequest},
		{name: "storage down is retried", err: errors.New("database is locked"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.settlement.webhookErr = tt.err

			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(`{"event":"payment.captured"}`))
			req.Header.Set("X-Razorpay-Signature", "sig")
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestGetCertificate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/certificates/p-1", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp purchaseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Amount != "199.00" || resp.CertificateURL != "https://c/p-1.pdf" {
		t.Errorf("response = %+v", resp)
	}
}
