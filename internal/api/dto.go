package api

import (
	"time"

	"examdesk/internal/infra/razorpay"
	"examdesk/internal/stories/bookings"
	"examdesk/internal/stories/certificates"
	"examdesk/internal/stories/payment"

	"github.com/samber/lo"
)

type otpRequest struct {
	Email string `json:"email" binding:"required"`
}

type otpVerifyRequest struct {
	Email string `json:"email" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Kind      string    `json:"kind"`
	SapID     string    `json:"sap_id"`
}

type createBookingRequest struct {
	TestID string `json:"test_id" binding:"required"`
}

type createCertificateRequest struct {
	TestResultID string `json:"test_result_id" binding:"required"`
}

// checkoutCallback is posted by the checkout form, either as JSON or as a
// url-encoded redirect.
type checkoutCallback struct {
	OrderID   string `json:"razorpay_order_id" form:"razorpay_order_id" binding:"required"`
	PaymentID string `json:"razorpay_payment_id" form:"razorpay_payment_id" binding:"required"`
	Signature string `json:"razorpay_signature" form:"razorpay_signature" binding:"required"`
}

type bookingResponse struct {
	ID            string    `json:"id"`
	TestID        string    `json:"test_id"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id,omitempty"`
	StatusReason  string    `json:"status_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newBookingResponse(b *bookings.Booking) bookingResponse {
	return bookingResponse{
		ID:            b.ID,
		TestID:        b.TestID,
		Status:        string(b.Status),
		TransactionID: lo.FromPtr(b.TransactionID),
		StatusReason:  lo.FromPtr(b.StatusReason),
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

type purchaseResponse struct {
	ID             string     `json:"id"`
	TestResultID   string     `json:"test_result_id"`
	Status         string     `json:"status"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	TransactionID  string     `json:"transaction_id,omitempty"`
	CertificateURL string     `json:"certificate_url,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func newPurchaseResponse(p *certificates.Purchase) purchaseResponse {
	return purchaseResponse{
		ID:             p.ID,
		TestResultID:   p.TestResultID,
		Status:         string(p.Status),
		Amount:         razorpay.FormatAmount(p.Amount),
		Currency:       p.Currency,
		TransactionID:  lo.FromPtr(p.TransactionID),
		CertificateURL: lo.FromPtr(p.CertificateURL),
		FailureReason:  lo.FromPtr(p.FailureReason),
		PaidAt:         p.PaidAt,
		CreatedAt:      p.CreatedAt,
	}
}

type initiationResponse struct {
	Booking  *bookingResponse  `json:"booking,omitempty"`
	Purchase *purchaseResponse `json:"purchase,omitempty"`
	Checkout payment.Checkout  `json:"checkout"`
}

type paymentResponse struct {
	TransactionID string `json:"transaction_id"`
	Purpose       string `json:"purpose"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func newPaymentResponse(o *payment.Order) paymentResponse {
	return paymentResponse{
		TransactionID: o.TransactionID,
		Purpose:       string(o.Purpose),
		Status:        string(o.Status),
		FailureReason: lo.FromPtr(o.FailureReason),
	}
}
