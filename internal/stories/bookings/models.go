package bookings

import (
	"time"

	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/subjects"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
	StatusSuperseded Status = "superseded"
)

type Booking struct {
	ID            string
	TestID        string
	Subject       subjects.Ref
	Status        Status
	TransactionID *string
	StatusReason  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Initiation is a freshly created booking plus the checkout to pay for it.
type Initiation struct {
	Booking  *Booking
	Checkout payment.Checkout
}

type GetCriteria struct {
	ID            *string
	TransactionID *string
}

type ListCriteria struct {
	TestID   *string
	Subject  *subjects.Ref
	Statuses []Status
	Limit    int
}
