package bookings

import (
	"context"
	"fmt"

	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/subjects"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateInProgress = errors.New("booking already in progress")
	ErrAttemptLimit        = errors.New("attempt limit reached")
	ErrNotFound            = errors.New("booking not found")
	ErrNotPending          = errors.New("booking is not pending")
	ErrPaymentNotCompleted = errors.New("payment is not completed")
	ErrInvalidRequest      = errors.New("invalid booking request")
)

// DuplicateError points at the booking that blocks a new one.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("booking %s already in progress", e.ExistingID)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicateInProgress
}

type (
	Storage interface {
		// CreateBooking returns ErrDuplicateInProgress when a pending
		// booking for the same test and subject already exists.
		CreateBooking(ctx context.Context, booking Booking) (*Booking, error)
		GetBooking(ctx context.Context, criteria GetCriteria) (*Booking, error)
		ListBookings(ctx context.Context, criteria ListCriteria) ([]*Booking, error)
		CountAttempts(ctx context.Context, testID string, subject subjects.Ref) (int, error)
		// TransitionBooking moves a booking out of from into to and reports
		// whether the row changed.
		TransitionBooking(ctx context.Context, id string, from Status, to Status, reason *string) (bool, error)
		// ConfirmBooking confirms a pending booking and supersedes earlier
		// confirmed ones for the same test and subject in one transaction.
		ConfirmBooking(ctx context.Context, id string) (bool, error)
	}

	Payments interface {
		Open(ctx context.Context, req payment.OpenRequest) (*payment.Order, error)
		Get(ctx context.Context, transactionID string) (*payment.Order, error)
		Fail(ctx context.Context, transactionID, reason string) (*payment.Order, error)
		Checkout(order *payment.Order, description string) payment.Checkout
	}

	Subjects interface {
		Resolve(ctx context.Context, ref subjects.Ref) (*subjects.Account, error)
	}

	Notifier interface {
		Notify(ctx context.Context, email, template string, vars map[string]string)
	}
)
