package bookings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"examdesk/internal/infra/razorpay"
	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/subjects"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Service tracks paid test bookings.
type Service struct {
	storage     Storage
	payments    Payments
	subjects    Subjects
	notifier    Notifier
	price       string
	maxAttempts int
	logger      *slog.Logger
}

func NewService(storage Storage, payments Payments, subjects Subjects, notifier Notifier, price string, maxAttempts int, logger *slog.Logger) *Service {
	return &Service{
		storage:     storage,
		payments:    payments,
		subjects:    subjects,
		notifier:    notifier,
		price:       price,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Initiate creates a pending booking and opens its payment order.
func (s *Service) Initiate(ctx context.Context, subject subjects.Ref, testID string) (*Initiation, error) {
	testID = strings.TrimSpace(testID)
	if testID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "empty test id")
	}
	if err := subject.Validate(); err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "%v", err)
	}

	if err := s.checkNoPending(ctx, testID, subject); err != nil {
		return nil, err
	}

	attempts, err := s.storage.CountAttempts(ctx, testID, subject)
	if err != nil {
		return nil, errors.Wrap(err, "count attempts")
	}
	if s.maxAttempts > 0 && attempts >= s.maxAttempts {
		return nil, errors.Wrapf(ErrAttemptLimit, "%d of %d attempts used", attempts, s.maxAttempts)
	}

	account, err := s.subjects.Resolve(ctx, subject)
	if err != nil {
		return nil, errors.Wrap(err, "resolve subject")
	}

	transactionID := uuid.NewString()
	booking, err := s.storage.CreateBooking(ctx, Booking{
		ID:            uuid.NewString(),
		TestID:        testID,
		Subject:       subject,
		Status:        StatusPending,
		TransactionID: &transactionID,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateInProgress) {
			// Lost the race to a concurrent Initiate.
			if dupErr := s.checkNoPending(ctx, testID, subject); dupErr != nil {
				return nil, dupErr
			}
		}
		return nil, errors.Wrap(err, "create booking")
	}

	s.logger.Info("Booking created",
		"booking_id", booking.ID,
		"test_id", testID,
		"subject", subject.String(),
		"transaction_id", transactionID,
	)

	description := fmt.Sprintf("Test %s, attempt %d", testID, attempts+1)
	order, err := s.payments.Open(ctx, payment.OpenRequest{
		TransactionID: transactionID,
		Purpose:       payment.PurposeBooking,
		Amount:        s.price,
		Description:   description,
		Contact: razorpay.Contact{
			Name:  account.Name,
			Email: account.Email,
			Phone: account.Phone,
		},
	})
	if err != nil {
		if errors.Is(err, payment.ErrOutcomeUnknown) {
			s.logger.Warn("Booking left pending, payment outcome unknown", "booking_id", booking.ID, "error", err)
			return nil, err
		}
		if _, failErr := s.fail(ctx, booking, payment.FailureReason(err)); failErr != nil {
			s.logger.Error("Failed to mark booking failed", "booking_id", booking.ID, "error", failErr)
		}
		return nil, err
	}

	if order.Status == payment.StatusCompleted {
		if booking, err = s.Complete(ctx, transactionID); err != nil {
			return nil, err
		}
	}

	return &Initiation{
		Booking:  booking,
		Checkout: s.payments.Checkout(order, description),
	}, nil
}

// Complete confirms the booking paid by transactionID. Repeated calls return
// the booking unchanged.
func (s *Service) Complete(ctx context.Context, transactionID string) (*Booking, error) {
	booking, err := s.byTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	switch booking.Status {
	case StatusConfirmed, StatusSuperseded:
		return booking, nil
	case StatusPending:
	default:
		s.logger.Error("Payment completed for a closed booking",
			"booking_id", booking.ID,
			"status", booking.Status,
			"transaction_id", transactionID,
		)
		return booking, errors.Wrapf(ErrNotPending, "booking %s is %s", booking.ID, booking.Status)
	}

	order, err := s.payments.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if order.Status != payment.StatusCompleted {
		return booking, errors.Wrapf(ErrPaymentNotCompleted, "order %s is %s", transactionID, order.Status)
	}

	changed, err := s.storage.ConfirmBooking(ctx, booking.ID)
	if err != nil {
		return nil, errors.Wrap(err, "confirm booking")
	}

	confirmed, err := s.storage.GetBooking(ctx, GetCriteria{ID: &booking.ID})
	if err != nil {
		return nil, errors.Wrap(err, "get booking")
	}
	if confirmed == nil {
		return nil, errors.Wrapf(ErrNotFound, "booking %s", booking.ID)
	}

	if changed {
		s.logger.Info("Booking confirmed", "booking_id", booking.ID, "transaction_id", transactionID)
		s.notify(ctx, confirmed.Subject, "receipt.booking", map[string]string{
			"test_id":        confirmed.TestID,
			"booking_id":     confirmed.ID,
			"amount":         razorpay.FormatAmount(order.Amount),
			"currency":       order.Currency,
			"transaction_id": transactionID,
		})
	}

	if confirmed.Status != StatusConfirmed && confirmed.Status != StatusSuperseded {
		return confirmed, errors.Wrapf(ErrNotPending, "booking %s is %s", confirmed.ID, confirmed.Status)
	}
	return confirmed, nil
}

// Fail marks the booking paid by transactionID failed. Closed bookings are
// returned unchanged.
func (s *Service) Fail(ctx context.Context, transactionID, reason string) (*Booking, error) {
	booking, err := s.byTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if booking.Status != StatusPending {
		return booking, nil
	}
	return s.fail(ctx, booking, reason)
}

// Cancel closes the subject's own pending booking and its payment order.
func (s *Service) Cancel(ctx context.Context, subject subjects.Ref, id string) (*Booking, error) {
	booking, err := s.Get(ctx, subject, id)
	if err != nil {
		return nil, err
	}
	if booking.Status != StatusPending {
		return booking, errors.Wrapf(ErrNotPending, "booking %s is %s", id, booking.Status)
	}

	changed, err := s.storage.TransitionBooking(ctx, id, StatusPending, StatusCancelled, lo.ToPtr("cancelled by candidate"))
	if err != nil {
		return nil, errors.Wrap(err, "cancel booking")
	}
	if !changed {
		current, err := s.Get(ctx, subject, id)
		if err != nil {
			return nil, err
		}
		return current, errors.Wrapf(ErrNotPending, "booking %s is %s", id, current.Status)
	}

	if booking.TransactionID != nil {
		if _, err := s.payments.Fail(ctx, *booking.TransactionID, "cancelled"); err != nil && !errors.Is(err, payment.ErrOrderNotFound) {
			s.logger.Error("Failed to close payment order of cancelled booking", "booking_id", id, "error", err)
		}
	}

	s.logger.Info("Booking cancelled", "booking_id", id, "subject", subject.String())
	return s.Get(ctx, subject, id)
}

// Get returns a booking owned by subject.
func (s *Service) Get(ctx context.Context, subject subjects.Ref, id string) (*Booking, error) {
	booking, err := s.storage.GetBooking(ctx, GetCriteria{ID: &id})
	if err != nil {
		return nil, errors.Wrap(err, "get booking")
	}
	if booking == nil || booking.Subject != subject {
		return nil, errors.Wrapf(ErrNotFound, "booking %s", id)
	}
	return booking, nil
}

func (s *Service) List(ctx context.Context, subject subjects.Ref) ([]*Booking, error) {
	list, err := s.storage.ListBookings(ctx, ListCriteria{Subject: &subject})
	if err != nil {
		return nil, errors.Wrap(err, "list bookings")
	}
	return list, nil
}

// CompletePayment and FailPayment let settlement drive bookings by
// transaction id.
func (s *Service) CompletePayment(ctx context.Context, transactionID string) error {
	_, err := s.Complete(ctx, transactionID)
	return err
}

func (s *Service) FailPayment(ctx context.Context, transactionID, reason string) error {
	_, err := s.Fail(ctx, transactionID, reason)
	return err
}

func (s *Service) checkNoPending(ctx context.Context, testID string, subject subjects.Ref) error {
	pending, err := s.storage.ListBookings(ctx, ListCriteria{
		TestID:   &testID,
		Subject:  &subject,
		Statuses: []Status{StatusPending},
		Limit:    1,
	})
	if err != nil {
		return errors.Wrap(err, "list pending bookings")
	}
	if len(pending) > 0 {
		return &DuplicateError{ExistingID: pending[0].ID}
	}
	return nil
}

func (s *Service) byTransaction(ctx context.Context, transactionID string) (*Booking, error) {
	booking, err := s.storage.GetBooking(ctx, GetCriteria{TransactionID: &transactionID})
	if err != nil {
		return nil, errors.Wrap(err, "get booking")
	}
	if booking == nil {
		return nil, errors.Wrapf(ErrNotFound, "transaction %s", transactionID)
	}
	return booking, nil
}

func (s *Service) fail(ctx context.Context, booking *Booking, reason string) (*Booking, error) {
	changed, err := s.storage.TransitionBooking(ctx, booking.ID, StatusPending, StatusFailed, &reason)
	if err != nil {
		return nil, errors.Wrap(err, "fail booking")
	}

	failed, err := s.storage.GetBooking(ctx, GetCriteria{ID: &booking.ID})
	if err != nil {
		return nil, errors.Wrap(err, "get booking")
	}
	if failed == nil {
		return nil, errors.Wrapf(ErrNotFound, "booking %s", booking.ID)
	}

	if changed {
		s.logger.Info("Booking failed", "booking_id", booking.ID, "reason", reason)
		s.notify(ctx, failed.Subject, "payment.failed", map[string]string{
			"item":   "booking for test " + failed.TestID,
			"reason": reason,
		})
	}
	return failed, nil
}

// notify never fails the caller.
func (s *Service) notify(ctx context.Context, subject subjects.Ref, template string, vars map[string]string) {
	account, err := s.subjects.Resolve(ctx, subject)
	if err != nil {
		s.logger.Warn("Cannot notify subject", "subject", subject.String(), "error", err)
		return
	}
	vars["name"] = account.Name
	s.notifier.Notify(ctx, account.Email, template, vars)
}
