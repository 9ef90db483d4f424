package certificates

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

// Service sells certificates for passed test results.
type Service struct {
	storage        Storage
	payments       Payments
	subjects       Subjects
	notifier       Notifier
	renderer       Renderer
	price          string
	passPercentage float64
	logger         *slog.Logger
}

func NewService(
	storage Storage,
	payments Payments,
	subjects Subjects,
	notifier Notifier,
	renderer Renderer,
	price string,
	passPercentage float64,
	logger *slog.Logger,
) *Service {
	return &Service{
		storage:        storage,
		payments:       payments,
		subjects:       subjects,
		notifier:       notifier,
		renderer:       renderer,
		price:          price,
		passPercentage: passPercentage,
		logger:         logger,
	}
}

// Initiate creates a pending purchase for an eligible test result and opens
// its payment order.
func (s *Service) Initiate(ctx context.Context, subject subjects.Ref, testResultID string) (*Initiation, error) {
	testResultID = strings.TrimSpace(testResultID)
	if testResultID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "empty test result id")
	}
	if err := subject.Validate(); err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "%v", err)
	}

	result, err := s.storage.GetTestResult(ctx, testResultID)
	if err != nil {
		return nil, errors.Wrap(err, "get test result")
	}
	if result == nil || result.Subject != subject {
		return nil, errors.Wrapf(ErrResultNotFound, "test result %s", testResultID)
	}

	percentage := result.Percentage()
	if !IsEligible(percentage, s.passPercentage) {
		return nil, errors.Wrapf(ErrNotEligible, "scored %.3f%%, need %.3f%%", percentage, s.passPercentage)
	}

	if err := s.checkNoActive(ctx, testResultID); err != nil {
		return nil, err
	}

	amount, err := razorpay.ParseAmount(s.price)
	if err != nil {
		return nil, errors.Wrap(err, "certificate price")
	}

	account, err := s.subjects.Resolve(ctx, subject)
	if err != nil {
		return nil, errors.Wrap(err, "resolve subject")
	}

	transactionID := uuid.NewString()
	purchase, err := s.storage.CreatePurchase(ctx, Purchase{
		ID:            uuid.NewString(),
		TestResultID:  testResultID,
		Subject:       subject,
		Amount:        amount,
		Currency:      razorpay.DefaultCurrency,
		Status:        StatusPending,
		TransactionID: &transactionID,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateInProgress) {
			if dupErr := s.checkNoActive(ctx, testResultID); dupErr != nil {
				return nil, dupErr
			}
		}
		return nil, errors.Wrap(err, "create certificate purchase")
	}

	s.logger.Info("Certificate purchase created",
		"purchase_id", purchase.ID,
		"test_result_id", testResultID,
		"subject", subject.String(),
		"transaction_id", transactionID,
	)

	description := fmt.Sprintf("Certificate for test %s", result.TestID)
	order, err := s.payments.Open(ctx, payment.OpenRequest{
		TransactionID: transactionID,
		Purpose:       payment.PurposeCertificate,
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
			s.logger.Warn("Certificate purchase left pending, payment outcome unknown", "purchase_id", purchase.ID, "error", err)
			return nil, err
		}
		if _, failErr := s.fail(ctx, purchase, payment.FailureReason(err)); failErr != nil {
			s.logger.Error("Failed to mark certificate purchase failed", "purchase_id", purchase.ID, "error", failErr)
		}
		return nil, err
	}

	if order.Status == payment.StatusCompleted {
		if purchase, err = s.Complete(ctx, transactionID); err != nil {
			return nil, err
		}
	}

	return &Initiation{
		Purchase: purchase,
		Checkout: s.payments.Checkout(order, description),
	}, nil
}

// Complete marks the purchase paid and renders its certificate. Repeated
// calls return the purchase unchanged: paidAt and the certificate URL are
// set once.
func (s *Service) Complete(ctx context.Context, transactionID string) (*Purchase, error) {
	purchase, err := s.byTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	var changed bool
	switch purchase.Status {
	case StatusCompleted:
		if purchase.CertificateURL != nil {
			return purchase, nil
		}
	case StatusFailed:
		s.logger.Error("Payment completed for a failed certificate purchase",
			"purchase_id", purchase.ID,
			"transaction_id", transactionID,
		)
		return purchase, errors.Wrapf(ErrNotPending, "purchase %s is failed", purchase.ID)
	case StatusPending:
		order, err := s.payments.Get(ctx, transactionID)
		if err != nil {
			return nil, err
		}
		if order.Status != payment.StatusCompleted {
			return purchase, errors.Wrapf(ErrPaymentNotCompleted, "order %s is %s", transactionID, order.Status)
		}

		paidAt := lo.FromPtr(order.PaidAt)
		if order.PaidAt == nil {
			paidAt = order.UpdatedAt
		}
		changed, err = s.storage.CompletePurchase(ctx, purchase.ID, paidAt)
		if err != nil {
			return nil, errors.Wrap(err, "complete certificate purchase")
		}
		if !changed {
			// Someone else completed or failed it first.
			return s.reload(ctx, purchase.ID)
		}
		s.logger.Info("Certificate purchase completed", "purchase_id", purchase.ID, "transaction_id", transactionID)
	}

	completed, err := s.reload(ctx, purchase.ID)
	if err != nil {
		return nil, err
	}

	if err := s.render(ctx, completed); err != nil {
		return completed, err
	}

	if changed {
		s.notify(ctx, completed.Subject, "receipt.certificate", map[string]string{
			"purchase_id":     completed.ID,
			"amount":          razorpay.FormatAmount(completed.Amount),
			"currency":        completed.Currency,
			"transaction_id":  transactionID,
			"certificate_url": lo.FromPtr(completed.CertificateURL),
		})
	}

	return completed, nil
}

// Fail marks a pending purchase failed. The record is kept and the test
// result may be purchased again.
func (s *Service) Fail(ctx context.Context, transactionID, reason string) (*Purchase, error) {
	purchase, err := s.byTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if purchase.Status != StatusPending {
		return purchase, nil
	}
	return s.fail(ctx, purchase, reason)
}

// Get returns a purchase owned by subject.
func (s *Service) Get(ctx context.Context, subject subjects.Ref, id string) (*Purchase, error) {
	purchase, err := s.storage.GetPurchase(ctx, GetCriteria{ID: &id})
	if err != nil {
		return nil, errors.Wrap(err, "get certificate purchase")
	}
	if purchase == nil || purchase.Subject != subject {
		return nil, errors.Wrapf(ErrNotFound, "purchase %s", id)
	}
	return purchase, nil
}

// ImportResult stores a test result coming from the assessment platform.
func (s *Service) ImportResult(ctx context.Context, result TestResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	return errors.Wrap(s.storage.UpsertTestResult(ctx, result), "upsert test result")
}

func (s *Service) CompletePayment(ctx context.Context, transactionID string) error {
	_, err := s.Complete(ctx, transactionID)
	return err
}

func (s *Service) FailPayment(ctx context.Context, transactionID, reason string) error {
	_, err := s.Fail(ctx, transactionID, reason)
	return err
}

func (s *Service) render(ctx context.Context, purchase *Purchase) error {
	if purchase.Status != StatusCompleted || purchase.CertificateURL != nil {
		return nil
	}

	result, err := s.storage.GetTestResult(ctx, purchase.TestResultID)
	if err != nil {
		return errors.Wrap(err, "get test result")
	}
	if result == nil {
		return errors.Wrapf(ErrResultNotFound, "test result %s", purchase.TestResultID)
	}
	account, err := s.subjects.Resolve(ctx, purchase.Subject)
	if err != nil {
		return errors.Wrap(err, "resolve subject")
	}

	url, err := s.renderer.Render(ctx, purchase, result, account)
	if err != nil {
		s.logger.Error("Failed to render certificate", "purchase_id", purchase.ID, "error", err)
		return errors.Wrap(err, "render certificate")
	}
	if err := s.storage.SetCertificateURL(ctx, purchase.ID, url); err != nil {
		return errors.Wrap(err, "store certificate url")
	}

	purchase.CertificateURL = &url
	return nil
}

func (s *Service) checkNoActive(ctx context.Context, testResultID string) error {
	existing, err := s.storage.GetPurchase(ctx, GetCriteria{ActiveFor: &testResultID})
	if err != nil {
		return errors.Wrap(err, "get active purchase")
	}
	if existing != nil {
		return &DuplicateError{ExistingID: existing.ID}
	}
	return nil
}

func (s *Service) byTransaction(ctx context.Context, transactionID string) (*Purchase, error) {
	purchase, err := s.storage.GetPurchase(ctx, GetCriteria{TransactionID: &transactionID})
	if err != nil {
		return nil, errors.Wrap(err, "get certificate purchase")
	}
	if purchase == nil {
		return nil, errors.Wrapf(ErrNotFound, "transaction %s", transactionID)
	}
	return purchase, nil
}

func (s *Service) reload(ctx context.Context, id string) (*Purchase, error) {
	purchase, err := s.storage.GetPurchase(ctx, GetCriteria{ID: &id})
	if err != nil {
		return nil, errors.Wrap(err, "get certificate purchase")
	}
	if purchase == nil {
		return nil, errors.Wrapf(ErrNotFound, "purchase %s", id)
	}
	return purchase, nil
}

func (s *Service) fail(ctx context.Context, purchase *Purchase, reason string) (*Purchase, error) {
	changed, err := s.storage.FailPurchase(ctx, purchase.ID, reason)
	if err != nil {
		return nil, errors.Wrap(err, "fail certificate purchase")
	}

	failed, err := s.reload(ctx, purchase.ID)
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.Info("Certificate purchase failed", "purchase_id", purchase.ID, "reason", reason)
		s.notify(ctx, failed.Subject, "payment.failed", map[string]string{
			"item":   "certificate",
			"reason": reason,
		})
	}
	return failed, nil
}

func (s *Service) notify(ctx context.Context, subject subjects.Ref, template string, vars map[string]string) {
	account, err := s.subjects.Resolve(ctx, subject)
	if err != nil {
		s.logger.Warn("Cannot notify subject", "subject", subject.String(), "error", err)
		return
	}
	vars["name"] = account.Name
	s.notifier.Notify(ctx, account.Email, template, vars)
}
