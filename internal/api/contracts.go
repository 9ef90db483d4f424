package api

import (
	"context"

	"examdesk/internal/auth"
	"examdesk/internal/stories/bookings"
	"examdesk/internal/stories/certificates"
	"examdesk/internal/stories/otp"
	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/subjects"
)

type (
	OTP interface {
		Request(ctx context.Context, email, ip string) error
		Verify(ctx context.Context, email, code string) (*otp.Session, error)
	}

	Bookings interface {
		Initiate(ctx context.Context, subject subjects.Ref, testID string) (*bookings.Initiation, error)
		List(ctx context.Context, subject subjects.Ref) ([]*bookings.Booking, error)
		Cancel(ctx context.Context, subject subjects.Ref, id string) (*bookings.Booking, error)
	}

	Certificates interface {
		Initiate(ctx context.Context, subject subjects.Ref, testResultID string) (*certificates.Initiation, error)
		Get(ctx context.Context, subject subjects.Ref, id string) (*certificates.Purchase, error)
	}

	Settlement interface {
		ConfirmCheckout(ctx context.Context, providerOrderID, paymentID, signature string) (*payment.Order, error)
		HandleWebhook(ctx context.Context, body []byte, signature, timestamp string) error
	}

	Tokens interface {
		Parse(token string) (*auth.Claims, error)
	}
)
