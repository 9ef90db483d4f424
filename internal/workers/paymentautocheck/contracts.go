package paymentautocheck

import (
	"context"

	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/settlement"
)

type (
	// Settlement settles pending orders that never got a callback or webhook
	Settlement interface {
		ListStale(ctx context.Context) ([]*payment.Order, error)
		ReconcileOrder(ctx context.Context, order *payment.Order, summary *settlement.Summary) error
	}
)
