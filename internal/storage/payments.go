package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"examdesk/internal/stories/payment"
)

const paymentOrdersTable = "payment_orders"

var paymentOrderRowFields = fields(paymentOrderRow{})

type paymentOrderRow struct {
	TransactionID     string     `db:"transaction_id"`
	Purpose           string     `db:"purpose"`
	Amount            int64      `db:"amount"`
	Currency          string     `db:"currency"`
	Status            string     `db:"status"`
	ProviderOrderID   *string    `db:"provider_order_id"`
	ProviderPaymentID *string    `db:"provider_payment_id"`
	FailureReason     *string    `db:"failure_reason"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	PaidAt            *time.Time `db:"paid_at"`
}

func (p paymentOrderRow) ToModel() *payment.Order {
	return &payment.Order{
		TransactionID:     p.TransactionID,
		Purpose:           payment.Purpose(p.Purpose),
		Amount:            p.Amount,
		Currency:          p.Currency,
		Status:            payment.Status(p.Status),
		ProviderOrderID:   p.ProviderOrderID,
		ProviderPaymentID: p.ProviderPaymentID,
		FailureReason:     p.FailureReason,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		PaidAt:            p.PaidAt,
	}
}

func (s *storageImpl) CreateOrder(ctx context.Context, order payment.Order) (*payment.Order, error) {
	now := s.now()
	params := map[string]interface{}{
		"transaction_id":      order.TransactionID,
		"purpose":             string(order.Purpose),
		"amount":              order.Amount,
		"currency":            order.Currency,
		"status":              string(order.Status),
		"provider_order_id":   order.ProviderOrderID,
		"provider_payment_id": order.ProviderPaymentID,
		"failure_reason":      order.FailureReason,
		"paid_at":             order.PaidAt,
		"created_at":          now,
		"updated_at":          now,
	}

	q, args, err := s.stmpBuilder().
		Insert(paymentOrdersTable).
		SetMap(params).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("db.ExecContext: %w", err)
	}

	return s.GetOrder(ctx, payment.GetCriteria{TransactionID: &order.TransactionID})
}

func (s *storageImpl) GetOrder(ctx context.Context, criteria payment.GetCriteria) (*payment.Order, error) {
	query := s.stmpBuilder().
		Select(paymentOrderRowFields).
		From(paymentOrdersTable).
		Limit(1)

	if criteria.TransactionID != nil {
		query = query.Where(sq.Eq{"transaction_id": *criteria.TransactionID})
	}
	if criteria.ProviderOrderID != nil {
		query = query.Where(sq.Eq{"provider_order_id": *criteria.ProviderOrderID})
	}
	if criteria.Status != nil {
		query = query.Where(sq.Eq{"status": string(*criteria.Status)})
	}

	q, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	var row paymentOrderRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.GetContext: %w", err)
	}

	return row.ToModel(), nil
}

func (s *storageImpl) UpdateOrder(ctx context.Context, criteria payment.GetCriteria, params payment.UpdateParams) (*payment.Order, error) {
	query := s.stmpBuilder().
		Update(paymentOrdersTable).
		Set("updated_at", s.now())

	if criteria.TransactionID != nil {
		query = query.Where(sq.Eq{"transaction_id": *criteria.TransactionID})
	}
	if criteria.ProviderOrderID != nil {
		query = query.Where(sq.Eq{"provider_order_id": *criteria.ProviderOrderID})
	}
	if criteria.Status != nil {
		query = query.Where(sq.Eq{"status": string(*criteria.Status)})
	}

	if params.ProviderOrderID != nil {
		query = query.Set("provider_order_id", *params.ProviderOrderID)
	}
	if params.ProviderPaymentID != nil {
		query = query.Set("provider_payment_id", *params.ProviderPaymentID)
	}

	q, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("db.ExecContext: %w", err)
	}

	return s.GetOrder(ctx, criteria)
}

// CompleteOrder only matches pending rows, so a terminal order never moves.
func (s *storageImpl) CompleteOrder(ctx context.Context, transactionID string, paymentID *string, paidAt time.Time) (bool, error) {
	query := s.stmpBuilder().
		Update(paymentOrdersTable).
		Set("status", string(payment.StatusCompleted)).
		Set("paid_at", paidAt).
		Set("updated_at", s.now()).
		Where(sq.Eq{
			"transaction_id": transactionID,
			"status":         string(payment.StatusPending),
		})

	if paymentID != nil {
		query = query.Set("provider_payment_id", *paymentID)
	}

	return s.execAffected(ctx, query)
}

func (s *storageImpl) FailOrder(ctx context.Context, transactionID string, reason string) (bool, error) {
	query := s.stmpBuilder().
		Update(paymentOrdersTable).
		Set("status", string(payment.StatusFailed)).
		Set("failure_reason", reason).
		Set("updated_at", s.now()).
		Where(sq.Eq{
			"transaction_id": transactionID,
			"status":         string(payment.StatusPending),
		})

	return s.execAffected(ctx, query)
}

func (s *storageImpl) ListOrders(ctx context.Context, criteria payment.ListCriteria) ([]*payment.Order, error) {
	query := s.stmpBuilder().
		Select(paymentOrderRowFields).
		From(paymentOrdersTable).
		OrderBy("created_at ASC")

	if criteria.Status != nil {
		query = query.Where(sq.Eq{"status": string(*criteria.Status)})
	}
	if criteria.CreatedBefore != nil {
		query = query.Where(sq.Lt{"created_at": *criteria.CreatedBefore})
	}
	if criteria.Limit > 0 {
		query = query.Limit(uint64(criteria.Limit))
	}

	q, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	var rows []paymentOrderRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("db.SelectContext: %w", err)
	}

	result := make([]*payment.Order, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.ToModel())
	}
	return result, nil
}

func (s *storageImpl) execAffected(ctx context.Context, query sq.UpdateBuilder) (bool, error) {
	q, args, err := query.ToSql()
	if err != nil {
		return false, fmt.Errorf("build sql query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("db.ExecContext: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("result.RowsAffected: %w", err)
	}
	return affected > 0, nil
}
