package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"examdesk/internal/stories/bookings"
	"examdesk/internal/stories/subjects"
)

const bookingsTable = "bookings"

var bookingRowFields = fields(bookingRow{})

type bookingRow struct {
	ID            string    `db:"id"`
	TestID        string    `db:"test_id"`
	SubjectKind   string    `db:"subject_kind"`
	SubjectID     string    `db:"subject_id"`
	Status        string    `db:"status"`
	TransactionID *string   `db:"transaction_id"`
	StatusReason  *string   `db:"status_reason"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (b bookingRow) ToModel() *bookings.Booking {
	return &bookings.Booking{
		ID:            b.ID,
		TestID:        b.TestID,
		Subject:       subjects.Ref{Kind: subjects.Kind(b.SubjectKind), SapID: b.SubjectID},
		Status:        bookings.Status(b.Status),
		TransactionID: b.TransactionID,
		StatusReason:  b.StatusReason,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func subjectEq(ref subjects.Ref) sq.Eq {
	return sq.Eq{"subject_kind": string(ref.Kind), "subject_id": ref.SapID}
}

func (s *storageImpl) CreateBooking(ctx context.Context, booking bookings.Booking) (*bookings.Booking, error) {
	now := s.now()
	params := map[string]interface{}{
		"id":             booking.ID,
		"test_id":        booking.TestID,
		"subject_kind":   string(booking.Subject.Kind),
		"subject_id":     booking.Subject.SapID,
		"status":         string(booking.Status),
		"transaction_id": booking.TransactionID,
		"status_reason":  booking.StatusReason,
		"created_at":     now,
		"updated_at":     now,
	}

	q, args, err := s.stmpBuilder().
		Insert(bookingsTable).
		SetMap(params).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, bookings.ErrDuplicateInProgress
		}
		return nil, fmt.Errorf("db.ExecContext: %w", err)
	}

	return s.GetBooking(ctx, bookings.GetCriteria{ID: &booking.ID})
}

func (s *storageImpl) GetBooking(ctx context.Context, criteria bookings.GetCriteria) (*bookings.Booking, error) {
	query := s.stmpBuilder().
		Select(bookingRowFields).
		From(bookingsTable).
		Limit(1)

	if criteria.ID != nil {
		query = query.Where(sq.Eq{"id": *criteria.ID})
	}
	if criteria.TransactionID != nil {
		query = query.Where(sq.Eq{"transaction_id": *criteria.TransactionID})
	}

	q, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	var row bookingRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.GetContext: %w", err)
	}

	return row.ToModel(), nil
}

func (s *storageImpl) ListBookings(ctx context.Context, criteria bookings.ListCriteria) ([]*bookings.Booking, error) {
	query := s.stmpBuilder().
		Select(bookingRowFields).
		From(bookingsTable).
		OrderBy("created_at DESC")

	if criteria.TestID != nil {
		query = query.Where(sq.Eq{"test_id": *criteria.TestID})
	}
	if criteria.Subject != nil {
		query = query.Where(subjectEq(*criteria.Subject))
	}
	if len(criteria.Statuses) > 0 {
		statuses := make([]string, 0, len(criteria.Statuses))
		for _, st := range criteria.Statuses {
			statuses = append(statuses, string(st))
		}
		query = query.Where(sq.Eq{"status": statuses})
	}
	if criteria.Limit > 0 {
		query = query.Limit(uint64(criteria.Limit))
	}

	q, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	var rows []bookingRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("db.SelectContext: %w", err)
	}

	result := make([]*bookings.Booking, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.ToModel())
	}
	return result, nil
}

// CountAttempts counts paid attempts: confirmed and superseded bookings.
func (s *storageImpl) CountAttempts(ctx context.Context, testID string, subject subjects.Ref) (int, error) {
	q, args, err := s.stmpBuilder().
		Select("COUNT(*)").
		From(bookingsTable).
		Where(sq.Eq{"test_id": testID}).
		Where(subjectEq(subject)).
		Where(sq.Eq{"status": []string{string(bookings.StatusConfirmed), string(bookings.StatusSuperseded)}}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sql query: %w", err)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, q, args...); err != nil {
		return 0, fmt.Errorf("db.GetContext: %w", err)
	}
	return count, nil
}

func (s *storageImpl) TransitionBooking(ctx context.Context, id string, from bookings.Status, to bookings.Status, reason *string) (bool, error) {
	query := s.stmpBuilder().
		Update(bookingsTable).
		Set("status", string(to)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "status": string(from)})

	if reason != nil {
		query = query.Set("status_reason", *reason)
	}

	return s.execAffected(ctx, query)
}

func (s *storageImpl) ConfirmBooking(ctx context.Context, id string) (bool, error) {
	var changed bool

	err := s.tx(ctx, func(tx *sqlx.Tx) error {
		now := s.now()

		q, args, err := s.stmpBuilder().
			Update(bookingsTable).
			Set("status", string(bookings.StatusConfirmed)).
			Set("status_reason", nil).
			Set("updated_at", now).
			Where(sq.Eq{"id": id, "status": string(bookings.StatusPending)}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build sql query: %w", err)
		}

		result, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("tx.ExecContext: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("result.RowsAffected: %w", err)
		}
		if affected == 0 {
			return nil
		}
		changed = true

		q, args, err = s.stmpBuilder().
			Select(bookingRowFields).
			From(bookingsTable).
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build sql query: %w", err)
		}

		var row bookingRow
		if err := tx.GetContext(ctx, &row, q, args...); err != nil {
			return fmt.Errorf("tx.GetContext: %w", err)
		}

		q, args, err = s.stmpBuilder().
			Update(bookingsTable).
			Set("status", string(bookings.StatusSuperseded)).
			Set("status_reason", "superseded by booking "+id).
			Set("updated_at", now).
			Where(sq.Eq{
				"test_id":      row.TestID,
				"subject_kind": row.SubjectKind,
				"subject_id":   row.SubjectID,
				"status":       string(bookings.StatusConfirmed),
			}).
			Where(sq.NotEq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build sql query: %w", err)
		}

		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("tx.ExecContext: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	return changed, nil
}
