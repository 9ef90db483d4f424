package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"examdesk/internal/stories/certificates"
	"examdesk/internal/stories/subjects"
)

const (
	testResultsTable          = "test_results"
	certificatePurchasesTable = "certificate_purchases"
)

var (
	testResultRowFields = fields(testResultRow{})
	purchaseRowFields   = fields(purchaseRow{})
)

type testResultRow struct {
	ID          string    `db:"id"`
	TestID      string    `db:"test_id"`
	SubjectKind string    `db:"subject_kind"`
	SubjectID   string    `db:"subject_id"`
	Score       float64   `db:"score"`
	MaxScore    float64   `db:"max_score"`
	CompletedAt time.Time `db:"completed_at"`
}

func (r testResultRow) ToModel() *certificates.TestResult {
	return &certificates.TestResult{
		ID:          r.ID,
		TestID:      r.TestID,
		Subject:     subjects.Ref{Kind: subjects.Kind(r.SubjectKind), SapID: r.SubjectID},
		Score:       r.Score,
		MaxScore:    r.MaxScore,
		CompletedAt: r.CompletedAt,
	}
}

type purchaseRow struct {
	ID             string     `db:"id"`
	TestResultID   string     `db:"test_result_id"`
	SubjectKind    string     `db:"subject_kind"`
	SubjectID      string     `db:"subject_id"`
	Amount         int64      `db:"amount"`
	Currency       string     `db:"currency"`
	Status         string     `db:"status"`
	TransactionID  *string    `db:"transaction_id"`
	CertificateURL *string    `db:"certificate_url"`
	FailureReason  *string    `db:"failure_reason"`
	PaidAt         *time.Time `db:"paid_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (p purchaseRow) ToModel() *certificates.Purchase {
	return &certificates.Purchase{
		ID:             p.ID,
		TestResultID:   p.TestResultID,
		Subject:        subjects.Ref{Kind: subjects.Kind(p.SubjectKind), SapID: p.SubjectID},
		Amount:         p.Amount,
		Currency:       p.Currency,
		Status:         certificates.Status(p.Status),
		TransactionID:  p.TransactionID,
		CertificateURL: p.CertificateURL,
		FailureReason:  p.FailureReason,
		PaidAt:         p.PaidAt,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func (s *storageImpl) GetTestResult(ctx context.Context, id string) (*certificates.TestResult, error) {
	q, args, err := s.stmpBuilder().
		Select(testResultRowFields).
		From(testResultsTable).
		Where(sq.Eq{"id": id}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	var row testResultRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.GetContext: %w", err)
	}
	return row.ToModel(), nil
}

func (s *storageImpl) UpsertTestResult(ctx context.Context, result certificates.TestResult) error {
	params := map[string]interface{}{
		"id":           result.ID,
		"test_id":      result.TestID,
		"subject_kind": string(result.Subject.Kind),
		"subject_id":   result.Subject.SapID,
		"score":        result.Score,
		"max_score":    result.MaxScore,
		"completed_at": result.CompletedAt.UTC(),
		"created_at":   s.now(),
	}

	q, args, err := s.stmpBuilder().
		Insert(testResultsTable).
		SetMap(params).
		Suffix("ON CONFLICT (id) DO UPDATE SET score = excluded.score, max_score = excluded.max_score, completed_at = excluded.completed_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build sql query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("db.ExecContext: %w", err)
	}
	return nil
}

func (s *storageImpl) CreatePurchase(ctx context.Context, purchase certificates.Purchase) (*certificates.Purchase, error) {
	now := s.now()
	params := map[string]interface{}{
		"id":              purchase.ID,
		"test_result_id":  purchase.TestResultID,
		"subject_kind":    string(purchase.Subject.Kind),
		"subject_id":      purchase.Subject.SapID,
		"amount":          purchase.Amount,
		"currency":        purchase.Currency,
		"status":          string(purchase.Status),
		"transaction_id":  purchase.TransactionID,
		"certificate_url": purchase.CertificateURL,
		"failure_reason":  purchase.FailureReason,
		"paid_at":         purchase.PaidAt,
		"created_at":      now,
		"updated_at":      now,
	}

	q, args, err := s.stmpBuilder().
		Insert(certificatePurchasesTable).
		SetMap(params).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, certificates.ErrDuplicateInProgress
		}
		return nil, fmt.Errorf("db.ExecContext: %w", err)
	}

	return s.GetPurchase(ctx, certificates.GetCriteria{ID: &purchase.ID})
}

func (s *storageImpl) GetPurchase(ctx context.Context, criteria certificates.GetCriteria) (*certificates.Purchase, error) {
	query := s.stmpBuilder().
		Select(purchaseRowFields).
		From(certificatePurchasesTable).
		Limit(1)

	if criteria.ID != nil {
		query = query.Where(sq.Eq{"id": *criteria.ID})
	}
	if criteria.TransactionID != nil {
		query = query.Where(sq.Eq{"transaction_id": *criteria.TransactionID})
	}
	if criteria.ActiveFor != nil {
		query = query.
			Where(sq.Eq{"test_result_id": *criteria.ActiveFor}).
			Where(sq.NotEq{"status": string(certificates.StatusFailed)})
	}

	q, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	var row purchaseRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.GetContext: %w", err)
	}
	return row.ToModel(), nil
}

func (s *storageImpl) CompletePurchase(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	query := s.stmpBuilder().
		Update(certificatePurchasesTable).
		Set("status", string(certificates.StatusCompleted)).
		Set("paid_at", paidAt).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "status": string(certificates.StatusPending)})

	return s.execAffected(ctx, query)
}

func (s *storageImpl) FailPurchase(ctx context.Context, id string, reason string) (bool, error) {
	query := s.stmpBuilder().
		Update(certificatePurchasesTable).
		Set("status", string(certificates.StatusFailed)).
		Set("failure_reason", reason).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "status": string(certificates.StatusPending)})

	return s.execAffected(ctx, query)
}

// SetCertificateURL writes the url once; a second call leaves the first.
func (s *storageImpl) SetCertificateURL(ctx context.Context, id string, url string) error {
	query := s.stmpBuilder().
		Update(certificatePurchasesTable).
		Set("certificate_url", url).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "certificate_url": nil})

	_, err := s.execAffected(ctx, query)
	return err
}
