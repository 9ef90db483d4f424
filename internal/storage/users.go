package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"examdesk/internal/stories/subjects"
)

const (
	usersTable         = "users"
	specialUsersTable  = "special_users"
	organizationsTable = "organizations"
)

var (
	accountRowFields     = fields(accountRow{})
	specialUserRowFields = fields(specialUserRow{})
)

// accountRow is shared by users and organizations.
type accountRow struct {
	SapID     string    `db:"sap_id"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	Phone     string    `db:"phone"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (a accountRow) ToModel(kind subjects.Kind) *subjects.Account {
	return &subjects.Account{
		Kind:      kind,
		SapID:     a.SapID,
		Email:     a.Email,
		Name:      a.Name,
		Phone:     a.Phone,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

type specialUserRow struct {
	SapID             string    `db:"sap_id"`
	Email             string    `db:"email"`
	Name              string    `db:"name"`
	Phone             string    `db:"phone"`
	OrganizationSapID string    `db:"organization_sap_id"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (a specialUserRow) ToModel() *subjects.Account {
	return &subjects.Account{
		Kind:              subjects.KindSpecialUser,
		SapID:             a.SapID,
		Email:             a.Email,
		Name:              a.Name,
		Phone:             a.Phone,
		OrganizationSapID: a.OrganizationSapID,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func accountTable(kind subjects.Kind) (string, error) {
	switch kind {
	case subjects.KindUser:
		return usersTable, nil
	case subjects.KindSpecialUser:
		return specialUsersTable, nil
	case subjects.KindOrganization:
		return organizationsTable, nil
	default:
		return "", fmt.Errorf("unknown account kind %q", kind)
	}
}

func (s *storageImpl) FindAccountByEmail(ctx context.Context, email string) (*subjects.Account, error) {
	for _, kind := range []subjects.Kind{subjects.KindUser, subjects.KindSpecialUser, subjects.KindOrganization} {
		account, err := s.getAccount(ctx, kind, sq.Eq{"email": email})
		if err != nil {
			return nil, err
		}
		if account != nil {
			return account, nil
		}
	}
	return nil, nil
}

func (s *storageImpl) GetAccount(ctx context.Context, ref subjects.Ref) (*subjects.Account, error) {
	return s.getAccount(ctx, ref.Kind, sq.Eq{"sap_id": ref.SapID})
}

func (s *storageImpl) getAccount(ctx context.Context, kind subjects.Kind, where sq.Eq) (*subjects.Account, error) {
	table, err := accountTable(kind)
	if err != nil {
		return nil, err
	}

	columns := accountRowFields
	if kind == subjects.KindSpecialUser {
		columns = specialUserRowFields
	}

	q, args, err := s.stmpBuilder().
		Select(columns).
		From(table).
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql query: %w", err)
	}

	if kind == subjects.KindSpecialUser {
		var row specialUserRow
		if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("db.GetContext: %w", err)
		}
		return row.ToModel(), nil
	}

	var row accountRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.GetContext: %w", err)
	}
	return row.ToModel(kind), nil
}

func (s *storageImpl) UpsertAccount(ctx context.Context, account subjects.Account) error {
	table, err := accountTable(account.Kind)
	if err != nil {
		return err
	}

	now := s.now()
	params := map[string]interface{}{
		"sap_id":     account.SapID,
		"email":      account.Email,
		"name":       account.Name,
		"phone":      account.Phone,
		"created_at": now,
		"updated_at": now,
	}
	conflict := "ON CONFLICT (sap_id) DO UPDATE SET email = excluded.email, name = excluded.name, phone = excluded.phone, updated_at = excluded.updated_at"
	if account.Kind == subjects.KindSpecialUser {
		params["organization_sap_id"] = account.OrganizationSapID
		conflict += ", organization_sap_id = excluded.organization_sap_id"
	}

	q, args, err := s.stmpBuilder().
		Insert(table).
		SetMap(params).
		Suffix(conflict).
		ToSql()
	if err != nil {
		return fmt.Errorf("build sql query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("db.ExecContext: %w", err)
	}
	return nil
}
