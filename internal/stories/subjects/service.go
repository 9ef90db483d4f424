package subjects

import (
	"context"
	"net/mail"
	"strings"

	"github.com/pkg/errors"
)

// Service resolves subject references into accounts.
type Service struct {
	storage Storage
}

func NewService(storage Storage) *Service {
	return &Service{storage: storage}
}

func (s *Service) FindAccountByEmail(ctx context.Context, email string) (*Account, error) {
	account, err := s.storage.FindAccountByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, errors.Wrap(err, "find account by email")
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

// Resolve loads the account behind ref from the table its kind names.
func (s *Service) Resolve(ctx context.Context, ref Ref) (*Account, error) {
	if strings.TrimSpace(ref.SapID) == "" {
		return nil, errors.Wrap(ErrInvalidSubject, "empty sap id")
	}

	account, err := s.storage.GetAccount(ctx, ref)
	if err != nil {
		return nil, errors.Wrapf(err, "get account %s", ref)
	}
	if account == nil {
		return nil, errors.Wrapf(ErrAccountNotFound, "%s", ref)
	}
	return account, nil
}

// Import creates or refreshes an account coming from an external roster.
func (s *Service) Import(ctx context.Context, account Account) error {
	account.Email = NormalizeEmail(account.Email)
	account.SapID = strings.TrimSpace(account.SapID)

	if account.SapID == "" {
		return errors.Wrap(ErrInvalidSubject, "empty sap id")
	}
	if _, err := ParseKind(string(account.Kind)); err != nil {
		return err
	}
	if _, err := mail.ParseAddress(account.Email); err != nil {
		return errors.Wrapf(ErrInvalidSubject, "bad email %q", account.Email)
	}
	if account.Kind == KindSpecialUser && account.OrganizationSapID == "" {
		return errors.Wrapf(ErrInvalidSubject, "special user %s has no organization", account.SapID)
	}

	return errors.Wrapf(s.storage.UpsertAccount(ctx, account), "upsert %s", account.Ref())
}
