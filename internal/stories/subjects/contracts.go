package subjects

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidSubject  = errors.New("invalid subject")
)

type (
	Storage interface {
		// FindAccountByEmail looks through users, special users and
		// organizations in that order. Returns nil when nothing matches.
		FindAccountByEmail(ctx context.Context, email string) (*Account, error)
		GetAccount(ctx context.Context, ref Ref) (*Account, error)
		UpsertAccount(ctx context.Context, account Account) error
	}
)
