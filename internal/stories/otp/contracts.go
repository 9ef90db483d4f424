package otp

import (
	"context"
	"time"

	"examdesk/internal/stories/subjects"

	"github.com/pkg/errors"
)

var (
	ErrRateLimited  = errors.New("too many code requests")
	ErrInvalidCode  = errors.New("invalid or expired code")
	ErrCodeNotFound = errors.New("no active code")
	ErrInvalidEmail = errors.New("invalid email")
)

type (
	CodeStore interface {
		Save(ctx context.Context, email string, code StoredCode, ttl time.Duration) error
		// Get returns nil when no live code exists.
		Get(ctx context.Context, email string) (*StoredCode, error)
		IncrementAttempts(ctx context.Context, email string) (int, error)
		Delete(ctx context.Context, email string) error
	}

	Limiter interface {
		IsAllowed(email, ip string) bool
		RecordAttempt(email, ip string)
	}

	Accounts interface {
		FindAccountByEmail(ctx context.Context, email string) (*subjects.Account, error)
		Resolve(ctx context.Context, ref subjects.Ref) (*subjects.Account, error)
	}

	Sessions interface {
		Issue(ref subjects.Ref, email string) (string, time.Time, error)
	}

	Notifier interface {
		Notify(ctx context.Context, email, template string, vars map[string]string)
	}
)
