package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net/mail"
	"strconv"

	"examdesk/internal/metrics"
	"examdesk/internal/stories/subjects"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// Service issues one-time login codes by email and trades a valid code for a
// session token.
type Service struct {
	codes    CodeStore
	limiter  Limiter
	accounts Accounts
	sessions Sessions
	notifier Notifier
	settings Settings
	logger   *slog.Logger
}

func NewService(
	codes CodeStore,
	limiter Limiter,
	accounts Accounts,
	sessions Sessions,
	notifier Notifier,
	settings Settings,
	logger *slog.Logger,
) *Service {
	return &Service{
		codes:    codes,
		limiter:  limiter,
		accounts: accounts,
		sessions: sessions,
		notifier: notifier,
		settings: settings,
		logger:   logger,
	}
}

// Request sends a fresh code to email. Unknown addresses get the same answer
// as known ones.
func (s *Service) Request(ctx context.Context, email, ip string) error {
	email = subjects.NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.Wrapf(ErrInvalidEmail, "%q", email)
	}

	if !s.limiter.IsAllowed(email, ip) {
		metrics.OTPRequestsTotal.WithLabelValues("rate_limited").Inc()
		s.logger.Warn("OTP request rate limited", "email", email, "ip", ip)
		return ErrRateLimited
	}
	s.limiter.RecordAttempt(email, ip)

	account, err := s.accounts.FindAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, subjects.ErrAccountNotFound) {
			metrics.OTPRequestsTotal.WithLabelValues("unknown_account").Inc()
			s.logger.Info("OTP requested for unknown email", "email", email)
			return nil
		}
		return errors.Wrap(err, "find account")
	}

	code, err := generateCode(s.settings.Length)
	if err != nil {
		return errors.Wrap(err, "generate code")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.settings.HashCost)
	if err != nil {
		return errors.Wrap(err, "hash code")
	}

	if err := s.codes.Save(ctx, email, StoredCode{
		Hash:  string(hash),
		Kind:  account.Kind,
		SapID: account.SapID,
	}, s.settings.TTL); err != nil {
		return errors.Wrap(err, "save code")
	}

	metrics.OTPRequestsTotal.WithLabelValues("sent").Inc()
	s.logger.Info("OTP issued", "email", email, "subject", account.Ref().String())

	s.notifier.Notify(ctx, email, "otp.code", map[string]string{
		"name":        account.Name,
		"code":        code,
		"ttl_minutes": strconv.Itoa(int(s.settings.TTL.Minutes())),
	})
	return nil
}

// Verify checks code against the stored hash. Each wrong guess counts; once
// MaxAttempts is reached the code is discarded.
func (s *Service) Verify(ctx context.Context, email, code string) (*Session, error) {
	email = subjects.NormalizeEmail(email)

	stored, err := s.codes.Get(ctx, email)
	if err != nil {
		return nil, errors.Wrap(err, "get code")
	}
	if stored == nil {
		return nil, ErrInvalidCode
	}
	if stored.Attempts >= s.settings.MaxAttempts {
		s.discard(ctx, email)
		return nil, ErrInvalidCode
	}

	if err := bcrypt.CompareHashAndPassword([]byte(stored.Hash), []byte(code)); err != nil {
		attempts, incErr := s.codes.IncrementAttempts(ctx, email)
		if incErr != nil {
			if errors.Is(incErr, ErrCodeNotFound) {
				return nil, ErrInvalidCode
			}
			return nil, errors.Wrap(incErr, "count attempt")
		}
		if attempts >= s.settings.MaxAttempts {
			s.logger.Warn("OTP attempts exhausted, discarding code", "email", email)
			s.discard(ctx, email)
		}
		return nil, ErrInvalidCode
	}

	// A code is good for one session only.
	if err := s.codes.Delete(ctx, email); err != nil {
		return nil, errors.Wrap(err, "delete used code")
	}

	account, err := s.accounts.Resolve(ctx, subjects.Ref{Kind: stored.Kind, SapID: stored.SapID})
	if err != nil {
		return nil, errors.Wrap(err, "resolve account")
	}

	token, expiresAt, err := s.sessions.Issue(account.Ref(), account.Email)
	if err != nil {
		return nil, errors.Wrap(err, "issue session")
	}

	s.logger.Info("OTP verified", "email", email, "subject", account.Ref().String())
	return &Session{Token: token, ExpiresAt: expiresAt, Account: account}, nil
}

func (s *Service) discard(ctx context.Context, email string) {
	if err := s.codes.Delete(ctx, email); err != nil {
		s.logger.Error("Failed to discard OTP code", "email", email, "error", err)
	}
}

func generateCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("code length %d", length)
	}
	digits := make([]byte, length)
	ten := big.NewInt(10)
	for i := range digits {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
