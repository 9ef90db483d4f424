package otp

import (
	"time"

	"examdesk/internal/stories/subjects"
)

// StoredCode is what survives between Request and Verify. The code itself is
// never stored, only its bcrypt hash.
type StoredCode struct {
	Hash     string
	Kind     subjects.Kind
	SapID    string
	Attempts int
}

type Session struct {
	Token     string
	ExpiresAt time.Time
	Account   *subjects.Account
}

type Settings struct {
	Length      int
	TTL         time.Duration
	MaxAttempts int
	HashCost    int
}
