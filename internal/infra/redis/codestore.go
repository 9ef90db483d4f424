package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"examdesk/internal/stories/otp"
	"examdesk/internal/stories/subjects"

	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldHash     = "hash"
	fieldKind     = "kind"
	fieldSapID    = "sap_id"
	fieldAttempts = "attempts"
)

// CodeStore keeps one OTP hash per email in a redis hash that expires with
// the code.
type CodeStore struct {
	client goredis.UniversalClient
	prefix string
}

func NewCodeStore(client goredis.UniversalClient, prefix string) *CodeStore {
	return &CodeStore{client: client, prefix: prefix}
}

func (s *CodeStore) key(email string) string {
	return s.prefix + "otp:" + email
}

// Save replaces any earlier code for the email and resets its attempts.
func (s *CodeStore) Save(ctx context.Context, email string, code otp.StoredCode, ttl time.Duration) error {
	key := s.key(email)

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldHash, code.Hash,
			fieldKind, string(code.Kind),
			fieldSapID, code.SapID,
			fieldAttempts, 0,
		)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save otp code: %w", err)
	}
	return nil
}

// Get returns nil when no live code exists.
func (s *CodeStore) Get(ctx context.Context, email string) (*otp.StoredCode, error) {
	values, err := s.client.HGetAll(ctx, s.key(email)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get otp code: %w", err)
	}
	if len(values) == 0 || values[fieldHash] == "" {
		return nil, nil
	}

	attempts, err := strconv.Atoi(values[fieldAttempts])
	if err != nil {
		return nil, fmt.Errorf("parse otp attempts %q: %w", values[fieldAttempts], err)
	}

	return &otp.StoredCode{
		Hash:     values[fieldHash],
		Kind:     subjects.Kind(values[fieldKind]),
		SapID:    values[fieldSapID],
		Attempts: attempts,
	}, nil
}

// incrementAttempts only touches a key that still exists so an expired code
// is not resurrected without a TTL.
var incrementAttempts = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
return redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
`)

// IncrementAttempts returns otp.ErrCodeNotFound when the code expired.
func (s *CodeStore) IncrementAttempts(ctx context.Context, email string) (int, error) {
	n, err := incrementAttempts.Run(ctx, s.client, []string{s.key(email)}, fieldAttempts).Int()
	if err != nil {
		return 0, fmt.Errorf("increment otp attempts: %w", err)
	}
	if n < 0 {
		return 0, otp.ErrCodeNotFound
	}
	return n, nil
}

func (s *CodeStore) Delete(ctx context.Context, email string) error {
	if err := s.client.Del(ctx, s.key(email)).Err(); err != nil {
		return fmt.Errorf("delete otp code: %w", err)
	}
	return nil
}
