package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// OTPPrefix is the Redis key prefix for pending one-time codes.
const OTPPrefix = "otp:"

// verifyOTPLua deletes the code only when it matches, so a code is usable
// exactly once.
const verifyOTPLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// ErrInvalidOTP is returned for a wrong, expired or already used code.
var ErrInvalidOTP = errors.New("auth: invalid or expired OTP")

// OTPStore keeps pending one-time codes per email.
type OTPStore interface {
	Save(ctx context.Context, email, code string, ttl time.Duration) error
	Consume(ctx context.Context, email, code string) (bool, error)
}

// RedisOTPStore stores codes under otp:<email> with a TTL.
type RedisOTPStore struct {
	client *redis.Client
	verify *redis.Script
}

// NewRedisOTPStore creates a RedisOTPStore.
func NewRedisOTPStore(client *redis.Client) *RedisOTPStore {
	return &RedisOTPStore{client: client, verify: redis.NewScript(verifyOTPLua)}
}

// Save replaces any pending code for email.
func (s *RedisOTPStore) Save(ctx context.Context, email, code string, ttl time.Duration) error {
	if err := s.client.Set(ctx, OTPPrefix+email, code, ttl).Err(); err != nil {
		return fmt.Errorf("auth: save otp: %w", err)
	}
	return nil
}

// Consume reports whether code matches the pending code for email and
// deletes it on success.
func (s *RedisOTPStore) Consume(ctx context.Context, email, code string) (bool, error) {
	n, err := s.verify.Run(ctx, s.client, []string{OTPPrefix + email}, code).Int()
	if err != nil {
		return false, fmt.Errorf("auth: consume otp: %w", err)
	}
	return n > 0, nil
}

// GenerateOTP returns a random six digit code.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("auth: generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
