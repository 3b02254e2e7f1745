package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	redispkg "github.com/richxcame/referral-integrity/pkg/redis"
)

const (
	reservationKeyPrefix = "referral:code:reserved:"
	reservationValue     = "1"

	// DefaultReservationTTL covers the gap between generating a code and committing it.
	DefaultReservationTTL = 30 * time.Second
)

// RedisReserver claims candidate codes with SET NX so two generators racing
// on the same candidate cannot both see it as free.
type RedisReserver struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisReserver creates a reserver backed by Redis
func NewRedisReserver(client redis.Cmdable, ttl time.Duration) *RedisReserver {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &RedisReserver{client: client, ttl: ttl}
}

// Reserve returns true when this caller now holds the candidate.
func (r *RedisReserver) Reserve(ctx context.Context, code string) (bool, error) {
	ok, err := r.client.SetNX(ctx, reservationKey(code), reservationValue, r.ttl).Result()
	if err != nil {
		if redispkg.IsRetryable(err) {
			return false, fmt.Errorf("%w: %v", ErrReservationUnavailable, err)
		}
		return false, fmt.Errorf("reserve referral code: %w", err)
	}
	return ok, nil
}

// Release drops a reservation once the code is committed or abandoned.
func (r *RedisReserver) Release(ctx context.Context, code string) error {
	return r.client.Del(ctx, reservationKey(code)).Err()
}

func reservationKey(code string) string {
	return reservationKeyPrefix + code
}
