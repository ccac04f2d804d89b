package ratelimit

import (
	"context"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisLimiter enforces the limits with Redis counters so every relay replica
// shares one view of a principal's rate and spend.
type RedisLimiter struct {
	client *backend.Client
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisLimiter wires a limiter over an existing client.
func NewRedisLimiter(client *backend.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		cfg:    cfg.withDefaults(),
		prefix: "relay:",
		now:    time.Now,
	}
}

func (l *RedisLimiter) AllowRequest(ctx context.Context, principal string) error {
	key := l.prefix + "rate:" + principal

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: incr rate: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.cfg.Window).Err(); err != nil {
			return fmt.Errorf("ratelimit: expire rate: %w", err)
		}
	}
	if count > l.cfg.RequestsPerWindow {
		return fmt.Errorf("%w: %d requests in window", ErrRateLimitExceeded, count)
	}
	return nil
}

func (l *RedisLimiter) SpendBudget(ctx context.Context, principal string, cost decimal.Decimal) error {
	if !cost.IsPositive() {
		return nil
	}
	key := l.prefix + "spend:" + dayKey(l.now()) + ":" + principal

	costF, _ := cost.Float64()
	total, err := l.client.IncrByFloat(ctx, key, costF).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: incr spend: %w", err)
	}
	// Spend keys outlive their day by a margin, then expire on their own.
	if err := l.client.Expire(ctx, key, 48*time.Hour).Err(); err != nil {
		return fmt.Errorf("ratelimit: expire spend: %w", err)
	}

	budget, _ := l.cfg.DailyBudget.Float64()
	if total > budget {
		// Give the reserved spend back so a smaller request can still pass.
		if err := l.client.IncrByFloat(ctx, key, -costF).Err(); err != nil {
			return fmt.Errorf("ratelimit: refund spend: %w", err)
		}
		return fmt.Errorf("%w: spend %.4f budget %.4f", ErrDailyBudgetExceeded, total, budget)
	}
	return nil
}
