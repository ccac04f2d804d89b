package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func newTestLimiter(t *testing.T, cfg Config) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, cfg), mr
}

func TestRedisLimiterRate(t *testing.T) {
	ctx := context.Background()
	limiter, mr := newTestLimiter(t, Config{RequestsPerWindow: 3, Window: time.Minute, DailyBudget: decimal.NewFromInt(100)})

	for i := 0; i < 3; i++ {
		if err := limiter.AllowRequest(ctx, "alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := limiter.AllowRequest(ctx, "alice"); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("want ErrRateLimitExceeded got %v", err)
	}

	// Another principal is unaffected.
	if err := limiter.AllowRequest(ctx, "bob"); err != nil {
		t.Fatalf("bob: %v", err)
	}

	// The window elapsing clears the counter.
	mr.FastForward(2 * time.Minute)
	if err := limiter.AllowRequest(ctx, "alice"); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestRedisLimiterBudget(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, Config{RequestsPerWindow: 100, Window: time.Minute, DailyBudget: decimal.NewFromInt(10)})

	if err := limiter.SpendBudget(ctx, "alice", decimal.NewFromInt(6)); err != nil {
		t.Fatalf("first spend: %v", err)
	}
	if err := limiter.SpendBudget(ctx, "alice", decimal.NewFromInt(5)); !errors.Is(err, ErrDailyBudgetExceeded) {
		t.Fatalf("over budget: want ErrDailyBudgetExceeded got %v", err)
	}
	// The rejected spend is refunded, so a smaller request still fits.
	if err := limiter.SpendBudget(ctx, "alice", decimal.NewFromInt(4)); err != nil {
		t.Fatalf("smaller spend after refund: %v", err)
	}
}

func TestRedisLimiterBudgetRollsOverByDay(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, Config{RequestsPerWindow: 100, Window: time.Minute, DailyBudget: decimal.NewFromInt(10)})

	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return day }

	if err := limiter.SpendBudget(ctx, "alice", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("spend full budget: %v", err)
	}
	if err := limiter.SpendBudget(ctx, "alice", decimal.NewFromInt(1)); !errors.Is(err, ErrDailyBudgetExceeded) {
		t.Fatalf("same day: want ErrDailyBudgetExceeded got %v", err)
	}

	limiter.now = func() time.Time { return day.Add(2 * time.Hour) } // next UTC day
	if err := limiter.SpendBudget(ctx, "alice", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("next day: %v", err)
	}
}

func TestMemoryLimiterMatchesSemantics(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryLimiter(Config{RequestsPerWindow: 2, Window: time.Minute, DailyBudget: decimal.NewFromInt(5)})

	if err := limiter.AllowRequest(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := limiter.AllowRequest(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := limiter.AllowRequest(ctx, "alice"); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("want ErrRateLimitExceeded got %v", err)
	}

	if err := limiter.SpendBudget(ctx, "alice", decimal.NewFromInt(5)); err != nil {
		t.Fatal(err)
	}
	if err := limiter.SpendBudget(ctx, "alice", decimal.NewFromInt(1)); !errors.Is(err, ErrDailyBudgetExceeded) {
		t.Fatalf("want ErrDailyBudgetExceeded got %v", err)
	}
}
