package nonce

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// TestPGStore_Integration verifies the conditional-update counter against a
// real PostgreSQL via DATABASE_URL, including the single-winner race at the
// insert boundary.
func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'nonce_records')`).Scan(&exists); err != nil {
		t.Fatalf("check table: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations/0001_init.sql first")
	}

	store := NewPGStore(pool)
	principal := fmt.Sprintf("it-%d", time.Now().UnixNano())

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `DELETE FROM nonce_records WHERE principal = $1`, principal)
	})

	// Sequential advances.
	for want := uint64(0); want < 3; want++ {
		got, err := store.Expected(ctx, principal)
		if err != nil {
			t.Fatalf("Expected: %v", err)
		}
		if got != want {
			t.Fatalf("expected nonce = %d, want %d", got, want)
		}
		if err := store.Advance(ctx, principal, want); err != nil {
			t.Fatalf("Advance %d: %v", want, err)
		}
	}
	if err := store.Advance(ctx, principal, 1); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("replay error = %v, want ErrNonceMismatch", err)
	}
	if err := store.Advance(ctx, principal, 9); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("future error = %v, want ErrNonceMismatch", err)
	}

	// Single winner when an unseen principal races on nonce zero, where the
	// insert path and not the update path must decide.
	racerPrincipal := principal + "-race"
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM nonce_records WHERE principal = $1`, racerPrincipal)
	})

	const racers = 16
	var wins atomic.Int64
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			err := store.Advance(ctx, racerPrincipal, 0)
			switch {
			case err == nil:
				wins.Add(1)
				return nil
			case errors.Is(err, ErrNonceMismatch):
				return nil
			default:
				return fmt.Errorf("unexpected error: %w", err)
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if wins.Load() != 1 {
		t.Fatalf("want exactly one winner, got %d", wins.Load())
	}

	next, err := store.Expected(ctx, racerPrincipal)
	if err != nil {
		t.Fatalf("Expected: %v", err)
	}
	if next != 1 {
		t.Fatalf("counter after race = %d, want 1", next)
	}
}
