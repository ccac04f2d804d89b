package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/nonce"
)

// benign reports whether an error is an expected rejection under contention:
// the state machine refusing a transition another actor already performed.
func benign(err error) bool {
	for _, sentinel := range []error{
		escrow.ErrAlreadyDeposited,
		escrow.ErrAlreadyConfirmed,
		escrow.ErrAlreadyDisputed,
		escrow.ErrNotDeposited,
		escrow.ErrNoDisputeRaised,
		escrow.ErrEscrowExpired,
		nonce.ErrNonceMismatch,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func pick(invoices []string) string {
	return invoices[rand.Intn(len(invoices))]
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Depositor plays the buyer funding random invoices. Double deposits are
// expected losses against other depositors.
func Depositor(ctx context.Context, svc *escrow.Service, buyer string, invoices []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.Deposit(ctx, buyer, pick(invoices)); err != nil && !benign(err) {
			return fmt.Errorf("depositor: %w", err)
		}
		pause(10, 20)
	}
}

// Confirmer plays one party repeatedly confirming release on random invoices.
func Confirmer(ctx context.Context, svc *escrow.Service, party string, invoices []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.ConfirmRelease(ctx, party, pick(invoices)); err != nil && !benign(err) {
			return fmt.Errorf("confirmer %s: %w", party, err)
		}
		pause(15, 30)
	}
}

// Disputer races the confirmers, trying to freeze deposited invoices.
func Disputer(ctx context.Context, svc *escrow.Service, party string, invoices []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.RaiseDispute(ctx, party, pick(invoices)); err != nil && !benign(err) {
			return fmt.Errorf("disputer: %w", err)
		}
		pause(40, 60)
	}
}

// Arbitrator resolves whatever disputes it finds, alternating the outcome.
// Double resolution attempts must come back as benign rejections, never as a
// second payout.
func Arbitrator(ctx context.Context, resolver *dispute.Resolver, arbitrator string, invoices []string, stop <-chan struct{}) error {
	favor := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		favor = !favor
		if _, err := resolver.Resolve(ctx, arbitrator, pick(invoices), favor); err != nil && !benign(err) {
			return fmt.Errorf("arbitrator: %w", err)
		}
		pause(50, 80)
	}
}

// Submitter hammers the replay-protection counter for one principal. All
// workers read the same expected value and race to advance it; exactly one
// wins each round, the rest get a mismatch.
func Submitter(ctx context.Context, store nonce.Store, principal string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		expected, err := store.Expected(ctx, principal)
		if err != nil {
			return fmt.Errorf("submitter read: %w", err)
		}
		if err := store.Advance(ctx, principal, expected); err != nil && !benign(err) {
			return fmt.Errorf("submitter advance: %w", err)
		}
		pause(5, 15)
	}
}
