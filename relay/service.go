package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowflow/compliance"
	"escrowflow/metrics"
	"escrowflow/nonce"
	"escrowflow/ratelimit"
)

var (
	// ErrInvalidNonce signals the declared nonce is not the principal's next
	// expected value. Callers may re-fetch the nonce and resubmit once.
	ErrInvalidNonce = errors.New("relay: invalid nonce")
	// ErrAccountFrozen signals the signer is frozen by compliance.
	ErrAccountFrozen = errors.New("relay: account frozen")
	// ErrKYCNotVerified signals the signer has not passed KYC.
	ErrKYCNotVerified = errors.New("relay: kyc not verified")
	// ErrUnknownTarget signals no entry point is registered for the request's To.
	ErrUnknownTarget = errors.New("relay: unknown target")
	// ErrTargetFailed wraps a dispatch failure that happened after the nonce
	// advanced. The nonce is not rolled back; the caller must fetch a fresh
	// one to resubmit.
	ErrTargetFailed = errors.New("relay: target call failed")
)

// Target is a ledger-mutating entry point the gateway can forward to on
// behalf of a verified signer.
type Target interface {
	Invoke(ctx context.Context, from string, data []byte) error
}

// History records the fee spend of accepted submissions.
type History interface {
	Append(ctx context.Context, rec SpendRecord) error
	List(ctx context.Context, principal string, from, to time.Time, limit int) ([]SpendRecord, error)
}

// Gateway fronts the settlement ledger: it verifies a signed request, enforces
// replay protection, rate and budget limits and compliance, then forwards the
// call acting as the signer.
type Gateway struct {
	verifier Verifier
	nonces   nonce.Store
	limiter  ratelimit.Limiter
	gate     compliance.Gate
	history  History
	targets  map[string]Target
	metrics  *metrics.Relay
}

// GatewayParams wires the collaborators of a Gateway.
type GatewayParams struct {
	Domain  Domain
	Nonces  nonce.Store
	Limiter ratelimit.Limiter
	Gate    compliance.Gate
	History History
	Metrics *metrics.Relay
}

// NewGateway builds a Gateway; targets are registered afterwards.
func NewGateway(p GatewayParams) *Gateway {
	return &Gateway{
		verifier: NewVerifier(p.Domain),
		nonces:   p.Nonces,
		limiter:  p.Limiter,
		gate:     p.Gate,
		history:  p.History,
		targets:  make(map[string]Target),
		metrics:  p.Metrics,
	}
}

// Register exposes a target entry point under the given name.
func (g *Gateway) Register(name string, target Target) {
	g.targets[name] = target
}

// Expected reports the next valid nonce for a principal. Read-only: it
// reserves nothing.
func (g *Gateway) Expected(ctx context.Context, principal string) (uint64, error) {
	return g.nonces.Expected(ctx, principal)
}

// SpendHistory lists a principal's accepted-relay fee spend inside the range.
func (g *Gateway) SpendHistory(ctx context.Context, principal string, from, to time.Time, limit int) ([]SpendRecord, error) {
	return g.history.List(ctx, principal, from, to, limit)
}

// Submit runs the full relay pipeline. Check order is fixed: signature, nonce
// equality, rate limit, daily fee budget, compliance, then the atomic nonce
// advance and the target dispatch. Once the nonce has advanced it is never
// rolled back: a dispatch failure surfaces as ErrTargetFailed and the caller
// resubmits under a fresh nonce.
func (g *Gateway) Submit(ctx context.Context, signed SignedRequest) (Receipt, error) {
	req := signed.Request

	if err := g.verifier.Verify(signed); err != nil {
		return Receipt{}, g.reject("invalid_signature", err)
	}

	expected, err := g.nonces.Expected(ctx, req.From)
	if err != nil {
		return Receipt{}, g.reject("nonce_store", fmt.Errorf("relay: read nonce: %w", err))
	}
	if req.Nonce != expected {
		return Receipt{}, g.reject("invalid_nonce",
			fmt.Errorf("%w: expected %d got %d", ErrInvalidNonce, expected, req.Nonce))
	}

	if err := g.limiter.AllowRequest(ctx, req.From); err != nil {
		return Receipt{}, g.reject("rate_limited", err)
	}
	gasCost := decimal.NewFromUint64(req.Gas)
	if err := g.limiter.SpendBudget(ctx, req.From, gasCost); err != nil {
		return Receipt{}, g.reject("budget_exceeded", err)
	}

	frozen, err := g.gate.IsFrozen(ctx, req.From)
	if err != nil {
		return Receipt{}, g.reject("compliance_error", fmt.Errorf("relay: compliance check: %w", err))
	}
	if frozen {
		return Receipt{}, g.reject("account_frozen", ErrAccountFrozen)
	}
	verified, err := g.gate.IsVerified(ctx, req.From)
	if err != nil {
		return Receipt{}, g.reject("compliance_error", fmt.Errorf("relay: compliance check: %w", err))
	}
	if !verified {
		return Receipt{}, g.reject("kyc_not_verified", ErrKYCNotVerified)
	}

	target, ok := g.targets[req.To]
	if !ok {
		return Receipt{}, g.reject("unknown_target", fmt.Errorf("%w: %s", ErrUnknownTarget, req.To))
	}

	// Point of no return: advancing the counter is part of replay protection,
	// not a transactional unit with the target call.
	if err := g.nonces.Advance(ctx, req.From, req.Nonce); err != nil {
		if errors.Is(err, nonce.ErrNonceMismatch) {
			return Receipt{}, g.reject("invalid_nonce", fmt.Errorf("%w: lost submission race", ErrInvalidNonce))
		}
		return Receipt{}, g.reject("nonce_store", fmt.Errorf("relay: advance nonce: %w", err))
	}

	digest := g.verifier.Digest(req)
	receipt := Receipt{TxHash: "0x" + hex.EncodeToString(digest[:])}

	if err := g.history.Append(ctx, SpendRecord{
		ID:        uuid.NewString(),
		Principal: req.From,
		TxHash:    receipt.TxHash,
		GasCost:   gasCost,
		Target:    req.To,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return receipt, fmt.Errorf("relay: record spend: %w", err)
	}

	start := time.Now()
	if err := target.Invoke(ctx, req.From, req.Data); err != nil {
		g.metrics.Observe("dispatch_failed", time.Since(start))
		return receipt, fmt.Errorf("%w: %v", ErrTargetFailed, err)
	}
	g.metrics.Observe("accepted", time.Since(start))
	return receipt, nil
}

func (g *Gateway) reject(reason string, err error) error {
	g.metrics.Reject(reason)
	return err
}
