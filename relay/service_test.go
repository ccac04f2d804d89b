package relay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/compliance"
	"escrowflow/nonce"
	"escrowflow/ratelimit"
)

type gatewayFixture struct {
	gateway *Gateway
	gate    *compliance.MemoryGate
	nonces  *nonce.MemoryStore
	history *MemoryHistory
	target  *recordingTarget
}

// recordingTarget captures forwarded calls and optionally fails them.
type recordingTarget struct {
	calls []targetCall
	err   error
}

type targetCall struct {
	from string
	data []byte
}

func (t *recordingTarget) Invoke(ctx context.Context, from string, data []byte) error {
	t.calls = append(t.calls, targetCall{from: from, data: data})
	return t.err
}

func newGatewayFixture(t *testing.T, cfg ratelimit.Config) *gatewayFixture {
	t.Helper()

	gate := compliance.NewMemoryGate()
	nonces := nonce.NewMemoryStore()
	history := NewMemoryHistory()
	target := &recordingTarget{}

	gw := NewGateway(GatewayParams{
		Domain:  testDomain,
		Nonces:  nonces,
		Limiter: ratelimit.NewMemoryLimiter(cfg),
		Gate:    gate,
		History: history,
	})
	gw.Register("escrow", target)

	return &gatewayFixture{gateway: gw, gate: gate, nonces: nonces, history: history, target: target}
}

func (f *gatewayFixture) verifiedSigner(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	addr, priv := newSigner(t)
	f.gate.SetVerified(addr, true)
	return addr, priv
}

func TestGateway_SubmitForwardsVerifiedRequest(t *testing.T) {
	f := newGatewayFixture(t, ratelimit.Config{})
	ctx := context.Background()
	addr, priv := f.verifiedSigner(t)

	req := testRequest(addr)
	receipt, err := f.gateway.Submit(ctx, Sign(testDomain, req, priv))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.HasPrefix(receipt.TxHash, "0x") || len(receipt.TxHash) != 66 {
		t.Fatalf("TxHash = %q, want 0x-prefixed sha256 hex", receipt.TxHash)
	}

	if len(f.target.calls) != 1 {
		t.Fatalf("target calls = %d, want 1", len(f.target.calls))
	}
	if f.target.calls[0].from != addr {
		t.Fatalf("forwarded from = %s, want %s", f.target.calls[0].from, addr)
	}

	next, err := f.gateway.Expected(ctx, addr)
	if err != nil {
		t.Fatalf("Expected: %v", err)
	}
	if next != 1 {
		t.Fatalf("nonce after submit = %d, want 1", next)
	}

	spend, err := f.gateway.SpendHistory(ctx, addr, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("SpendHistory: %v", err)
	}
	if len(spend) != 1 {
		t.Fatalf("spend records = %d, want 1", len(spend))
	}
	if !spend[0].GasCost.Equal(decimal.NewFromInt(21000)) {
		t.Fatalf("gas cost = %s, want 21000", spend[0].GasCost)
	}
	if spend[0].TxHash != receipt.TxHash {
		t.Fatalf("spend tx hash = %s, want %s", spend[0].TxHash, receipt.TxHash)
	}
}

func TestGateway_RejectsReplay(t *testing.T) {
	f := newGatewayFixture(t, ratelimit.Config{})
	ctx := context.Background()
	addr, priv := f.verifiedSigner(t)

	signed := Sign(testDomain, testRequest(addr), priv)
	if _, err := f.gateway.Submit(ctx, signed); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// Byte-identical resubmission fails the nonce equality check.
	if _, err := f.gateway.Submit(ctx, signed); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("replay error = %v, want ErrInvalidNonce", err)
	}
	if len(f.target.calls) != 1 {
		t.Fatalf("target calls after replay = %d, want 1", len(f.target.calls))
	}
}

func TestGateway_RejectsWrongNonce(t *testing.T) {
	f := newGatewayFixture(t, ratelimit.Config{})
	addr, priv := f.verifiedSigner(t)

	req := testRequest(addr)
	req.Nonce = 5
	if _, err := f.gateway.Submit(context.Background(), Sign(testDomain, req, priv)); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("Submit error = %v, want ErrInvalidNonce", err)
	}
}

func TestGateway_RejectsBadSignatureBeforeAnythingElse(t *testing.T) {
	f := newGatewayFixture(t, ratelimit.Config{})
	addr, priv := f.verifiedSigner(t)

	signed := Sign(testDomain, testRequest(addr), priv)
	signed.Signature[0] ^= 1
	if _, err := f.gateway.Submit(context.Background(), signed); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Submit error = %v, want ErrInvalidSignature", err)
	}

	// Nonce untouched.
	next, _ := f.gateway.Expected(context.Background(), addr)
	if next != 0 {
		t.Fatalf("nonce after rejected submit = %d, want 0", next)
	}
}

func TestGateway_ComplianceChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("frozen account", func(t *testing.T) {
		f := newGatewayFixture(t, ratelimit.Config{})
		addr, priv := f.verifiedSigner(t)
		f.gate.SetFrozen(addr, true)

		if _, err := f.gateway.Submit(ctx, Sign(testDomain, testRequest(addr), priv)); !errors.Is(err, ErrAccountFrozen) {
			t.Fatalf("Submit error = %v, want ErrAccountFrozen", err)
		}
	})

	t.Run("unverified signer", func(t *testing.T) {
		f := newGatewayFixture(t, ratelimit.Config{})
		addr, priv := newSigner(t)

		if _, err := f.gateway.Submit(ctx, Sign(testDomain, testRequest(addr), priv)); !errors.Is(err, ErrKYCNotVerified) {
			t.Fatalf("Submit error = %v, want ErrKYCNotVerified", err)
		}
	})
}

func TestGateway_RateLimit(t *testing.T) {
	f := newGatewayFixture(t, ratelimit.Config{RequestsPerWindow: 2, Window: time.Minute})
	ctx := context.Background()
	addr, priv := f.verifiedSigner(t)

	for i := uint64(0); i < 2; i++ {
		req := testRequest(addr)
		req.Nonce = i
		if _, err := f.gateway.Submit(ctx, Sign(testDomain, req, priv)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	req := testRequest(addr)
	req.Nonce = 2
	if _, err := f.gateway.Submit(ctx, Sign(testDomain, req, priv)); !errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		t.Fatalf("Submit error = %v, want ErrRateLimitExceeded", err)
	}
}

func TestGateway_DailyBudget(t *testing.T) {
	f := newGatewayFixture(t, ratelimit.Config{DailyBudget: decimal.NewFromInt(30000)})
	ctx := context.Background()
	addr, priv := f.verifiedSigner(t)

	req := testRequest(addr)
	if _, err := f.gateway.Submit(ctx, Sign(testDomain, req, priv)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// 21000 spent of 30000; another 21000 does not fit.
	req.Nonce = 1
	if _, err := f.gateway.Submit(ctx, Sign(testDomain, req, priv)); !errors.Is(err, ratelimit.ErrDailyBudgetExceeded) {
		t.Fatalf("Submit error = %v, want ErrDailyBudgetExceeded", err)
	}
}

func TestGateway_UnknownTarget(t *testing.T) {
	f := newGatewayFixture(t, ratelimit.Config{})
	addr, priv := f.verifiedSigner(t)

	req := testRequest(addr)
	req.To = "governance"
	if _, err := f.gateway.Submit(context.Background(), Sign(testDomain, req, priv)); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("Submit error = %v, want ErrUnknownTarget", err)
	}

	// Unknown targets are caught before the nonce advances.
	next, _ := f.gateway.Expected(context.Background(), addr)
	if next != 0 {
		t.Fatalf("nonce after unknown target = %d, want 0", next)
	}
}

func TestGateway_NonceNotRolledBackOnTargetFailure(t *testing.T) {
	f := newGatewayFixture(t, ratelimit.Config{})
	ctx := context.Background()
	addr, priv := f.verifiedSigner(t)
	f.target.err = errors.New("ledger rejected the call")

	receipt, err := f.gateway.Submit(ctx, Sign(testDomain, testRequest(addr), priv))
	if !errors.Is(err, ErrTargetFailed) {
		t.Fatalf("Submit error = %v, want ErrTargetFailed", err)
	}
	if receipt.TxHash == "" {
		t.Fatal("receipt missing tx hash on dispatch failure")
	}

	// The counter stays advanced; a retry of the same nonce is a replay.
	next, _ := f.gateway.Expected(ctx, addr)
	if next != 1 {
		t.Fatalf("nonce after failed dispatch = %d, want 1", next)
	}

	f.target.err = nil
	req := testRequest(addr)
	req.Nonce = 1
	if _, err := f.gateway.Submit(ctx, Sign(testDomain, req, priv)); err != nil {
		t.Fatalf("resubmit under fresh nonce: %v", err)
	}
}

func TestGateway_PrincipalsAreIndependent(t *testing.T) {
	f := newGatewayFixture(t, ratelimit.Config{RequestsPerWindow: 1, Window: time.Minute})
	ctx := context.Background()

	alice, alicePriv := f.verifiedSigner(t)
	bob, bobPriv := f.verifiedSigner(t)

	if _, err := f.gateway.Submit(ctx, Sign(testDomain, testRequest(alice), alicePriv)); err != nil {
		t.Fatalf("alice Submit: %v", err)
	}
	// Alice exhausted her window; bob is unaffected.
	if _, err := f.gateway.Submit(ctx, Sign(testDomain, testRequest(bob), bobPriv)); err != nil {
		t.Fatalf("bob Submit: %v", err)
	}

	aliceNext, _ := f.gateway.Expected(ctx, alice)
	bobNext, _ := f.gateway.Expected(ctx, bob)
	if aliceNext != 1 || bobNext != 1 {
		t.Fatalf("nonces = %d/%d, want 1/1", aliceNext, bobNext)
	}
}
