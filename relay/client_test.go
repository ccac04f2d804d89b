package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T, baseURL string) (*Client, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	client, err := NewClient(baseURL, testDomain, priv)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, pub
}

func TestClient_CallRoundTrip(t *testing.T) {
	srv, f := newTestServer(t)
	client, _ := newTestClient(t, srv.URL)
	f.gate.SetVerified(client.From(), true)

	receipt, err := client.Call(context.Background(), "escrow", decimal.Zero, 21000, []byte(`{"action":"deposit"}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if receipt.TxHash == "" {
		t.Fatal("missing tx hash")
	}
	if len(f.target.calls) != 1 {
		t.Fatalf("target calls = %d, want 1", len(f.target.calls))
	}

	nonce, err := client.Nonce(context.Background())
	if err != nil {
		t.Fatalf("Nonce: %v", err)
	}
	if nonce != 1 {
		t.Fatalf("nonce = %d, want 1", nonce)
	}
}

// countingRelay simulates a gateway whose counter moved between the client's
// nonce fetch and its submission: the first submit is rejected with 409, any
// subsequent one succeeds.
type countingRelay struct {
	nonceCalls  int
	submitCalls int
	rejectWith  int
	rejectFirst int
}

func (c *countingRelay) handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/nonce/{address}", func(w http.ResponseWriter, _ *http.Request) {
		c.nonceCalls++
		writeJSON(w, http.StatusOK, nonceResponse{Nonce: uint64(c.submitCalls)})
	})
	r.Post("/submit", func(w http.ResponseWriter, _ *http.Request) {
		c.submitCalls++
		if c.submitCalls <= c.rejectFirst {
			writeJSON(w, c.rejectWith, submitResponse{Error: "rejected"})
			return
		}
		writeJSON(w, http.StatusOK, submitResponse{Success: true, TxHash: "0xabc"})
	})
	return r
}

func TestClient_RetriesOnceOnStaleNonce(t *testing.T) {
	relay := &countingRelay{rejectWith: http.StatusConflict, rejectFirst: 1}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	receipt, err := client.Call(context.Background(), "escrow", decimal.Zero, 21000, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if receipt.TxHash != "0xabc" {
		t.Fatalf("tx hash = %q", receipt.TxHash)
	}
	if relay.submitCalls != 2 || relay.nonceCalls != 2 {
		t.Fatalf("submit/nonce calls = %d/%d, want 2/2", relay.submitCalls, relay.nonceCalls)
	}
}

func TestClient_GivesUpAfterSecondStaleNonce(t *testing.T) {
	relay := &countingRelay{rejectWith: http.StatusConflict, rejectFirst: 10}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	if _, err := client.Call(context.Background(), "escrow", decimal.Zero, 21000, nil); !isInvalidNonce(err) {
		t.Fatalf("Call error = %v, want ErrInvalidNonce", err)
	}
	if relay.submitCalls != 2 {
		t.Fatalf("submit calls = %d, want exactly 2", relay.submitCalls)
	}
}

func TestClient_DoesNotRetryOtherRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"forbidden", http.StatusForbidden},
		{"rate limited", http.StatusTooManyRequests},
		{"target failed", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := &countingRelay{rejectWith: tt.status, rejectFirst: 10}
			srv := httptest.NewServer(relay.handler())
			defer srv.Close()

			client, _ := newTestClient(t, srv.URL)
			if _, err := client.Call(context.Background(), "escrow", decimal.Zero, 21000, nil); err == nil {
				t.Fatal("expected rejection error")
			}
			if relay.submitCalls != 1 {
				t.Fatalf("submit calls = %d, want 1", relay.submitCalls)
			}
		})
	}
}

// End-to-end against the real gateway: two clients interleave and the gateway
// keeps their counters independent while the signed payload survives the wire
// round trip.
func TestClient_EndToEnd(t *testing.T) {
	srv, f := newTestServer(t)

	alice, _ := newTestClient(t, srv.URL)
	bob, _ := newTestClient(t, srv.URL)
	f.gate.SetVerified(alice.From(), true)
	f.gate.SetVerified(bob.From(), true)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := alice.Call(ctx, "escrow", decimal.Zero, 21000, []byte("a")); err != nil {
			t.Fatalf("alice Call %d: %v", i, err)
		}
		if _, err := bob.Call(ctx, "escrow", decimal.Zero, 21000, []byte("b")); err != nil {
			t.Fatalf("bob Call %d: %v", i, err)
		}
	}

	aliceNonce, _ := f.gateway.Expected(ctx, alice.From())
	bobNonce, _ := f.gateway.Expected(ctx, bob.From())
	if aliceNonce != 2 || bobNonce != 2 {
		t.Fatalf("nonces = %d/%d, want 2/2", aliceNonce, bobNonce)
	}

	var data []byte
	for _, call := range f.target.calls {
		data = append(data, call.data...)
	}
	if string(data) != "abab" {
		t.Fatalf("forwarded data = %q, want interleaved abab", data)
	}
}
