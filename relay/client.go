package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client signs and submits relayed requests over the HTTP surface. On an
// invalid-nonce rejection specifically it re-fetches the nonce once and
// resubmits; every other failure kind is returned as-is, never blindly
// retried.
type Client struct {
	baseURL string
	domain  Domain
	priv    ed25519.PrivateKey
	from    string
	http    *http.Client
}

// NewClient derives the principal address from the key and builds a Client.
func NewClient(baseURL string, domain Domain, priv ed25519.PrivateKey) (*Client, error) {
	from, err := AddressFromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: baseURL,
		domain:  domain,
		priv:    priv,
		from:    from,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// From returns the client's principal address.
func (c *Client) From() string {
	return c.from
}

// Nonce fetches the next expected nonce for this principal.
func (c *Client) Nonce(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/nonce/"+c.from, nil)
	if err != nil {
		return 0, fmt.Errorf("relay: build nonce request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("relay: fetch nonce: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("relay: fetch nonce: status %d", resp.StatusCode)
	}
	var body nonceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("relay: decode nonce: %w", err)
	}
	return body.Nonce, nil
}

// Call submits a signed request to the named target. The nonce is fetched,
// the request signed under the client's domain, and on ErrInvalidNonce the
// whole sequence repeats exactly once.
func (c *Client) Call(ctx context.Context, to string, value decimal.Decimal, gas uint64, data []byte) (Receipt, error) {
	receipt, err := c.submitOnce(ctx, to, value, gas, data)
	if err == nil || !isInvalidNonce(err) {
		return receipt, err
	}
	// The counter moved under us; one refresh is allowed.
	return c.submitOnce(ctx, to, value, gas, data)
}

func (c *Client) submitOnce(ctx context.Context, to string, value decimal.Decimal, gas uint64, data []byte) (Receipt, error) {
	nonce, err := c.Nonce(ctx)
	if err != nil {
		return Receipt{}, err
	}

	signed := Sign(c.domain, Request{
		From:  c.from,
		To:    to,
		Value: value,
		Gas:   gas,
		Nonce: nonce,
		Data:  data,
	}, c.priv)

	payload, err := json.Marshal(submitRequest{
		Request: wireRequest{
			From:  signed.Request.From,
			To:    signed.Request.To,
			Value: signed.Request.Value.String(),
			Gas:   signed.Request.Gas,
			Nonce: signed.Request.Nonce,
			Data:  signed.Request.Data,
		},
		PublicKey: base64.StdEncoding.EncodeToString(signed.PublicKey),
		Signature: base64.StdEncoding.EncodeToString(signed.Signature),
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("relay: encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit", bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("relay: build submission: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("relay: submit: %w", err)
	}
	defer resp.Body.Close()

	var body submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Receipt{}, fmt.Errorf("relay: decode submission response: %w", err)
	}

	receipt := Receipt{TxHash: body.TxHash}
	if body.Success {
		return receipt, nil
	}
	if resp.StatusCode == http.StatusConflict {
		return receipt, fmt.Errorf("%w: %s", ErrInvalidNonce, body.Error)
	}
	return receipt, fmt.Errorf("relay: submission rejected (%d): %s", resp.StatusCode, body.Error)
}

func isInvalidNonce(err error) bool {
	return errors.Is(err, ErrInvalidNonce)
}
