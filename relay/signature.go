package relay

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidSignature signals the signature does not verify against the
// declared signer under this gateway's domain. Not retryable without
// re-signing.
var ErrInvalidSignature = errors.New("relay: invalid signature")

const addressPrefix = "pay:ed25519:"

// AddressFromPublicKey derives the principal address for an ed25519 key.
func AddressFromPublicKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("relay: public key must be %d bytes", ed25519.PublicKeySize)
	}
	return addressPrefix + base64.RawURLEncoding.EncodeToString(pub), nil
}

// ParseAddress recovers the public key embedded in a principal address.
func ParseAddress(addr string) (ed25519.PublicKey, error) {
	encoded, ok := strings.CutPrefix(addr, addressPrefix)
	if !ok {
		return nil, fmt.Errorf("relay: address missing %q prefix", addressPrefix)
	}
	pub, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("relay: malformed address %q", addr)
	}
	return ed25519.PublicKey(pub), nil
}

// Digest computes the canonical signing hash for a request under a domain.
// Fields are length-prefixed and appended in a fixed order so the encoding is
// unambiguous and deterministic.
func Digest(domain Domain, req Request) [32]byte {
	h := sha256.New()
	writeString(h, "escrowflow-relay-v1")
	writeString(h, domain.Name)
	writeString(h, domain.Version)
	writeUint64(h, domain.ChainID)
	writeString(h, domain.VerifyingContract)
	writeString(h, req.From)
	writeString(h, req.To)
	writeString(h, req.Value.String())
	writeUint64(h, req.Gas)
	writeUint64(h, req.Nonce)
	writeBytes(h, req.Data)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Sign produces a SignedRequest for the domain. The request's From must match
// the address derived from the key or verification will fail.
func Sign(domain Domain, req Request, priv ed25519.PrivateKey) SignedRequest {
	digest := Digest(domain, req)
	pub := priv.Public().(ed25519.PublicKey)
	return SignedRequest{
		Request:   req,
		PublicKey: append([]byte(nil), pub...),
		Signature: ed25519.Sign(priv, digest[:]),
	}
}

// Verifier checks that a signed request was produced by the claimed From
// address under this gateway's domain.
type Verifier struct {
	domain Domain
}

// NewVerifier builds a Verifier for the deployment domain.
func NewVerifier(domain Domain) Verifier {
	return Verifier{domain: domain}
}

// Digest computes the canonical digest of a request under the verifier's
// domain.
func (v Verifier) Digest(req Request) [32]byte {
	return Digest(v.domain, req)
}

// Verify returns ErrInvalidSignature unless the public key derives the
// request's From address and the signature covers the canonical digest.
func (v Verifier) Verify(signed SignedRequest) error {
	if len(signed.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key length", ErrInvalidSignature)
	}
	derived, err := AddressFromPublicKey(signed.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if derived != signed.Request.From {
		return fmt.Errorf("%w: key does not derive %s", ErrInvalidSignature, signed.Request.From)
	}

	digest := Digest(v.domain, signed.Request)
	if !ed25519.Verify(signed.PublicKey, digest[:], signed.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

func writeString(h io.Writer, s string) {
	writeBytes(h, []byte(s))
}

func writeBytes(h io.Writer, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

func writeUint64(h io.Writer, v uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	h.Write(n[:])
}
