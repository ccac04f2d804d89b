package relay

import (
	"time"

	"github.com/shopspring/decimal"
)

// Domain binds signatures to one deployment: a request signed for another
// service, version, or network never verifies here.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract string
}

// Request is the structured call a principal asks the relay to execute on its
// behalf. It is ephemeral: constructed by the caller, consumed once by the
// gateway, persisted only as an audit row.
type Request struct {
	From  string
	To    string
	Value decimal.Decimal
	Gas   uint64
	Nonce uint64
	Data  []byte
}

// SignedRequest carries the request plus the signer's key material.
type SignedRequest struct {
	Request   Request
	PublicKey []byte
	Signature []byte
}

// Receipt is returned for an accepted submission.
type Receipt struct {
	TxHash string
}

// SpendRecord mirrors the relay_spend table: one row per accepted submission,
// feeding the per-principal gas-cost history.
type SpendRecord struct {
	ID        string
	Principal string
	TxHash    string
	GasCost   decimal.Decimal
	Target    string
	CreatedAt time.Time
}
