package compliance

import "context"

// Gate answers the verified/frozen status of a principal. The settlement core
// consults it before moving funds but never mutates the flags.
type Gate interface {
	IsVerified(ctx context.Context, party string) (bool, error)
	IsFrozen(ctx context.Context, party string) (bool, error)
}

// Registry is the writable side of the gate, used by the operator surface to
// record KYC outcomes and freezes.
type Registry interface {
	Upsert(ctx context.Context, flag Flag) error
}

// Flag mirrors the compliance_flags table.
type Flag struct {
	Party    string
	Verified bool
	Frozen   bool
}
