package loanpool

import (
	"fmt"

	"communityloans/crypto"
)

// Capability is a bit set of authorities an origin may hold.
type Capability uint8

const (
	// CapApprove allows approving proposals.
	CapApprove Capability = 1 << iota
	// CapReject allows rejecting proposals.
	CapReject
	// CapLoanContract marks the loan contract, the only caller allowed to
	// delete loans.
	CapLoanContract
	// CapSweep allows triggering an interest accrual sweep on demand.
	CapSweep
)

func (c Capability) String() string {
	switch c {
	case CapApprove:
		return "approve"
	case CapReject:
		return "reject"
	case CapLoanContract:
		return "loan-contract"
	case CapSweep:
		return "sweep"
	default:
		return fmt.Sprintf("capability(%d)", uint8(c))
	}
}

// Origin identifies the caller of an operation together with the authorities
// it proved at the call boundary. Which identities receive which capability is
// a policy decision of the embedding system.
type Origin struct {
	Account      crypto.Address
	Capabilities Capability
}

// Signed returns an origin for a plain account holding no capabilities.
func Signed(account crypto.Address) Origin {
	return Origin{Account: account}
}

// With returns a copy of the origin holding the additional capabilities.
func (o Origin) With(caps ...Capability) Origin {
	for _, c := range caps {
		o.Capabilities |= c
	}
	return o
}

// Has reports whether every bit of c is held.
func (o Origin) Has(c Capability) bool {
	return c != 0 && o.Capabilities&c == c
}

func (o Origin) ensureSigned() error {
	if o.Account.IsZero() {
		return fmt.Errorf("%w: signed origin required", ErrInsufficientPermission)
	}
	return nil
}

func (o Origin) ensure(c Capability) error {
	if !o.Has(c) {
		return fmt.Errorf("%w: %s authority required", ErrInsufficientPermission, c)
	}
	return nil
}
