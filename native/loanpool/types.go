package loanpool

import (
	"math/big"

	"communityloans/crypto"
)

// ProposalIndex identifies a proposal. Indices are assigned from a monotonic
// counter and never reused.
type ProposalIndex = uint32

// LoanIndex identifies an ongoing loan. The loan counter is independent of the
// proposal counter.
type LoanIndex = uint32

// Proposal is a pending request to fund a loan, backed by a reserved bond.
type Proposal struct {
	Proposer    crypto.Address
	Amount      *big.Int
	Beneficiary crypto.Address
	Bond        *big.Int
}

// LoanInfo records a funded loan. Only the accrual sweep mutates Amount and
// LastTimestamp.
type LoanInfo struct {
	Borrower     crypto.Address
	Amount       *big.Int
	CollectionID uint32
	ItemID       uint32
	// APY is the yearly interest in whole percent.
	APY           uint64
	LastTimestamp uint64
}

// ApproveRequest carries the collateral and disbursement parameters supplied by
// the approver.
type ApproveRequest struct {
	ProposalIndex ProposalIndex

	CollectionID    uint32
	ItemID          uint32
	CollateralPrice *big.Int
	// Admin becomes owner and admin of the collateral collection.
	Admin crypto.Address

	// Contract is the loan contract that receives the collateral item and the
	// funded value.
	Contract            crypto.Address
	Value               *big.Int
	APY                 uint64
	GasLimit            uint64
	StorageDepositLimit *big.Int
}

// Clone returns a deep copy of the proposal.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	return &Proposal{
		Proposer:    p.Proposer,
		Amount:      cloneBigInt(p.Amount),
		Beneficiary: p.Beneficiary,
		Bond:        cloneBigInt(p.Bond),
	}
}

// Clone returns a deep copy of the loan record.
func (l *LoanInfo) Clone() *LoanInfo {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Amount = cloneBigInt(l.Amount)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
