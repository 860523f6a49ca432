package loanpool

import (
	"fmt"
	"math/big"
)

// IndexedProposal pairs a proposal with its index.
type IndexedProposal struct {
	Index    ProposalIndex
	Proposal *Proposal
}

// IndexedLoan pairs a loan record with its index.
type IndexedLoan struct {
	Index LoanIndex
	Loan  *LoanInfo
}

// Proposal returns the live proposal stored under index.
func (e *Engine) Proposal(index ProposalIndex) (*Proposal, error) {
	if e.state == nil {
		return nil, errNilState
	}
	proposal, ok, err := e.proposals.Get(index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: proposal %d", ErrInvalidIndex, index)
	}
	return proposal, nil
}

// Proposals lists live proposals in submission order.
func (e *Engine) Proposals() ([]IndexedProposal, error) {
	if e.state == nil {
		return nil, errNilState
	}
	indices, err := e.proposals.Indices()
	if err != nil {
		return nil, err
	}
	out := make([]IndexedProposal, 0, len(indices))
	for _, index := range indices {
		proposal, ok, err := e.proposals.Get(index)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, IndexedProposal{Index: index, Proposal: proposal})
		}
	}
	return out, nil
}

// Loan returns the ongoing loan stored under index.
func (e *Engine) Loan(index LoanIndex) (*LoanInfo, error) {
	if e.state == nil {
		return nil, errNilState
	}
	info, ok, err := e.loans.Record(index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: loan %d", ErrInvalidIndex, index)
	}
	return info, nil
}

// Loans lists ongoing loans in registry order.
func (e *Engine) Loans() ([]IndexedLoan, error) {
	if e.state == nil {
		return nil, errNilState
	}
	var out []IndexedLoan
	err := e.loans.Each(func(index LoanIndex, info *LoanInfo) error {
		out = append(out, IndexedLoan{Index: index, Loan: info})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindLoanByCollateral returns the ongoing loan backed by the given item.
func (e *Engine) FindLoanByCollateral(collection, item uint32) (LoanIndex, *LoanInfo, error) {
	loans, err := e.Loans()
	if err != nil {
		return 0, nil, err
	}
	for _, loan := range loans {
		if loan.Loan.CollectionID == collection && loan.Loan.ItemID == item {
			return loan.Index, loan.Loan, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: no loan for collateral %d/%d", ErrInvalidIndex, collection, item)
}

// Counters returns the highest assigned proposal and loan indices.
func (e *Engine) Counters() (ProposalIndex, LoanIndex, error) {
	if e.state == nil {
		return 0, 0, errNilState
	}
	proposals, err := e.proposals.Count()
	if err != nil {
		return 0, 0, err
	}
	loans, err := e.loans.Count()
	if err != nil {
		return 0, 0, err
	}
	return proposals, loans, nil
}

// OngoingLoans returns the registry sequence.
func (e *Engine) OngoingLoans() ([]LoanIndex, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.loans.Ongoing()
}

// PoolBalance returns the free balance of the pool account.
func (e *Engine) PoolBalance() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.ledger.FreeBalance(e.poolAccount)
}

// CheckConsistency verifies the ongoing loan registry against the record map.
func (e *Engine) CheckConsistency() error {
	if e.state == nil {
		return errNilState
	}
	return e.loans.CheckConsistency()
}
