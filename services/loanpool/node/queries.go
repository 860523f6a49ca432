package node

import (
	"math/big"

	"communityloans/crypto"
	"communityloans/native/loanpool"
	"communityloans/services/loancontract"
	"communityloans/state/bank"
)

// Counters reports the next proposal and loan indices.
type Counters struct {
	Proposals loanpool.ProposalIndex `json:"proposalCount"`
	Loans     loanpool.LoanIndex     `json:"loanCount"`
	Ongoing   int                    `json:"ongoing"`
	Capacity  uint32                 `json:"capacity"`
}

func (n *Node) Proposal(index loanpool.ProposalIndex) (*loanpool.Proposal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Proposal(index)
}

func (n *Node) Proposals() ([]loanpool.IndexedProposal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Proposals()
}

func (n *Node) Loan(index loanpool.LoanIndex) (*loanpool.LoanInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Loan(index)
}

func (n *Node) Loans() ([]loanpool.IndexedLoan, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Loans()
}

// ContractLoan returns the loan contract's record for a collateral item.
func (n *Node) ContractLoan(collection, item uint32) (*loancontract.Loan, error) {
	if n.host == nil {
		return nil, ErrRepayUnavailable
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.host.Loan(collection, item)
}

func (n *Node) Counters() (Counters, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	proposals, loans, err := n.engine.Counters()
	if err != nil {
		return Counters{}, err
	}
	ongoing, err := n.engine.OngoingLoans()
	if err != nil {
		return Counters{}, err
	}
	return Counters{
		Proposals: proposals,
		Loans:     loans,
		Ongoing:   len(ongoing),
		Capacity:  n.engine.Params().MaxOngoingLoans,
	}, nil
}

// Balance returns the free and reserved balance of addr.
func (n *Node) Balance(addr crypto.Address) (*bank.Balance, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Balance(addr)
}

// PoolBalance returns the pool account's free balance.
func (n *Node) PoolBalance() (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.PoolBalance()
}
