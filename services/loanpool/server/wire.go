package server

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"communityloans/crypto"
	"communityloans/native/loanpool"
)

type proposeRequest struct {
	Amount      string `json:"amount"`
	Beneficiary string `json:"beneficiary"`
}

type approveRequest struct {
	CollectionID        uint32 `json:"collectionId"`
	ItemID              uint32 `json:"itemId"`
	CollateralPrice     string `json:"collateralPrice"`
	Admin               string `json:"admin"`
	Contract            string `json:"contract"`
	Value               string `json:"value"`
	APY                 uint64 `json:"apy"`
	GasLimit            uint64 `json:"gasLimit"`
	StorageDepositLimit string `json:"storageDepositLimit,omitempty"`
}

type repayRequest struct {
	CollectionID uint32 `json:"collectionId"`
	ItemID       uint32 `json:"itemId"`
}

type proposalView struct {
	Index       loanpool.ProposalIndex `json:"index"`
	Proposer    string                 `json:"proposer"`
	Amount      string                 `json:"amount"`
	Beneficiary string                 `json:"beneficiary"`
	Bond        string                 `json:"bond"`
}

type loanView struct {
	Index         loanpool.LoanIndex `json:"index"`
	Borrower      string             `json:"borrower"`
	Amount        string             `json:"amount"`
	CollectionID  uint32             `json:"collectionId"`
	ItemID        uint32             `json:"itemId"`
	APY           uint64             `json:"apy"`
	LastTimestamp uint64             `json:"lastTimestamp"`
}

type balanceView struct {
	Account  string `json:"account"`
	Free     string `json:"free"`
	Reserved string `json:"reserved"`
}

type poolView struct {
	Account           string `json:"account"`
	FreeBalance       string `json:"freeBalance"`
	ProposalCount     uint32 `json:"proposalCount"`
	LoanCount         uint32 `json:"loanCount"`
	OngoingLoans      int    `json:"ongoingLoans"`
	MaxOngoingLoans   uint32 `json:"maxOngoingLoans"`
	BondPermill       uint32 `json:"bondPermill"`
	BondMinimum       string `json:"bondMinimum"`
	BondMaximum       string `json:"bondMaximum,omitempty"`
	CollectionDeposit string `json:"collectionDeposit"`
}

type sweepView struct {
	Timestamp uint64               `json:"timestamp"`
	Visited   int                  `json:"visited"`
	Accrued   []loanpool.LoanIndex `json:"accrued"`
	Skipped   []loanpool.LoanIndex `json:"skipped"`
	Interest  string               `json:"interest"`
}

func newProposalView(index loanpool.ProposalIndex, p *loanpool.Proposal) proposalView {
	return proposalView{
		Index:       index,
		Proposer:    p.Proposer.String(),
		Amount:      amountString(p.Amount),
		Beneficiary: p.Beneficiary.String(),
		Bond:        amountString(p.Bond),
	}
}

func newLoanView(index loanpool.LoanIndex, info *loanpool.LoanInfo) loanView {
	return loanView{
		Index:         index,
		Borrower:      info.Borrower.String(),
		Amount:        amountString(info.Amount),
		CollectionID:  info.CollectionID,
		ItemID:        info.ItemID,
		APY:           info.APY,
		LastTimestamp: info.LastTimestamp,
	}
}

func newSweepView(report *loanpool.AccrualReport) sweepView {
	view := sweepView{
		Timestamp: report.Timestamp,
		Visited:   report.Visited,
		Accrued:   report.Accrued,
		Skipped:   report.Skipped,
		Interest:  amountString(report.Interest),
	}
	if view.Accrued == nil {
		view.Accrued = []loanpool.LoanIndex{}
	}
	if view.Skipped == nil {
		view.Skipped = []loanpool.LoanIndex{}
	}
	return view
}

func (r approveRequest) toApproval(index loanpool.ProposalIndex) (loanpool.ApproveRequest, error) {
	admin, err := crypto.ParseAccount(r.Admin)
	if err != nil {
		return loanpool.ApproveRequest{}, badRequest("admin: %v", err)
	}
	contract, err := crypto.ParseAccount(r.Contract)
	if err != nil {
		return loanpool.ApproveRequest{}, badRequest("contract: %v", err)
	}
	price, err := parseAmount("collateralPrice", r.CollateralPrice, false)
	if err != nil {
		return loanpool.ApproveRequest{}, err
	}
	value, err := parseAmount("value", r.Value, false)
	if err != nil {
		return loanpool.ApproveRequest{}, err
	}
	deposit, err := parseAmount("storageDepositLimit", r.StorageDepositLimit, true)
	if err != nil {
		return loanpool.ApproveRequest{}, err
	}
	return loanpool.ApproveRequest{
		ProposalIndex:       index,
		CollectionID:        r.CollectionID,
		ItemID:              r.ItemID,
		CollateralPrice:     price,
		Admin:               admin,
		Contract:            contract,
		Value:               value,
		APY:                 r.APY,
		GasLimit:            r.GasLimit,
		StorageDepositLimit: deposit,
	}, nil
}

// parseAmount reads a non-negative decimal amount. Empty input is allowed only
// when optional is set and yields nil.
func parseAmount(field, raw string, optional bool) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if optional {
			return nil, nil
		}
		return nil, badRequest("%s is required", field)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, badRequest("%s: %q is not a decimal amount", field, raw)
	}
	if value.Sign() < 0 {
		return nil, badRequest("%s must not be negative", field)
	}
	return value, nil
}

func parseIndex(raw string) (uint32, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, badRequest("invalid index %q", raw)
	}
	return uint32(value), nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}
