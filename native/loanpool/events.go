package loanpool

import (
	"math/big"
	"strconv"

	"communityloans/core/types"
)

const (
	EventTypeProposed        = "loanpool.proposed"
	EventTypeRejected        = "loanpool.rejected"
	EventTypeApproved        = "loanpool.approved"
	EventTypeLoanDeleted     = "loanpool.loan_deleted"
	EventTypeInterestAccrued = "loanpool.interest_accrued"
)

// Event wraps a typed event so it can travel through an events.Emitter.
type Event struct {
	evt *types.Event
}

// EventType implements events.Event.
func (e Event) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// WrapEvent wraps a typed event for delivery through an events.Emitter.
func WrapEvent(evt *types.Event) Event { return Event{evt: evt} }

// Event returns a copy of the underlying typed event.
func (e Event) Event() *types.Event { return e.evt.Clone() }

// NewProposedEvent is emitted once a proposal is stored and its bond reserved.
func NewProposedEvent(index ProposalIndex, p *Proposal) *types.Event {
	return newProposalEvent(EventTypeProposed, index, p)
}

// NewRejectedEvent is emitted after a proposal is rejected and its bond
// slashed.
func NewRejectedEvent(index ProposalIndex, p *Proposal, slashed *big.Int) *types.Event {
	evt := newProposalEvent(EventTypeRejected, index, p)
	evt.Attributes["slashed"] = amountString(slashed)
	return evt
}

// NewApprovedEvent is emitted once a proposal has become a funded loan.
func NewApprovedEvent(index ProposalIndex, loan LoanIndex, info *LoanInfo, req ApproveRequest, digest string) *types.Event {
	evt := types.NewEvent(EventTypeApproved)
	evt.Attributes["proposalIndex"] = strconv.FormatUint(uint64(index), 10)
	evt.Attributes["loanIndex"] = strconv.FormatUint(uint64(loan), 10)
	addLoanAttributes(evt, info)
	evt.Attributes["contract"] = req.Contract.String()
	evt.Attributes["admin"] = req.Admin.String()
	evt.Attributes["value"] = amountString(req.Value)
	evt.Attributes["collateralPrice"] = amountString(req.CollateralPrice)
	evt.Attributes["payloadDigest"] = digest
	return evt
}

// NewLoanDeletedEvent is emitted when the loan contract closes a loan.
func NewLoanDeletedEvent(loan LoanIndex, info *LoanInfo) *types.Event {
	evt := types.NewEvent(EventTypeLoanDeleted)
	evt.Attributes["loanIndex"] = strconv.FormatUint(uint64(loan), 10)
	addLoanAttributes(evt, info)
	return evt
}

// NewInterestAccruedEvent reports a single loan's accrual.
func NewInterestAccruedEvent(loan LoanIndex, info *LoanInfo, interest *big.Int) *types.Event {
	evt := types.NewEvent(EventTypeInterestAccrued)
	evt.Attributes["loanIndex"] = strconv.FormatUint(uint64(loan), 10)
	addLoanAttributes(evt, info)
	evt.Attributes["interest"] = amountString(interest)
	return evt
}

func newProposalEvent(eventType string, index ProposalIndex, p *Proposal) *types.Event {
	evt := types.NewEvent(eventType)
	evt.Attributes["proposalIndex"] = strconv.FormatUint(uint64(index), 10)
	if p == nil {
		return evt
	}
	evt.Attributes["proposer"] = p.Proposer.String()
	evt.Attributes["beneficiary"] = p.Beneficiary.String()
	evt.Attributes["amount"] = amountString(p.Amount)
	evt.Attributes["bond"] = amountString(p.Bond)
	return evt
}

func addLoanAttributes(evt *types.Event, info *LoanInfo) {
	if info == nil {
		return
	}
	evt.Attributes["borrower"] = info.Borrower.String()
	evt.Attributes["amount"] = amountString(info.Amount)
	evt.Attributes["collectionId"] = strconv.FormatUint(uint64(info.CollectionID), 10)
	evt.Attributes["itemId"] = strconv.FormatUint(uint64(info.ItemID), 10)
	evt.Attributes["apy"] = strconv.FormatUint(info.APY, 10)
	evt.Attributes["lastTimestamp"] = strconv.FormatUint(info.LastTimestamp, 10)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
