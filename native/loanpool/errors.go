package loanpool

import "errors"

var (
	// ErrInsufficientProposersBalance is returned when the proposal bond cannot
	// be reserved on the proposer.
	ErrInsufficientProposersBalance = errors.New("loanpool: insufficient proposer balance")
	// ErrInsufficientLoanPoolBalance is returned when the pool account cannot
	// cover the value funded into the loan contract.
	ErrInsufficientLoanPoolBalance = errors.New("loanpool: insufficient loan pool balance")
	// ErrInvalidIndex is returned when a proposal, loan or account lookup finds
	// no record.
	ErrInvalidIndex = errors.New("loanpool: invalid index")
	// ErrInsufficientPermission is returned when the origin lacks the required
	// capability.
	ErrInsufficientPermission = errors.New("loanpool: insufficient permission")
	// ErrTooManyLoans is returned when the ongoing loan registry is at capacity.
	ErrTooManyLoans = errors.New("loanpool: too many ongoing loans")
	// ErrInvalidAmount is returned for zero or negative proposal amounts.
	ErrInvalidAmount = errors.New("loanpool: amount must be positive")
	// ErrInvalidApproval is returned when approval parameters are malformed.
	ErrInvalidApproval = errors.New("loanpool: invalid approval parameters")
)

var (
	errNilState            = errors.New("loanpool engine: state not configured")
	errNilLedger           = errors.New("loanpool engine: ledger not configured")
	errNilCollateral       = errors.New("loanpool engine: collateral registry not configured")
	errNilDisbursement     = errors.New("loanpool engine: disbursement not configured")
	errIndexOverflow       = errors.New("loanpool engine: index counter exhausted")
	errIndexInUse          = errors.New("loanpool engine: index already in use")
	errDuplicateLoan       = errors.New("loanpool engine: loan already ongoing")
	errAccrualOverflow     = errors.New("loanpool engine: accrual overflow")
	errPayloadFieldTooWide = errors.New("loanpool engine: payload value exceeds 128 bits")
)
