package loancontract

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"communityloans/crypto"
	"communityloans/native/loanpool"
)

var (
	ErrUnknownContract = errors.New("loancontract: call addressed to another contract")
	ErrBadCallData     = errors.New("loancontract: malformed call data")
	ErrLoanExists      = errors.New("loancontract: collateral already backs a loan")
	ErrUnknownLoan     = errors.New("loancontract: unknown loan")
	ErrUnderfunded     = errors.New("loancontract: call value does not cover principal")
	errPoolNotWired    = errors.New("loancontract: pool not configured")
)

type kvState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Funds moves free balance between accounts.
type Funds interface {
	Transfer(from, to crypto.Address, amount *big.Int) error
}

// Pool is the part of the loan pool the contract calls back into.
type Pool interface {
	PoolAccount() crypto.Address
	FindLoanByCollateral(collection, item uint32) (loanpool.LoanIndex, *loanpool.LoanInfo, error)
	DeleteLoan(origin loanpool.Origin, index loanpool.LoanIndex) error
}

// Loan is the contract's own record of a disbursed loan.
type Loan struct {
	ID              string
	Admin           crypto.Address
	Borrower        crypto.Address
	CollectionID    uint32
	ItemID          uint32
	CollateralPrice *big.Int
	Principal       *big.Int
	Funded          *big.Int
}

func loanKey(collection, item uint32) []byte {
	return []byte(fmt.Sprintf("loancontract/loan/%d/%d", collection, item))
}

// Host runs the loan contract in process. It receives the disbursement call,
// pays the principal out to the borrower and, on repayment, settles the debt
// into the pool before closing the loan there.
//
// Host shares the caller's state so its writes are reverted with the
// surrounding transition.
type Host struct {
	address crypto.Address
	state   kvState
	funds   Funds
	pool    Pool
	logger  *slog.Logger
}

// NewHost creates a contract host living at address.
func NewHost(address crypto.Address, state kvState, funds Funds, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{address: address, state: state, funds: funds, logger: logger}
}

// SetPool wires the pool used by Repay.
func (h *Host) SetPool(pool Pool) { h.pool = pool }

// Address returns the contract account.
func (h *Host) Address() crypto.Address { return h.address }

// Invoke implements loanpool.Disbursement.
func (h *Host) Invoke(call loanpool.ContractCall) error {
	if !call.Contract.Equal(h.address) {
		return fmt.Errorf("%w: %s", ErrUnknownContract, call.Contract)
	}
	payload, err := loanpool.DecodeCreateLoanPayload(call.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCallData, err)
	}
	ok, err := h.state.KVGet(loanKey(payload.CollectionID, payload.ItemID), nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %d/%d", ErrLoanExists, payload.CollectionID, payload.ItemID)
	}
	value := big.NewInt(0)
	if call.Value != nil {
		value.Set(call.Value)
	}
	if value.Cmp(payload.Amount) < 0 {
		return fmt.Errorf("%w: value %s, principal %s", ErrUnderfunded, value, payload.Amount)
	}
	if err := h.funds.Transfer(call.Origin, h.address, value); err != nil {
		return fmt.Errorf("loancontract: collect funding: %w", err)
	}
	if err := h.funds.Transfer(h.address, payload.Borrower, payload.Amount); err != nil {
		return fmt.Errorf("loancontract: pay out principal: %w", err)
	}
	loan := &Loan{
		ID:              loanpool.PayloadDigest(call.Data),
		Admin:           payload.Admin,
		Borrower:        payload.Borrower,
		CollectionID:    payload.CollectionID,
		ItemID:          payload.ItemID,
		CollateralPrice: payload.CollateralPrice,
		Principal:       payload.Amount,
		Funded:          value,
	}
	if err := h.state.KVPut(loanKey(payload.CollectionID, payload.ItemID), loan); err != nil {
		return err
	}
	h.logger.Info("loancontract: loan disbursed",
		slog.String("loan_id", loan.ID),
		slog.String("borrower", loan.Borrower.String()),
		slog.String("principal", loan.Principal.String()))
	return nil
}

// Loan returns the contract record backed by the given collateral.
func (h *Host) Loan(collection, item uint32) (*Loan, error) {
	var loan Loan
	ok, err := h.state.KVGet(loanKey(collection, item), &loan)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d/%d", ErrUnknownLoan, collection, item)
	}
	return &loan, nil
}

// Repay settles the outstanding amount the pool tracks for the collateral,
// paid by payer into the pool account, and then asks the pool to delete the
// loan. It returns the settled amount. Callers must discard the transition on
// error.
func (h *Host) Repay(payer crypto.Address, collection, item uint32) (*big.Int, error) {
	if h.pool == nil {
		return nil, errPoolNotWired
	}
	loan, err := h.Loan(collection, item)
	if err != nil {
		return nil, err
	}
	index, info, err := h.pool.FindLoanByCollateral(collection, item)
	if err != nil {
		return nil, err
	}
	due := new(big.Int).Set(info.Amount)
	if err := h.funds.Transfer(payer, h.pool.PoolAccount(), due); err != nil {
		return nil, fmt.Errorf("loancontract: settle repayment: %w", err)
	}
	origin := loanpool.Signed(h.address).With(loanpool.CapLoanContract)
	if err := h.pool.DeleteLoan(origin, index); err != nil {
		return nil, err
	}
	if err := h.state.KVDelete(loanKey(collection, item)); err != nil {
		return nil, err
	}
	h.logger.Info("loancontract: loan repaid",
		slog.String("loan_id", loan.ID),
		slog.Uint64("loan_index", uint64(index)),
		slog.String("settled", due.String()))
	return due, nil
}
