package loanpool

import (
	"fmt"
	"log/slog"
	"math/big"

	"communityloans/core/events"
	"communityloans/core/types"
	"communityloans/crypto"
	nativecommon "communityloans/native/common"
)

// ModuleName identifies the module for pause switches and logging.
const ModuleName = "loanpool"

type engineState interface {
	kvStore
	Snapshot() int
	RevertToSnapshot(id int)
}

// Engine drives the proposal and loan lifecycle of the community loan pool.
// Callers must serialise access; the engine holds no locks of its own.
type Engine struct {
	state        engineState
	proposals    *ProposalLedger
	loans        *LoanRegistry
	params       Params
	poolAccount  crypto.Address
	ledger       Ledger
	slash        SlashHandler
	collateral   CollateralRegistry
	disbursement Disbursement
	clock        TimeProvider
	lookup       AccountLookup
	emitter      events.Emitter
	pauses       nativecommon.PauseView
	logger       *slog.Logger
}

// NewEngine constructs a loan pool engine. The pool account is derived from
// params.PoolID.
func NewEngine(params Params) *Engine {
	return &Engine{
		params:      params.Clone(),
		poolAccount: crypto.ModuleAddress(params.PoolID),
		slash:       DropSlash,
		clock:       SystemClock,
		lookup:      DefaultLookup,
		emitter:     events.NoopEmitter{},
		logger:      slog.Default(),
	}
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state engineState) {
	e.state = state
	if state == nil {
		e.proposals = nil
		e.loans = nil
		return
	}
	e.proposals = NewProposalLedger(state)
	e.loans = NewLoanRegistry(state, e.params.MaxOngoingLoans, e.logger)
}

func (e *Engine) SetLedger(l Ledger) { e.ledger = l }

// SetSlashHandler routes slashed bonds. A nil handler drops them.
func (e *Engine) SetSlashHandler(h SlashHandler) {
	if h == nil {
		h = DropSlash
	}
	e.slash = h
}

func (e *Engine) SetCollateral(c CollateralRegistry) { e.collateral = c }

func (e *Engine) SetDisbursement(d Disbursement) { e.disbursement = d }

func (e *Engine) SetTimeProvider(t TimeProvider) {
	if t == nil {
		t = SystemClock
	}
	e.clock = t
}

func (e *Engine) SetAccountLookup(l AccountLookup) {
	if l == nil {
		l = DefaultLookup
	}
	e.lookup = l
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
	if e.loans != nil {
		e.loans.logger = logger
	}
}

// PoolAccount returns the sovereign account funding disbursements.
func (e *Engine) PoolAccount() crypto.Address { return e.poolAccount }

// Params returns a copy of the engine parameters.
func (e *Engine) Params() Params { return e.params.Clone() }

func (e *Engine) ready() error {
	if e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

func (e *Engine) readyCollateral() error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.collateral == nil {
		return errNilCollateral
	}
	return nil
}

func (e *Engine) emit(evt *types.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(Event{evt: evt})
}

// InitPoolAccount tops the pool account up to the ledger minimum when its free
// balance is lower, so the account is never reaped.
func (e *Engine) InitPoolAccount() error {
	if err := e.ready(); err != nil {
		return err
	}
	minimum := e.ledger.MinimumBalance()
	free, err := e.ledger.FreeBalance(e.poolAccount)
	if err != nil {
		return err
	}
	if minimum == nil || free.Cmp(minimum) >= 0 {
		return nil
	}
	return e.ledger.MakeFreeBalanceBe(e.poolAccount, minimum)
}

// Propose reserves a bond on the caller and stores a proposal to lend amount to
// beneficiary. It returns the assigned proposal index.
func (e *Engine) Propose(origin Origin, amount *big.Int, beneficiary string) (ProposalIndex, error) {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return 0, err
	}
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := origin.ensureSigned(); err != nil {
		return 0, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	dest, err := e.lookup.Lookup(beneficiary)
	if err != nil {
		return 0, fmt.Errorf("%w: beneficiary %q: %v", ErrInvalidIndex, beneficiary, err)
	}
	index, err := e.proposals.Next()
	if err != nil {
		return 0, err
	}
	proposal := &Proposal{
		Proposer:    origin.Account,
		Amount:      new(big.Int).Set(amount),
		Beneficiary: dest,
		Bond:        CalculateBond(amount, e.params),
	}

	tx := e.begin("propose")
	if err := e.ledger.Reserve(proposal.Proposer, proposal.Bond); err != nil {
		return 0, tx.abort(fmt.Errorf("%w: %v", ErrInsufficientProposersBalance, err))
	}
	tx.push(func() error {
		_, err := e.ledger.Unreserve(proposal.Proposer, proposal.Bond)
		return err
	})
	if err := e.proposals.Insert(index, proposal); err != nil {
		return 0, tx.abort(err)
	}

	e.emit(NewProposedEvent(index, proposal))
	e.logger.Info("loanpool: proposal submitted",
		slog.Uint64("proposal_index", uint64(index)),
		slog.String("proposer", proposal.Proposer.String()),
		slog.String("amount", proposal.Amount.String()),
		slog.String("bond", proposal.Bond.String()))
	return index, nil
}

// RejectProposal removes a proposal and slashes its bond to the slash handler.
func (e *Engine) RejectProposal(origin Origin, index ProposalIndex) error {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	if err := e.ready(); err != nil {
		return err
	}
	if err := origin.ensure(CapReject); err != nil {
		return err
	}

	tx := e.begin("reject")
	proposal, err := e.proposals.Take(index)
	if err != nil {
		return tx.abort(err)
	}
	slashed, remaining, err := e.ledger.SlashReserved(proposal.Proposer, proposal.Bond)
	if err != nil {
		return tx.abort(fmt.Errorf("loanpool: slash bond of proposal %d: %w", index, err))
	}
	if isPositive(remaining) {
		e.logger.Error("loanpool: proposal bond was not fully reserved",
			slog.Uint64("proposal_index", uint64(index)),
			slog.String("proposer", proposal.Proposer.String()),
			slog.String("missing", remaining.String()))
	}
	// The slash is final once the ledger has taken the bond. A handler that
	// cannot take the imbalance leaves it dropped, which burns it.
	if err := e.slash.OnSlash(cloneBigInt(slashed)); err != nil {
		e.logger.Error("loanpool: slash handler refused imbalance; dropping it",
			slog.Uint64("proposal_index", uint64(index)),
			slog.String("amount", cloneBigInt(slashed).String()),
			slog.Any("error", err))
	}

	e.emit(NewRejectedEvent(index, proposal, slashed))
	e.logger.Info("loanpool: proposal rejected",
		slog.Uint64("proposal_index", uint64(index)),
		slog.String("slashed", cloneBigInt(slashed).String()))
	return nil
}

// ApproveProposal turns a proposal into an ongoing loan: the bond is released,
// a collateral item is minted to the loan contract and the contract is invoked
// to disburse the funds. Any failure undoes every step taken so far.
func (e *Engine) ApproveProposal(origin Origin, req ApproveRequest) (LoanIndex, error) {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return 0, err
	}
	if err := e.readyCollateral(); err != nil {
		return 0, err
	}
	if e.disbursement == nil {
		return 0, errNilDisbursement
	}
	if err := origin.ensure(CapApprove); err != nil {
		return 0, err
	}
	if err := validateApproval(req); err != nil {
		return 0, err
	}
	proposal, ok, err := e.proposals.Get(req.ProposalIndex)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: proposal %d", ErrInvalidIndex, req.ProposalIndex)
	}
	fits, err := e.loans.HasCapacity()
	if err != nil {
		return 0, err
	}
	if !fits {
		return 0, ErrTooManyLoans
	}
	value := cloneBigInt(req.Value)
	if value.Sign() > 0 {
		free, err := e.ledger.FreeBalance(e.poolAccount)
		if err != nil {
			return 0, err
		}
		if free.Cmp(value) < 0 {
			return 0, ErrInsufficientLoanPoolBalance
		}
	}
	loanIndex, err := e.loans.Next()
	if err != nil {
		return 0, err
	}
	payload, err := CreateLoanPayload{
		Admin:           req.Admin,
		Borrower:        proposal.Beneficiary,
		CollectionID:    req.CollectionID,
		ItemID:          req.ItemID,
		CollateralPrice: req.CollateralPrice,
		Amount:          proposal.Amount,
	}.Encode()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidApproval, err)
	}
	info := &LoanInfo{
		Borrower:      proposal.Beneficiary,
		Amount:        cloneBigInt(proposal.Amount),
		CollectionID:  req.CollectionID,
		ItemID:        req.ItemID,
		APY:           req.APY,
		LastTimestamp: e.clock.Now(),
	}

	tx := e.begin("approve")
	if _, err := e.proposals.Take(req.ProposalIndex); err != nil {
		return 0, tx.abort(err)
	}
	remaining, err := e.ledger.Unreserve(proposal.Proposer, proposal.Bond)
	if err != nil {
		return 0, tx.abort(fmt.Errorf("loanpool: release bond of proposal %d: %w", req.ProposalIndex, err))
	}
	released := cloneBigInt(proposal.Bond)
	if isPositive(remaining) {
		released.Sub(released, remaining)
		e.logger.Error("loanpool: proposal bond was not fully reserved",
			slog.Uint64("proposal_index", uint64(req.ProposalIndex)),
			slog.String("proposer", proposal.Proposer.String()),
			slog.String("missing", remaining.String()))
	}
	tx.push(func() error { return e.ledger.Reserve(proposal.Proposer, released) })
	if err := e.loans.InsertRecord(loanIndex, info); err != nil {
		return 0, tx.abort(err)
	}
	if err := e.loans.Append(loanIndex); err != nil {
		return 0, tx.abort(err)
	}
	if err := e.collateral.CreateCollection(req.CollectionID, req.Admin, req.Admin, cloneBigInt(e.params.CollectionDeposit), false); err != nil {
		return 0, tx.abort(fmt.Errorf("loanpool: create collection %d: %w", req.CollectionID, err))
	}
	tx.push(func() error { return e.collateral.DestroyCollection(req.CollectionID) })
	if err := e.collateral.Mint(req.CollectionID, req.ItemID, req.Contract); err != nil {
		return 0, tx.abort(fmt.Errorf("loanpool: mint collateral %d/%d: %w", req.CollectionID, req.ItemID, err))
	}
	tx.push(func() error { return e.collateral.Burn(req.CollectionID, req.ItemID) })
	call := ContractCall{
		Origin:       e.poolAccount,
		Contract:     req.Contract,
		Value:        value,
		GasLimit:     req.GasLimit,
		Data:         payload,
		AllowReentry: false,
	}
	if req.StorageDepositLimit != nil {
		call.StorageDepositLimit = new(big.Int).Set(req.StorageDepositLimit)
	}
	if err := e.disbursement.Invoke(call); err != nil {
		return 0, tx.abort(fmt.Errorf("loanpool: disburse loan %d: %w", loanIndex, err))
	}

	digest := PayloadDigest(payload)
	e.emit(NewApprovedEvent(req.ProposalIndex, loanIndex, info, req, digest))
	e.logger.Info("loanpool: proposal approved",
		slog.Uint64("proposal_index", uint64(req.ProposalIndex)),
		slog.Uint64("loan_index", uint64(loanIndex)),
		slog.String("contract", req.Contract.String()),
		slog.String("payload_digest", digest))
	return loanIndex, nil
}

// DeleteLoan closes a loan on behalf of the loan contract once it has settled
// repayment. The collateral item is burned; no funds move.
func (e *Engine) DeleteLoan(origin Origin, index LoanIndex) error {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	if err := e.readyCollateral(); err != nil {
		return err
	}
	if err := origin.ensure(CapLoanContract); err != nil {
		return err
	}

	tx := e.begin("delete_loan")
	info, err := e.loans.TakeRecord(index)
	if err != nil {
		return tx.abort(err)
	}
	if _, err := e.loans.Remove(index); err != nil {
		return tx.abort(err)
	}
	if err := e.collateral.Burn(info.CollectionID, info.ItemID); err != nil {
		return tx.abort(fmt.Errorf("loanpool: burn collateral %d/%d: %w", info.CollectionID, info.ItemID, err))
	}

	e.emit(NewLoanDeletedEvent(index, info))
	e.logger.Info("loanpool: loan deleted",
		slog.Uint64("loan_index", uint64(index)),
		slog.String("amount", info.Amount.String()))
	return nil
}

func validateApproval(req ApproveRequest) error {
	switch {
	case req.Contract.IsZero():
		return fmt.Errorf("%w: contract address required", ErrInvalidApproval)
	case req.Admin.IsZero():
		return fmt.Errorf("%w: collection admin required", ErrInvalidApproval)
	case req.Value != nil && req.Value.Sign() < 0:
		return fmt.Errorf("%w: value must not be negative", ErrInvalidApproval)
	case req.CollateralPrice != nil && req.CollateralPrice.Sign() < 0:
		return fmt.Errorf("%w: collateral price must not be negative", ErrInvalidApproval)
	case req.StorageDepositLimit != nil && req.StorageDepositLimit.Sign() < 0:
		return fmt.Errorf("%w: storage deposit limit must not be negative", ErrInvalidApproval)
	}
	return nil
}

func isPositive(v *big.Int) bool { return v != nil && v.Sign() > 0 }

// transition undoes a multi-step operation. Compensations run in reverse
// order before the state journal is reverted to the snapshot.
type transition struct {
	engine   *Engine
	op       string
	snapshot int
	undo     []func() error
}

func (e *Engine) begin(op string) *transition {
	return &transition{engine: e, op: op, snapshot: e.state.Snapshot()}
}

func (t *transition) push(fn func() error) { t.undo = append(t.undo, fn) }

func (t *transition) abort(cause error) error {
	for i := len(t.undo) - 1; i >= 0; i-- {
		if err := t.undo[i](); err != nil {
			t.engine.logger.Error("loanpool: compensation failed",
				slog.String("operation", t.op),
				slog.Any("cause", cause),
				slog.Any("error", err))
		}
	}
	t.engine.state.RevertToSnapshot(t.snapshot)
	return cause
}
