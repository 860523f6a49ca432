package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"communityloans/config"
	"communityloans/core/events"
	"communityloans/core/state"
	"communityloans/crypto"
	"communityloans/native/loanpool"
	nativecommon "communityloans/native/common"
	"communityloans/observability"
	"communityloans/observability/metrics"
	"communityloans/services/loancontract"
	"communityloans/state/bank"
	"communityloans/state/uniques"
	"communityloans/storage"
)

// ErrRepayUnavailable is returned by Repay when disbursements go to a remote
// contract.
var ErrRepayUnavailable = errors.New("node: repayment requires the in-process loan contract")

var genesisKey = []byte("node/genesis")

const tracerName = "communityloans/loanpool/node"

// Options wires a Node.
type Options struct {
	Config *config.Config
	DB     storage.Database
	// Disbursement overrides the in-process contract host, e.g. with an
	// RPC invoker.
	Disbursement loanpool.Disbursement
	Clock        loanpool.TimeProvider
	Pauses       nativecommon.PauseView
	Sink         events.Emitter
	Metrics      *metrics.LoanPoolMetrics
	Logger       *slog.Logger
}

// Node owns the pool state and serializes every operation against it. Each
// operation runs as one transaction: its writes and events are committed
// together or dropped together.
type Node struct {
	mu sync.Mutex

	state   *state.Manager
	engine  *loanpool.Engine
	ledger  *bank.Ledger
	uniques *uniques.Registry
	host    *loancontract.Host
	buffer  *events.Buffer
	sink    events.Emitter
	metrics *metrics.LoanPoolMetrics
	logger  *slog.Logger
}

// New builds the node, applies genesis on first start and verifies the stored
// registry.
func New(opts Options) (*Node, error) {
	if opts.Config == nil {
		return nil, errors.New("node: config required")
	}
	if opts.DB == nil {
		return nil, errors.New("node: database required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.LoanPool.Validate(); err != nil {
		return nil, err
	}
	params := cfg.LoanPool.Params()
	sink := opts.Sink
	if sink == nil {
		sink = events.NoopEmitter{}
	}

	manager := state.NewManager(opts.DB)
	ledger := bank.NewLedger(manager, cfg.Ledger.MinimumBalance)
	registry := uniques.NewRegistry(manager, ledger)
	buffer := &events.Buffer{}

	engine := loanpool.NewEngine(params)
	engine.SetState(manager)
	engine.SetLedger(ledger)
	engine.SetCollateral(registry)
	engine.SetEmitter(buffer)
	engine.SetLogger(logger)
	if opts.Clock != nil {
		engine.SetTimeProvider(opts.Clock)
	}
	if opts.Pauses != nil {
		engine.SetPauses(opts.Pauses)
	} else if cfg.LoanPool.Paused {
		engine.SetPauses(nativecommon.NewPauses(loanpool.ModuleName))
	}

	switch cfg.Ledger.SlashPolicy {
	case config.SlashPolicyTreasury:
		treasury, err := cfg.Ledger.TreasuryAddress()
		if err != nil {
			return nil, err
		}
		slasher, err := bank.NewTreasurySlasher(ledger, treasury)
		if err != nil {
			return nil, err
		}
		engine.SetSlashHandler(slasher)
	default:
		engine.SetSlashHandler(bank.NewBurnSlasher(ledger))
	}

	n := &Node{
		state:   manager,
		engine:  engine,
		ledger:  ledger,
		uniques: registry,
		buffer:  buffer,
		sink:    sink,
		metrics: opts.Metrics,
		logger:  logger,
	}

	if opts.Disbursement != nil {
		engine.SetDisbursement(opts.Disbursement)
	} else {
		address, err := cfg.Contract.ContractAddress()
		if err != nil {
			return nil, err
		}
		n.host = loancontract.NewHost(address, manager, ledger, logger)
		n.host.SetPool(engine)
		engine.SetDisbursement(n.host)
	}

	if err := n.applyGenesis(cfg.Genesis); err != nil {
		return nil, err
	}
	if err := engine.CheckConsistency(); err != nil {
		return nil, fmt.Errorf("node: stored loan registry is inconsistent: %w", err)
	}
	n.refreshGauges()
	logger.Info("loan pool node ready",
		slog.String("pool_account", engine.PoolAccount().String()),
		slog.Uint64("max_ongoing_loans", uint64(params.MaxOngoingLoans)))
	return n, nil
}

func (n *Node) applyGenesis(genesis config.Genesis) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	done, err := n.state.KVGet(genesisKey, nil)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	return n.execute("genesis", func() error {
		if genesis.PoolFunding != nil && genesis.PoolFunding.Sign() > 0 {
			if err := n.ledger.Mint(n.engine.PoolAccount(), genesis.PoolFunding); err != nil {
				return err
			}
		}
		if err := n.engine.InitPoolAccount(); err != nil {
			return err
		}
		for _, bal := range genesis.Balances {
			addr, err := crypto.ParseAccount(bal.Account)
			if err != nil {
				return err
			}
			if err := n.ledger.Mint(addr, bal.Amount); err != nil {
				return fmt.Errorf("genesis balance %s: %w", bal.Account, err)
			}
		}
		return n.state.KVPut(genesisKey, uint64(time.Now().Unix()))
	})
}

// execute runs fn as a single transaction. The caller holds n.mu.
func (n *Node) execute(op string, fn func() error) error {
	start := time.Now()
	_, span := otel.Tracer(tracerName).Start(context.Background(), "loanpool."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("loanpool.operation", op)))
	defer span.End()
	err := fn()
	if err == nil {
		if err = n.state.Commit(); err != nil {
			err = fmt.Errorf("node: commit %s: %w", op, err)
		}
	}
	if err != nil {
		n.state.Discard()
		n.buffer.Reset()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		for _, evt := range n.buffer.Drain() {
			n.sink.Emit(evt)
			observability.Events().RecordPublished(evt.EventType())
		}
	}
	n.metrics.ObserveOperation(op, time.Since(start), err)
	if err == nil {
		n.refreshGauges()
	}
	return err
}

func (n *Node) refreshGauges() {
	if n.metrics == nil {
		return
	}
	if ongoing, err := n.engine.OngoingLoans(); err == nil {
		n.metrics.SetOngoingLoans(len(ongoing))
	}
	if balance, err := n.engine.PoolBalance(); err == nil {
		n.metrics.SetPoolBalance(balance)
	}
}

// PoolAccount returns the pool's derived account.
func (n *Node) PoolAccount() crypto.Address { return n.engine.PoolAccount() }

// Params returns the pool parameters in effect.
func (n *Node) Params() loanpool.Params { return n.engine.Params() }

// Propose submits a loan proposal on behalf of origin.
func (n *Node) Propose(origin loanpool.Origin, amount *big.Int, beneficiary string) (loanpool.ProposalIndex, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var index loanpool.ProposalIndex
	err := n.execute("propose", func() error {
		var err error
		index, err = n.engine.Propose(origin, amount, beneficiary)
		return err
	})
	return index, err
}

// Reject rejects a proposal and slashes its bond.
func (n *Node) Reject(origin loanpool.Origin, index loanpool.ProposalIndex) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.execute("reject", func() error {
		return n.engine.RejectProposal(origin, index)
	})
}

// Approve turns a proposal into a funded loan.
func (n *Node) Approve(origin loanpool.Origin, req loanpool.ApproveRequest) (loanpool.LoanIndex, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var index loanpool.LoanIndex
	err := n.execute("approve", func() error {
		var err error
		index, err = n.engine.ApproveProposal(origin, req)
		return err
	})
	return index, err
}

// DeleteLoan closes a loan. Only the loan contract may do this.
func (n *Node) DeleteLoan(origin loanpool.Origin, index loanpool.LoanIndex) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.execute("delete_loan", func() error {
		return n.engine.DeleteLoan(origin, index)
	})
}

// Repay settles the loan backed by the given collateral through the
// in-process loan contract and returns the amount paid.
func (n *Node) Repay(payer crypto.Address, collection, item uint32) (*big.Int, error) {
	if n.host == nil {
		return nil, ErrRepayUnavailable
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var settled *big.Int
	err := n.execute("repay", func() error {
		var err error
		settled, err = n.host.Repay(payer, collection, item)
		return err
	})
	return settled, err
}

// Sweep runs an interest accrual sweep. trigger labels the sweep in metrics.
func (n *Node) Sweep(origin loanpool.Origin, trigger string) (*loanpool.AccrualReport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var report *loanpool.AccrualReport
	err := n.execute("sweep", func() error {
		var err error
		report, err = n.engine.Sweep(origin)
		return err
	})
	if err == nil {
		n.metrics.RecordSweep(trigger, len(report.Skipped), report.Interest)
	}
	return report, err
}

// RunSweeper sweeps on every tick until ctx is cancelled.
func (n *Node) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	origin := loanpool.Signed(n.engine.PoolAccount()).With(loanpool.CapSweep)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := n.Sweep(origin, "timer")
			if err != nil {
				if !errors.Is(err, nativecommon.ErrModulePaused) {
					n.logger.Error("accrual sweep failed", slog.Any("error", err))
				}
				continue
			}
			n.logger.Debug("accrual sweep complete",
				slog.Int("visited", report.Visited),
				slog.Int("accrued", len(report.Accrued)),
				slog.Int("skipped", len(report.Skipped)),
				slog.String("interest", report.Interest.String()))
		}
	}
}
