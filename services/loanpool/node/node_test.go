package node

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"communityloans/config"
	"communityloans/core/events"
	"communityloans/crypto"
	"communityloans/native/loanpool"
	nativecommon "communityloans/native/common"
	"communityloans/storage"
)

var (
	proposer = crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{0x11}, crypto.AddressLength))
	borrower = crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{0x22}, crypto.AddressLength))
	admin    = crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{0x33}, crypto.AddressLength))
)

type recordingSink struct {
	mu    sync.Mutex
	kinds []string
}

func (s *recordingSink) Emit(evt events.Event) {
	s.mu.Lock()
	s.kinds = append(s.kinds, evt.EventType())
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kinds...)
}

type testClock struct{ now uint64 }

func (c *testClock) Now() uint64 { return c.now }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Genesis.PoolFunding = big.NewInt(50_000)
	cfg.Genesis.Balances = []config.GenesisBalance{
		{Account: proposer.String(), Amount: big.NewInt(10_000)},
		{Account: borrower.String(), Amount: big.NewInt(1_000)},
	}
	return cfg
}

func newTestNode(t *testing.T, cfg *config.Config, db storage.Database, clock *testClock, sink events.Emitter) *Node {
	t.Helper()
	n, err := New(Options{
		Config: cfg,
		DB:     db,
		Clock:  clock,
		Sink:   sink,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n
}

func approveRequest(t *testing.T, cfg *config.Config, index loanpool.ProposalIndex) loanpool.ApproveRequest {
	t.Helper()
	contract, err := cfg.Contract.ContractAddress()
	if err != nil {
		t.Fatalf("contract address: %v", err)
	}
	return loanpool.ApproveRequest{
		ProposalIndex:   index,
		CollectionID:    3,
		ItemID:          1,
		CollateralPrice: big.NewInt(9_000),
		Admin:           admin,
		Contract:        contract,
		Value:           big.NewInt(5_000),
		APY:             20,
	}
}

func TestLoanLifecycleCommitsAndPublishes(t *testing.T) {
	cfg := testConfig()
	clock := &testClock{now: 1_700_000_000}
	sink := &recordingSink{}
	n := newTestNode(t, cfg, storage.NewMemDB(), clock, sink)

	index, err := n.Propose(loanpool.Signed(proposer), big.NewInt(5_000), borrower.String())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	approver := loanpool.Signed(admin).With(loanpool.CapApprove)
	loanIndex, err := n.Approve(approver, approveRequest(t, cfg, index))
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	clock.now += 365 * 24 * 60 * 60
	report, err := n.Sweep(loanpool.Signed(admin).With(loanpool.CapSweep), "manual")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Interest.Int64() != 1_000 {
		t.Fatalf("expected 1000 interest, got %s", report.Interest)
	}
	info, err := n.Loan(loanIndex)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if info.Amount.Int64() != 6_000 {
		t.Fatalf("expected accrued amount 6000, got %s", info.Amount)
	}

	settled, err := n.Repay(borrower, 3, 1)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if settled.Int64() != 6_000 {
		t.Fatalf("expected 6000 settled, got %s", settled)
	}
	if _, err := n.Loan(loanIndex); !errors.Is(err, loanpool.ErrInvalidIndex) {
		t.Fatalf("expected loan to be gone, got %v", err)
	}
	pool, err := n.PoolBalance()
	if err != nil {
		t.Fatalf("pool balance: %v", err)
	}
	if pool.Int64() != 51_000 {
		t.Fatalf("expected pool 51000 after repayment, got %s", pool)
	}

	want := []string{
		loanpool.EventTypeProposed,
		loanpool.EventTypeApproved,
		loanpool.EventTypeInterestAccrued,
		loanpool.EventTypeLoanDeleted,
	}
	got := sink.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestFailedApprovalLeavesNoTrace(t *testing.T) {
	cfg := testConfig()
	sink := &recordingSink{}
	n := newTestNode(t, cfg, storage.NewMemDB(), &testClock{now: 1}, sink)

	index, err := n.Propose(loanpool.Signed(proposer), big.NewInt(5_000), borrower.String())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	before, err := n.Balance(proposer)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}

	req := approveRequest(t, cfg, index)
	req.Contract = admin
	if _, err := n.Approve(loanpool.Signed(admin).With(loanpool.CapApprove), req); err == nil {
		t.Fatalf("expected approval against an unknown contract to fail")
	}

	if got := sink.snapshot(); len(got) != 1 {
		t.Fatalf("failed approval must not publish events, got %v", got)
	}
	if _, err := n.Proposal(index); err != nil {
		t.Fatalf("proposal should survive the failed approval: %v", err)
	}
	after, err := n.Balance(proposer)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if after.Reserved.Cmp(before.Reserved) != 0 || after.Free.Cmp(before.Free) != 0 {
		t.Fatalf("proposer balance changed: before %+v after %+v", before, after)
	}
	pool, _ := n.PoolBalance()
	if pool.Int64() != 50_000 {
		t.Fatalf("pool balance changed to %s", pool)
	}
	counters, err := n.Counters()
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if counters.Loans != 0 || counters.Ongoing != 0 {
		t.Fatalf("loan index consumed by failed approval: %+v", counters)
	}
}

func TestRestartKeepsStateAndSkipsGenesis(t *testing.T) {
	cfg := testConfig()
	db := storage.NewMemDB()
	clock := &testClock{now: 1}
	first := newTestNode(t, cfg, db, clock, nil)
	if _, err := first.Propose(loanpool.Signed(proposer), big.NewInt(5_000), borrower.String()); err != nil {
		t.Fatalf("propose: %v", err)
	}

	second := newTestNode(t, cfg, db, clock, nil)
	proposals, err := second.Proposals()
	if err != nil {
		t.Fatalf("proposals: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected persisted proposal, got %d", len(proposals))
	}
	bal, err := second.Balance(proposer)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	total := new(big.Int).Add(bal.Free, bal.Reserved)
	if total.Int64() != 10_000 {
		t.Fatalf("genesis must not be applied twice, proposer holds %s", total)
	}
}

func TestPausedConfigBlocksOperations(t *testing.T) {
	cfg := testConfig()
	cfg.LoanPool.Paused = true
	n := newTestNode(t, cfg, storage.NewMemDB(), &testClock{now: 1}, nil)
	_, err := n.Propose(loanpool.Signed(proposer), big.NewInt(5_000), borrower.String())
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
}

type failingDisbursement struct{}

func (failingDisbursement) Invoke(loanpool.ContractCall) error { return errors.New("remote unavailable") }

func TestRemoteDisbursementDisablesRepay(t *testing.T) {
	n, err := New(Options{
		Config:       testConfig(),
		DB:           storage.NewMemDB(),
		Clock:        &testClock{now: 1},
		Disbursement: failingDisbursement{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if _, err := n.Repay(borrower, 1, 1); !errors.Is(err, ErrRepayUnavailable) {
		t.Fatalf("expected ErrRepayUnavailable, got %v", err)
	}
}
