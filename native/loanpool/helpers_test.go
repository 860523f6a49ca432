package loanpool

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"communityloans/core/events"
	"communityloans/core/state"
	"communityloans/crypto"
	"communityloans/storage"
)

var errFault = errors.New("injected fault")

func testAddr(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

type fakeLedger struct {
	free     map[[crypto.AddressLength]byte]*big.Int
	reserved map[[crypto.AddressLength]byte]*big.Int
	minimum  *big.Int

	failSlash error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		free:     make(map[[crypto.AddressLength]byte]*big.Int),
		reserved: make(map[[crypto.AddressLength]byte]*big.Int),
		minimum:  big.NewInt(1),
	}
}

func balanceOf(m map[[crypto.AddressLength]byte]*big.Int, addr crypto.Address) *big.Int {
	if v, ok := m[addr.Key()]; ok {
		return v
	}
	v := big.NewInt(0)
	m[addr.Key()] = v
	return v
}

func (l *fakeLedger) credit(addr crypto.Address, amount int64) {
	balanceOf(l.free, addr).Add(balanceOf(l.free, addr), big.NewInt(amount))
}

func (l *fakeLedger) Reserve(addr crypto.Address, amount *big.Int) error {
	free := balanceOf(l.free, addr)
	if free.Cmp(amount) < 0 {
		return errors.New("free balance too low")
	}
	free.Sub(free, amount)
	balanceOf(l.reserved, addr).Add(balanceOf(l.reserved, addr), amount)
	return nil
}

func (l *fakeLedger) Unreserve(addr crypto.Address, amount *big.Int) (*big.Int, error) {
	reserved := balanceOf(l.reserved, addr)
	actual := new(big.Int).Set(amount)
	if reserved.Cmp(actual) < 0 {
		actual.Set(reserved)
	}
	reserved.Sub(reserved, actual)
	balanceOf(l.free, addr).Add(balanceOf(l.free, addr), actual)
	return new(big.Int).Sub(amount, actual), nil
}

func (l *fakeLedger) SlashReserved(addr crypto.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	if l.failSlash != nil {
		return nil, nil, l.failSlash
	}
	reserved := balanceOf(l.reserved, addr)
	actual := new(big.Int).Set(amount)
	if reserved.Cmp(actual) < 0 {
		actual.Set(reserved)
	}
	reserved.Sub(reserved, actual)
	return actual, new(big.Int).Sub(amount, actual), nil
}

func (l *fakeLedger) MinimumBalance() *big.Int { return new(big.Int).Set(l.minimum) }

func (l *fakeLedger) FreeBalance(addr crypto.Address) (*big.Int, error) {
	return new(big.Int).Set(balanceOf(l.free, addr)), nil
}

func (l *fakeLedger) MakeFreeBalanceBe(addr crypto.Address, amount *big.Int) error {
	balanceOf(l.free, addr).Set(amount)
	return nil
}

type fakeCollateral struct {
	collections map[uint32]crypto.Address
	items       map[[2]uint32]crypto.Address
	calls       []string

	failCreate  error
	failMint    error
	failBurn    error
	failDestroy error
}

func newFakeCollateral() *fakeCollateral {
	return &fakeCollateral{
		collections: make(map[uint32]crypto.Address),
		items:       make(map[[2]uint32]crypto.Address),
	}
}

func (c *fakeCollateral) CreateCollection(id uint32, owner, admin crypto.Address, deposit *big.Int, frozen bool) error {
	c.calls = append(c.calls, "create")
	if c.failCreate != nil {
		return c.failCreate
	}
	if _, ok := c.collections[id]; ok {
		return errors.New("collection exists")
	}
	c.collections[id] = owner
	return nil
}

func (c *fakeCollateral) DestroyCollection(id uint32) error {
	c.calls = append(c.calls, "destroy")
	if c.failDestroy != nil {
		return c.failDestroy
	}
	delete(c.collections, id)
	return nil
}

func (c *fakeCollateral) Mint(collection, item uint32, owner crypto.Address) error {
	c.calls = append(c.calls, "mint")
	if c.failMint != nil {
		return c.failMint
	}
	if _, ok := c.collections[collection]; !ok {
		return errors.New("unknown collection")
	}
	c.items[[2]uint32{collection, item}] = owner
	return nil
}

func (c *fakeCollateral) Burn(collection, item uint32) error {
	c.calls = append(c.calls, "burn")
	if c.failBurn != nil {
		return c.failBurn
	}
	key := [2]uint32{collection, item}
	if _, ok := c.items[key]; !ok {
		return errors.New("unknown item")
	}
	delete(c.items, key)
	return nil
}

type fakeDisbursement struct {
	calls []ContractCall
	err   error
}

func (d *fakeDisbursement) Invoke(call ContractCall) error {
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, call)
	return nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) kinds() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

type harness struct {
	engine     *Engine
	state      *state.Manager
	ledger     *fakeLedger
	collateral *fakeCollateral
	contract   *fakeDisbursement
	emitter    *recordingEmitter
	slashed    *big.Int
	now        uint64
}

var (
	proposer    = testAddr(0x01)
	beneficiary = testAddr(0x02)
	admin       = testAddr(0x03)
	contract    = testAddr(0x04)
	approver    = testAddr(0x05)
)

func testParams() Params {
	return Params{
		PoolID:            DefaultPoolID,
		BondFraction:      50_000,
		BondMinimum:       big.NewInt(10),
		MaxOngoingLoans:   4,
		CollectionDeposit: big.NewInt(0),
	}
}

func newHarness(t *testing.T, mutate func(*Params)) *harness {
	t.Helper()
	params := testParams()
	if mutate != nil {
		mutate(&params)
	}
	h := &harness{
		state:      state.NewManager(storage.NewMemDB()),
		ledger:     newFakeLedger(),
		collateral: newFakeCollateral(),
		contract:   &fakeDisbursement{},
		emitter:    &recordingEmitter{},
		slashed:    big.NewInt(0),
		now:        1_700_000_000,
	}
	engine := NewEngine(params)
	engine.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	engine.SetState(h.state)
	engine.SetLedger(h.ledger)
	engine.SetCollateral(h.collateral)
	engine.SetDisbursement(h.contract)
	engine.SetEmitter(h.emitter)
	engine.SetTimeProvider(TimeFunc(func() uint64 { return h.now }))
	engine.SetSlashHandler(SlashHandlerFunc(func(amount *big.Int) error {
		h.slashed.Add(h.slashed, amount)
		return nil
	}))
	h.engine = engine
	return h
}

func (h *harness) approverOrigin() Origin {
	return Signed(approver).With(CapApprove, CapReject)
}

func (h *harness) propose(t *testing.T, amount int64) ProposalIndex {
	t.Helper()
	index, err := h.engine.Propose(Signed(proposer), big.NewInt(amount), beneficiary.String())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return index
}

func approveRequest(index ProposalIndex) ApproveRequest {
	return ApproveRequest{
		ProposalIndex:   index,
		CollectionID:    7,
		ItemID:          9,
		CollateralPrice: big.NewInt(2500),
		Admin:           admin,
		Contract:        contract,
		Value:           big.NewInt(1000),
		APY:             10,
		GasLimit:        5_000_000_000,
	}
}

func (h *harness) reserved(addr crypto.Address) *big.Int {
	return new(big.Int).Set(balanceOf(h.ledger.reserved, addr))
}

func (h *harness) free(addr crypto.Address) *big.Int {
	return new(big.Int).Set(balanceOf(h.ledger.free, addr))
}
