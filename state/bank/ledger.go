package bank

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"communityloans/crypto"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient free balance")
	ErrInvalidAmount       = errors.New("bank: amount must not be negative")
	errNilState            = errors.New("bank: state not configured")
)

var issuanceKey = []byte("bank/issuance")

func accountKey(addr crypto.Address) []byte {
	return []byte("bank/account/" + hex.EncodeToString(addr.Bytes()))
}

type kvState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Balance is the stored view of an account.
type Balance struct {
	Free     *big.Int
	Reserved *big.Int
}

func (b *Balance) normalise() {
	if b.Free == nil {
		b.Free = big.NewInt(0)
	}
	if b.Reserved == nil {
		b.Reserved = big.NewInt(0)
	}
}

// Ledger keeps free and reserved balances per account together with the
// total issuance. Every write goes through the state manager so it is undone
// together with the surrounding transition.
type Ledger struct {
	state   kvState
	minimum *big.Int
}

// NewLedger binds a ledger to state. minimum is the existential balance
// reported to callers.
func NewLedger(state kvState, minimum *big.Int) *Ledger {
	floor := big.NewInt(0)
	if minimum != nil && minimum.Sign() > 0 {
		floor.Set(minimum)
	}
	return &Ledger{state: state, minimum: floor}
}

// Balance loads the balance record of addr. Unknown accounts are empty.
func (l *Ledger) Balance(addr crypto.Address) (*Balance, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	var bal Balance
	if _, err := l.state.KVGet(accountKey(addr), &bal); err != nil {
		return nil, err
	}
	bal.normalise()
	return &bal, nil
}

func (l *Ledger) putBalance(addr crypto.Address, bal *Balance) error {
	return l.state.KVPut(accountKey(addr), bal)
}

// TotalIssuance returns the sum of all minted funds not yet burned.
func (l *Ledger) TotalIssuance() (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	issuance := new(big.Int)
	if _, err := l.state.KVGet(issuanceKey, issuance); err != nil {
		return nil, err
	}
	return issuance, nil
}

func (l *Ledger) adjustIssuance(delta *big.Int) error {
	issuance, err := l.TotalIssuance()
	if err != nil {
		return err
	}
	issuance.Add(issuance, delta)
	if issuance.Sign() < 0 {
		return fmt.Errorf("bank: issuance underflow")
	}
	return l.state.KVPut(issuanceKey, issuance)
}

// MinimumBalance returns the existential balance.
func (l *Ledger) MinimumBalance() *big.Int { return new(big.Int).Set(l.minimum) }

// FreeBalance returns the spendable balance of addr.
func (l *Ledger) FreeBalance(addr crypto.Address) (*big.Int, error) {
	bal, err := l.Balance(addr)
	if err != nil {
		return nil, err
	}
	return bal.Free, nil
}

// ReservedBalance returns the reserved balance of addr.
func (l *Ledger) ReservedBalance(addr crypto.Address) (*big.Int, error) {
	bal, err := l.Balance(addr)
	if err != nil {
		return nil, err
	}
	return bal.Reserved, nil
}

// Reserve moves amount from the free to the reserved balance of addr.
func (l *Ledger) Reserve(addr crypto.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	bal, err := l.Balance(addr)
	if err != nil {
		return err
	}
	if bal.Free.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal.Free, amount)
	}
	bal.Free.Sub(bal.Free, amount)
	bal.Reserved.Add(bal.Reserved, amount)
	return l.putBalance(addr, bal)
}

// Unreserve moves up to amount back to the free balance and returns what could
// not be unreserved.
func (l *Ledger) Unreserve(addr crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	bal, err := l.Balance(addr)
	if err != nil {
		return nil, err
	}
	actual := minBig(bal.Reserved, amount)
	bal.Reserved.Sub(bal.Reserved, actual)
	bal.Free.Add(bal.Free, actual)
	if err := l.putBalance(addr, bal); err != nil {
		return nil, err
	}
	return new(big.Int).Sub(amount, actual), nil
}

// SlashReserved removes up to amount from the reserved balance. The slashed
// funds leave the account; the caller routes the returned imbalance.
func (l *Ledger) SlashReserved(addr crypto.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	if err := checkAmount(amount); err != nil {
		return nil, nil, err
	}
	bal, err := l.Balance(addr)
	if err != nil {
		return nil, nil, err
	}
	actual := minBig(bal.Reserved, amount)
	bal.Reserved.Sub(bal.Reserved, actual)
	if err := l.putBalance(addr, bal); err != nil {
		return nil, nil, err
	}
	return actual, new(big.Int).Sub(amount, actual), nil
}

// MakeFreeBalanceBe sets the free balance of addr, minting or burning the
// difference.
func (l *Ledger) MakeFreeBalanceBe(addr crypto.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	bal, err := l.Balance(addr)
	if err != nil {
		return err
	}
	delta := new(big.Int).Sub(amount, bal.Free)
	bal.Free = new(big.Int).Set(amount)
	if err := l.putBalance(addr, bal); err != nil {
		return err
	}
	return l.adjustIssuance(delta)
}

// Mint credits newly issued funds to addr.
func (l *Ledger) Mint(addr crypto.Address, amount *big.Int) error {
	if err := l.Deposit(addr, amount); err != nil {
		return err
	}
	return l.adjustIssuance(amount)
}

// Deposit credits existing funds, such as a slashed imbalance, to addr.
func (l *Ledger) Deposit(addr crypto.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	bal, err := l.Balance(addr)
	if err != nil {
		return err
	}
	bal.Free.Add(bal.Free, amount)
	return l.putBalance(addr, bal)
}

// Transfer moves amount of free balance from one account to another.
func (l *Ledger) Transfer(from, to crypto.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 || from.Equal(to) {
		return nil
	}
	src, err := l.Balance(from)
	if err != nil {
		return err
	}
	if src.Free.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, src.Free, amount)
	}
	src.Free.Sub(src.Free, amount)
	if err := l.putBalance(from, src); err != nil {
		return err
	}
	return l.Deposit(to, amount)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
