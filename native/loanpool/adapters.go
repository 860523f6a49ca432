package loanpool

import (
	"math/big"
	"time"

	"communityloans/crypto"
)

// Ledger is the balance system holding free and reserved funds per account.
type Ledger interface {
	// Reserve moves amount from free to reserved balance.
	Reserve(account crypto.Address, amount *big.Int) error
	// Unreserve moves up to amount back to free balance and returns the part
	// that could not be unreserved.
	Unreserve(account crypto.Address, amount *big.Int) (*big.Int, error)
	// SlashReserved removes up to amount from reserved balance and returns the
	// slashed imbalance and the part that could not be slashed.
	SlashReserved(account crypto.Address, amount *big.Int) (*big.Int, *big.Int, error)
	MinimumBalance() *big.Int
	FreeBalance(account crypto.Address) (*big.Int, error)
	MakeFreeBalanceBe(account crypto.Address, amount *big.Int) error
}

// SlashHandler receives the imbalance produced by slashing a rejected bond.
// The slash has already happened when OnSlash runs; an error is logged and the
// imbalance is dropped.
type SlashHandler interface {
	OnSlash(amount *big.Int) error
}

// SlashHandlerFunc adapts a function to SlashHandler.
type SlashHandlerFunc func(amount *big.Int) error

// OnSlash implements SlashHandler.
func (f SlashHandlerFunc) OnSlash(amount *big.Int) error { return f(amount) }

// DropSlash discards the imbalance, burning the slashed funds.
var DropSlash = SlashHandlerFunc(func(*big.Int) error { return nil })

// CollateralRegistry issues the NFT collections and items backing loans.
type CollateralRegistry interface {
	CreateCollection(collection uint32, owner, admin crypto.Address, deposit *big.Int, frozen bool) error
	// DestroyCollection removes an empty collection. The engine only uses it to
	// undo a collection it just created.
	DestroyCollection(collection uint32) error
	Mint(collection, item uint32, owner crypto.Address) error
	Burn(collection, item uint32) error
}

// ContractCall describes a single invocation of the loan contract.
type ContractCall struct {
	Origin              crypto.Address
	Contract            crypto.Address
	Value               *big.Int
	GasLimit            uint64
	StorageDepositLimit *big.Int
	Data                []byte
	AllowReentry        bool
}

// Disbursement invokes the external loan contract.
type Disbursement interface {
	Invoke(call ContractCall) error
}

// TimeProvider returns the current unix time in seconds. Successive calls must
// not go backwards.
type TimeProvider interface {
	Now() uint64
}

// TimeFunc adapts a function to TimeProvider.
type TimeFunc func() uint64

// Now implements TimeProvider.
func (f TimeFunc) Now() uint64 { return f() }

// SystemClock reads the wall clock.
var SystemClock = TimeFunc(func() uint64 { return uint64(time.Now().Unix()) })

// AccountLookup resolves opaque account references.
type AccountLookup interface {
	Lookup(ref string) (crypto.Address, error)
}

// LookupFunc adapts a function to AccountLookup.
type LookupFunc func(ref string) (crypto.Address, error)

// Lookup implements AccountLookup.
func (f LookupFunc) Lookup(ref string) (crypto.Address, error) { return f(ref) }

// DefaultLookup accepts bech32 and 0x-prefixed hex references.
var DefaultLookup = LookupFunc(crypto.ParseAccount)
