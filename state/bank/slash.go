package bank

import (
	"errors"
	"math/big"

	"communityloans/crypto"
)

// Slasher consumes the imbalance left behind when reserved funds are slashed.
type Slasher interface {
	OnSlash(amount *big.Int) error
}

// BurnSlasher drops slashed funds from the total issuance.
type BurnSlasher struct {
	ledger *Ledger
}

func NewBurnSlasher(ledger *Ledger) *BurnSlasher {
	return &BurnSlasher{ledger: ledger}
}

func (s *BurnSlasher) OnSlash(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return errors.New("bank: slash amount cannot be negative")
	}
	return s.ledger.adjustIssuance(new(big.Int).Neg(amount))
}

// TreasurySlasher credits slashed funds to a treasury account.
type TreasurySlasher struct {
	ledger   *Ledger
	treasury crypto.Address
}

func NewTreasurySlasher(ledger *Ledger, treasury crypto.Address) (*TreasurySlasher, error) {
	if treasury.IsZero() {
		return nil, errors.New("bank: treasury account required")
	}
	return &TreasurySlasher{ledger: ledger, treasury: treasury}, nil
}

func (s *TreasurySlasher) OnSlash(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return errors.New("bank: slash amount cannot be negative")
	}
	return s.ledger.Deposit(s.treasury, amount)
}
