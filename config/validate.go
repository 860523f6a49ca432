package config

import (
	"fmt"
	"strings"

	"communityloans/crypto"
)

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if err := c.LoanPool.Validate(); err != nil {
		return err
	}
	if c.Ledger.MinimumBalance != nil && c.Ledger.MinimumBalance.Sign() < 0 {
		return fmt.Errorf("ledger: MinimumBalance must not be negative")
	}
	switch c.Ledger.SlashPolicy {
	case SlashPolicyBurn:
	case SlashPolicyTreasury:
		if _, err := c.Ledger.TreasuryAddress(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("ledger: unknown SlashPolicy %q", c.Ledger.SlashPolicy)
	}
	switch c.Contract.Mode {
	case ContractModeInProcess:
		if _, err := c.Contract.ContractAddress(); err != nil {
			return err
		}
	case ContractModeRPC:
		if strings.TrimSpace(c.Contract.Endpoint) == "" {
			return fmt.Errorf("contract: Endpoint required in rpc mode")
		}
	default:
		return fmt.Errorf("contract: unknown Mode %q", c.Contract.Mode)
	}
	if c.Genesis.PoolFunding != nil && c.Genesis.PoolFunding.Sign() < 0 {
		return fmt.Errorf("genesis: PoolFunding must not be negative")
	}
	for i, bal := range c.Genesis.Balances {
		if _, err := crypto.ParseAccount(bal.Account); err != nil {
			return fmt.Errorf("genesis: balances[%d]: %w", i, err)
		}
		if bal.Amount == nil || bal.Amount.Sign() < 0 {
			return fmt.Errorf("genesis: balances[%d]: amount must not be negative", i)
		}
	}
	return nil
}

// TreasuryAddress resolves the account receiving slashed bonds.
func (l Ledger) TreasuryAddress() (crypto.Address, error) {
	if strings.TrimSpace(l.Treasury) == "" {
		return crypto.Address{}, fmt.Errorf("ledger: Treasury required for treasury slash policy")
	}
	addr, err := crypto.ParseAccount(l.Treasury)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("ledger: Treasury: %w", err)
	}
	return addr, nil
}

// ContractAddress resolves the account the loan contract lives at.
func (c Contract) ContractAddress() (crypto.Address, error) {
	addr, err := crypto.ParseAccount(c.Address)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("contract: Address: %w", err)
	}
	return addr, nil
}
