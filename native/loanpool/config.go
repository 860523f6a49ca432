package loanpool

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"communityloans/crypto"
)

// DefaultPoolID is the identifier the pool account is derived from when none
// is configured.
const DefaultPoolID = "py/loanp"

// Config captures the runtime configuration for the loan pool module.
type Config struct {
	PoolID string `toml:"PoolID"`
	// ProposalBondPermill is the share of the proposed amount reserved as bond,
	// in parts per million.
	ProposalBondPermill uint32   `toml:"ProposalBondPermill"`
	ProposalBondMinimum *big.Int `toml:"ProposalBondMinimum"`
	// ProposalBondMaximum caps the bond. Nil leaves it unbounded.
	ProposalBondMaximum *big.Int `toml:"ProposalBondMaximum"`
	MaxOngoingLoans     uint32   `toml:"MaxOngoingLoans"`
	// CollectionDeposit is reserved from the collection owner when the
	// collateral collection is created.
	CollectionDeposit *big.Int `toml:"CollectionDeposit"`
	Paused            bool     `toml:"Paused"`
}

// Params is the validated form of Config consumed by the engine.
type Params struct {
	PoolID            string
	BondFraction      Permill
	BondMinimum       *big.Int
	BondMaximum       *big.Int
	MaxOngoingLoans   uint32
	CollectionDeposit *big.Int
}

// DefaultConfig mirrors the parameters used by the reference deployment.
func DefaultConfig() Config {
	return Config{
		PoolID:              DefaultPoolID,
		ProposalBondPermill: 50_000,
		ProposalBondMinimum: big.NewInt(100),
		MaxOngoingLoans:     64,
		CollectionDeposit:   big.NewInt(0),
	}
}

// EnsureDefaults fills unset fields.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	c.PoolID = strings.TrimSpace(c.PoolID)
	if c.PoolID == "" {
		c.PoolID = DefaultPoolID
	}
	if c.ProposalBondMinimum == nil {
		c.ProposalBondMinimum = big.NewInt(0)
	}
	if c.CollectionDeposit == nil {
		c.CollectionDeposit = big.NewInt(0)
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if strings.TrimSpace(c.PoolID) == "" {
		return errors.New("loanpool: PoolID must not be empty")
	}
	if len(c.PoolID) > crypto.AddressLength-4 {
		return fmt.Errorf("loanpool: PoolID %q longer than %d bytes would be truncated", c.PoolID, crypto.AddressLength-4)
	}
	if Permill(c.ProposalBondPermill) > PermillOne {
		return fmt.Errorf("loanpool: ProposalBondPermill %d exceeds %d", c.ProposalBondPermill, PermillOne)
	}
	if c.ProposalBondMinimum != nil && c.ProposalBondMinimum.Sign() < 0 {
		return errors.New("loanpool: ProposalBondMinimum must not be negative")
	}
	if c.ProposalBondMaximum != nil {
		if c.ProposalBondMaximum.Sign() < 0 {
			return errors.New("loanpool: ProposalBondMaximum must not be negative")
		}
		if c.ProposalBondMinimum != nil && c.ProposalBondMaximum.Cmp(c.ProposalBondMinimum) < 0 {
			return errors.New("loanpool: ProposalBondMaximum below ProposalBondMinimum")
		}
	}
	if c.CollectionDeposit != nil && c.CollectionDeposit.Sign() < 0 {
		return errors.New("loanpool: CollectionDeposit must not be negative")
	}
	return nil
}

// Params converts the configuration into engine parameters. The caller is
// expected to have validated the configuration.
func (c Config) Params() Params {
	cfg := c
	cfg.EnsureDefaults()
	params := Params{
		PoolID:            cfg.PoolID,
		BondFraction:      Permill(cfg.ProposalBondPermill),
		BondMinimum:       new(big.Int).Set(cfg.ProposalBondMinimum),
		MaxOngoingLoans:   cfg.MaxOngoingLoans,
		CollectionDeposit: new(big.Int).Set(cfg.CollectionDeposit),
	}
	if cfg.ProposalBondMaximum != nil {
		params.BondMaximum = new(big.Int).Set(cfg.ProposalBondMaximum)
	}
	return params
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	clone := p
	clone.BondMinimum = cloneBigInt(p.BondMinimum)
	clone.CollectionDeposit = cloneBigInt(p.CollectionDeposit)
	if p.BondMaximum != nil {
		clone.BondMaximum = new(big.Int).Set(p.BondMaximum)
	}
	return clone
}
