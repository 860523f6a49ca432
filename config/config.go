package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"communityloans/native/loanpool"
)

const (
	ContractModeInProcess = "inprocess"
	ContractModeRPC       = "rpc"

	SlashPolicyBurn     = "burn"
	SlashPolicyTreasury = "treasury"
)

// DefaultContractAddress hosts the in-process loan contract when no address is
// configured.
const DefaultContractAddress = "0x000000000000000000000000000000000000c1a0"

type Config struct {
	DataDir     string          `toml:"DataDir"`
	NetworkName string          `toml:"NetworkName"`
	LoanPool    loanpool.Config `toml:"loanpool"`
	Ledger      Ledger          `toml:"ledger"`
	Contract    Contract        `toml:"contract"`
	Genesis     Genesis         `toml:"genesis"`
}

// Ledger configures the balance system backing bonds and disbursements.
type Ledger struct {
	MinimumBalance *big.Int `toml:"MinimumBalance"`
	SlashPolicy    string   `toml:"SlashPolicy"`
	Treasury       string   `toml:"Treasury"`
}

// Contract selects where disbursement calls are executed.
type Contract struct {
	Mode           string `toml:"Mode"`
	Address        string `toml:"Address"`
	Endpoint       string `toml:"Endpoint"`
	TimeoutSeconds int    `toml:"TimeoutSeconds"`
}

// Genesis seeds balances the first time a data directory is opened.
type Genesis struct {
	PoolFunding *big.Int         `toml:"PoolFunding"`
	Balances    []GenesisBalance `toml:"balances"`
}

type GenesisBalance struct {
	Account string   `toml:"Account"`
	Amount  *big.Int `toml:"Amount"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		DataDir:     "./clp-data",
		NetworkName: "clp-local",
		LoanPool:    loanpool.DefaultConfig(),
		Ledger: Ledger{
			MinimumBalance: big.NewInt(1),
			SlashPolicy:    SlashPolicyBurn,
		},
		Contract: Contract{
			Mode:           ContractModeInProcess,
			Address:        DefaultContractAddress,
			TimeoutSeconds: 10,
		},
		Genesis: Genesis{PoolFunding: big.NewInt(0), Balances: []GenesisBalance{}},
	}
}

func (c *Config) normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = "./clp-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "clp-local"
	}
	c.LoanPool.EnsureDefaults()
	if c.Ledger.MinimumBalance == nil {
		c.Ledger.MinimumBalance = big.NewInt(0)
	}
	c.Ledger.SlashPolicy = strings.ToLower(strings.TrimSpace(c.Ledger.SlashPolicy))
	if c.Ledger.SlashPolicy == "" {
		c.Ledger.SlashPolicy = SlashPolicyBurn
	}
	c.Contract.Mode = strings.ToLower(strings.TrimSpace(c.Contract.Mode))
	if c.Contract.Mode == "" {
		c.Contract.Mode = ContractModeInProcess
	}
	if c.Contract.TimeoutSeconds <= 0 {
		c.Contract.TimeoutSeconds = 10
	}
	if c.Genesis.PoolFunding == nil {
		c.Genesis.PoolFunding = big.NewInt(0)
	}
	if c.Genesis.Balances == nil {
		c.Genesis.Balances = []GenesisBalance{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
