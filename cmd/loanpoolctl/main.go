package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"communityloans/cmd/internal/passphrase"
	"communityloans/config"
	"communityloans/crypto"
	"communityloans/native/loanpool"
	"communityloans/services/loanpool/journal"
	"communityloans/services/loanpool/middleware"
)

const (
	defaultConfig    = "./config.toml"
	defaultPassEnv   = "CLP_KEYSTORE_PASS"
	defaultSecretEnv = "LOANPOOLD_JWT_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string, out io.Writer) error {
	switch command {
	case "pool-account":
		return runPoolAccount(args, out)
	case "bond":
		return runBond(args, out)
	case "new-account":
		return runNewAccount(args, out)
	case "show-account":
		return runShowAccount(args, out)
	case "issue-token":
		return runIssueToken(args, out)
	case "decode-payload":
		return runDecodePayload(args, out)
	case "export-events":
		return runExportEvents(args, out)
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", command)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: loanpoolctl <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  pool-account    print the pool account derived from the node config")
	fmt.Fprintln(w, "  bond            compute the proposal bond for an amount")
	fmt.Fprintln(w, "  new-account     generate an account key into an encrypted keystore")
	fmt.Fprintln(w, "  show-account    print the address held by a keystore")
	fmt.Fprintln(w, "  issue-token     sign an API bearer token")
	fmt.Fprintln(w, "  decode-payload  decode a create-loan call payload")
	fmt.Fprintln(w, "  export-events   write the event journal to a parquet file")
}

func loadNodeConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config.Load(path)
}

func runPoolAccount(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pool-account", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the node config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadNodeConfig(*configPath)
	if err != nil {
		return err
	}
	addr := crypto.ModuleAddress(cfg.LoanPool.Params().PoolID)
	fmt.Fprintf(out, "%s\n0x%s\n", addr.String(), hex.EncodeToString(addr.Bytes()))
	return nil
}

func runBond(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("bond", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the node config file")
	amount := fs.String("amount", "", "Proposal amount")
	if err := fs.Parse(args); err != nil {
		return err
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(*amount), 10)
	if !ok || value.Sign() <= 0 {
		return fmt.Errorf("amount must be a positive integer")
	}
	cfg, err := loadNodeConfig(*configPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, loanpool.CalculateBond(value, cfg.LoanPool.Params()).String())
	return nil
}

func runNewAccount(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("new-account", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*keystorePath) == "" {
		return fmt.Errorf("-keystore is required")
	}
	pass, err := passphrase.NewSource(*passEnv, "keystore passphrase").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		return err
	}
	fmt.Fprintln(out, key.PubKey().Address().String())
	return nil
}

func runShowAccount(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show-account", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pass, err := passphrase.NewSource(*passEnv, "keystore passphrase").Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(*keystorePath, pass)
	if err != nil {
		return err
	}
	addr := key.PubKey().Address()
	fmt.Fprintf(out, "%s\n0x%s\n", addr.String(), hex.EncodeToString(addr.Bytes()))
	return nil
}

func runIssueToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	subject := fs.String("subject", "", "Account the token acts for")
	scopes := fs.String("scopes", "", "Comma separated scopes, e.g. loanpool:approve,loanpool:reject")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	issuer := fs.String("issuer", "", "Issuer claim")
	audience := fs.String("audience", "loanpoold", "Audience claim")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable containing the HMAC secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := crypto.ParseAccount(*subject); err != nil {
		return fmt.Errorf("subject: %w", err)
	}
	secret, err := passphrase.NewSource(*secretEnv, "token signing secret").Get()
	if err != nil {
		return err
	}
	var granted []string
	for _, scope := range strings.Split(*scopes, ",") {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			granted = append(granted, trimmed)
		}
	}
	token, err := middleware.IssueToken(middleware.AuthConfig{
		HMACSecret: secret,
		Issuer:     *issuer,
		Audience:   *audience,
	}, strings.TrimSpace(*subject), granted, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

type decodedPayload struct {
	Admin           string `json:"admin"`
	Borrower        string `json:"borrower"`
	CollectionID    uint32 `json:"collectionId"`
	ItemID          uint32 `json:"itemId"`
	CollateralPrice string `json:"collateralPrice"`
	Amount          string `json:"amount"`
	Digest          string `json:"digest"`
}

func runDecodePayload(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("decode-payload", flag.ContinueOnError)
	raw := fs.String("data", "", "Hex encoded call data")
	if err := fs.Parse(args); err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(*raw), "0x"))
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	payload, err := loanpool.DecodeCreateLoanPayload(data)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(decodedPayload{
		Admin:           payload.Admin.String(),
		Borrower:        payload.Borrower.String(),
		CollectionID:    payload.CollectionID,
		ItemID:          payload.ItemID,
		CollateralPrice: payload.CollateralPrice.String(),
		Amount:          payload.Amount.String(),
		Digest:          loanpool.PayloadDigest(data),
	})
}

func runExportEvents(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export-events", flag.ContinueOnError)
	driver := fs.String("driver", journal.DriverSQLite, "Journal database driver (sqlite or postgres)")
	dsn := fs.String("dsn", "", "Journal database DSN")
	output := fs.String("out", "events.parquet", "Output parquet file")
	eventType := fs.String("type", "", "Only export events of this type")
	after := fs.Uint64("after", 0, "Only export events with a greater sequence")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" {
		return fmt.Errorf("-dsn is required")
	}
	db, err := journal.Open(*driver, *dsn)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	j, err := journal.New(db, nil)
	if err != nil {
		return err
	}
	n, err := j.ExportParquet(context.Background(), *output, journal.Filter{Type: *eventType, After: *after})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "exported %d events to %s\n", n, *output)
	return nil
}
