package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"communityloans/config"
	"communityloans/crypto"
	"communityloans/native/loanpool"
)

func writeNodeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if _, err := config.Load(path); err != nil {
		t.Fatalf("create default config: %v", err)
	}
	return path
}

func TestPoolAccountMatchesModuleDerivation(t *testing.T) {
	var out bytes.Buffer
	if err := run("pool-account", []string{"-config", writeNodeConfig(t)}, &out); err != nil {
		t.Fatalf("pool-account: %v", err)
	}
	want := crypto.ModuleAddress(loanpool.DefaultPoolID).String()
	if lines := strings.Split(strings.TrimSpace(out.String()), "\n"); lines[0] != want {
		t.Fatalf("expected %s, got %q", want, lines[0])
	}
}

func TestBondUsesConfiguredParameters(t *testing.T) {
	var out bytes.Buffer
	if err := run("bond", []string{"-config", writeNodeConfig(t), "-amount", "5000"}, &out); err != nil {
		t.Fatalf("bond: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "250" {
		t.Fatalf("expected bond 250, got %s", got)
	}
	if err := run("bond", []string{"-config", writeNodeConfig(t), "-amount", "-1"}, &out); err == nil {
		t.Fatalf("expected negative amount to fail")
	}
}

func TestDecodePayload(t *testing.T) {
	admin := crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{0xaa}, crypto.AddressLength))
	borrower := crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{0xbb}, crypto.AddressLength))
	data, err := loanpool.CreateLoanPayload{
		Admin:           admin,
		Borrower:        borrower,
		CollectionID:    7,
		ItemID:          9,
		CollateralPrice: big.NewInt(2500),
		Amount:          big.NewInt(1000),
	}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out bytes.Buffer
	if err := run("decode-payload", []string{"-data", "0x" + hex.EncodeToString(data)}, &out); err != nil {
		t.Fatalf("decode-payload: %v", err)
	}
	var decoded decodedPayload
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if decoded.CollectionID != 7 || decoded.ItemID != 9 || decoded.Amount != "1000" || decoded.CollateralPrice != "2500" {
		t.Fatalf("unexpected decoded payload %+v", decoded)
	}
	if decoded.Borrower != borrower.String() || decoded.Digest != loanpool.PayloadDigest(data) {
		t.Fatalf("unexpected borrower or digest %+v", decoded)
	}
	if err := run("decode-payload", []string{"-data", "0x0ea6"}, &out); err == nil {
		t.Fatalf("expected short payload to fail")
	}
}

func TestIssueTokenRequiresAccountSubject(t *testing.T) {
	t.Setenv(defaultSecretEnv, "cli-secret")
	var out bytes.Buffer
	if err := run("issue-token", []string{"-subject", "nobody"}, &out); err == nil {
		t.Fatalf("expected invalid subject to fail")
	}
	subject := "0x1111111111111111111111111111111111111111"
	if err := run("issue-token", []string{"-subject", subject, "-scopes", "loanpool:approve"}, &out); err != nil {
		t.Fatalf("issue-token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
		t.Fatalf("expected a compact JWT, got %q", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run("bogus", nil, &out); err == nil {
		t.Fatalf("expected unknown command to fail")
	}
	if !strings.Contains(out.String(), "Usage") {
		t.Fatalf("expected usage output")
	}
}

func TestExportEventsFromSQLiteJournal(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "journal.db")
	outPath := filepath.Join(dir, "events.parquet")
	var out bytes.Buffer
	if err := run("export-events", []string{"-dsn", dsn, "-out", outPath}, &out); err != nil {
		t.Fatalf("export-events: %v", err)
	}
	if !strings.Contains(out.String(), "exported 0 events") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
