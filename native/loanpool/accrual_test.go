package loanpool

import (
	"math/big"
	"testing"
)

func TestComputeInterest(t *testing.T) {
	interest, total, err := ComputeInterest(big.NewInt(1_000_000), 365*24*60*60, 10)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if interest.Int64() != 100_000 || total.Int64() != 1_100_000 {
		t.Fatalf("unexpected interest %s total %s", interest, total)
	}

	interest, _, err = ComputeInterest(big.NewInt(999), 1, 5)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if interest.Sign() != 0 {
		t.Fatalf("expected floor to zero, got %s", interest)
	}

	huge := new(big.Int).Lsh(big.NewInt(1), 250)
	if _, _, err := ComputeInterest(huge, 1<<40, 100); err == nil {
		t.Fatalf("expected overflow")
	}
	if _, _, err := ComputeInterest(new(big.Int).Lsh(big.NewInt(1), 300), 1, 1); err == nil {
		t.Fatalf("expected oversized principal to fail conversion")
	}
}

func TestAccrueInterestAdvancesLoans(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.credit(proposer, 10_000_000)
	h.ledger.credit(h.engine.PoolAccount(), 10_000_000)
	index, err := h.engine.Propose(Signed(proposer), big.NewInt(1_000_000), beneficiary.String())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	loanIndex, err := h.engine.ApproveProposal(h.approverOrigin(), approveRequest(index))
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	report, err := h.engine.AccrueInterest()
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if len(report.Accrued) != 0 || report.Visited != 1 {
		t.Fatalf("zero elapsed time should be a no-op: %+v", report)
	}

	h.now += 365 * 24 * 60 * 60
	report, err = h.engine.AccrueInterest()
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if report.Interest.Int64() != 100_000 {
		t.Fatalf("expected 100000 interest, got %s", report.Interest)
	}
	loan, err := h.engine.Loan(loanIndex)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if loan.Amount.Int64() != 1_100_000 || loan.LastTimestamp != h.now {
		t.Fatalf("unexpected loan after accrual: %+v", loan)
	}
	if kinds := h.emitter.kinds(); kinds[len(kinds)-1] != EventTypeInterestAccrued {
		t.Fatalf("expected accrual event, got %v", kinds)
	}

	h.now -= 10
	if _, err := h.engine.AccrueInterest(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	after, _ := h.engine.Loan(loanIndex)
	if after.Amount.Cmp(loan.Amount) != 0 || after.LastTimestamp != loan.LastTimestamp {
		t.Fatalf("clock going backwards must not change the loan")
	}
}

func TestAccrueInterestSkipsOverflowingLoans(t *testing.T) {
	h := newHarness(t, nil)
	huge := new(big.Int).Lsh(big.NewInt(1), 255)
	start := h.now

	bad, _ := h.engine.loans.Next()
	if err := h.engine.loans.InsertRecord(bad, &LoanInfo{Borrower: beneficiary, Amount: huge, APY: 50, LastTimestamp: start}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := h.engine.loans.Append(bad); err != nil {
		t.Fatalf("append: %v", err)
	}
	good, _ := h.engine.loans.Next()
	if err := h.engine.loans.InsertRecord(good, &LoanInfo{Borrower: beneficiary, Amount: big.NewInt(3_153_600_000), APY: 1, LastTimestamp: start}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := h.engine.loans.Append(good); err != nil {
		t.Fatalf("append: %v", err)
	}

	h.now = start + 100
	report, err := h.engine.AccrueInterest()
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != bad {
		t.Fatalf("expected overflowing loan to be skipped: %+v", report)
	}
	if len(report.Accrued) != 1 || report.Accrued[0] != good {
		t.Fatalf("expected healthy loan to accrue: %+v", report)
	}
	skipped, _ := h.engine.Loan(bad)
	if skipped.Amount.Cmp(huge) != 0 || skipped.LastTimestamp != start {
		t.Fatalf("skipped loan was modified: %+v", skipped)
	}
	accrued, _ := h.engine.Loan(good)
	if accrued.Amount.Int64() != 3_153_600_100 {
		t.Fatalf("unexpected accrued amount %s", accrued.Amount)
	}
}

func TestAccrualIsMonotonic(t *testing.T) {
	h := newHarness(t, nil)
	index, _ := h.engine.loans.Next()
	if err := h.engine.loans.InsertRecord(index, &LoanInfo{Borrower: beneficiary, Amount: big.NewInt(5_000), APY: 7, LastTimestamp: h.now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := h.engine.loans.Append(index); err != nil {
		t.Fatalf("append: %v", err)
	}
	prev := big.NewInt(5_000)
	for i := 0; i < 5; i++ {
		h.now += 90 * 24 * 60 * 60
		if _, err := h.engine.AccrueInterest(); err != nil {
			t.Fatalf("accrue: %v", err)
		}
		loan, err := h.engine.Loan(index)
		if err != nil {
			t.Fatalf("loan: %v", err)
		}
		if loan.Amount.Cmp(prev) < 0 {
			t.Fatalf("amount decreased from %s to %s", prev, loan.Amount)
		}
		prev = loan.Amount
	}
}
