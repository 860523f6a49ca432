package loanpool

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/holiman/uint256"

	"communityloans/core/types"
	nativecommon "communityloans/native/common"
)

// accrualDivisor converts seconds times whole-percent APY into a fraction of
// a year: 365 days of 86400 seconds, times 100.
const accrualDivisor = 365 * 24 * 60 * 60 * 100

var accrualDivisorU256 = uint256.NewInt(accrualDivisor)

// ComputeInterest returns floor(amount*elapsed*apy/accrualDivisor) and the new
// loan amount. The products are taken before the division in 256-bit
// arithmetic; overflow is reported rather than wrapped.
func ComputeInterest(amount *big.Int, elapsed, apy uint64) (*big.Int, *big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: invalid principal", errAccrualOverflow)
	}
	principal, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, nil, fmt.Errorf("%w: principal exceeds 256 bits", errAccrualOverflow)
	}
	product, overflow := new(uint256.Int).MulOverflow(principal, uint256.NewInt(elapsed))
	if overflow {
		return nil, nil, fmt.Errorf("%w: amount*elapsed", errAccrualOverflow)
	}
	if _, overflow = product.MulOverflow(product, uint256.NewInt(apy)); overflow {
		return nil, nil, fmt.Errorf("%w: amount*elapsed*apy", errAccrualOverflow)
	}
	interest := new(uint256.Int).Div(product, accrualDivisorU256)
	total, overflow := new(uint256.Int).AddOverflow(principal, interest)
	if overflow {
		return nil, nil, fmt.Errorf("%w: amount+interest", errAccrualOverflow)
	}
	return interest.ToBig(), total.ToBig(), nil
}

// AccrualReport summarises one sweep.
type AccrualReport struct {
	Timestamp uint64
	Visited   int
	Accrued   []LoanIndex
	Skipped   []LoanIndex
	Interest  *big.Int
}

// Sweep runs AccrueInterest for a caller holding the sweep capability.
func (e *Engine) Sweep(origin Origin) (*AccrualReport, error) {
	if err := origin.ensure(CapSweep); err != nil {
		return nil, err
	}
	return e.AccrueInterest()
}

// AccrueInterest compounds interest into every ongoing loan up to the current
// time. Loans whose arithmetic overflows are logged and skipped; the rest of
// the sweep proceeds.
func (e *Engine) AccrueInterest() (*AccrualReport, error) {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	report := &AccrualReport{Timestamp: now, Interest: big.NewInt(0)}
	snapshot := e.state.Snapshot()
	var pending []*types.Event

	err := e.loans.Each(func(index LoanIndex, info *LoanInfo) error {
		report.Visited++
		if now <= info.LastTimestamp {
			return nil
		}
		interest, total, err := ComputeInterest(info.Amount, now-info.LastTimestamp, info.APY)
		if err != nil {
			e.logger.Error("loanpool: skipping loan during accrual",
				slog.Uint64("loan_index", uint64(index)),
				slog.String("amount", cloneBigInt(info.Amount).String()),
				slog.Uint64("apy", info.APY),
				slog.Any("error", err))
			report.Skipped = append(report.Skipped, index)
			return nil
		}
		info.Amount = total
		info.LastTimestamp = now
		if err := e.loans.PutRecord(index, info); err != nil {
			return err
		}
		report.Accrued = append(report.Accrued, index)
		report.Interest.Add(report.Interest, interest)
		if interest.Sign() > 0 {
			pending = append(pending, NewInterestAccruedEvent(index, info, interest))
		}
		return nil
	})
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	for _, evt := range pending {
		e.emit(evt)
	}
	if len(report.Accrued) > 0 || len(report.Skipped) > 0 {
		e.logger.Info("loanpool: interest accrued",
			slog.Uint64("timestamp", now),
			slog.Int("accrued", len(report.Accrued)),
			slog.Int("skipped", len(report.Skipped)),
			slog.String("interest", report.Interest.String()))
	}
	return report, nil
}
