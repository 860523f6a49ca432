package loanpool

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// LoanRegistry owns the loan records and the bounded sequence of ongoing loan
// indices. Both carry the same key set.
type LoanRegistry struct {
	state    kvStore
	capacity uint32
	logger   *slog.Logger
}

// NewLoanRegistry binds a registry holding at most capacity ongoing loans.
func NewLoanRegistry(state kvStore, capacity uint32, logger *slog.Logger) *LoanRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoanRegistry{state: state, capacity: capacity, logger: logger}
}

// Capacity returns the maximum number of ongoing loans.
func (r *LoanRegistry) Capacity() uint32 { return r.capacity }

// Count returns the highest assigned loan index.
func (r *LoanRegistry) Count() (LoanIndex, error) {
	var count uint32
	if _, err := r.state.KVGet(loanCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Next returns the index the next loan will receive.
func (r *LoanRegistry) Next() (LoanIndex, error) {
	count, err := r.Count()
	if err != nil {
		return 0, err
	}
	if count == math.MaxUint32 {
		return 0, errIndexOverflow
	}
	return count + 1, nil
}

// Ongoing returns the ongoing loan indices in insertion order.
func (r *LoanRegistry) Ongoing() ([]LoanIndex, error) {
	var ongoing []uint32
	if err := r.state.KVGetList(ongoingLoansKey, &ongoing); err != nil {
		return nil, err
	}
	return ongoing, nil
}

// Len returns the number of ongoing loans.
func (r *LoanRegistry) Len() (int, error) {
	ongoing, err := r.Ongoing()
	if err != nil {
		return 0, err
	}
	return len(ongoing), nil
}

// HasCapacity reports whether one more loan fits.
func (r *LoanRegistry) HasCapacity() (bool, error) {
	n, err := r.Len()
	if err != nil {
		return false, err
	}
	return uint64(n) < uint64(r.capacity), nil
}

// Append adds index to the ongoing sequence. At capacity the sequence is left
// unchanged and ErrTooManyLoans is returned.
func (r *LoanRegistry) Append(index LoanIndex) error {
	ongoing, err := r.Ongoing()
	if err != nil {
		return err
	}
	if uint64(len(ongoing)) >= uint64(r.capacity) {
		return ErrTooManyLoans
	}
	if containsIndex(ongoing, index) {
		return fmt.Errorf("%w: loan %d", errDuplicateLoan, index)
	}
	return r.state.KVPut(ongoingLoansKey, append(ongoing, index))
}

// Remove drops index from the ongoing sequence. An absent index indicates a
// broken registry invariant; it is logged and reported as false.
func (r *LoanRegistry) Remove(index LoanIndex) (bool, error) {
	ongoing, err := r.Ongoing()
	if err != nil {
		return false, err
	}
	if !containsIndex(ongoing, index) {
		r.logger.Error("loanpool: ongoing loan missing from registry",
			slog.Uint64("loan_index", uint64(index)),
			slog.Int("ongoing", len(ongoing)))
		return false, nil
	}
	return true, r.state.KVPut(ongoingLoansKey, removeIndex(ongoing, index))
}

// InsertRecord stores a new loan record under index and advances the loan
// counter.
func (r *LoanRegistry) InsertRecord(index LoanIndex, info *LoanInfo) error {
	if info == nil {
		return fmt.Errorf("loanpool: nil loan record")
	}
	count, err := r.Count()
	if err != nil {
		return err
	}
	if index <= count {
		return fmt.Errorf("%w: loan %d", errIndexInUse, index)
	}
	ok, err := r.state.KVGet(loanKey(index), nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: loan %d", errIndexInUse, index)
	}
	if err := r.state.KVPut(loanKey(index), info); err != nil {
		return err
	}
	records, err := r.recordIndices()
	if err != nil {
		return err
	}
	if err := r.state.KVPut(loanRecordsKey, append(records, index)); err != nil {
		return err
	}
	return r.state.KVPut(loanCountKey, index)
}

// PutRecord overwrites an existing loan record.
func (r *LoanRegistry) PutRecord(index LoanIndex, info *LoanInfo) error {
	ok, err := r.state.KVGet(loanKey(index), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: loan %d", ErrInvalidIndex, index)
	}
	return r.state.KVPut(loanKey(index), info)
}

// Record loads the loan stored under index.
func (r *LoanRegistry) Record(index LoanIndex) (*LoanInfo, bool, error) {
	var info LoanInfo
	ok, err := r.state.KVGet(loanKey(index), &info)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &info, true, nil
}

// TakeRecord removes and returns the loan stored under index.
func (r *LoanRegistry) TakeRecord(index LoanIndex) (*LoanInfo, error) {
	info, ok, err := r.Record(index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: loan %d", ErrInvalidIndex, index)
	}
	if err := r.state.KVDelete(loanKey(index)); err != nil {
		return nil, err
	}
	records, err := r.recordIndices()
	if err != nil {
		return nil, err
	}
	if err := r.state.KVPut(loanRecordsKey, removeIndex(records, index)); err != nil {
		return nil, err
	}
	return info, nil
}

// Each visits every ongoing loan in registry order. Indices without a record
// are logged and skipped.
func (r *LoanRegistry) Each(fn func(index LoanIndex, info *LoanInfo) error) error {
	ongoing, err := r.Ongoing()
	if err != nil {
		return err
	}
	for _, index := range ongoing {
		info, ok, err := r.Record(index)
		if err != nil {
			return err
		}
		if !ok {
			r.logger.Error("loanpool: ongoing loan has no record", slog.Uint64("loan_index", uint64(index)))
			continue
		}
		if err := fn(index, info); err != nil {
			return err
		}
	}
	return nil
}

func (r *LoanRegistry) recordIndices() ([]uint32, error) {
	var records []uint32
	if err := r.state.KVGetList(loanRecordsKey, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// CheckConsistency verifies that the ongoing sequence and the record map carry
// identical key sets, hold no duplicates, and respect the capacity bound.
func (r *LoanRegistry) CheckConsistency() error {
	ongoing, err := r.Ongoing()
	if err != nil {
		return err
	}
	if uint64(len(ongoing)) > uint64(r.capacity) {
		return fmt.Errorf("loanpool: %d ongoing loans exceed capacity %d", len(ongoing), r.capacity)
	}
	records, err := r.recordIndices()
	if err != nil {
		return err
	}
	seen := make(map[uint32]struct{}, len(ongoing))
	for _, index := range ongoing {
		if _, dup := seen[index]; dup {
			return fmt.Errorf("loanpool: loan %d listed twice", index)
		}
		seen[index] = struct{}{}
		ok, err := r.state.KVGet(loanKey(index), nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("loanpool: ongoing loan %d has no record", index)
		}
	}
	if len(records) != len(ongoing) {
		sorted := append([]uint32(nil), records...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for _, index := range sorted {
			if _, ok := seen[index]; !ok {
				return fmt.Errorf("loanpool: loan record %d is not ongoing", index)
			}
		}
		return fmt.Errorf("loanpool: %d records for %d ongoing loans", len(records), len(ongoing))
	}
	for _, index := range records {
		if _, ok := seen[index]; !ok {
			return fmt.Errorf("loanpool: loan record %d is not ongoing", index)
		}
	}
	return nil
}
