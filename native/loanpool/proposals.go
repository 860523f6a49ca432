package loanpool

import (
	"fmt"
	"math"
)

type kvStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVGetList(key []byte, out interface{}) error
}

// ProposalLedger stores pending proposals under monotonically assigned
// indices. Count reports the highest index ever assigned, not the number of
// live proposals.
type ProposalLedger struct {
	state kvStore
}

// NewProposalLedger binds the ledger to the provided state.
func NewProposalLedger(state kvStore) *ProposalLedger {
	return &ProposalLedger{state: state}
}

// Count returns the highest assigned proposal index.
func (l *ProposalLedger) Count() (ProposalIndex, error) {
	var count uint32
	if _, err := l.state.KVGet(proposalCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Next returns the index the next proposal will receive.
func (l *ProposalLedger) Next() (ProposalIndex, error) {
	count, err := l.Count()
	if err != nil {
		return 0, err
	}
	if count == math.MaxUint32 {
		return 0, errIndexOverflow
	}
	return count + 1, nil
}

// Insert stores the proposal under index and advances the counter. Occupied
// indices and indices at or below the counter are rejected so an index is
// never handed out twice.
func (l *ProposalLedger) Insert(index ProposalIndex, proposal *Proposal) error {
	if proposal == nil {
		return fmt.Errorf("loanpool: nil proposal")
	}
	count, err := l.Count()
	if err != nil {
		return err
	}
	if index <= count {
		return fmt.Errorf("%w: proposal %d", errIndexInUse, index)
	}
	ok, err := l.state.KVGet(proposalKey(index), nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: proposal %d", errIndexInUse, index)
	}
	if err := l.state.KVPut(proposalKey(index), proposal); err != nil {
		return err
	}
	live, err := l.Indices()
	if err != nil {
		return err
	}
	live = append(live, index)
	if err := l.state.KVPut(proposalLiveKey, live); err != nil {
		return err
	}
	return l.state.KVPut(proposalCountKey, index)
}

// Get loads a proposal without removing it.
func (l *ProposalLedger) Get(index ProposalIndex) (*Proposal, bool, error) {
	var proposal Proposal
	ok, err := l.state.KVGet(proposalKey(index), &proposal)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &proposal, true, nil
}

// Take removes and returns the proposal stored under index.
func (l *ProposalLedger) Take(index ProposalIndex) (*Proposal, error) {
	proposal, ok, err := l.Get(index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: proposal %d", ErrInvalidIndex, index)
	}
	if err := l.state.KVDelete(proposalKey(index)); err != nil {
		return nil, err
	}
	live, err := l.Indices()
	if err != nil {
		return nil, err
	}
	if err := l.state.KVPut(proposalLiveKey, removeIndex(live, index)); err != nil {
		return nil, err
	}
	return proposal, nil
}

// Indices lists live proposal indices in insertion order.
func (l *ProposalLedger) Indices() ([]ProposalIndex, error) {
	var live []uint32
	if err := l.state.KVGetList(proposalLiveKey, &live); err != nil {
		return nil, err
	}
	return live, nil
}

func removeIndex(list []uint32, index uint32) []uint32 {
	out := make([]uint32, 0, len(list))
	for _, v := range list {
		if v != index {
			out = append(out, v)
		}
	}
	return out
}

func containsIndex(list []uint32, index uint32) bool {
	for _, v := range list {
		if v == index {
			return true
		}
	}
	return false
}
