package loancontract

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"communityloans/crypto"
	"communityloans/native/loanpool"
)

type recordingTarget struct {
	calls []loanpool.ContractCall
}

func (r *recordingTarget) Invoke(call loanpool.ContractCall) error {
	r.calls = append(r.calls, call)
	return nil
}

func TestRPCInvokerRoundTrip(t *testing.T) {
	target := &recordingTarget{}
	server := serveContractNode(t, target)
	defer server.Stop()
	invoker := NewRPCInvoker(rpc.DialInProc(server), time.Second)
	defer invoker.Close()

	data, err := loanpool.CreateLoanPayload{
		Admin: admin, Borrower: borrower, CollectionID: 2, ItemID: 3,
		CollateralPrice: big.NewInt(10), Amount: big.NewInt(20),
	}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	call := loanpool.ContractCall{
		Origin:              proposer,
		Contract:            contract,
		Value:               big.NewInt(20),
		GasLimit:            1_000_000,
		StorageDepositLimit: big.NewInt(7),
		Data:                data,
	}
	if err := invoker.Invoke(call); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(target.calls) != 1 {
		t.Fatalf("expected one forwarded call, got %d", len(target.calls))
	}
	got := target.calls[0]
	if !got.Origin.Equal(proposer) || !got.Contract.Equal(contract) {
		t.Fatalf("addresses not forwarded: %+v", got)
	}
	if got.Value.Int64() != 20 || got.GasLimit != 1_000_000 || got.StorageDepositLimit.Int64() != 7 {
		t.Fatalf("call envelope mismatch: %+v", got)
	}
	if string(got.Data) != string(data) {
		t.Fatalf("payload mismatch")
	}
}

func TestRPCInvokerSurfacesRemoteErrors(t *testing.T) {
	f := newFixture(t)
	server := serveContractNode(t, f.host)
	defer server.Stop()
	invoker := NewRPCInvoker(rpc.DialInProc(server), time.Second)
	defer invoker.Close()

	err := invoker.Invoke(loanpool.ContractCall{Origin: f.engine.PoolAccount(), Contract: contract, Data: []byte{0x01}})
	if err == nil || !strings.Contains(err.Error(), "malformed call data") {
		t.Fatalf("expected remote decode failure, got %v", err)
	}
}

func fromCallArgs(a CallArgs) loanpool.ContractCall {
	call := loanpool.ContractCall{
		Origin:       crypto.NewAddress(crypto.AccountPrefix, a.Origin.Bytes()),
		Contract:     crypto.NewAddress(crypto.AccountPrefix, a.Contract.Bytes()),
		Value:        big.NewInt(0),
		GasLimit:     uint64(a.GasLimit),
		Data:         []byte(a.Data),
		AllowReentry: a.AllowReentry,
	}
	if a.Value != nil {
		call.Value = a.Value.ToInt()
	}
	if a.StorageDepositLimit != nil {
		call.StorageDepositLimit = a.StorageDepositLimit.ToInt()
	}
	return call
}

// contractNode serves a Disbursement as contracts_call, standing in for a
// remote contract node.
type contractNode struct {
	target loanpool.Disbursement
}

func (s *contractNode) Call(ctx context.Context, args CallArgs) (*CallResult, error) {
	if s.target == nil {
		return nil, errors.New("loancontract: no contract behind service")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.target.Invoke(fromCallArgs(args)); err != nil {
		return nil, err
	}
	return &CallResult{Digest: loanpool.PayloadDigest(args.Data)}, nil
}

func serveContractNode(t *testing.T, target loanpool.Disbursement) *rpc.Server {
	t.Helper()
	server := rpc.NewServer()
	if err := server.RegisterName(RPCNamespace, &contractNode{target: target}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return server
}
