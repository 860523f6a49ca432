package loancontract

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"communityloans/native/loanpool"
)

// RPCNamespace is the namespace a contract node serves calls under.
const (
	RPCNamespace = "contracts"
	callMethod   = RPCNamespace + "_call"
)

// CallArgs is the JSON-RPC form of loanpool.ContractCall.
type CallArgs struct {
	Origin              common.Address `json:"origin"`
	Contract            common.Address `json:"contract"`
	Value               *hexutil.Big   `json:"value"`
	GasLimit            hexutil.Uint64 `json:"gasLimit"`
	StorageDepositLimit *hexutil.Big   `json:"storageDepositLimit,omitempty"`
	Data                hexutil.Bytes  `json:"data"`
	AllowReentry        bool           `json:"allowReentry"`
}

// CallResult acknowledges an executed call.
type CallResult struct {
	Digest string `json:"digest"`
}

func toCallArgs(call loanpool.ContractCall) CallArgs {
	args := CallArgs{
		Origin:       common.BytesToAddress(call.Origin.Bytes()),
		Contract:     common.BytesToAddress(call.Contract.Bytes()),
		Value:        (*hexutil.Big)(new(big.Int)),
		GasLimit:     hexutil.Uint64(call.GasLimit),
		Data:         hexutil.Bytes(call.Data),
		AllowReentry: call.AllowReentry,
	}
	if call.Value != nil {
		args.Value = (*hexutil.Big)(new(big.Int).Set(call.Value))
	}
	if call.StorageDepositLimit != nil {
		args.StorageDepositLimit = (*hexutil.Big)(new(big.Int).Set(call.StorageDepositLimit))
	}
	return args
}

// RPCInvoker forwards disbursements to a remote contract node.
type RPCInvoker struct {
	client  *rpc.Client
	timeout time.Duration
}

// DialRPC connects to a contract node at endpoint.
func DialRPC(ctx context.Context, endpoint string, timeout time.Duration) (*RPCInvoker, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("loancontract: dial %s: %w", endpoint, err)
	}
	return NewRPCInvoker(client, timeout), nil
}

func NewRPCInvoker(client *rpc.Client, timeout time.Duration) *RPCInvoker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCInvoker{client: client, timeout: timeout}
}

// Invoke implements loanpool.Disbursement. The remote digest must match the
// payload that was sent.
func (i *RPCInvoker) Invoke(call loanpool.ContractCall) error {
	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()
	var result CallResult
	if err := i.client.CallContext(ctx, &result, callMethod, toCallArgs(call)); err != nil {
		return fmt.Errorf("loancontract: remote call: %w", err)
	}
	if want := loanpool.PayloadDigest(call.Data); result.Digest != want {
		return fmt.Errorf("loancontract: remote digest %s, want %s", result.Digest, want)
	}
	return nil
}

func (i *RPCInvoker) Close() { i.client.Close() }
