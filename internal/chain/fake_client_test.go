package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeClient is an in-memory Client for tests. View calls are answered from
// a per-method output table, log queries from a fixed log slice.
type fakeClient struct {
	mu sync.Mutex

	head uint64
	logs []types.Log

	// outputs maps method name to the values its call should return.
	outputs map[string][]interface{}
	// callErrs forces an error for a named method.
	callErrs map[string]error
	callLog  []string

	nonce       uint64
	estimateGas uint64
	estimateErr error
	header      *types.Header
	sendErr     error
	sentTxs     []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	failNext    bool

	abis []abi.ABI
}

func newFakeClient(abis ...abi.ABI) *fakeClient {
	if len(abis) == 0 {
		parsed, _ := abi.JSON(strings.NewReader(bridgeABI))
		erc20, _ := abi.JSON(strings.NewReader(erc20ABI))
		abis = []abi.ABI{parsed, erc20}
	}
	return &fakeClient{
		outputs:     make(map[string][]interface{}),
		callErrs:    make(map[string]error),
		estimateGas: 100000,
		header:      &types.Header{BaseFee: big.NewInt(1e9)},
		receipts:    make(map[common.Hash]*types.Receipt),
		abis:        abis,
	}
}

func (f *fakeClient) setOutput(method string, vals ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[method] = vals
}

func (f *fakeClient) calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.callLog {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeClient) methodByID(data []byte) *abi.Method {
	if len(data) < 4 {
		return nil
	}
	for i := range f.abis {
		if m, err := f.abis[i].MethodById(data[:4]); err == nil {
			return m
		}
	}
	return nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
			if len(l.Topics) == 0 || l.Topics[0] != q.Topics[0][0] {
				continue
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	method := f.methodByID(call.Data)
	if method == nil {
		return nil, errors.New("unknown method")
	}

	f.mu.Lock()
	f.callLog = append(f.callLog, method.Name)
	err := f.callErrs[method.Name]
	vals, ok := f.outputs[method.Name]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("no output configured for " + method.Name)
	}
	return method.Outputs.Pack(vals...)
}

func (f *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimateGas, nil
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.header == nil {
		return nil, errors.New("no header")
	}
	return f.header, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentTxs = append(f.sentTxs, tx)
	f.nonce++
	status := types.ReceiptStatusSuccessful
	if f.failNext {
		status = types.ReceiptStatusFailed
		f.failNext = false
	}
	if _, ok := f.receipts[tx.Hash()]; !ok {
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      status,
			BlockNumber: big.NewInt(int64(f.head)),
			GasUsed:     21000,
		}
	}
	return nil
}

// failNextTx makes the receipt of the next broadcast transaction report a
// revert instead of success.
func (f *fakeClient) failNextTx() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = true
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1043), nil
}

func (f *fakeClient) Close() {}
