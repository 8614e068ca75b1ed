package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/escrowbridge/internal/escrowid"
	"github.com/mbd888/escrowbridge/internal/metrics"
	"github.com/mbd888/escrowbridge/internal/token"
)

// Minimal EscrowBridge ABI: the views, mutators, and events the coordinator
// uses. Some deployments name the PaymentSettled amount fields
// payoutWeiAfterFee/postedUsd instead of the desk-fee names below; the types
// and ordering are identical, so decoding is positional and covers both.
const bridgeABI = `[
	{"type":"function","stateMutability":"view","name":"isFinalized","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","stateMutability":"view","name":"isSettled","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","stateMutability":"view","name":"getPendingEscrows","inputs":[],"outputs":[{"name":"","type":"bytes32[]"}]},
	{"type":"function","stateMutability":"view","name":"getCompletedEscrows","inputs":[],"outputs":[{"name":"","type":"bytes32[]"}]},
	{"type":"function","stateMutability":"view","name":"payments","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[
		{"name":"payer","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"requestedAmount","type":"uint256"},
		{"name":"requestedAmountUsd","type":"uint256"},
		{"name":"postedAmount","type":"uint256"},
		{"name":"postedAmountUsd","type":"uint256"},
		{"name":"lastCheckTimestamp","type":"uint256"},
		{"name":"checkCount","type":"uint256"},
		{"name":"createdAt","type":"uint256"}]},
	{"type":"function","stateMutability":"view","name":"maxEscrowTime","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","stateMutability":"view","name":"getExchangeRate","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","stateMutability":"view","name":"fee","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","stateMutability":"view","name":"FEE_DENOMINATOR","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","stateMutability":"view","name":"usdcToken","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","stateMutability":"view","name":"getFreeBalance","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","stateMutability":"nonpayable","name":"settlePayment","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
	{"type":"function","stateMutability":"nonpayable","name":"expireEscrow","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
	{"type":"function","stateMutability":"nonpayable","name":"initPayment","inputs":[
		{"name":"escrowId","type":"bytes32"},
		{"name":"emailHash","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"receiver","type":"address"}],"outputs":[]},
	{"type":"event","name":"PaymentInitialized","inputs":[
		{"name":"escrowId","type":"bytes32","indexed":true},
		{"name":"payer","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"amountUsd","type":"uint256","indexed":false}],"anonymous":false},
	{"type":"event","name":"PaymentSettled","inputs":[
		{"name":"escrowId","type":"bytes32","indexed":true},
		{"name":"payer","type":"address","indexed":true},
		{"name":"payoutTokensAfterDeskFee","type":"uint256","indexed":false},
		{"name":"postedUsdFromRegistry","type":"uint256","indexed":false}],"anonymous":false}
]`

// Minimal ERC20 ABI for the settlement token.
const erc20ABI = `[
	{"type":"function","stateMutability":"view","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","stateMutability":"view","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// ZeroAddress marks an uninitialized payer slot in the payments mapping.
var ZeroAddress = common.Address{}

// Payment is the on-chain payment record, read-only from this side.
type Payment struct {
	Payer              common.Address
	Recipient          common.Address
	RequestedAmount    *big.Int
	RequestedAmountUsd *big.Int
	PostedAmount       *big.Int
	PostedAmountUsd    *big.Int
	LastCheckTimestamp uint64
	CheckCount         uint64
	CreatedAt          uint64
	IsSettled          bool
}

// InitializedEvent is a decoded PaymentInitialized log.
type InitializedEvent struct {
	EscrowID    escrowid.ID
	Payer       common.Address
	TxHash      string
	BlockNumber uint64
}

// SettledEvent is a decoded PaymentSettled log. TokenAmount and UsdAmount
// are raw smallest-unit values regardless of which field-naming variant the
// deployed contract uses.
type SettledEvent struct {
	EscrowID    escrowid.ID
	Payer       common.Address
	TokenAmount *big.Int
	UsdAmount   *big.Int
	TxHash      string
	BlockNumber uint64
}

// Bridge is a handle to one EscrowBridge deployment.
type Bridge struct {
	network   string
	address   common.Address
	abi       abi.ABI
	erc20     abi.ABI
	client    Client
	submitter *Submitter
	gasFactor float64

	decMu    sync.Mutex
	decimals int // 0 until resolved
}

// NewBridge creates a contract handle. submitter may be nil for read-only use.
func NewBridge(network string, address common.Address, client Client, submitter *Submitter, gasFactor float64) (*Bridge, error) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse bridge ABI: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	if gasFactor < 1.0 {
		gasFactor = 1.0
	}
	return &Bridge{
		network:   network,
		address:   address,
		abi:       parsed,
		erc20:     erc20,
		client:    client,
		submitter: submitter,
		gasFactor: gasFactor,
	}, nil
}

// Network returns the network name this handle is bound to.
func (b *Bridge) Network() string { return b.network }

// Address returns the contract address.
func (b *Bridge) Address() common.Address { return b.address }

// HeadBlock returns the current chain head.
func (b *Bridge) HeadBlock(ctx context.Context) (uint64, error) {
	return b.client.BlockNumber(ctx)
}

// ChainID returns the chain identifier of the connected network.
func (b *Bridge) ChainID(ctx context.Context) (*big.Int, error) {
	return b.client.ChainID(ctx)
}

// call invokes a view function and returns the unpacked values.
func (b *Bridge) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &b.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := b.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// IsFinalized reports whether the off-chain attestation for the escrow has
// landed on-chain.
func (b *Bridge) IsFinalized(ctx context.Context, id escrowid.ID) (bool, error) {
	out, err := b.call(ctx, "isFinalized", [32]byte(id))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// IsSettled reports whether the escrow has been paid out.
func (b *Bridge) IsSettled(ctx context.Context, id escrowid.ID) (bool, error) {
	out, err := b.call(ctx, "isSettled", [32]byte(id))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// PendingEscrows returns the identifiers currently awaiting settlement.
func (b *Bridge) PendingEscrows(ctx context.Context) ([]escrowid.ID, error) {
	out, err := b.call(ctx, "getPendingEscrows")
	if err != nil {
		return nil, err
	}
	return toIDs(out[0]), nil
}

// CompletedEscrows returns the identifiers that have settled or expired.
func (b *Bridge) CompletedEscrows(ctx context.Context) ([]escrowid.ID, error) {
	out, err := b.call(ctx, "getCompletedEscrows")
	if err != nil {
		return nil, err
	}
	return toIDs(out[0]), nil
}

func toIDs(v interface{}) []escrowid.ID {
	raw, ok := v.([][32]byte)
	if !ok {
		return nil
	}
	ids := make([]escrowid.ID, len(raw))
	for i, r := range raw {
		ids[i] = escrowid.ID(r)
	}
	return ids
}

// Payment reads the payment record for an identifier. A zero payer address
// means the escrow was never initialized on this deployment.
func (b *Bridge) Payment(ctx context.Context, id escrowid.ID) (*Payment, error) {
	out, err := b.call(ctx, "payments", [32]byte(id))
	if err != nil {
		return nil, err
	}
	p := &Payment{
		Payer:              out[0].(common.Address),
		Recipient:          out[1].(common.Address),
		RequestedAmount:    out[2].(*big.Int),
		RequestedAmountUsd: out[3].(*big.Int),
		PostedAmount:       out[4].(*big.Int),
		PostedAmountUsd:    out[5].(*big.Int),
		LastCheckTimestamp: out[6].(*big.Int).Uint64(),
		CheckCount:         out[7].(*big.Int).Uint64(),
		CreatedAt:          out[8].(*big.Int).Uint64(),
	}
	if p.Payer != ZeroAddress {
		settled, err := b.IsSettled(ctx, id)
		if err == nil {
			p.IsSettled = settled
		}
	}
	return p, nil
}

// MaxEscrowTime returns the contract's maximum escrow lifetime in seconds.
func (b *Bridge) MaxEscrowTime(ctx context.Context) (uint64, error) {
	out, err := b.call(ctx, "maxEscrowTime")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

// ExchangeRate returns the raw USD(6) exchange rate.
func (b *Bridge) ExchangeRate(ctx context.Context) (*big.Int, error) {
	out, err := b.call(ctx, "getExchangeRate")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// FeeBasisPoints returns (fee, denominator) for display purposes.
func (b *Bridge) FeeBasisPoints(ctx context.Context) (uint64, uint64, error) {
	feeOut, err := b.call(ctx, "fee")
	if err != nil {
		return 0, 0, err
	}
	denOut, err := b.call(ctx, "FEE_DENOMINATOR")
	if err != nil {
		return 0, 0, err
	}
	return feeOut[0].(*big.Int).Uint64(), denOut[0].(*big.Int).Uint64(), nil
}

// FreeBalance returns the contract's unescrowed token balance.
func (b *Bridge) FreeBalance(ctx context.Context) (*big.Int, error) {
	out, err := b.call(ctx, "getFreeBalance")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// TokenInfo describes the settlement token of this deployment.
type TokenInfo struct {
	Address  common.Address
	Decimals int
	Symbol   string
}

// Token resolves the settlement token. USDC deployments expose usdcToken();
// native-token deployments revert on that call and settle in 18 decimals.
func (b *Bridge) Token(ctx context.Context) TokenInfo {
	out, err := b.call(ctx, "usdcToken")
	if err != nil {
		return TokenInfo{Address: ZeroAddress, Decimals: token.NativeDecimals, Symbol: "BDAG"}
	}
	addr := out[0].(common.Address)
	if addr == ZeroAddress {
		return TokenInfo{Address: ZeroAddress, Decimals: token.NativeDecimals, Symbol: "BDAG"}
	}

	decimals := token.StableDecimals
	data, err := b.erc20.Pack("decimals")
	if err == nil {
		raw, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
		if err == nil {
			if vals, err := b.erc20.Unpack("decimals", raw); err == nil {
				decimals = int(vals[0].(uint8))
			}
		}
	}
	return TokenInfo{Address: addr, Decimals: decimals, Symbol: "USDC"}
}

// TokenDecimals returns the settlement token precision, cached after the
// first successful resolution.
func (b *Bridge) TokenDecimals(ctx context.Context) int {
	b.decMu.Lock()
	defer b.decMu.Unlock()
	if b.decimals == 0 {
		b.decimals = b.Token(ctx).Decimals
	}
	return b.decimals
}

// -----------------------------------------------------------------------------
// Event queries
// -----------------------------------------------------------------------------

// InitializedIn fetches PaymentInitialized logs in [from, to].
func (b *Bridge) InitializedIn(ctx context.Context, from, to uint64) ([]InitializedEvent, error) {
	logs, err := b.filterLogs(ctx, "PaymentInitialized", from, to)
	if err != nil {
		return nil, err
	}

	events := make([]InitializedEvent, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		id, err := escrowid.FromBytes(l.Topics[1].Bytes())
		if err != nil {
			continue
		}
		events = append(events, InitializedEvent{
			EscrowID:    id,
			Payer:       common.BytesToAddress(l.Topics[2].Bytes()),
			TxHash:      l.TxHash.Hex(),
			BlockNumber: l.BlockNumber,
		})
	}
	return events, nil
}

// SettledIn fetches PaymentSettled logs in [from, to]. The two non-indexed
// amounts are decoded by position so both contract variants are supported.
func (b *Bridge) SettledIn(ctx context.Context, from, to uint64) ([]SettledEvent, error) {
	logs, err := b.filterLogs(ctx, "PaymentSettled", from, to)
	if err != nil {
		return nil, err
	}

	args := b.abi.Events["PaymentSettled"].Inputs.NonIndexed()
	events := make([]SettledEvent, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		id, err := escrowid.FromBytes(l.Topics[1].Bytes())
		if err != nil {
			continue
		}
		vals, err := args.Unpack(l.Data)
		if err != nil || len(vals) < 2 {
			continue
		}
		events = append(events, SettledEvent{
			EscrowID:    id,
			Payer:       common.BytesToAddress(l.Topics[2].Bytes()),
			TokenAmount: vals[0].(*big.Int),
			UsdAmount:   vals[1].(*big.Int),
			TxHash:      l.TxHash.Hex(),
			BlockNumber: l.BlockNumber,
		})
	}
	return events, nil
}

func (b *Bridge) filterLogs(ctx context.Context, event string, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{b.address},
		Topics:    [][]common.Hash{{b.abi.Events[event].ID}},
	}
	return b.client.FilterLogs(ctx, query)
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

// SettlePayment submits the settlement transaction for a finalized escrow.
func (b *Bridge) SettlePayment(ctx context.Context, id escrowid.ID) (*SubmitResult, error) {
	return b.submit(ctx, "settlePayment", b.gasFactor, [32]byte(id))
}

// ExpireEscrow force-expires an escrow past its maximum lifetime. Expiry is
// time-sensitive, so the gas estimate gets a 2x safety factor.
func (b *Bridge) ExpireEscrow(ctx context.Context, id escrowid.ID) (*SubmitResult, error) {
	return b.submit(ctx, "expireEscrow", 2.0, [32]byte(id))
}

// InitPayment opens a new escrow.
func (b *Bridge) InitPayment(ctx context.Context, id, emailHash escrowid.ID, amount *big.Int, receiver common.Address) (*SubmitResult, error) {
	return b.submit(ctx, "initPayment", b.gasFactor, [32]byte(id), [32]byte(emailHash), amount, receiver)
}

func (b *Bridge) submit(ctx context.Context, method string, gasFactor float64, args ...interface{}) (*SubmitResult, error) {
	if b.submitter == nil {
		return nil, fmt.Errorf("chain: no submitter configured for %s", b.network)
	}
	calldata, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	result, err := b.submitter.Submit(ctx, b.address, calldata, gasFactor)
	metrics.TxSubmissionsTotal.WithLabelValues(b.network, method, submitResultLabel(err)).Inc()
	return result, err
}

func submitResultLabel(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, ErrTxReverted):
		return "reverted"
	default:
		return "failed"
	}
}
