package chain

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbridge/internal/escrowid"
	"github.com/mbd888/escrowbridge/internal/metrics"
	"github.com/mbd888/escrowbridge/internal/token"
)

var (
	testBridgeAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testPayer      = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func testBridge(t *testing.T, client Client) *Bridge {
	t.Helper()
	b, err := NewBridge("blockdag-testnet", testBridgeAddr, client, nil, 1.5)
	require.NoError(t, err)
	return b
}

func mustParseABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	require.NoError(t, err)
	return parsed
}

func settledLog(t *testing.T, id escrowid.ID, payer common.Address, tokens, usd int64, block uint64) types.Log {
	t.Helper()
	parsed := mustParseABI(t)
	ev := parsed.Events["PaymentSettled"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(tokens), big.NewInt(usd))
	require.NoError(t, err)
	return types.Log{
		Address:     testBridgeAddr,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(id.Bytes()), common.BytesToHash(payer.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xdead"),
	}
}

func initializedLog(t *testing.T, id escrowid.ID, payer common.Address, block uint64) types.Log {
	t.Helper()
	parsed := mustParseABI(t)
	ev := parsed.Events["PaymentInitialized"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(1), big.NewInt(1))
	require.NoError(t, err)
	return types.Log{
		Address:     testBridgeAddr,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(id.Bytes()), common.BytesToHash(payer.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xbeef"),
	}
}

func TestPaymentDecodesRecord(t *testing.T) {
	client := newFakeClient()
	client.setOutput("payments",
		testPayer,
		common.HexToAddress("0x3333333333333333333333333333333333333333"),
		big.NewInt(100), big.NewInt(200),
		big.NewInt(300), big.NewInt(400),
		big.NewInt(1700000000), big.NewInt(3), big.NewInt(1699990000),
	)
	client.setOutput("isSettled", true)

	b := testBridge(t, client)
	id := escrowid.Derive([32]byte{1}, "settlement-1")

	p, err := b.Payment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, testPayer, p.Payer)
	assert.Equal(t, int64(300), p.PostedAmount.Int64())
	assert.Equal(t, uint64(1699990000), p.CreatedAt)
	assert.Equal(t, uint64(3), p.CheckCount)
	assert.True(t, p.IsSettled)
}

func TestPaymentZeroPayerSkipsSettledCheck(t *testing.T) {
	client := newFakeClient()
	client.setOutput("payments",
		ZeroAddress, ZeroAddress,
		big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0),
		big.NewInt(0), big.NewInt(0), big.NewInt(0),
	)

	b := testBridge(t, client)
	p, err := b.Payment(context.Background(), escrowid.Derive([32]byte{1}, "x"))
	require.NoError(t, err)
	assert.Equal(t, ZeroAddress, p.Payer)
	assert.False(t, p.IsSettled)
	assert.Equal(t, 0, client.calls("isSettled"))
}

func TestSettledInDecodesAmountsPositionally(t *testing.T) {
	id := escrowid.Derive([32]byte{7}, "bb")
	client := newFakeClient()
	client.logs = []types.Log{
		settledLog(t, id, testPayer, 5_000_000, 5_000_000, 42),
		initializedLog(t, id, testPayer, 43),
	}

	b := testBridge(t, client)
	events, err := b.SettledIn(context.Background(), 40, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].EscrowID)
	assert.Equal(t, testPayer, events[0].Payer)
	assert.Equal(t, int64(5_000_000), events[0].TokenAmount.Int64())
	assert.Equal(t, int64(5_000_000), events[0].UsdAmount.Int64())
	assert.Equal(t, uint64(42), events[0].BlockNumber)
}

func TestSettledInRespectsBlockRange(t *testing.T) {
	id := escrowid.Derive([32]byte{7}, "bb")
	client := newFakeClient()
	client.logs = []types.Log{
		settledLog(t, id, testPayer, 1, 1, 10),
		settledLog(t, id, testPayer, 2, 2, 20),
	}

	b := testBridge(t, client)
	events, err := b.SettledIn(context.Background(), 15, 25)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(20), events[0].BlockNumber)
}

func TestInitializedInDecodesEvents(t *testing.T) {
	id := escrowid.Derive([32]byte{9}, "aa")
	client := newFakeClient()
	client.logs = []types.Log{initializedLog(t, id, testPayer, 7)}

	b := testBridge(t, client)
	events, err := b.InitializedIn(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].EscrowID)
	assert.Equal(t, testPayer, events[0].Payer)
}

func TestTokenResolvesERC20Decimals(t *testing.T) {
	client := newFakeClient()
	client.setOutput("usdcToken", common.HexToAddress("0x4444444444444444444444444444444444444444"))
	client.setOutput("decimals", uint8(6))

	b := testBridge(t, client)
	info := b.Token(context.Background())
	assert.Equal(t, token.StableDecimals, info.Decimals)
	assert.Equal(t, "USDC", info.Symbol)
}

func TestTokenFallsBackToNativeDecimals(t *testing.T) {
	client := newFakeClient()
	client.callErrs["usdcToken"] = assert.AnError

	b := testBridge(t, client)
	info := b.Token(context.Background())
	assert.Equal(t, token.NativeDecimals, info.Decimals)
	assert.Equal(t, "BDAG", info.Symbol)
}

func TestTokenDecimalsCachesResolution(t *testing.T) {
	client := newFakeClient()
	client.setOutput("usdcToken", common.HexToAddress("0x4444444444444444444444444444444444444444"))
	client.setOutput("decimals", uint8(6))

	b := testBridge(t, client)
	assert.Equal(t, 6, b.TokenDecimals(context.Background()))
	assert.Equal(t, 6, b.TokenDecimals(context.Background()))
	assert.Equal(t, 1, client.calls("usdcToken"))
}

func TestPendingEscrows(t *testing.T) {
	a := escrowid.Derive([32]byte{1}, "a")
	b2 := escrowid.Derive([32]byte{1}, "b")
	client := newFakeClient()
	client.setOutput("getPendingEscrows", [][32]byte{a, b2})

	b := testBridge(t, client)
	ids, err := b.PendingEscrows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []escrowid.ID{a, b2}, ids)
}

func TestSubmitWithoutSubmitter(t *testing.T) {
	b := testBridge(t, newFakeClient())
	_, err := b.SettlePayment(context.Background(), escrowid.Derive([32]byte{1}, "x"))
	assert.Error(t, err)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestSubmitCountsOutcomes(t *testing.T) {
	client := newFakeClient()
	b, err := NewBridge("blockdag-testnet", testBridgeAddr, client, testSubmitter(t, client), 1.5)
	require.NoError(t, err)

	confirmed := metrics.TxSubmissionsTotal.WithLabelValues("blockdag-testnet", "settlePayment", "confirmed")
	reverted := metrics.TxSubmissionsTotal.WithLabelValues("blockdag-testnet", "settlePayment", "reverted")
	confirmedBefore := counterValue(t, confirmed)
	revertedBefore := counterValue(t, reverted)

	id := escrowid.Derive([32]byte{1}, "x")
	_, err = b.SettlePayment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, confirmedBefore+1, counterValue(t, confirmed))

	client.failNext = true
	_, err = b.SettlePayment(context.Background(), id)
	assert.ErrorIs(t, err, ErrTxReverted)
	assert.Equal(t, revertedBefore+1, counterValue(t, reverted))
	assert.Equal(t, confirmedBefore+1, counterValue(t, confirmed), "revert must not count as confirmed")
}
