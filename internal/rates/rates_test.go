package rates

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbridge/internal/escrowid"
)

type fakeBridge struct {
	mu      sync.Mutex
	network string
	rate    *big.Int
	rateErr error
	pending []escrowid.ID
	pendErr error
}

func (f *fakeBridge) Network() string { return f.network }

func (f *fakeBridge) ExchangeRate(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate, f.rateErr
}

func (f *fakeBridge) PendingEscrows(ctx context.Context) ([]escrowid.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, f.pendErr
}

func testID(b byte) escrowid.ID {
	return escrowid.Derive([32]byte{b}, "settlement")
}

func TestRefreshRatesConvertsToFloat(t *testing.T) {
	bridge := &fakeBridge{network: "blockdag-testnet", rate: big.NewInt(1_250_000)}
	c := New([]Bridge{bridge}, slog.Default())

	c.RefreshRates(context.Background())
	got, updated := c.Rates()
	assert.Equal(t, 1.25, got["blockdag-testnet"])
	assert.False(t, updated.IsZero())
}

func TestRefreshRatesKeepsStaleValueOnFailure(t *testing.T) {
	bridge := &fakeBridge{network: "blockdag-testnet", rate: big.NewInt(2_000_000)}
	c := New([]Bridge{bridge}, slog.Default())
	c.RefreshRates(context.Background())

	bridge.mu.Lock()
	bridge.rateErr = errors.New("rpc down")
	bridge.mu.Unlock()
	c.RefreshRates(context.Background())

	got, _ := c.Rates()
	assert.Equal(t, 2.0, got["blockdag-testnet"], "failed refresh keeps the old rate")
}

func TestRefreshPendingSnapshotsAndNotifies(t *testing.T) {
	a, b := testID(1), testID(2)
	bridge := &fakeBridge{network: "blockdag-testnet", pending: []escrowid.ID{a, b}}

	var seen []escrowid.ID
	c := New([]Bridge{bridge}, slog.Default(),
		WithPendingHook(func(network string, id escrowid.ID) {
			seen = append(seen, id)
		}))

	c.RefreshPending(context.Background())
	assert.Equal(t, []escrowid.ID{a, b}, seen)

	snap := c.Pending()
	require.Len(t, snap["blockdag-testnet"], 2)
	assert.Equal(t, a.String(), snap["blockdag-testnet"][0])
}

func TestRefreshPendingReplaysEveryCycle(t *testing.T) {
	id := testID(3)
	bridge := &fakeBridge{network: "blockdag-testnet", pending: []escrowid.ID{id}}

	count := 0
	c := New([]Bridge{bridge}, slog.Default(),
		WithPendingHook(func(string, escrowid.ID) { count++ }))

	c.RefreshPending(context.Background())
	c.RefreshPending(context.Background())
	assert.Equal(t, 2, count, "stalled escrows must be re-offered every refresh")
}

func TestRefreshCoversAllNetworks(t *testing.T) {
	first := &fakeBridge{network: "blockdag-testnet", rate: big.NewInt(1_000_000)}
	second := &fakeBridge{network: "base-sepolia", rate: big.NewInt(3_000_000)}
	c := New([]Bridge{first, second}, slog.Default())

	c.RefreshRates(context.Background())
	got, _ := c.Rates()
	assert.Len(t, got, 2)
	assert.Equal(t, 3.0, got["base-sepolia"])
}
