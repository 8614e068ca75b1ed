package locator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbridge/internal/chain"
	"github.com/mbd888/escrowbridge/internal/escrowid"
)

type fakeProber struct {
	mu      sync.Mutex
	network string
	holds   map[escrowid.ID]bool
	err     error
	// failures before succeeding, for transient-error tests
	failFirst int
	calls     int
}

func (f *fakeProber) Network() string { return f.network }

func (f *fakeProber) Payment(ctx context.Context, id escrowid.ID) (*chain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("rpc timeout")
	}
	if f.err != nil {
		return nil, f.err
	}
	p := &chain.Payment{}
	if f.holds[id] {
		p.Payer = common.HexToAddress("0x2222222222222222222222222222222222222222")
	}
	return p, nil
}

func (f *fakeProber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testID(b byte) escrowid.ID {
	return escrowid.Derive([32]byte{b}, "settlement")
}

func TestFindProbesInOrder(t *testing.T) {
	id := testID(1)
	first := &fakeProber{network: "blockdag-testnet", holds: map[escrowid.ID]bool{}}
	second := &fakeProber{network: "base-sepolia", holds: map[escrowid.ID]bool{id: true}}

	l := New([]Prober{first, second}, slog.Default())
	network, err := l.Find(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "base-sepolia", network)
	assert.Equal(t, 1, first.callCount())
	assert.Equal(t, 1, second.callCount())
}

func TestFindCachesPositiveAnswer(t *testing.T) {
	id := testID(2)
	prober := &fakeProber{network: "blockdag-testnet", holds: map[escrowid.ID]bool{id: true}}

	l := New([]Prober{prober}, slog.Default())
	_, err := l.Find(context.Background(), id)
	require.NoError(t, err)

	network, err := l.Find(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "blockdag-testnet", network)
	assert.Equal(t, 1, prober.callCount(), "second lookup must come from cache")
}

func TestFindCacheExpires(t *testing.T) {
	id := testID(3)
	prober := &fakeProber{network: "blockdag-testnet", holds: map[escrowid.ID]bool{id: true}}

	now := time.Now()
	clock := func() time.Time { return now }
	l := New([]Prober{prober}, slog.Default(), WithTTL(time.Minute), WithClock(clock))

	_, err := l.Find(context.Background(), id)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = l.Find(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, prober.callCount(), "expired entry must re-probe")
}

func TestFindNotFoundIsDefinitive(t *testing.T) {
	id := testID(4)
	prober := &fakeProber{network: "blockdag-testnet", holds: map[escrowid.ID]bool{}}

	l := New([]Prober{prober}, slog.Default())
	_, err := l.Find(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindTransientFailureIsNotNotFound(t *testing.T) {
	id := testID(5)
	prober := &fakeProber{network: "blockdag-testnet", err: errors.New("connection refused")}

	l := New([]Prober{prober}, slog.Default())
	_, err := l.Find(context.Background(), id)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestFindRetriesTransientProbeFailures(t *testing.T) {
	id := testID(6)
	prober := &fakeProber{
		network:   "blockdag-testnet",
		holds:     map[escrowid.ID]bool{id: true},
		failFirst: 2,
	}

	l := New([]Prober{prober}, slog.Default())
	network, err := l.Find(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "blockdag-testnet", network)
	assert.Equal(t, 3, prober.callCount())
}

func TestSeedSkipsProbing(t *testing.T) {
	id := testID(7)
	prober := &fakeProber{network: "blockdag-testnet", holds: map[escrowid.ID]bool{}}

	l := New([]Prober{prober}, slog.Default())
	l.Seed(id, "blockdag-testnet")

	network, err := l.Find(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "blockdag-testnet", network)
	assert.Equal(t, 0, prober.callCount())
}
