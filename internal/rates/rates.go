// Package rates maintains periodic snapshots of per-network contract state.
//
// Two cadences: exchange rates move slowly and refresh every 30 minutes;
// the pending-escrow list drives re-dispatch of stalled settlements and
// refreshes every 30 seconds. Both snapshots also back API endpoints, so
// reads never touch an RPC.
package rates

import (
	"context"
	"log/slog"
	"math/big"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mbd888/escrowbridge/internal/escrowid"
	"github.com/mbd888/escrowbridge/internal/token"
)

const (
	// DefaultRateInterval between exchange-rate refreshes.
	DefaultRateInterval = 30 * time.Minute

	// DefaultPendingInterval between pending-escrow refreshes.
	DefaultPendingInterval = 30 * time.Second
)

// Bridge is the per-network surface the cache reads.
type Bridge interface {
	Network() string
	ExchangeRate(ctx context.Context) (*big.Int, error)
	PendingEscrows(ctx context.Context) ([]escrowid.ID, error)
}

// Cache holds the latest snapshots.
type Cache struct {
	bridges         []Bridge
	logger          *slog.Logger
	rateInterval    time.Duration
	pendingInterval time.Duration

	// onPending, when set, sees every pending escrow on every refresh.
	// The settlement coordinator uses it to re-register escrows whose
	// finalizer timed out.
	onPending func(network string, id escrowid.ID)

	mu           sync.RWMutex
	rates        map[string]float64
	ratesUpdated time.Time
	pending      map[string][]escrowid.ID
}

// Option configures a Cache.
type Option func(*Cache)

// WithRateInterval overrides the exchange-rate refresh cadence.
func WithRateInterval(d time.Duration) Option {
	return func(c *Cache) { c.rateInterval = d }
}

// WithPendingInterval overrides the pending-escrow refresh cadence.
func WithPendingInterval(d time.Duration) Option {
	return func(c *Cache) { c.pendingInterval = d }
}

// WithPendingHook registers a pending-escrow observer.
func WithPendingHook(fn func(network string, id escrowid.ID)) Option {
	return func(c *Cache) { c.onPending = fn }
}

// New creates a cache over the given bridges.
func New(bridges []Bridge, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		bridges:         bridges,
		logger:          logger,
		rateInterval:    DefaultRateInterval,
		pendingInterval: DefaultPendingInterval,
		rates:           make(map[string]float64),
		pending:         make(map[string][]escrowid.ID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs both refresh loops until ctx is cancelled. Each loop does an
// immediate first pass.
func (c *Cache) Start(ctx context.Context) {
	c.logger.Info("state cache starting",
		"rate_interval", c.rateInterval, "pending_interval", c.pendingInterval)

	rateTicker := time.NewTicker(c.rateInterval)
	defer rateTicker.Stop()
	pendingTicker := time.NewTicker(c.pendingInterval)
	defer pendingTicker.Stop()

	c.safeRefresh(ctx, c.RefreshRates)
	c.safeRefresh(ctx, c.RefreshPending)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("state cache stopping")
			return
		case <-rateTicker.C:
			c.safeRefresh(ctx, c.RefreshRates)
		case <-pendingTicker.C:
			c.safeRefresh(ctx, c.RefreshPending)
		}
	}
}

func (c *Cache) safeRefresh(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cache refresh panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(ctx)
}

// RefreshRates re-reads every network's exchange rate. A network that fails
// keeps its previous value.
func (c *Cache) RefreshRates(ctx context.Context) {
	for _, bridge := range c.bridges {
		raw, err := bridge.ExchangeRate(ctx)
		if err != nil {
			c.logger.Warn("exchange rate query failed",
				"network", bridge.Network(), "error", err)
			continue
		}
		rate := token.ToFloat(raw, token.StableDecimals)

		c.mu.Lock()
		c.rates[bridge.Network()] = rate
		c.ratesUpdated = time.Now()
		c.mu.Unlock()

		c.logger.Debug("exchange rate updated", "network", bridge.Network(), "rate", rate)
	}
}

// RefreshPending re-reads every network's pending escrows and replays them
// through the pending hook.
func (c *Cache) RefreshPending(ctx context.Context) {
	for _, bridge := range c.bridges {
		ids, err := bridge.PendingEscrows(ctx)
		if err != nil {
			c.logger.Warn("pending escrows query failed",
				"network", bridge.Network(), "error", err)
			continue
		}

		c.mu.Lock()
		c.pending[bridge.Network()] = ids
		c.mu.Unlock()

		if c.onPending != nil {
			for _, id := range ids {
				c.onPending(bridge.Network(), id)
			}
		}
	}
}

// Rates returns a copy of the latest exchange rates keyed by network.
func (c *Cache) Rates() (map[string]float64, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.rates))
	for k, v := range c.rates {
		out[k] = v
	}
	return out, c.ratesUpdated
}

// Pending returns the latest pending identifiers keyed by network, in the
// 0x-prefixed form used by the API.
func (c *Cache) Pending() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string, len(c.pending))
	for network, ids := range c.pending {
		hexIDs := make([]string, len(ids))
		for i, id := range ids {
			hexIDs[i] = id.String()
		}
		out[network] = hexIDs
	}
	return out
}
