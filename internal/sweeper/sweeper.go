// Package sweeper expires escrows that outlived the contract's maximum
// escrow time.
//
// Funds in an escrow that never finalizes would otherwise be stuck; the
// sweeper walks each network's pending escrows on a slow interval and
// force-expires the overdue ones. Errors on one escrow never stop the
// sweep of the rest.
package sweeper

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mbd888/escrowbridge/internal/chain"
	"github.com/mbd888/escrowbridge/internal/escrowid"
)

// DefaultInterval between sweeps. Expiry windows are hours long, so a slow
// cadence is plenty.
const DefaultInterval = 5 * time.Minute

// Bridge is the per-network surface a sweep needs.
type Bridge interface {
	Network() string
	MaxEscrowTime(ctx context.Context) (uint64, error)
	PendingEscrows(ctx context.Context) ([]escrowid.ID, error)
	Payment(ctx context.Context, id escrowid.ID) (*chain.Payment, error)
	ExpireEscrow(ctx context.Context, id escrowid.ID) (*chain.SubmitResult, error)
}

// Sweeper periodically expires overdue escrows across all networks.
type Sweeper struct {
	bridges  []Bridge
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	// onExpired, when set, observes every successful expiry.
	onExpired func(network string, id escrowid.ID, txHash string)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithExpiredHook registers an expiry observer.
func WithExpiredHook(fn func(network string, id escrowid.ID, txHash string)) Option {
	return func(s *Sweeper) { s.onExpired = fn }
}

// New creates a sweeper over the given bridges.
func New(bridges []Bridge, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		bridges:  bridges,
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep loop until ctx is cancelled. The first sweep runs
// immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("expiry sweeper starting", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.safeSweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopping")
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass over every network.
func (s *Sweeper) Sweep(ctx context.Context) {
	for _, bridge := range s.bridges {
		s.sweepNetwork(ctx, bridge)
	}
}

func (s *Sweeper) sweepNetwork(ctx context.Context, bridge Bridge) {
	logger := s.logger.With("network", bridge.Network())

	maxTime, err := bridge.MaxEscrowTime(ctx)
	if err != nil {
		logger.Warn("max escrow time query failed", "error", err)
		return
	}
	pending, err := bridge.PendingEscrows(ctx)
	if err != nil {
		logger.Warn("pending escrows query failed", "error", err)
		return
	}

	now := uint64(s.now().Unix())
	for _, id := range pending {
		if err := s.expireIfOverdue(ctx, bridge, id, maxTime, now); err != nil {
			logger.Warn("expiry attempt failed", "escrow_id", id.Short(), "error", err)
		}
	}
}

// expireIfOverdue expires a single escrow when now is strictly past
// createdAt + maxTime. An escrow exactly at its deadline is left alone.
func (s *Sweeper) expireIfOverdue(ctx context.Context, bridge Bridge, id escrowid.ID, maxTime, now uint64) error {
	payment, err := bridge.Payment(ctx, id)
	if err != nil {
		return err
	}
	if payment.Payer == chain.ZeroAddress || payment.CreatedAt == 0 {
		return nil
	}
	deadline := payment.CreatedAt + maxTime
	if now <= deadline {
		return nil
	}

	s.logger.Info("expiring overdue escrow",
		"network", bridge.Network(),
		"escrow_id", id.Short(),
		"created_at", payment.CreatedAt,
		"overdue_by", now-deadline)

	result, err := bridge.ExpireEscrow(ctx, id)
	if err != nil {
		return err
	}

	s.logger.Info("escrow expired",
		"network", bridge.Network(), "escrow_id", id.Short(), "tx", result.TxHash)
	if s.onExpired != nil {
		s.onExpired(bridge.Network(), id, result.TxHash)
	}
	return nil
}
