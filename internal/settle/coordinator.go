// Package settle finalizes pending escrows.
//
// A dispatcher scans the pending set on a short interval and spawns at most
// one finalizer goroutine per escrow. Finalizers wait for the off-chain
// attestation, submit the settlement transaction, and report a terminal
// outcome; the coordinator then removes the escrow from both the active
// registry and the pending set, whatever the outcome was.
package settle

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mbd888/escrowbridge/internal/escrowid"
)

const (
	// DefaultDispatchInterval between pending-set scans.
	DefaultDispatchInterval = 2 * time.Second

	// DefaultMaxAttempts finalization polls before giving up.
	DefaultMaxAttempts = 60

	// DefaultPollDelay between finalization polls.
	DefaultPollDelay = 5 * time.Second
)

// Coordinator owns the pending set and the active finalizer registry.
type Coordinator struct {
	pending  *PendingSet
	bridges  map[string]Bridge
	logger   *slog.Logger
	interval time.Duration
	attempts int
	delay    time.Duration

	// onTerminal, when set, observes every finalizer outcome. It runs on
	// the finalizer goroutine after cleanup.
	onTerminal func(Outcome)

	mu     sync.Mutex
	active map[escrowid.ID]*Finalizer

	wg sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDispatchInterval overrides the pending-set scan interval.
func WithDispatchInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

// WithFinalizeAttempts overrides the per-escrow poll budget.
func WithFinalizeAttempts(n int) Option {
	return func(c *Coordinator) { c.attempts = n }
}

// WithPollDelay overrides the delay between finalization polls.
func WithPollDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.delay = d }
}

// WithTerminalHook registers an outcome observer.
func WithTerminalHook(fn func(Outcome)) Option {
	return func(c *Coordinator) { c.onTerminal = fn }
}

// NewCoordinator creates a coordinator over the given per-network bridges.
func NewCoordinator(bridges map[string]Bridge, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		pending:  NewPendingSet(),
		bridges:  bridges,
		logger:   logger,
		interval: DefaultDispatchInterval,
		attempts: DefaultMaxAttempts,
		delay:    DefaultPollDelay,
		active:   make(map[escrowid.ID]*Finalizer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds an escrow to the pending set. Safe to call repeatedly for
// the same id; later calls are no-ops.
func (c *Coordinator) Register(id escrowid.ID, network string) bool {
	added := c.pending.Add(id, network)
	if added {
		c.logger.Info("escrow registered for settlement",
			"escrow_id", id.Short(), "network", network)
	}
	return added
}

// Pending returns a snapshot of escrows awaiting settlement.
func (c *Coordinator) Pending() []Entry {
	return c.pending.Snapshot()
}

// ActiveCount returns the number of running finalizers.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// FinalizerState reports the state of an in-flight finalizer, if any.
func (c *Coordinator) FinalizerState(id escrowid.ID) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.active[id]
	if !ok {
		return 0, false
	}
	return f.State(), true
}

// Start runs the dispatch loop until ctx is cancelled, then waits for
// in-flight finalizers to wind down.
func (c *Coordinator) Start(ctx context.Context) {
	c.logger.Info("settlement dispatcher starting",
		"interval", c.interval, "max_attempts", c.attempts, "poll_delay", c.delay)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("settlement dispatcher stopping")
			c.wg.Wait()
			return
		case <-ticker.C:
			c.dispatch(ctx)
		}
	}
}

// dispatch spawns a finalizer for every pending escrow that does not have
// one. The check-and-add runs under the registry lock, so an escrow can
// never have two live finalizers.
func (c *Coordinator) dispatch(ctx context.Context) {
	for _, entry := range c.pending.Snapshot() {
		bridge, ok := c.bridges[entry.Network]
		if !ok {
			c.logger.Error("pending escrow references unknown network",
				"escrow_id", entry.ID.Short(), "network", entry.Network)
			c.pending.Remove(entry.ID)
			continue
		}

		c.mu.Lock()
		if _, running := c.active[entry.ID]; running {
			c.mu.Unlock()
			continue
		}
		f := newFinalizer(entry.ID, bridge, c.attempts, c.delay, c.logger)
		c.active[entry.ID] = f
		c.mu.Unlock()

		c.wg.Add(1)
		go c.runFinalizer(ctx, f)
	}
}

func (c *Coordinator) runFinalizer(ctx context.Context, f *Finalizer) {
	defer c.wg.Done()

	// Cleanup must happen on every exit path, panics included: a leaked
	// registry entry would block the escrow forever.
	var out Outcome
	defer func() {
		if r := recover(); r != nil {
			f.setState(StateFailed)
			out = f.outcome("", nil)
			c.logger.Error("finalizer panicked",
				"escrow_id", f.id.Short(), "panic", r, "stack", string(debug.Stack()))
		}
		c.finish(out)
	}()

	out = f.run(ctx)
}

func (c *Coordinator) finish(out Outcome) {
	c.mu.Lock()
	delete(c.active, out.ID)
	c.mu.Unlock()
	if e, ok := c.pending.Get(out.ID); ok {
		out.Duration = time.Since(e.AddedAt)
	}
	c.pending.Remove(out.ID)

	c.logger.Info("finalizer finished",
		"escrow_id", out.ID.Short(),
		"network", out.Network,
		"state", out.State.String(),
		"tx", out.TxHash,
		"duration", out.Duration)

	if c.onTerminal != nil {
		c.onTerminal(out)
	}
}
