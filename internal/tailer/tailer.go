// Package tailer follows bridge contract events on one network.
//
// Each network gets its own Tailer polling the chain head and scanning the
// block range since the last successful pass. The cursor only advances after
// every event in the range has been handled, so delivery is at-least-once
// and downstream consumers dedupe. A bounded seen-set suppresses the
// redeliveries that follow a partial failure.
package tailer

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mbd888/escrowbridge/internal/chain"
)

const (
	// DefaultInterval between polls.
	DefaultInterval = 5 * time.Second

	// DefaultLookback blocks re-scanned on startup to cover events missed
	// while the process was down.
	DefaultLookback = uint64(5)

	// seenCap bounds the dedupe set. Oldest entries fall out first; the cap
	// comfortably exceeds any realistic redelivery window.
	seenCap = 4096
)

// Source is the per-network chain surface the tailer reads.
type Source interface {
	Network() string
	HeadBlock(ctx context.Context) (uint64, error)
	InitializedIn(ctx context.Context, from, to uint64) ([]chain.InitializedEvent, error)
	SettledIn(ctx context.Context, from, to uint64) ([]chain.SettledEvent, error)
}

// Handlers receive classified events. A handler error aborts the pass
// without advancing the cursor, so the range is re-scanned next tick.
type Handlers struct {
	OnInitialized func(ctx context.Context, network string, ev chain.InitializedEvent) error
	OnSettled     func(ctx context.Context, network string, ev chain.SettledEvent) error
}

// Tailer polls one network for bridge events.
type Tailer struct {
	source   Source
	handlers Handlers
	logger   *slog.Logger
	interval time.Duration
	lookback uint64

	cursor uint64 // last fully processed block, 0 until primed
	seen   *seenSet
}

// Option configures a Tailer.
type Option func(*Tailer)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(t *Tailer) { t.interval = d }
}

// WithLookback overrides the startup re-scan depth.
func WithLookback(blocks uint64) Option {
	return func(t *Tailer) { t.lookback = blocks }
}

// New creates a tailer for one network.
func New(source Source, handlers Handlers, logger *slog.Logger, opts ...Option) *Tailer {
	t := &Tailer{
		source:   source,
		handlers: handlers,
		logger:   logger.With("network", source.Network()),
		interval: DefaultInterval,
		lookback: DefaultLookback,
		seen:     newSeenSet(seenCap),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start runs the poll loop until ctx is cancelled.
func (t *Tailer) Start(ctx context.Context) {
	t.logger.Info("event tailer starting", "interval", t.interval)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safePoll(ctx)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("event tailer stopping")
			return
		case <-ticker.C:
			t.safePoll(ctx)
		}
	}
}

// safePoll isolates a panicking pass from the loop.
func (t *Tailer) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("tailer poll panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	t.poll(ctx)
}

// Cursor returns the last fully processed block.
func (t *Tailer) Cursor() uint64 { return t.cursor }

func (t *Tailer) poll(ctx context.Context) {
	head, err := t.source.HeadBlock(ctx)
	if err != nil {
		t.logger.Warn("head block query failed", "error", err)
		return
	}

	if t.cursor == 0 {
		start := uint64(0)
		if head > t.lookback {
			start = head - t.lookback
		}
		t.cursor = start
		t.logger.Info("tailer primed", "head", head, "from_block", start+1)
	}

	if head <= t.cursor {
		return
	}
	from, to := t.cursor+1, head

	inits, err := t.source.InitializedIn(ctx, from, to)
	if err != nil {
		t.logger.Warn("initialized-event scan failed", "from", from, "to", to, "error", err)
		return
	}
	settles, err := t.source.SettledIn(ctx, from, to)
	if err != nil {
		t.logger.Warn("settled-event scan failed", "from", from, "to", to, "error", err)
		return
	}

	network := t.source.Network()
	for _, ev := range inits {
		key := "init:" + ev.TxHash
		if t.seen.contains(key) {
			continue
		}
		if err := t.handlers.OnInitialized(ctx, network, ev); err != nil {
			t.logger.Warn("initialized handler failed",
				"escrow_id", ev.EscrowID.Short(), "tx", ev.TxHash, "error", err)
			return
		}
		t.seen.add(key)
		t.logger.Info("escrow initialized",
			"escrow_id", ev.EscrowID.Short(), "block", ev.BlockNumber, "tx", ev.TxHash)
	}

	for _, ev := range settles {
		key := "settle:" + ev.TxHash
		if t.seen.contains(key) {
			continue
		}
		if err := t.handlers.OnSettled(ctx, network, ev); err != nil {
			t.logger.Warn("settled handler failed",
				"escrow_id", ev.EscrowID.Short(), "tx", ev.TxHash, "error", err)
			return
		}
		t.seen.add(key)
		t.logger.Info("escrow settled on-chain",
			"escrow_id", ev.EscrowID.Short(), "block", ev.BlockNumber, "tx", ev.TxHash)
	}

	t.cursor = head
}
