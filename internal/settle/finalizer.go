package settle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowbridge/internal/chain"
	"github.com/mbd888/escrowbridge/internal/escrowid"
)

// Bridge is the per-network surface a finalizer drives.
type Bridge interface {
	Network() string
	IsFinalized(ctx context.Context, id escrowid.ID) (bool, error)
	IsSettled(ctx context.Context, id escrowid.ID) (bool, error)
	SettlePayment(ctx context.Context, id escrowid.ID) (*chain.SubmitResult, error)
}

// Outcome is handed to the coordinator when a finalizer reaches a terminal
// state.
type Outcome struct {
	ID      escrowid.ID
	Network string
	State   State
	TxHash  string
	Err     error

	// Duration from pending-set registration to the terminal state. Set by
	// the coordinator.
	Duration time.Duration
}

// Finalizer drives one escrow from attestation-wait to settlement.
//
// It polls isFinalized up to maxAttempts times. When the attestation lands
// it submits settlePayment exactly once; a reverted settlement is terminal
// because blind resubmission risks double-paying.
type Finalizer struct {
	id          escrowid.ID
	bridge      Bridge
	maxAttempts int
	delay       time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	state State
}

func newFinalizer(id escrowid.ID, bridge Bridge, maxAttempts int, delay time.Duration, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		id:          id,
		bridge:      bridge,
		maxAttempts: maxAttempts,
		delay:       delay,
		logger: logger.With(
			"escrow_id", id.Short(),
			"network", bridge.Network()),
		state: StateWaitingFinalization,
	}
}

// State returns the finalizer's current state.
func (f *Finalizer) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Finalizer) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// run executes the state machine and always produces an Outcome, including
// on context cancellation.
func (f *Finalizer) run(ctx context.Context) Outcome {
	f.logger.Info("finalizer started", "max_attempts", f.maxAttempts, "delay", f.delay)

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			f.setState(StateTimedOut)
			return f.outcome("", ctx.Err())
		default:
		}

		done, out := f.checkAndSettle(ctx, attempt)
		if done {
			return out
		}

		// No sleep after the final attempt.
		if attempt < f.maxAttempts {
			select {
			case <-ctx.Done():
				f.setState(StateTimedOut)
				return f.outcome("", ctx.Err())
			case <-time.After(f.delay):
			}
		}
	}

	f.setState(StateTimedOut)
	f.logger.Warn("finalization never arrived", "attempts", f.maxAttempts)
	return f.outcome("", nil)
}

// checkAndSettle performs one poll. It returns done=true once a terminal
// state is reached.
func (f *Finalizer) checkAndSettle(ctx context.Context, attempt int) (bool, Outcome) {
	// Someone else may have settled while we were waiting.
	settled, err := f.bridge.IsSettled(ctx, f.id)
	if err == nil && settled {
		f.setState(StateConfirmed)
		f.logger.Info("escrow already settled", "attempt", attempt)
		return true, f.outcome("", nil)
	}

	finalized, err := f.bridge.IsFinalized(ctx, f.id)
	if err != nil {
		f.logger.Warn("finalization check failed", "attempt", attempt, "error", err)
		return false, Outcome{}
	}
	if !finalized {
		f.logger.Debug("not yet finalized", "attempt", attempt)
		return false, Outcome{}
	}

	f.setState(StateSubmitting)
	f.logger.Info("attestation landed, submitting settlement", "attempt", attempt)

	result, err := f.bridge.SettlePayment(ctx, f.id)
	txHash := ""
	if result != nil {
		txHash = result.TxHash
	}
	if err != nil {
		f.setState(StateFailed)
		if errors.Is(err, chain.ErrTxReverted) {
			f.logger.Error("settlement reverted", "tx", txHash, "error", err)
		} else {
			f.logger.Error("settlement submission failed", "tx", txHash, "error", err)
		}
		return true, f.outcome(txHash, err)
	}

	f.setState(StateConfirmed)
	f.logger.Info("settlement confirmed",
		"tx", txHash, "block", result.BlockNumber, "gas_used", result.GasUsed)
	return true, f.outcome(txHash, nil)
}

func (f *Finalizer) outcome(txHash string, err error) Outcome {
	return Outcome{
		ID:      f.id,
		Network: f.bridge.Network(),
		State:   f.State(),
		TxHash:  txHash,
		Err:     err,
	}
}
