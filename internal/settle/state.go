package settle

// State tracks a finalizer through its lifecycle.
type State int

const (
	// StateWaitingFinalization polls the contract until the off-chain
	// attestation lands.
	StateWaitingFinalization State = iota

	// StateSubmitting has a settlement transaction in flight.
	StateSubmitting

	// StateConfirmed saw the settlement receipt succeed.
	StateConfirmed

	// StateFailed saw the settlement transaction revert or fail to land.
	StateFailed

	// StateTimedOut exhausted every finalization poll without the
	// attestation arriving.
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateWaitingFinalization:
		return "waiting_finalization"
	case StateSubmitting:
		return "submitting"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the finalizer has finished.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateTimedOut
}
