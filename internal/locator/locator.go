// Package locator resolves which network an escrow identifier lives on.
//
// The bridge contracts are deployed independently per network and an
// identifier exists on exactly one of them. The locator probes each deployed
// contract's payment record and caches positive answers, since an escrow
// never migrates between networks.
package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowbridge/internal/chain"
	"github.com/mbd888/escrowbridge/internal/escrowid"
	"github.com/mbd888/escrowbridge/internal/retry"
)

// ErrNotFound means every network answered and none holds the identifier.
// Transient probe failures return a different error so callers do not treat
// an unreachable RPC as a missing escrow.
var ErrNotFound = errors.New("locator: settlement not found on any network")

const (
	// DefaultTTL bounds how long a positive answer is trusted.
	DefaultTTL = time.Hour

	probeAttempts = 3
	probeDelay    = time.Second
)

// Prober is the per-network read surface the locator needs.
type Prober interface {
	Network() string
	Payment(ctx context.Context, id escrowid.ID) (*chain.Payment, error)
}

type entry struct {
	network string
	expires time.Time
}

// Locator maps escrow identifiers to network names with a read-through cache.
type Locator struct {
	probers []Prober
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[escrowid.ID]entry
}

// Option configures a Locator.
type Option func(*Locator)

// WithTTL overrides the cache lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locator) { l.ttl = ttl }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Locator) { l.now = now }
}

// New creates a locator over the given network probers. Probe order follows
// the slice order, so callers should list the busiest network first.
func New(probers []Prober, logger *slog.Logger, opts ...Option) *Locator {
	l := &Locator{
		probers: probers,
		ttl:     DefaultTTL,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[escrowid.ID]entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Find returns the network holding the identifier. Cached answers are
// returned without touching any RPC.
func (l *Locator) Find(ctx context.Context, id escrowid.ID) (string, error) {
	if network, ok := l.cached(id); ok {
		return network, nil
	}

	var lastErr error
	for _, prober := range l.probers {
		found, err := l.probe(ctx, prober, id)
		if err != nil {
			l.logger.Warn("network probe failed",
				"network", prober.Network(), "escrow_id", id.Short(), "error", err)
			lastErr = err
			continue
		}
		if found {
			l.store(id, prober.Network())
			return prober.Network(), nil
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("locator: probe incomplete: %w", lastErr)
	}
	return "", ErrNotFound
}

// probe checks one network, retrying transient RPC failures. A zero payer
// address is a definitive "not on this network".
func (l *Locator) probe(ctx context.Context, prober Prober, id escrowid.ID) (bool, error) {
	var found bool
	err := retry.Do(ctx, probeAttempts, probeDelay, func() error {
		payment, err := prober.Payment(ctx, id)
		if err != nil {
			return err
		}
		found = payment.Payer != chain.ZeroAddress
		return nil
	})
	return found, err
}

// Seed records a known location without probing, used when an event tailer
// already saw the escrow on its network.
func (l *Locator) Seed(id escrowid.ID, network string) {
	l.store(id, network)
}

func (l *Locator) cached(id escrowid.ID) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache[id]
	if !ok {
		return "", false
	}
	if l.now().After(e.expires) {
		delete(l.cache, id)
		return "", false
	}
	return e.network, true
}

func (l *Locator) store(id escrowid.ID, network string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[id] = entry{network: network, expires: l.now().Add(l.ttl)}
}
