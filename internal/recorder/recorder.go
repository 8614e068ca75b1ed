// Package recorder persists settlement analytics rows.
//
// Settlement events arrive from per-network tailers and from finalizer
// confirmations, both at-least-once. A single queue worker serializes all
// writes and drops duplicates by identifier, so the settled_events table
// holds exactly one row per escrow no matter how many times an event is
// observed.
package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one normalized settled-escrow row.
type Record struct {
	Identifier          string    `json:"identifier"` // bare hex, no 0x prefix
	Network             string    `json:"network"`
	Payer               string    `json:"payer"`
	SettledAt           time.Time `json:"settled_at"`
	AmountSettledTokens float64   `json:"amount_settled_tokens"`
	AmountSettledUsd    float64   `json:"amount_settled_usd"`
}

// Store abstracts record persistence.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Exists(ctx context.Context, identifier string) (bool, error)
	Get(ctx context.Context, identifier string) (*Record, error)
	List(ctx context.Context, limit int) ([]*Record, error)
}

const defaultQueueSize = 1024

// Recorder drains a record queue into the store with one worker goroutine.
type Recorder struct {
	store  Store
	logger *slog.Logger
	queue  chan *Record

	wg   sync.WaitGroup
	once sync.Once
}

// New creates a recorder over the given store.
func New(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan *Record, defaultQueueSize),
	}
}

// Start launches the worker. It runs until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	r.once.Do(func() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.run(ctx)
		}()
	})
}

// Wait blocks until the worker has exited.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Enqueue hands a record to the worker. It blocks when the queue is full,
// applying backpressure to the tailers rather than losing rows.
func (r *Recorder) Enqueue(ctx context.Context, rec *Record) error {
	select {
	case r.queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-r.queue:
			r.persist(ctx, rec)
		}
	}
}

// persist writes one record, skipping identifiers already stored. The
// existence check and insert are not atomic, but the single worker makes
// the pair effectively serialized; the unique index on identifier backstops
// the Postgres store anyway.
func (r *Recorder) persist(ctx context.Context, rec *Record) {
	exists, err := r.store.Exists(ctx, rec.Identifier)
	if err != nil {
		r.logger.Error("settled-record existence check failed",
			"identifier", rec.Identifier, "error", err)
		return
	}
	if exists {
		r.logger.Debug("settled record already stored", "identifier", rec.Identifier)
		return
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		r.logger.Error("settled-record insert failed",
			"identifier", rec.Identifier, "network", rec.Network, "error", err)
		return
	}
	r.logger.Info("settled record stored",
		"identifier", rec.Identifier,
		"network", rec.Network,
		"tokens", rec.AmountSettledTokens,
		"usd", rec.AmountSettledUsd)
}
