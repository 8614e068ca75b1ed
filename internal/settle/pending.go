package settle

import (
	"sync"
	"time"

	"github.com/mbd888/escrowbridge/internal/escrowid"
)

// Entry is one escrow awaiting settlement.
type Entry struct {
	ID      escrowid.ID
	Network string
	AddedAt time.Time
}

// PendingSet is the mutex-guarded set of escrows awaiting finalization.
// Tailers and the pending-ids refresher add to it; finalizers remove from
// it when they reach a terminal state.
type PendingSet struct {
	mu      sync.Mutex
	entries map[escrowid.ID]Entry
}

// NewPendingSet creates an empty set.
func NewPendingSet() *PendingSet {
	return &PendingSet{entries: make(map[escrowid.ID]Entry)}
}

// Add inserts an escrow. Returns false if it was already present; the
// original network assignment wins.
func (p *PendingSet) Add(id escrowid.ID, network string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; ok {
		return false
	}
	p.entries[id] = Entry{ID: id, Network: network, AddedAt: time.Now()}
	return true
}

// Remove deletes an escrow, if present.
func (p *PendingSet) Remove(id escrowid.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
}

// Get returns the entry for id, if present.
func (p *PendingSet) Get(id escrowid.ID) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	return e, ok
}

// Contains reports membership.
func (p *PendingSet) Contains(id escrowid.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Snapshot returns a copy of the current entries.
func (p *PendingSet) Snapshot() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

// Len returns the current size.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
