package rmi

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotTracked is returned for serial numbers the tracker does not know
var ErrNotTracked = errors.New("gofer: request not tracked")

// Pending describes an asynchronous request awaiting its terminal reply
type Pending struct {
	SN          string          `json:"sn"`
	Ctag        string          `json:"ctag"`
	Destination string          `json:"destination"`
	Method      string          `json:"method"`
	Any         json.RawMessage `json:"any,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
}

// Tracker records asynchronous requests until their terminal reply
type Tracker interface {
	// Add records a sent request
	Add(ctx context.Context, p Pending) error
	// Get returns a pending request or ErrNotTracked
	Get(ctx context.Context, sn string) (Pending, error)
	// Remove forgets a request and returns it, or ErrNotTracked
	Remove(ctx context.Context, sn string) (Pending, error)
	// List returns the pending requests of a correlation tag, oldest first
	List(ctx context.Context, ctag string) ([]Pending, error)
}

// MemoryTracker is an in-process Tracker
type MemoryTracker struct {
	mu      sync.RWMutex
	pending map[string]Pending
}

var _ Tracker = (*MemoryTracker)(nil)

// NewMemoryTracker creates an empty tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{pending: make(map[string]Pending)}
}

func (t *MemoryTracker) Add(_ context.Context, p Pending) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[p.SN] = p
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, sn string) (Pending, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pending[sn]
	if !ok {
		return Pending{}, ErrNotTracked
	}
	return p, nil
}

func (t *MemoryTracker) Remove(_ context.Context, sn string) (Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[sn]
	if !ok {
		return Pending{}, ErrNotTracked
	}
	delete(t.pending, sn)
	return p, nil
}

func (t *MemoryTracker) List(_ context.Context, ctag string) ([]Pending, error) {
	t.mu.RLock()
	out := make([]Pending, 0, len(t.pending))
	for _, p := range t.pending {
		if p.Ctag == ctag {
			out = append(out, p)
		}
	}
	t.mu.RUnlock()

	sortPending(out)
	return out, nil
}

func sortPending(ps []Pending) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].SentAt.Equal(ps[j].SentAt) {
			return ps[i].SN < ps[j].SN
		}
		return ps[i].SentAt.Before(ps[j].SentAt)
	})
}
