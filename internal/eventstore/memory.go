// Package eventstore provides append-only, time-indexed storage for layer
// events. Two implementations are offered: an in-memory store for embedded
// and test use, and a Redis-backed store for durable deployments.
package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lvonguyen/agentguard/internal/correlation"
)

// Memory is an in-memory, append-only event store. Reads copy a snapshot so
// window queries never block concurrent writers beyond the critical section.
type Memory struct {
	mu     sync.RWMutex
	events []*correlation.LayerEvent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Append adds one event. Events are kept in timestamp order; out-of-order
// arrivals are inserted at the right position.
func (m *Memory) Append(_ context.Context, event *correlation.LayerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.events)
	if n == 0 || !event.Timestamp.Before(m.events[n-1].Timestamp) {
		m.events = append(m.events, event)
		return nil
	}

	i := sort.Search(n, func(i int) bool {
		return m.events[i].Timestamp.After(event.Timestamp)
	})
	m.events = append(m.events, nil)
	copy(m.events[i+1:], m.events[i:])
	m.events[i] = event
	return nil
}

// Window returns a snapshot of events with from <= timestamp <= to.
func (m *Memory) Window(_ context.Context, from, to time.Time) ([]*correlation.LayerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lo := sort.Search(len(m.events), func(i int) bool {
		return !m.events[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(m.events), func(i int) bool {
		return m.events[i].Timestamp.After(to)
	})
	if lo >= hi {
		return nil, nil
	}

	out := make([]*correlation.LayerEvent, hi-lo)
	copy(out, m.events[lo:hi])
	return out, nil
}

// Prune drops events older than the cutoff. Already-emitted correlations are
// unaffected; pruned events simply stop matching future windows.
func (m *Memory) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lo := sort.Search(len(m.events), func(i int) bool {
		return !m.events[i].Timestamp.Before(before)
	})
	if lo == 0 {
		return 0, nil
	}
	m.events = append([]*correlation.LayerEvent(nil), m.events[lo:]...)
	return lo, nil
}

// Len returns the number of stored events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
