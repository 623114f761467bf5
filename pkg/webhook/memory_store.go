package webhook

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEventStore is an in-memory EventStore for tests and local
// development, honoring the same claim semantics as the Postgres store.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*Event)}
}

func (m *MemoryEventStore) Insert(_ context.Context, event *Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[event.ExternalID]; exists {
		return false, nil
	}
	cp := *event
	m.events[event.ExternalID] = &cp
	return true, nil
}

func (m *MemoryEventStore) Claim(_ context.Context, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[externalID]
	if !ok || ev.ProcessedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	ev.ProcessedAt = &now
	ev.ProcessingError = nil
	return true, nil
}

func (m *MemoryEventStore) Release(_ context.Context, externalID string, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[externalID]
	if !ok {
		return nil
	}
	ev.ProcessedAt = nil
	ev.ProcessingError = &processingError
	return nil
}

func (m *MemoryEventStore) ListUnprocessed(_ context.Context, olderThan time.Time, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, ev := range m.events {
		if ev.ProcessedAt == nil && ev.ReceivedAt.Before(olderThan) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the stored record for assertions in tests.
func (m *MemoryEventStore) Get(externalID string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[externalID]
	if !ok {
		return Event{}, false
	}
	return *ev, true
}
