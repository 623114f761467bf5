package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development. It
// honors the same invariants as the Postgres store: one non-terminal
// subscription per account and version-checked conditional writes.
type MemoryStore struct {
	mu       sync.RWMutex
	subs     map[uuid.UUID]*Subscription
	accounts map[uuid.UUID]*Account
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:     make(map[uuid.UUID]*Subscription),
		accounts: make(map[uuid.UUID]*Account),
	}
}

// PutAccount seeds an account. Test helper; the production directory is the
// accounts table.
func (m *MemoryStore) PutAccount(a *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.accounts[a.ID] = &cp
}

func (m *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.subs {
		if existing.AccountID == sub.AccountID && existing.IsCurrent() {
			return ErrAlreadySubscribed
		}
	}
	cp := clone(sub)
	cp.Version = 1
	m.subs[sub.ID] = cp
	sub.Version = 1
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return clone(sub), nil
}

func (m *MemoryStore) GetCurrent(_ context.Context, accountID uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Subscription
	for _, sub := range m.subs {
		if sub.AccountID != accountID {
			continue
		}
		// A non-terminal row always wins; otherwise most recently updated.
		if latest == nil ||
			(sub.IsCurrent() && !latest.IsCurrent()) ||
			(sub.IsCurrent() == latest.IsCurrent() && sub.UpdatedAt.After(latest.UpdatedAt)) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, ErrSubscriptionNotFound
	}
	return clone(latest), nil
}

func (m *MemoryStore) GetByProviderSubID(_ context.Context, providerSubID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if providerSubID == "" {
		return nil, ErrSubscriptionNotFound
	}
	for _, sub := range m.subs {
		if sub.ProviderSubID == providerSubID {
			return clone(sub), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) UpdateFrom(_ context.Context, sub *Subscription, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.subs[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if stored.Status != expected || stored.Version != sub.Version {
		return ErrConflict
	}
	cp := clone(sub)
	cp.Version++
	m.subs[sub.ID] = cp
	sub.Version = cp.Version
	return nil
}

func (m *MemoryStore) HasTrialUsed(_ context.Context, accountID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.AccountID == accountID && sub.TrialUsed {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListIncomplete(_ context.Context, accountID uuid.UUID) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	var out []Subscription
	for _, sub := range m.subs {
		if sub.AccountID == accountID && sub.IsIncomplete(now) {
			out = append(out, *clone(sub))
		}
	}
	sortByUpdated(out)
	return out, nil
}

func (m *MemoryStore) ListPastDueBefore(_ context.Context, cutoff time.Time) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscription
	for _, sub := range m.subs {
		if sub.Status == StatusPastDue && sub.GraceDeadline != nil && sub.GraceDeadline.Before(cutoff) {
			out = append(out, *clone(sub))
		}
	}
	sortByUpdated(out)
	return out, nil
}

func (m *MemoryStore) ListUnpaid(_ context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscription
	for _, sub := range m.subs {
		if sub.Status == StatusUnpaid {
			out = append(out, *clone(sub))
		}
	}
	sortByUpdated(out)
	return out, nil
}

func clone(sub *Subscription) *Subscription {
	cp := *sub
	cp.PriorStatus = clonePtr(sub.PriorStatus)
	cp.TrialStartsAt = clonePtr(sub.TrialStartsAt)
	cp.TrialEndsAt = clonePtr(sub.TrialEndsAt)
	cp.LastFailureReason = clonePtr(sub.LastFailureReason)
	cp.GraceDeadline = clonePtr(sub.GraceDeadline)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func sortByUpdated(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].UpdatedAt.After(subs[j].UpdatedAt)
	})
}
