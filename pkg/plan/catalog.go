package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Source defines how plans are loaded into the catalog.
type Source interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// Catalog is a read-only view over the loaded plan set.
// Unknown plan IDs are caller errors and are never retried.
type Catalog struct {
	plans      map[string]Plan
	byPriceID  map[string]string // provider price ID -> plan ID
	sortedList []Plan
}

// NewCatalog loads plans from the given source and validates them.
// Panics if src is nil to fail fast during initialization.
func NewCatalog(ctx context.Context, src Source) (*Catalog, error) {
	if src == nil {
		panic("plan: Source is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	if err := validate(plans); err != nil {
		return nil, err
	}

	byPriceID := make(map[string]string, len(plans))
	list := make([]Plan, 0, len(plans))
	for id, p := range plans {
		if p.ProviderPriceID != "" {
			byPriceID[p.ProviderPriceID] = id
		}
		list = append(list, p)
	}
	// Cheapest first keeps the pricing page order stable.
	sort.Slice(list, func(i, j int) bool {
		if list[i].Price.Amount != list[j].Price.Amount {
			return list[i].Price.Amount < list[j].Price.Amount
		}
		return list[i].ID < list[j].ID
	})

	return &Catalog{plans: plans, byPriceID: byPriceID, sortedList: list}, nil
}

// GetPlan returns the plan with the given ID or ErrPlanNotFound.
func (c *Catalog) GetPlan(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return p, nil
}

// GetByProviderPriceID resolves a processor price ID back to a catalog plan.
// Used by the webhook processor, which only sees provider identifiers.
func (c *Catalog) GetByProviderPriceID(priceID string) (Plan, error) {
	id, ok := c.byPriceID[priceID]
	if !ok {
		return Plan{}, fmt.Errorf("%w: provider price %s", ErrPlanNotFound, priceID)
	}
	return c.plans[id], nil
}

// ListPlans returns all public plans ordered by price ascending.
func (c *Catalog) ListPlans() []Plan {
	out := make([]Plan, 0, len(c.sortedList))
	for _, p := range c.sortedList {
		if p.Public {
			out = append(out, p)
		}
	}
	return out
}

// validate ensures plan configurations are internally consistent.
// Catches configuration errors at startup rather than at checkout time.
func validate(plans map[string]Plan) error {
	if len(plans) == 0 {
		return errors.Join(ErrInvalidConfiguration, errors.New("catalog is empty"))
	}
	for id, p := range plans {
		if p.ID != id {
			return errors.Join(ErrInvalidConfiguration,
				fmt.Errorf("plan ID mismatch: map key %s != plan.ID %s", id, p.ID))
		}
		if p.TrialDays < 0 {
			return errors.Join(ErrInvalidConfiguration,
				fmt.Errorf("plan %s has negative trial days: %d", id, p.TrialDays))
		}
		if !p.IsFree() && p.ProviderPriceID == "" {
			return errors.Join(ErrInvalidConfiguration,
				fmt.Errorf("paid plan %s has no provider price ID", id))
		}
	}
	return nil
}
