package plan_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cataloghq/billing/pkg/plan"
)

func testPlans() []plan.Plan {
	return []plan.Plan{
		{
			ID: "free", Name: "Gratuit", Interval: plan.IntervalNone, Public: true,
		},
		{
			ID: "pro", Name: "Pro", Interval: plan.IntervalMonthly,
			Price: plan.Money{Amount: 1990, Currency: "EUR"}, TrialDays: 14,
			Features: []plan.Feature{"projects:unlimited", "support:priority"},
			ProviderPriceID: "price_pro", Public: true,
		},
		{
			ID: "premium", Name: "Premium", Interval: plan.IntervalAnnual,
			Price: plan.Money{Amount: 19900, Currency: "EUR"},
			ProviderPriceID: "price_premium", Public: true,
		},
		{
			ID: "legacy", Name: "Legacy", Interval: plan.IntervalMonthly,
			Price: plan.Money{Amount: 990, Currency: "EUR"},
			ProviderPriceID: "price_legacy", Public: false,
		},
	}
}

func TestCatalog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("get plan by ID", func(t *testing.T) {
		t.Parallel()
		c, err := plan.NewCatalog(ctx, plan.NewStaticSource(testPlans()...))
		require.NoError(t, err)

		p, err := c.GetPlan("pro")
		require.NoError(t, err)
		assert.Equal(t, "Pro", p.Name)
		assert.True(t, p.HasTrial())
		assert.False(t, p.IsFree())

		_, err = c.GetPlan("enterprise")
		assert.ErrorIs(t, err, plan.ErrPlanNotFound)
	})

	t.Run("resolve provider price ID", func(t *testing.T) {
		t.Parallel()
		c, err := plan.NewCatalog(ctx, plan.NewStaticSource(testPlans()...))
		require.NoError(t, err)

		p, err := c.GetByProviderPriceID("price_premium")
		require.NoError(t, err)
		assert.Equal(t, "premium", p.ID)

		_, err = c.GetByProviderPriceID("price_unknown")
		assert.ErrorIs(t, err, plan.ErrPlanNotFound)
	})

	t.Run("list is public only, price ascending", func(t *testing.T) {
		t.Parallel()
		c, err := plan.NewCatalog(ctx, plan.NewStaticSource(testPlans()...))
		require.NoError(t, err)

		list := c.ListPlans()
		require.Len(t, list, 3)
		assert.Equal(t, "free", list[0].ID)
		assert.Equal(t, "pro", list[1].ID)
		assert.Equal(t, "premium", list[2].ID)
	})

	t.Run("free plans have no trial", func(t *testing.T) {
		t.Parallel()
		c, err := plan.NewCatalog(ctx, plan.NewStaticSource(testPlans()...))
		require.NoError(t, err)

		p, err := c.GetPlan("free")
		require.NoError(t, err)
		assert.True(t, p.IsFree())
		assert.False(t, p.HasTrial())
	})

	t.Run("paid plan without provider price is rejected", func(t *testing.T) {
		t.Parallel()
		_, err := plan.NewCatalog(ctx, plan.NewStaticSource(plan.Plan{
			ID: "broken", Name: "Broken", Interval: plan.IntervalMonthly,
			Price: plan.Money{Amount: 1000, Currency: "EUR"},
		}))
		assert.ErrorIs(t, err, plan.ErrInvalidConfiguration)
	})

	t.Run("negative trial days are rejected", func(t *testing.T) {
		t.Parallel()
		_, err := plan.NewCatalog(ctx, plan.NewStaticSource(plan.Plan{
			ID: "broken", Name: "Broken", Interval: plan.IntervalMonthly,
			Price: plan.Money{Amount: 1000, Currency: "EUR"},
			TrialDays: -1, ProviderPriceID: "price_broken",
		}))
		assert.ErrorIs(t, err, plan.ErrInvalidConfiguration)
	})

	t.Run("static source is isolated from caller mutations", func(t *testing.T) {
		t.Parallel()
		plans := testPlans()
		src := plan.NewStaticSource(plans...)
		plans[1].Features[0] = "mutated"

		c, err := plan.NewCatalog(ctx, src)
		require.NoError(t, err)
		p, err := c.GetPlan("pro")
		require.NoError(t, err)
		assert.Equal(t, plan.Feature("projects:unlimited"), p.Features[0])
	})
}

func TestFileSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("loads a YAML catalog", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "plans.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - id: free
    name: Gratuit
    interval: none
    public: true
  - id: pro
    name: Pro
    interval: monthly
    price:
      amount: 1990
      currency: EUR
    trial_days: 14
    features:
      - "projects:unlimited"
    provider_price_id: price_pro
    public: true
`), 0o600))

		c, err := plan.NewCatalog(ctx, plan.NewFileSource(path))
		require.NoError(t, err)

		p, err := c.GetPlan("pro")
		require.NoError(t, err)
		assert.Equal(t, int64(1990), p.Price.Amount)
		assert.Equal(t, 14, p.TrialDays)
		assert.Equal(t, []plan.Feature{"projects:unlimited"}, p.Features)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := plan.NewCatalog(ctx, plan.NewFileSource("/nonexistent/plans.yaml"))
		assert.ErrorIs(t, err, plan.ErrFailedToLoadPlans)
	})

	t.Run("duplicate plan IDs", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "plans.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - id: pro
    name: Pro
    interval: none
  - id: pro
    name: Pro again
    interval: none
`), 0o600))

		_, err := plan.NewCatalog(ctx, plan.NewFileSource(path))
		assert.ErrorIs(t, err, plan.ErrFailedToLoadPlans)
	})
}
