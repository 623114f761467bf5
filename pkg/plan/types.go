package plan

// Money represents a monetary amount in the smallest currency unit.
// For example, 19.90 EUR is Amount: 1990, Currency: "EUR".
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"` // ISO 4217 code
}

// BillingInterval represents the billing frequency for a plan.
type BillingInterval string

const (
	IntervalNone    BillingInterval = "none" // free plans with no billing
	IntervalMonthly BillingInterval = "monthly"
	IntervalAnnual  BillingInterval = "annual"
)

// Feature represents a plan capability surfaced to the UI.
type Feature string

// Plan describes a subscription plan. Plans are immutable reference data:
// changes ship as new catalog files, never as runtime mutations.
// ProviderPriceID must match the payment processor's price identifier so
// checkout requests and webhook payloads map back to a catalog entry.
type Plan struct {
	ID              string          `yaml:"id" json:"id"`
	Name            string          `yaml:"name" json:"name"`
	Description     string          `yaml:"description" json:"description,omitempty"`
	Price           Money           `yaml:"price" json:"price"`
	Interval        BillingInterval `yaml:"interval" json:"interval"`
	TrialDays       int             `yaml:"trial_days" json:"trial_days"`
	Features        []Feature       `yaml:"features" json:"features"`
	Public          bool            `yaml:"public" json:"public"`
	ProviderPriceID string          `yaml:"provider_price_id" json:"-"`
}

// HasTrial reports whether the plan offers a trial period at all.
func (p Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// IsFree reports whether the plan bypasses the payment processor entirely.
func (p Plan) IsFree() bool {
	return p.Interval == IntervalNone
}
