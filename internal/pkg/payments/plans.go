package payments

import (
	"sort"
	"strings"

	"github.com/ManuelReschke/RenderFox/app/models"
)

// Plan is a purchasable product. PriceMinor is in currency minor units.
type Plan struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	PriceMinor   int64  `json:"price"`
	Currency     string `json:"currency"`
	Credits      int    `json:"credits"`
	DurationDays int    `json:"duration_days,omitempty"`
}

// DefaultPlans mirrors the plan rows the complete_transaction procedure
// reads durations from.
var DefaultPlans = []Plan{
	{ID: "credits-100", Name: "100 Credits", Type: models.TransactionTypeCredit, PriceMinor: 99000, Currency: "VND", Credits: 100},
	{ID: "credits-500", Name: "500 Credits", Type: models.TransactionTypeCredit, PriceMinor: 399000, Currency: "VND", Credits: 500},
	{ID: "pro-monthly", Name: "Pro Monthly", Type: models.TransactionTypeSubscription, PriceMinor: 299000, Currency: "VND", Credits: 600, DurationDays: 30},
	{ID: "pro-yearly", Name: "Pro Yearly", Type: models.TransactionTypeSubscription, PriceMinor: 2990000, Currency: "VND", Credits: 8000, DurationDays: 365},
}

type Catalog struct {
	plans map[string]Plan
}

func NewCatalog(plans []Plan) *Catalog {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	return c
}

func (c *Catalog) Lookup(id string) (Plan, bool) {
	p, ok := c.plans[strings.ToLower(strings.TrimSpace(id))]
	return p, ok
}

// List returns plans ordered by price.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceMinor == out[j].PriceMinor {
			return out[i].ID < out[j].ID
		}
		return out[i].PriceMinor < out[j].PriceMinor
	})
	return out
}
