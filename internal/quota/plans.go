package quota

import "github.com/shehryarbajwa/applyx/pkg/models"

// Plans maps a plan tier to its daily allowance in work units
type Plans map[models.PlanTier]int

// DefaultPlans returns the built-in allowances
func DefaultPlans() Plans {
	return Plans{
		models.PlanFree:      10,
		models.PlanBasic:     50,
		models.PlanPro:       200,
		models.PlanUnlimited: 1000,
	}
}

// PlansFromConfig overlays positive overrides keyed by tier name on the defaults.
// Unknown tier names are ignored.
func PlansFromConfig(overrides map[string]int) Plans {
	plans := DefaultPlans()
	for name, quota := range overrides {
		tier, ok := models.ParsePlanTier(name)
		if !ok || quota <= 0 {
			continue
		}
		plans[tier] = quota
	}
	return plans
}

// QuotaFor returns the allowance for tier, falling back to the free tier
func (p Plans) QuotaFor(tier models.PlanTier) int {
	if q, ok := p[tier]; ok && q > 0 {
		return q
	}
	if q, ok := p[models.PlanFree]; ok && q > 0 {
		return q
	}
	return DefaultPlans()[models.PlanFree]
}
