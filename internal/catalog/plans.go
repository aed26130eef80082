package catalog

// Plan defines the daily allotments and model ceiling of one PRO tier.
type Plan struct {
	Type          string  `json:"type"`
	DailyMessages int     `json:"daily_messages"`
	DailyTokens   int64   `json:"daily_tokens"`
	MaxModelCost  float64 `json:"max_model_cost"` // highest cost multiplier the plan may use
	TotalCredits  float64 `json:"total_credits"`  // credits granted per billing cycle
}

// plans maps plan type to its limits. Unknown types fall back to starter so a
// mis-tagged subscriber is never treated as unlimited.
var plans = map[string]Plan{
	"starter": {Type: "starter", DailyMessages: 100, DailyTokens: 50_000, MaxModelCost: 5, TotalCredits: 300},
	"plus":    {Type: "plus", DailyMessages: 300, DailyTokens: 150_000, MaxModelCost: 15, TotalCredits: 1000},
	"ultra":   {Type: "ultra", DailyMessages: 1000, DailyTokens: 500_000, MaxModelCost: 100, TotalCredits: 4000},
}

// PlanFor returns the plan definition for a type, defaulting to starter.
func PlanFor(planType string) Plan {
	if p, ok := plans[planType]; ok {
		return p
	}
	return plans["starter"]
}

// KnownPlan reports whether the plan type is one of the defined tiers.
func KnownPlan(planType string) bool {
	_, ok := plans[planType]
	return ok
}
