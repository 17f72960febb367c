package domain

import "strings"

// Plan is the commercial tier a tenant is on.
type Plan string

const (
	PlanNone         Plan = ""
	PlanFree         Plan = "free"
	PlanTrial        Plan = "trial"
	PlanBasic        Plan = "basic"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
	PlanSuspended    Plan = "suspended"
)

// ParsePlan normalizes a plan identifier. Unknown values return ok=false.
func ParsePlan(s string) (Plan, bool) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlanNone, PlanFree, PlanTrial, PlanBasic, PlanProfessional, PlanEnterprise, PlanSuspended:
		return p, true
	}
	return PlanNone, false
}

// IsPaid reports whether the plan grants entitlement to tenant-scoped resources.
func (p Plan) IsPaid() bool {
	switch p {
	case PlanBasic, PlanProfessional, PlanEnterprise:
		return true
	}
	return false
}

// Frequency is the billing cycle of a subscription.
type Frequency string

const (
	FrequencyMonthly Frequency = "monthly"
	FrequencyAnnual  Frequency = "annual"
)

// ParseFrequency accepts the common spellings used by clients and providers.
func ParseFrequency(s string) (Frequency, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly", "month", "months", "mensual":
		return FrequencyMonthly, true
	case "annual", "yearly", "year", "years", "anual":
		return FrequencyAnnual, true
	}
	return "", false
}

// PlanLimits are the resource ceilings a plan grants. Zero means unlimited.
type PlanLimits struct {
	MaxUsers      int `json:"maxUsers"`
	MaxAssets     int `json:"maxAssets"`
	MaxWorkOrders int `json:"maxWorkOrders"`
}

// PlanDefinition is one entry of the plan catalog.
type PlanDefinition struct {
	ID           Plan       `json:"id"`
	Name         string     `json:"name"`
	Limits       PlanLimits `json:"limits"`
	MonthlyPrice float64    `json:"monthlyPrice"`
	AnnualPrice  float64    `json:"annualPrice"`
	Currency     string     `json:"currency"`
}

// Price returns the plan price for a billing cycle.
func (d PlanDefinition) Price(f Frequency) float64 {
	if f == FrequencyAnnual {
		return d.AnnualPrice
	}
	return d.MonthlyPrice
}

// restrictedLimits apply to unknown, free, trial-expired and suspended tenants.
var restrictedLimits = PlanLimits{MaxUsers: 1, MaxAssets: 10, MaxWorkOrders: 20}

var planCatalog = map[Plan]PlanDefinition{
	PlanTrial: {
		ID:     PlanTrial,
		Name:   "Trial",
		Limits: PlanLimits{MaxUsers: 3, MaxAssets: 50, MaxWorkOrders: 100},
	},
	PlanBasic: {
		ID:           PlanBasic,
		Name:         "Basic",
		Limits:       PlanLimits{MaxUsers: 5, MaxAssets: 200, MaxWorkOrders: 1000},
		MonthlyPrice: 49,
		AnnualPrice:  490,
		Currency:     "USD",
	},
	PlanProfessional: {
		ID:           PlanProfessional,
		Name:         "Professional",
		Limits:       PlanLimits{MaxUsers: 25, MaxAssets: 2000, MaxWorkOrders: 10000},
		MonthlyPrice: 149,
		AnnualPrice:  1490,
		Currency:     "USD",
	},
	PlanEnterprise: {
		ID:           PlanEnterprise,
		Name:         "Enterprise",
		Limits:       PlanLimits{},
		MonthlyPrice: 499,
		AnnualPrice:  4990,
		Currency:     "USD",
	},
}

// LookupPlan returns the catalog entry for a purchasable or trial plan.
func LookupPlan(p Plan) (PlanDefinition, bool) {
	d, ok := planCatalog[p]
	return d, ok
}

// LimitsFor returns the limits of a plan, falling back to the most
// restrictive set for anything not in the catalog.
func LimitsFor(p Plan) PlanLimits {
	if d, ok := planCatalog[p]; ok {
		return d.Limits
	}
	return restrictedLimits
}

// PurchasablePlans lists the plans a checkout may be created for.
func PurchasablePlans() []PlanDefinition {
	return []PlanDefinition{planCatalog[PlanBasic], planCatalog[PlanProfessional], planCatalog[PlanEnterprise]}
}
