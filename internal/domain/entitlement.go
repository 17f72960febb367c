package domain

// EntitlementCode is the machine-readable reason a request was refused.
type EntitlementCode string

const (
	CodeNoTenantAssigned    EntitlementCode = "NO_TENANT_ASSIGNED"
	CodeTenantInactive      EntitlementCode = "TENANT_INACTIVE"
	CodeInvalidPlan         EntitlementCode = "INVALID_PLAN"
	CodeSubscriptionExpired EntitlementCode = "SUBSCRIPTION_EXPIRED"
)

// Resource is a plan-limited resource kind.
type Resource string

const (
	ResourceUsers      Resource = "users"
	ResourceAssets     Resource = "assets"
	ResourceWorkOrders Resource = "work_orders"
)

// ParseResource validates a resource path segment.
func ParseResource(s string) (Resource, bool) {
	switch Resource(s) {
	case ResourceUsers, ResourceAssets, ResourceWorkOrders:
		return Resource(s), true
	case "workorders", "work-orders":
		return ResourceWorkOrders, true
	}
	return "", false
}

// Limit returns the ceiling for r under l (0 = unlimited).
func (l PlanLimits) Limit(r Resource) int {
	switch r {
	case ResourceUsers:
		return l.MaxUsers
	case ResourceAssets:
		return l.MaxAssets
	case ResourceWorkOrders:
		return l.MaxWorkOrders
	}
	return 0
}

// Entitlement is the result of evaluating a tenant against the gate.
type Entitlement struct {
	Allowed    bool            `json:"allowed"`
	Code       EntitlementCode `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	RedirectTo string          `json:"redirectTo,omitempty"`
	Plan       Plan            `json:"plan"`
	Limits     PlanLimits      `json:"limits"`
	DaysLeft   *int            `json:"daysLeft,omitempty"`
}

// LimitCheck is returned by POST /v1/tenant/limits/{resource}/check.
type LimitCheck struct {
	Resource Resource `json:"resource"`
	Current  int      `json:"current"`
	Limit    int      `json:"limit"`
	Allowed  bool     `json:"allowed"`
}
