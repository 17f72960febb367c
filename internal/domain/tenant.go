package domain

import (
	"regexp"
	"strings"
	"time"
)

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantCancelled TenantStatus = "cancelled"
)

// Suspension reasons recorded on the tenant.
const (
	ReasonSubscriptionCancelled = "subscription_cancelled"
	ReasonSubscriptionPaused    = "subscription_paused"
	ReasonPaymentFailed         = "payment_failed"
	ReasonSubscriptionExpired   = "subscription_expired"
	ReasonManual                = "manual"
	ReasonProvisioning          = "provisioning"
)

// TenantStats are advisory usage counters refreshed by the monitor.
type TenantStats struct {
	Users       int        `json:"users"`
	Assets      int        `json:"assets"`
	WorkOrders  int        `json:"workOrders"`
	RefreshedAt *time.Time `json:"refreshedAt,omitempty"`
}

// Tenant is one customer organization.
type Tenant struct {
	TenantID              string       `json:"tenantId"`
	Subdomain             string       `json:"subdomain"`
	Name                  string       `json:"name"`
	OwnerEmail            string       `json:"ownerEmail,omitempty"`
	Country               string       `json:"country,omitempty"`
	Plan                  Plan         `json:"plan"`
	Status                TenantStatus `json:"status"`
	MaxUsers              int          `json:"maxUsers"`
	MaxAssets             int          `json:"maxAssets"`
	MaxWorkOrders         int          `json:"maxWorkOrders"`
	SubscriptionExpiresAt *time.Time   `json:"subscriptionExpiresAt,omitempty"`
	SubscriptionAmount    float64      `json:"subscriptionAmount,omitempty"`
	SubscriptionFrequency Frequency    `json:"subscriptionFrequency,omitempty"`
	PreviousPlan          Plan         `json:"previousPlan,omitempty"`
	SuspendedAt           *time.Time   `json:"suspendedAt,omitempty"`
	SuspensionReason      string       `json:"suspensionReason,omitempty"`
	Stats                 TenantStats  `json:"stats"`
	Version               int64        `json:"version"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
	UpdatedBy             string       `json:"updatedBy,omitempty"`
}

// Clone returns a deep copy so cached records are never mutated in place.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	c := *t
	c.SubscriptionExpiresAt = cloneTime(t.SubscriptionExpiresAt)
	c.SuspendedAt = cloneTime(t.SuspendedAt)
	c.Stats.RefreshedAt = cloneTime(t.Stats.RefreshedAt)
	return &c
}

// ApplyLimits copies the plan catalog limits onto the tenant.
func (t *Tenant) ApplyLimits(p Plan) {
	l := LimitsFor(p)
	t.MaxUsers, t.MaxAssets, t.MaxWorkOrders = l.MaxUsers, l.MaxAssets, l.MaxWorkOrders
}

// Limits returns the limits currently stored on the tenant.
func (t *Tenant) Limits() PlanLimits {
	return PlanLimits{MaxUsers: t.MaxUsers, MaxAssets: t.MaxAssets, MaxWorkOrders: t.MaxWorkOrders}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TenantPatch is a partial update. Nil fields are left untouched; the Clear
// flags null out optional fields.
type TenantPatch struct {
	Subdomain             *string
	Name                  *string
	OwnerEmail            *string
	Plan                  *Plan
	Status                *TenantStatus
	MaxUsers              *int
	MaxAssets             *int
	MaxWorkOrders         *int
	SubscriptionExpiresAt *time.Time
	ClearExpiresAt        bool
	SubscriptionAmount    *float64
	SubscriptionFrequency *Frequency
	PreviousPlan          *Plan
	SuspendedAt           *time.Time
	SuspensionReason      *string
	ClearSuspension       bool
	Stats                 *TenantStats

	// ExpectedVersion, when non-zero, makes the update conditional.
	ExpectedVersion int64
	UpdatedBy       string
}

// IsEmpty reports whether the patch changes nothing.
func (p *TenantPatch) IsEmpty() bool {
	return p.Subdomain == nil && p.Name == nil && p.OwnerEmail == nil && p.Plan == nil && p.Status == nil &&
		p.MaxUsers == nil && p.MaxAssets == nil && p.MaxWorkOrders == nil &&
		p.SubscriptionExpiresAt == nil && !p.ClearExpiresAt && p.SubscriptionAmount == nil &&
		p.SubscriptionFrequency == nil && p.PreviousPlan == nil && p.SuspendedAt == nil &&
		p.SuspensionReason == nil && !p.ClearSuspension && p.Stats == nil
}

// Apply merges the patch into t. Version and audit stamps are the store's job.
func (p *TenantPatch) Apply(t *Tenant) {
	if p.Subdomain != nil {
		t.Subdomain = *p.Subdomain
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.OwnerEmail != nil {
		t.OwnerEmail = *p.OwnerEmail
	}
	if p.Plan != nil {
		t.Plan = *p.Plan
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.MaxUsers != nil {
		t.MaxUsers = *p.MaxUsers
	}
	if p.MaxAssets != nil {
		t.MaxAssets = *p.MaxAssets
	}
	if p.MaxWorkOrders != nil {
		t.MaxWorkOrders = *p.MaxWorkOrders
	}
	if p.ClearExpiresAt {
		t.SubscriptionExpiresAt = nil
	}
	if p.SubscriptionExpiresAt != nil {
		t.SubscriptionExpiresAt = cloneTime(p.SubscriptionExpiresAt)
	}
	if p.SubscriptionAmount != nil {
		t.SubscriptionAmount = *p.SubscriptionAmount
	}
	if p.SubscriptionFrequency != nil {
		t.SubscriptionFrequency = *p.SubscriptionFrequency
	}
	if p.ClearSuspension {
		t.PreviousPlan = PlanNone
		t.SuspendedAt = nil
		t.SuspensionReason = ""
	}
	if p.PreviousPlan != nil {
		t.PreviousPlan = *p.PreviousPlan
	}
	if p.SuspendedAt != nil {
		t.SuspendedAt = cloneTime(p.SuspendedAt)
	}
	if p.SuspensionReason != nil {
		t.SuspensionReason = *p.SuspensionReason
	}
	if p.Stats != nil {
		s := *p.Stats
		s.RefreshedAt = cloneTime(p.Stats.RefreshedAt)
		t.Stats = s
	}
}

// Diff builds the patch that turns before into after. Only fields the
// lifecycle engine owns are compared.
func Diff(before, after *Tenant) *TenantPatch {
	p := &TenantPatch{}
	if before.Subdomain != after.Subdomain {
		p.Subdomain = &after.Subdomain
	}
	if before.Name != after.Name {
		p.Name = &after.Name
	}
	if before.OwnerEmail != after.OwnerEmail {
		p.OwnerEmail = &after.OwnerEmail
	}
	if before.Plan != after.Plan {
		p.Plan = &after.Plan
	}
	if before.Status != after.Status {
		p.Status = &after.Status
	}
	if before.MaxUsers != after.MaxUsers {
		p.MaxUsers = &after.MaxUsers
	}
	if before.MaxAssets != after.MaxAssets {
		p.MaxAssets = &after.MaxAssets
	}
	if before.MaxWorkOrders != after.MaxWorkOrders {
		p.MaxWorkOrders = &after.MaxWorkOrders
	}
	if !timeEqual(before.SubscriptionExpiresAt, after.SubscriptionExpiresAt) {
		if after.SubscriptionExpiresAt == nil {
			p.ClearExpiresAt = true
		} else {
			p.SubscriptionExpiresAt = cloneTime(after.SubscriptionExpiresAt)
		}
	}
	if before.SubscriptionAmount != after.SubscriptionAmount {
		p.SubscriptionAmount = &after.SubscriptionAmount
	}
	if before.SubscriptionFrequency != after.SubscriptionFrequency {
		p.SubscriptionFrequency = &after.SubscriptionFrequency
	}
	suspensionCleared := after.PreviousPlan == PlanNone && after.SuspendedAt == nil && after.SuspensionReason == ""
	if suspensionCleared && (before.PreviousPlan != PlanNone || before.SuspendedAt != nil || before.SuspensionReason != "") {
		p.ClearSuspension = true
	} else {
		if before.PreviousPlan != after.PreviousPlan {
			p.PreviousPlan = &after.PreviousPlan
		}
		if !timeEqual(before.SuspendedAt, after.SuspendedAt) && after.SuspendedAt != nil {
			p.SuspendedAt = cloneTime(after.SuspendedAt)
		}
		if before.SuspensionReason != after.SuspensionReason {
			p.SuspensionReason = &after.SuspensionReason
		}
	}
	if !statsEqual(before.Stats, after.Stats) {
		s := after.Stats
		p.Stats = &s
	}
	return p
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func statsEqual(a, b TenantStats) bool {
	return a.Users == b.Users && a.Assets == b.Assets && a.WorkOrders == b.WorkOrders &&
		timeEqual(a.RefreshedAt, b.RefreshedAt)
}

// TenantFilter narrows ListTenants.
type TenantFilter struct {
	Status        TenantStatus
	Plan          Plan
	ExpiresBefore *time.Time
	Limit         int
}

// Matches reports whether t passes the filter.
func (f TenantFilter) Matches(t *Tenant) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Plan != "" && t.Plan != f.Plan {
		return false
	}
	if f.ExpiresBefore != nil {
		if t.SubscriptionExpiresAt == nil || !t.SubscriptionExpiresAt.Before(*f.ExpiresBefore) {
			return false
		}
	}
	return true
}

// --- Subdomains ---

const maxSubdomainLen = 63

var (
	subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	nonSlugChars     = regexp.MustCompile(`[^a-z0-9]+`)
)

// ValidSubdomain reports whether s is a usable DNS label.
func ValidSubdomain(s string) bool {
	return len(s) <= maxSubdomainLen && subdomainPattern.MatchString(s)
}

// Slugify turns a free-form organization name or email local part into a
// subdomain candidate. Returns "tenant" when nothing usable is left.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
	}
	s = nonSlugChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSubdomainLen-4 {
		s = strings.TrimRight(s[:maxSubdomainLen-4], "-")
	}
	if s == "" {
		return "tenant"
	}
	return s
}
