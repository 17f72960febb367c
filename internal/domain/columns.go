package domain

import "time"

// Columns maps a tenant patch onto storage column names. Time values are
// *time.Time; a nil pointer means the column is cleared. Version and audit
// columns are not included.
func (p *TenantPatch) Columns() map[string]any {
	cols := map[string]any{}
	if p.Subdomain != nil {
		cols["subdomain"] = *p.Subdomain
	}
	if p.Name != nil {
		cols["name"] = *p.Name
	}
	if p.OwnerEmail != nil {
		cols["owner_email"] = *p.OwnerEmail
	}
	if p.Plan != nil {
		cols["plan"] = string(*p.Plan)
	}
	if p.Status != nil {
		cols["status"] = string(*p.Status)
	}
	if p.MaxUsers != nil {
		cols["max_users"] = *p.MaxUsers
	}
	if p.MaxAssets != nil {
		cols["max_assets"] = *p.MaxAssets
	}
	if p.MaxWorkOrders != nil {
		cols["max_work_orders"] = *p.MaxWorkOrders
	}
	if p.ClearExpiresAt {
		cols["subscription_expires_at"] = (*time.Time)(nil)
	}
	if p.SubscriptionExpiresAt != nil {
		cols["subscription_expires_at"] = cloneTime(p.SubscriptionExpiresAt)
	}
	if p.SubscriptionAmount != nil {
		cols["subscription_amount"] = *p.SubscriptionAmount
	}
	if p.SubscriptionFrequency != nil {
		cols["subscription_frequency"] = string(*p.SubscriptionFrequency)
	}
	if p.ClearSuspension {
		cols["previous_plan"] = ""
		cols["suspended_at"] = (*time.Time)(nil)
		cols["suspension_reason"] = ""
	}
	if p.PreviousPlan != nil {
		cols["previous_plan"] = string(*p.PreviousPlan)
	}
	if p.SuspendedAt != nil {
		cols["suspended_at"] = cloneTime(p.SuspendedAt)
	}
	if p.SuspensionReason != nil {
		cols["suspension_reason"] = *p.SuspensionReason
	}
	if p.Stats != nil {
		cols["stats_users"] = p.Stats.Users
		cols["stats_assets"] = p.Stats.Assets
		cols["stats_work_orders"] = p.Stats.WorkOrders
		cols["stats_refreshed_at"] = cloneTime(p.Stats.RefreshedAt)
	}
	return cols
}

// Columns maps a subscription patch onto storage column names.
func (p *SubscriptionPatch) Columns() map[string]any {
	cols := map[string]any{}
	if p.ProviderSubscriptionID != nil {
		cols["provider_subscription_id"] = *p.ProviderSubscriptionID
	}
	if p.TenantID != nil {
		cols["tenant_id"] = *p.TenantID
	}
	if p.PlanID != nil {
		cols["plan_id"] = string(*p.PlanID)
	}
	if p.Status != nil {
		cols["status"] = string(*p.Status)
	}
	if p.Amount != nil {
		cols["amount"] = *p.Amount
	}
	if p.Frequency != nil {
		cols["frequency"] = string(*p.Frequency)
	}
	if p.CancelReason != nil {
		cols["cancel_reason"] = *p.CancelReason
	}
	if p.LastEventID != nil {
		cols["last_event_id"] = *p.LastEventID
	}
	if p.LastEventAt != nil {
		cols["last_event_at"] = cloneTime(p.LastEventAt)
	}
	if p.ActivatedAt != nil {
		cols["activated_at"] = cloneTime(p.ActivatedAt)
	}
	if p.SuspendedAt != nil {
		cols["suspended_at"] = cloneTime(p.SuspendedAt)
	}
	if p.CancelledAt != nil {
		cols["cancelled_at"] = cloneTime(p.CancelledAt)
	}
	return cols
}
