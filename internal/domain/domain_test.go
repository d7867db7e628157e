package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantStatusCanPublishOrSubscribe(t *testing.T) {
	cases := []struct {
		status TenantStatus
		want   bool
	}{
		{TenantActive, true},
		{TenantTrial, true},
		{TenantPastDue, false},
		{TenantSuspended, false},
	}
	for _, c := range cases {
		t.Run(string(c.status), func(t *testing.T) {
			assert.Equal(t, c.want, c.status.CanPublishOrSubscribe())
		})
	}
}

func TestPlanEffectiveCap(t *testing.T) {
	cases := []struct {
		name       string
		plan       Plan
		wantCap    int64
		wantCapped bool
	}{
		{"free", Plan{Kind: PlanFree, MonthlyEvents: 10_000}, 10_000, true},
		{"pro", Plan{Kind: PlanPro, MonthlyEvents: 1_000_000}, 1_000_000, true},
		{"enterprise unlimited", Plan{Kind: PlanEnterprise, Unlimited: true}, 0, false},
		{"enterprise capped", Plan{Kind: PlanEnterprise, EventsCeiling: 50_000_000}, 50_000_000, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cap, capped := c.plan.EffectiveCap()
			assert.Equal(t, c.wantCap, cap)
			assert.Equal(t, c.wantCapped, capped)
		})
	}
}

func TestScopeSetHas(t *testing.T) {
	s := NewScopeSet(ScopeEventsPublish, ScopeBillingRead)
	require.True(t, s.Has(ScopeEventsPublish))
	require.True(t, s.Has(ScopeEventsPublish, ScopeBillingRead))
	require.False(t, s.Has(ScopeEventsSubscribe))
	require.False(t, s.Has(ScopeEventsPublish, ScopeAdminWrite))
}

func TestScopeWireTokensAreStable(t *testing.T) {
	// These exact strings are the wire contract; a refactor that renames
	// the Go identifiers must not change them.
	assert.Equal(t, "events:publish", string(ScopeEventsPublish))
	assert.Equal(t, "events:subscribe", string(ScopeEventsSubscribe))
	assert.Equal(t, "admin:read", string(ScopeAdminRead))
	assert.Equal(t, "admin:write", string(ScopeAdminWrite))
	assert.Equal(t, "billing:read", string(ScopeBillingRead))
}

func TestRolePermissions(t *testing.T) {
	assert.True(t, HasPermission(RoleOwner, PermManageUsers))
	assert.True(t, HasPermission(RoleAdmin, PermManageApiKeys))
	assert.False(t, HasPermission(RoleDeveloper, PermManageUsers))
	assert.False(t, HasPermission(RoleViewer, PermManageApiKeys))
	assert.True(t, HasPermission(RoleViewer, PermSubscribeEvents))
	assert.False(t, HasPermission(UserRole("bogus"), PermViewBilling))
}

func TestBillingWindowStart(t *testing.T) {
	in := time.Date(2026, 3, 17, 14, 22, 0, 0, time.FixedZone("PST", -8*3600))
	got := BillingWindowStart(in)
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, got.Equal(want), "got %v want %v", got, want)
}

// TestBillingWindowStartCrossesMonthBoundary checks the truncation actually
// moves across a calendar-month boundary in UTC, not just within one month:
// a timestamp just before midnight UTC on the last day of March and one just
// after must land in different windows, while two timestamps either side of
// a non-boundary instant within March must land in the same window.
func TestBillingWindowStartCrossesMonthBoundary(t *testing.T) {
	lastInstantOfMarch := time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC)
	firstInstantOfApril := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	marchWindow := BillingWindowStart(lastInstantOfMarch)
	aprilWindow := BillingWindowStart(firstInstantOfApril)

	assert.True(t, marchWindow.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, aprilWindow.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, marchWindow.Equal(aprilWindow), "timestamps either side of the month boundary must land in different windows")

	midMarch := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	assert.True(t, BillingWindowStart(midMarch).Equal(marchWindow), "timestamps within the same month must share one window")
}
