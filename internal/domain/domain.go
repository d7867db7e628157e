// Package domain holds the core data model shared by every component of the
// event platform: tenants, projects, API keys, users, events and usage.
package domain

import "time"

// TenantStatus is the lifecycle state of a Tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantTrial     TenantStatus = "trial"
	TenantPastDue   TenantStatus = "past_due"
	TenantSuspended TenantStatus = "suspended"
)

// CanPublishOrSubscribe reports whether a tenant in this status may publish
// events or hold open subscriptions.
func (s TenantStatus) CanPublishOrSubscribe() bool {
	return s == TenantActive || s == TenantTrial
}

// PlanKind selects which Plan variant is active for a tenant.
type PlanKind string

const (
	PlanFree       PlanKind = "free"
	PlanPro        PlanKind = "pro"
	PlanEnterprise PlanKind = "enterprise"
)

// Plan is a closed variant over the three billing plans. Only the fields
// relevant to Kind are meaningful; the others are zero.
type Plan struct {
	Kind PlanKind

	// Free / Pro
	MonthlyEvents int64

	// Pro only — price per event past MonthlyEvents, in the tenant's
	// billing currency's smallest unit (e.g. cents). Used only for
	// GET /billing/usage aggregation, never to drive admission decisions
	// (those stay cap-based).
	PricePerEvent int64

	// Enterprise
	Unlimited     bool
	EventsCeiling int64 // used only when Unlimited == false
}

// EffectiveCap returns the event cap for Admit() comparisons, and whether a
// cap applies at all.
func (p Plan) EffectiveCap() (cap int64, capped bool) {
	switch p.Kind {
	case PlanFree, PlanPro:
		return p.MonthlyEvents, true
	case PlanEnterprise:
		if p.Unlimited {
			return 0, false
		}
		return p.EventsCeiling, true
	default:
		return 0, true
	}
}

// Tenant is the top-level isolation boundary.
type Tenant struct {
	ID                 string
	Name               string
	Plan               Plan
	Status             TenantStatus
	BillingCustomerRef string // external billing provider customer id, optional
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ProjectLimits bounds a project's resource usage.
type ProjectLimits struct {
	MaxConnections  int
	MaxEventsPerSec int
	MaxPayloadBytes int
}

// DefaultMaxPayloadBytes is the hard payload cap applied regardless of a
// project's configured limit.
const DefaultMaxPayloadBytes = 1 << 20 // 1 MiB

// Project is a limits-bearing sub-partition within a tenant.
type Project struct {
	ID        string
	TenantID  string
	Name      string
	Limits    ProjectLimits
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Scope is a bit of authority attached to an API key. The wire token is the
// canonical, stable serialization — never a debug format of an internal
// constant.
type Scope string

const (
	ScopeEventsPublish   Scope = "events:publish"
	ScopeEventsSubscribe Scope = "events:subscribe"
	ScopeAdminRead       Scope = "admin:read"
	ScopeAdminWrite      Scope = "admin:write"
	ScopeBillingRead     Scope = "billing:read"
)

// ScopeSet is a set over Scope with the usual membership helpers.
type ScopeSet map[Scope]struct{}

// NewScopeSet builds a ScopeSet from a slice of Scope tokens.
func NewScopeSet(scopes ...Scope) ScopeSet {
	s := make(ScopeSet, len(scopes))
	for _, sc := range scopes {
		s[sc] = struct{}{}
	}
	return s
}

// Has reports whether every scope in want is present.
func (s ScopeSet) Has(want ...Scope) bool {
	for _, w := range want {
		if _, ok := s[w]; !ok {
			return false
		}
	}
	return true
}

// Tokens returns the canonical wire tokens, sorted is not guaranteed —
// callers that need determinism should sort the result themselves.
func (s ScopeSet) Tokens() []string {
	out := make([]string, 0, len(s))
	for sc := range s {
		out = append(out, string(sc))
	}
	return out
}

// ApiKey is an opaque-secret credential scoped to one project.
type ApiKey struct {
	ID              string
	TenantID        string
	ProjectID       string
	LookupHash      string // keyed hash of the secret half, indexed for O(1) lookup
	Scopes          ScopeSet
	RateLimitPerSec int
	IsActive        bool
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DefaultTokenRateLimitPerSec is used for signed-token principals, which
// carry no ApiKey record.
const DefaultTokenRateLimitPerSec = 1000

// UserRole is the role of a human (JWT) principal.
type UserRole string

const (
	RoleOwner     UserRole = "owner"
	RoleAdmin     UserRole = "admin"
	RoleDeveloper UserRole = "developer"
	RoleViewer    UserRole = "viewer"
)

// Permission gates the out-of-core admin HTTP surface for human principals.
// It never affects API key Scopes.
type Permission string

const (
	PermManageProjects  Permission = "manage_projects"
	PermManageApiKeys   Permission = "manage_api_keys"
	PermManageUsers     Permission = "manage_users"
	PermViewAuditLogs   Permission = "view_audit_logs"
	PermPublishEvents   Permission = "publish_events"
	PermSubscribeEvents Permission = "subscribe_events"
	PermViewBilling     Permission = "view_billing"
)

// RolePermissions is the fixed role→permission map for human principals.
var RolePermissions = map[UserRole]map[Permission]struct{}{
	RoleOwner: allPermissions(),
	RoleAdmin: permSet(
		PermManageProjects, PermManageApiKeys, PermManageUsers,
		PermViewAuditLogs, PermPublishEvents, PermSubscribeEvents, PermViewBilling,
	),
	RoleDeveloper: permSet(
		PermManageApiKeys, PermPublishEvents, PermSubscribeEvents, PermViewBilling,
	),
	RoleViewer: permSet(PermSubscribeEvents, PermViewBilling),
}

func permSet(perms ...Permission) map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		m[p] = struct{}{}
	}
	return m
}

func allPermissions() map[Permission]struct{} {
	return permSet(
		PermManageProjects, PermManageApiKeys, PermManageUsers, PermViewAuditLogs,
		PermPublishEvents, PermSubscribeEvents, PermViewBilling,
	)
}

// HasPermission reports whether role grants perm.
func HasPermission(role UserRole, perm Permission) bool {
	set, ok := RolePermissions[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// User is a human JWT principal.
type User struct {
	ID       string
	TenantID string
	Email    string
	Role     UserRole
	IsActive bool
}

// Event is a published message, identified primarily by its log Sequence
// once durably appended.
type Event struct {
	ID          string
	TenantID    string
	ProjectID   string
	Topic       string
	Payload     []byte // raw JSON, object or array
	PublishedAt time.Time
	Sequence    uint64 // authoritative, assigned by the log on append
}

// UsageMetric enumerates the counters tracked per (tenant, project).
type UsageMetric string

const (
	MetricEventsPublished  UsageMetric = "events_published"
	MetricEventsDelivered  UsageMetric = "events_delivered"
	MetricWebSocketMinutes UsageMetric = "websocket_minutes"
	MetricApiRequests      UsageMetric = "api_requests"
)

// UsageRecord is a persisted, windowed usage counter.
type UsageRecord struct {
	ID          string
	TenantID    string
	ProjectID   string
	Metric      UsageMetric
	Quantity    int64
	WindowStart time.Time
	CreatedAt   time.Time
}

// BillingWindowStart truncates t to the first instant of its UTC calendar
// month. Usage resets on UTC calendar-month boundaries;
// operator-configured reset schedules are not supported.
func BillingWindowStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
