// Package identitystore is the platform's Identity Store: the durable
// record of tenants, projects, API keys, users and usage, backed by
// Supabase/Postgres through the supabase-go client.
package identitystore

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/fluxgate/realtime/internal/domain"
)

// Store wraps a supabase-go client with the CRUD operations the platform's
// core needs. It has no knowledge of HTTP or of the wire auth format —
// callers (credentialgate, httpapi) translate to/from domain types.
type Store struct {
	client *supabase.Client
}

// New builds a Store against the given Supabase project URL and service
// role key.
func New(url, serviceKey string) (*Store, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("identitystore: url and service key are required")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("identitystore: failed to create client: %w", err)
	}
	return &Store{client: client}, nil
}

// tenantRow is the wire shape of the tenants table. Timestamps round-trip
// as RFC3339 strings, matching how Postgres/PostgREST serializes them.
type tenantRow struct {
	TenantID        string `json:"tenant_id"`
	Name            string `json:"name"`
	PlanKind        string `json:"plan_kind"`
	PlanMonthlyCap  int64  `json:"plan_monthly_cap"`
	PlanPricePerEvt int64  `json:"plan_price_per_event"`
	PlanUnlimited   bool   `json:"plan_unlimited"`
	PlanEventsCeil  int64  `json:"plan_events_ceiling"`
	Status          string `json:"status"`
	BillingCustomer string `json:"billing_customer_ref,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

func (r tenantRow) toDomain() domain.Tenant {
	return domain.Tenant{
		ID:   r.TenantID,
		Name: r.Name,
		Plan: domain.Plan{
			Kind:          domain.PlanKind(r.PlanKind),
			MonthlyEvents: r.PlanMonthlyCap,
			PricePerEvent: r.PlanPricePerEvt,
			Unlimited:     r.PlanUnlimited,
			EventsCeiling: r.PlanEventsCeil,
		},
		Status:             domain.TenantStatus(r.Status),
		BillingCustomerRef: r.BillingCustomer,
		CreatedAt:          parseTime(r.CreatedAt),
		UpdatedAt:          parseTime(r.UpdatedAt),
	}
}

func fromTenant(t domain.Tenant) tenantRow {
	return tenantRow{
		TenantID:        t.ID,
		Name:            t.Name,
		PlanKind:        string(t.Plan.Kind),
		PlanMonthlyCap:  t.Plan.MonthlyEvents,
		PlanPricePerEvt: t.Plan.PricePerEvent,
		PlanUnlimited:   t.Plan.Unlimited,
		PlanEventsCeil:  t.Plan.EventsCeiling,
		Status:          string(t.Status),
		BillingCustomer: t.BillingCustomerRef,
	}
}

// GetTenant fetches a tenant by ID, returning nil, nil if not found.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	var rows []tenantRow
	_, err := s.client.From("tenants").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("identitystore: get tenant: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	d := rows[0].toDomain()
	return &d, nil
}

// CreateTenant inserts a new tenant row.
func (s *Store) CreateTenant(ctx context.Context, t domain.Tenant) error {
	var result []tenantRow
	_, err := s.client.From("tenants").
		Insert(fromTenant(t), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("identitystore: create tenant: %w", err)
	}
	return nil
}

// UpdateTenantStatus transitions a tenant's lifecycle status — the
// Quota & Kill-Switch component's persistence hook for ActivateKillSwitch
// and Revive.
func (s *Store) UpdateTenantStatus(ctx context.Context, tenantID string, status domain.TenantStatus) error {
	update := map[string]interface{}{"status": string(status)}
	var result []tenantRow
	_, err := s.client.From("tenants").
		Update(update, "", "").
		Eq("tenant_id", tenantID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("identitystore: update tenant status: %w", err)
	}
	return nil
}

// projectRow is the wire shape of the projects table.
type projectRow struct {
	ProjectID       string `json:"project_id"`
	TenantID        string `json:"tenant_id"`
	Name            string `json:"name"`
	MaxConnections  int    `json:"max_connections"`
	MaxEventsPerSec int    `json:"max_events_per_sec"`
	MaxPayloadBytes int    `json:"max_payload_bytes"`
	CreatedAt       string `json:"created_at,omitempty"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

func (r projectRow) toDomain() domain.Project {
	limits := domain.ProjectLimits{
		MaxConnections:  r.MaxConnections,
		MaxEventsPerSec: r.MaxEventsPerSec,
		MaxPayloadBytes: r.MaxPayloadBytes,
	}
	if limits.MaxPayloadBytes == 0 || limits.MaxPayloadBytes > domain.DefaultMaxPayloadBytes {
		limits.MaxPayloadBytes = domain.DefaultMaxPayloadBytes
	}
	return domain.Project{
		ID:        r.ProjectID,
		TenantID:  r.TenantID,
		Name:      r.Name,
		Limits:    limits,
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	var rows []projectRow
	_, err := s.client.From("projects").
		Select("*", "", false).
		Eq("project_id", projectID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("identitystore: get project: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	d := rows[0].toDomain()
	return &d, nil
}

// apiKeyRow is the wire shape of the api_keys table. LookupHash is the
// indexed column used for O(1) credential lookup (see
// internal/credentialgate for the hashing scheme) — never the raw secret.
type apiKeyRow struct {
	KeyID           string     `json:"key_id"`
	TenantID        string     `json:"tenant_id"`
	ProjectID       string     `json:"project_id"`
	LookupHash      string     `json:"lookup_hash"`
	Scopes          []string   `json:"scopes"`
	RateLimitPerSec int        `json:"rate_limit_per_sec"`
	IsActive        bool       `json:"is_active"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       string     `json:"created_at,omitempty"`
	UpdatedAt       string     `json:"updated_at,omitempty"`
}

func (r apiKeyRow) toDomain() domain.ApiKey {
	scopes := make([]domain.Scope, 0, len(r.Scopes))
	for _, sc := range r.Scopes {
		scopes = append(scopes, domain.Scope(sc))
	}
	return domain.ApiKey{
		ID:              r.KeyID,
		TenantID:        r.TenantID,
		ProjectID:       r.ProjectID,
		LookupHash:      r.LookupHash,
		Scopes:          domain.NewScopeSet(scopes...),
		RateLimitPerSec: r.RateLimitPerSec,
		IsActive:        r.IsActive,
		ExpiresAt:       r.ExpiresAt,
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
}

func fromAPIKey(k domain.ApiKey) apiKeyRow {
	return apiKeyRow{
		KeyID:           k.ID,
		TenantID:        k.TenantID,
		ProjectID:       k.ProjectID,
		LookupHash:      k.LookupHash,
		Scopes:          k.Scopes.Tokens(),
		RateLimitPerSec: k.RateLimitPerSec,
		IsActive:        k.IsActive,
		ExpiresAt:       k.ExpiresAt,
	}
}

// GetAPIKeyByLookupHash is the Credential Gate's primary authentication
// query: a single indexed equality lookup, never a per-row comparison. The
// column holds a fast keyed digest rather than a salted password hash so
// it has a stable value to index on.
func (s *Store) GetAPIKeyByLookupHash(ctx context.Context, lookupHash string) (*domain.ApiKey, error) {
	var rows []apiKeyRow
	_, err := s.client.From("api_keys").
		Select("*", "", false).
		Eq("lookup_hash", lookupHash).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("identitystore: get api key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	d := rows[0].toDomain()
	return &d, nil
}

// CreateAPIKey inserts a newly minted API key record.
func (s *Store) CreateAPIKey(ctx context.Context, k domain.ApiKey) error {
	var result []apiKeyRow
	_, err := s.client.From("api_keys").
		Insert(fromAPIKey(k), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("identitystore: create api key: %w", err)
	}
	return nil
}

// RevokeAPIKey marks a key inactive. Idempotent.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	update := map[string]interface{}{"is_active": false}
	var result []apiKeyRow
	_, err := s.client.From("api_keys").
		Update(update, "", "").
		Eq("key_id", keyID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("identitystore: revoke api key: %w", err)
	}
	return nil
}

// eventAuditRow is the wire shape of the events_audit table: per-publish
// metadata for admin/billing queries. The event's durable copy lives in
// the log; this row is lookup metadata only.
type eventAuditRow struct {
	EventID     string `json:"event_id"`
	TenantID    string `json:"tenant_id"`
	ProjectID   string `json:"project_id"`
	Topic       string `json:"topic"`
	Sequence    uint64 `json:"sequence"`
	PublishedAt string `json:"published_at"`
}

// RecordEventAudit inserts the publish metadata row for an event already
// durably appended to the log. Ingress calls this after a successful
// append; a failure here is alerted, never returned to the publisher.
func (s *Store) RecordEventAudit(ctx context.Context, e domain.Event) error {
	row := eventAuditRow{
		EventID:     e.ID,
		TenantID:    e.TenantID,
		ProjectID:   e.ProjectID,
		Topic:       e.Topic,
		Sequence:    e.Sequence,
		PublishedAt: e.PublishedAt.UTC().Format(time.RFC3339Nano),
	}
	var result []eventAuditRow
	_, err := s.client.From("events_audit").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("identitystore: record event audit: %w", err)
	}
	return nil
}

// userRow is the wire shape of the users table.
type userRow struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	IsActive bool   `json:"is_active"`
}

func (r userRow) toDomain() domain.User {
	return domain.User{
		ID:       r.UserID,
		TenantID: r.TenantID,
		Email:    r.Email,
		Role:     domain.UserRole(r.Role),
		IsActive: r.IsActive,
	}
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var rows []userRow
	_, err := s.client.From("users").
		Select("*", "", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("identitystore: get user: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	d := rows[0].toDomain()
	return &d, nil
}

// usageRow is the wire shape of the usage_records table.
type usageRow struct {
	ID          string `json:"id,omitempty"`
	TenantID    string `json:"tenant_id"`
	ProjectID   string `json:"project_id"`
	Metric      string `json:"metric"`
	Quantity    int64  `json:"quantity"`
	WindowStart string `json:"window_start"`
	CreatedAt   string `json:"created_at,omitempty"`
}

func fromUsage(u domain.UsageRecord) usageRow {
	return usageRow{
		TenantID:    u.TenantID,
		ProjectID:   u.ProjectID,
		Metric:      string(u.Metric),
		Quantity:    u.Quantity,
		WindowStart: u.WindowStart.UTC().Format(time.RFC3339),
	}
}

// RecordUsage upserts a usage counter for (tenant, project, metric, window).
// The platform calls this from the Quota component, not from the hot event
// path directly — counters are batched in memory and flushed periodically.
func (s *Store) RecordUsage(ctx context.Context, u domain.UsageRecord) error {
	row := fromUsage(u)
	var result []usageRow
	_, err := s.client.From("usage_records").
		Insert(row, true, "tenant_id,project_id,metric,window_start", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("identitystore: record usage: %w", err)
	}
	return nil
}

// GetUsage returns the recorded quantity for a single (tenant, project,
// metric, window), or 0 if no record exists yet.
func (s *Store) GetUsage(ctx context.Context, tenantID, projectID string, metric domain.UsageMetric, windowStart time.Time) (int64, error) {
	var rows []usageRow
	_, err := s.client.From("usage_records").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("project_id", projectID).
		Eq("metric", string(metric)).
		Eq("window_start", windowStart.UTC().Format(time.RFC3339)).
		ExecuteTo(&rows)
	if err != nil {
		return 0, fmt.Errorf("identitystore: get usage: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Quantity, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999", s); err == nil {
		return t
	}
	return time.Time{}
}
