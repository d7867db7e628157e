// Package quota implements per-tenant event admission against plan caps,
// windowed usage tracking, and the emergency kill switch that can suspend
// a tenant outright.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/domain"
)

// UsageStore persists windowed usage counters. identitystore.Store
// satisfies this; tests supply an in-memory fake.
type UsageStore interface {
	GetUsage(ctx context.Context, tenantID, projectID string, metric domain.UsageMetric, windowStart time.Time) (int64, error)
	RecordUsage(ctx context.Context, u domain.UsageRecord) error
}

// counterKey identifies one in-memory running counter.
type counterKey struct {
	tenantID    string
	projectID   string
	metric      domain.UsageMetric
	windowStart time.Time
}

// Tracker is the Quota component. It keeps an in-memory running counter per
// (tenant, project, metric, billing window) — mirroring the rate limiter's
// fixed-window map shape — and periodically flushes counters to the
// UsageStore so a process restart doesn't lose usage history. Admission
// decisions are made against the in-memory counter only, so they never
// block on storage I/O.
type Tracker struct {
	mu       sync.RWMutex
	counters map[counterKey]int64
	dirty    map[counterKey]struct{}

	store      UsageStore
	killSwitch *KillSwitch
	now        func() time.Time

	flushInterval time.Duration
	stopCh        chan struct{}
}

// NewTracker builds a Tracker backed by store, with its own kill switch.
// now defaults to time.Now; tests inject a fixed clock for determinism
// around billing-window boundaries.
func NewTracker(store UsageStore, killSwitch *KillSwitch, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{
		counters:      make(map[counterKey]int64),
		dirty:         make(map[counterKey]struct{}),
		store:         store,
		killSwitch:    killSwitch,
		now:           now,
		flushInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}
	return t
}

// StartFlushing begins the periodic background flush to UsageStore. Call
// once from the composition root; Stop to release the goroutine on
// shutdown.
func (t *Tracker) StartFlushing(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.flush(ctx)
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background flush goroutine.
func (t *Tracker) Stop() {
	close(t.stopCh)
}

// Admit checks whether the tenant may publish one more event of the given
// plan, without yet recording it — callers call Track after a successful
// publish. Returns apierr.CodeTenantSuspended if the kill switch is active,
// apierr.CodeQuotaExceeded if the plan's monthly cap would be exceeded.
func (t *Tracker) Admit(ctx context.Context, tenant domain.Tenant, projectID string) error {
	if killed, reason := t.killSwitch.IsKilled(tenant.ID); killed {
		return apierr.New(apierr.CodeTenantSuspended, reason)
	}

	cap, capped := tenant.Plan.EffectiveCap()
	if !capped {
		return nil
	}

	window := domain.BillingWindowStart(t.now())
	key := counterKey{tenantID: tenant.ID, projectID: projectID, metric: domain.MetricEventsPublished, windowStart: window}

	t.mu.RLock()
	current := t.counters[key]
	t.mu.RUnlock()

	if current >= cap {
		return apierr.New(apierr.CodeQuotaExceeded, fmt.Sprintf("monthly event quota of %d exceeded", cap))
	}
	return nil
}

// Track records one unit of metric for (tenant, project) in the current
// billing window. Called after Admit allows an operation and it actually
// happens (e.g. after a successful eventlog.Append).
func (t *Tracker) Track(tenantID, projectID string, metric domain.UsageMetric, quantity int64) {
	window := domain.BillingWindowStart(t.now())
	key := counterKey{tenantID: tenantID, projectID: projectID, metric: metric, windowStart: window}

	t.mu.Lock()
	t.counters[key] += quantity
	t.dirty[key] = struct{}{}
	t.mu.Unlock()
}

// Usage returns the current in-memory counter for (tenant, project,
// metric) in the current billing window — used by GET /billing/usage.
func (t *Tracker) Usage(tenantID, projectID string, metric domain.UsageMetric) int64 {
	window := domain.BillingWindowStart(t.now())
	key := counterKey{tenantID: tenantID, projectID: projectID, metric: metric, windowStart: window}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counters[key]
}

// ActivateKillSwitch suspends a tenant outright, independent of its usage
// counters. ttl == nil activates it permanently.
func (t *Tracker) ActivateKillSwitch(tenantID, reason, triggeredBy string, ttl *time.Duration) *KillRecord {
	return t.killSwitch.Activate(tenantID, reason, triggeredBy, ttl)
}

// Revive clears a tenant's kill switch.
func (t *Tracker) Revive(tenantID string) bool {
	return t.killSwitch.Revive(tenantID)
}

// flush persists every dirty counter and clears the dirty set. Errors are
// discarded per-key, unlogged, so one failing write doesn't block the
// others; a key whose write failed is written again only once its counter
// changes and marks it dirty.
func (t *Tracker) flush(ctx context.Context) {
	t.mu.Lock()
	toFlush := make([]counterKey, 0, len(t.dirty))
	for k := range t.dirty {
		toFlush = append(toFlush, k)
	}
	t.dirty = make(map[counterKey]struct{})
	snapshot := make(map[counterKey]int64, len(toFlush))
	for _, k := range toFlush {
		snapshot[k] = t.counters[k]
	}
	t.mu.Unlock()

	for _, k := range toFlush {
		_ = t.store.RecordUsage(ctx, domain.UsageRecord{
			TenantID:    k.tenantID,
			ProjectID:   k.projectID,
			Metric:      k.metric,
			Quantity:    snapshot[k],
			WindowStart: k.windowStart,
		})
	}
}

// HandleTrialExpiry reports whether tenant is a trial tenant whose trial
// period ended before now. It changes no state, does not look at any
// billing reference, and nothing in cmd/server calls it. The platform
// core never decides billing-plan transitions itself — it only reports
// the decision via the returned bool so the caller can update the
// Identity Store and notify the tenant.
func HandleTrialExpiry(tenant domain.Tenant, trialEnd time.Time, now time.Time) (shouldSuspend bool) {
	return tenant.Status == domain.TenantTrial && now.After(trialEnd)
}
