package quota

import (
	"context"
	"time"

	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/registry"
)

// TenantStatusWriter is the Identity Store's persistence hook for tenant
// suspension — identitystore.Store satisfies this.
type TenantStatusWriter interface {
	UpdateTenantStatus(ctx context.Context, tenantID string, status domain.TenantStatus) error
}

// SessionEvictor is the Connection Registry's bulk-termination hook —
// registry.Registry satisfies this directly.
type SessionEvictor interface {
	EvictTenant(tenantID string) []registry.SessionID
}

// Observer is the narrow slice of observability.Observer the kill switch
// needs.
type Observer interface {
	KillSwitchActivated(tenantID, reason string, evictedSessions int)
}

// Coordinator performs tenant suspension atomically
// across the three components it touches: the in-memory kill switch
// (Tracker), the Identity Store's durable tenant status, and the
// Connection Registry's live sessions. It is the composition root's single
// entry point for suspending a tenant — httpapi's admin surface calls
// through it rather than touching Tracker.ActivateKillSwitch directly, so
// the bulk eviction step is never skipped.
type Coordinator struct {
	tracker  *Tracker
	identity TenantStatusWriter
	sessions SessionEvictor
	observer Observer
}

// NewCoordinator builds a Coordinator over an already-constructed Tracker.
func NewCoordinator(tracker *Tracker, identity TenantStatusWriter, sessions SessionEvictor, observer Observer) *Coordinator {
	return &Coordinator{tracker: tracker, identity: identity, sessions: sessions, observer: observer}
}

// Suspend activates the kill switch for tenantID, persists the Suspended
// status, evicts every live session and reports the result to the
// Observer. It is idempotent: the underlying KillSwitch.Activate no-ops a
// repeated reason, and EvictTenant is already idempotent on an
// already-empty tenant — but every call still re-verifies no session
// survives by re-running the eviction, so every live session is
// demonstrably gone when the call returns.
//
// The Identity Store write is attempted even if it fails transiently: the
// in-memory kill switch is authoritative for admission decisions (Admit
// consults it directly), so Admit starts rejecting this tenant immediately
// regardless of whether the durable status write has landed yet. Callers
// that need the durable write to succeed before returning should retry
// Suspend with backoff until the tenant is demonstrably suspended.
func (c *Coordinator) Suspend(ctx context.Context, tenantID, reason, triggeredBy string, ttl *time.Duration) ([]registry.SessionID, error) {
	c.tracker.ActivateKillSwitch(tenantID, reason, triggeredBy, ttl)

	statusErr := c.identity.UpdateTenantStatus(ctx, tenantID, domain.TenantSuspended)

	evicted := c.sessions.EvictTenant(tenantID)
	c.observer.KillSwitchActivated(tenantID, reason, len(evicted))

	return evicted, statusErr
}

// Revive clears the tenant's kill switch and restores Active status. It
// does not re-register any evicted session: subscribers must reconnect.
func (c *Coordinator) Revive(ctx context.Context, tenantID string) (bool, error) {
	revived := c.tracker.Revive(tenantID)
	if err := c.identity.UpdateTenantStatus(ctx, tenantID, domain.TenantActive); err != nil {
		return revived, err
	}
	return revived, nil
}
