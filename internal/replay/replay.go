// Package replay implements the Replay Engine: bounded, resumable
// historical reads over the Event Log, scoped strictly to the caller's own
// (tenant, project).
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/credentialgate"
	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/eventlog"
)

// DefaultLimit and MaxLimit bound a single Replay call.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Cursor identifies a resumable replay position.
type Cursor struct {
	Sequence  uint64
	Timestamp time.Time
}

// Event is one replayed log entry paired with its resumable Cursor.
type Event struct {
	ID          string
	TenantID    string
	ProjectID   string
	Topic       string
	Payload     json.RawMessage
	PublishedAt time.Time
	Sequence    uint64
	Cursor      Cursor
}

// TenantChecker is the subset of identitystore.Store Replay depends on to
// validate the tenant is active before serving history.
type TenantChecker interface {
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
}

// Engine is the Replay Engine. Constructed once in the composition root.
type Engine struct {
	log     eventlog.Log
	tenants TenantChecker
}

// New builds a replay Engine.
func New(log eventlog.Log, tenants TenantChecker) *Engine {
	return &Engine{log: log, tenants: tenants}
}

// Replay serves a bounded historical read for (tenantID, projectID),
// optionally narrowed to one topic, resuming from cursor if provided.
// auth must belong to the same (tenant, project) being replayed — Replay
// never crosses tenant or project boundaries.
func (e *Engine) Replay(ctx context.Context, auth *credentialgate.AuthContext, tenantID, projectID, topic string, cursor *Cursor, limit int) ([]Event, error) {
	if !auth.Scopes.Has(domain.ScopeEventsSubscribe) {
		return nil, apierr.New(apierr.CodeInsufficientScope, "missing events:subscribe scope")
	}
	if auth.TenantID != tenantID || auth.ProjectID != projectID {
		return nil, apierr.New(apierr.CodeInsufficientScope, "cannot replay another tenant or project's events")
	}

	tenant, err := e.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to load tenant", err)
	}
	if tenant == nil {
		return nil, apierr.New(apierr.CodeNotFound, "tenant not found")
	}
	if !tenant.Status.CanPublishOrSubscribe() {
		return nil, apierr.New(apierr.CodeTenantSuspended, "tenant is not active")
	}

	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	start := eventlog.AllMessages()
	if cursor != nil {
		start = eventlog.BySequence(cursor.Sequence)
	}

	filter := eventlog.SubjectFilter(tenantID, projectID, topic)
	msgs, err := e.log.Replay(ctx, filter, start, limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "replay failed", fmt.Errorf("replay: %w", err))
	}

	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Event{
			ID:          m.Headers["event_id"],
			TenantID:    tenantID,
			ProjectID:   projectID,
			Topic:       m.Headers["topic"],
			Payload:     json.RawMessage(m.Payload),
			PublishedAt: m.PublishedAt,
			Sequence:    m.Sequence,
			Cursor:      Cursor{Sequence: m.Sequence, Timestamp: m.PublishedAt},
		})
	}
	return out, nil
}
