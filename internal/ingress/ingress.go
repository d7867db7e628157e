// Package ingress implements the platform's publish-path validation
// pipeline, sitting between the Credential Gate and the Event Log. It
// never trusts anything about the caller beyond the AuthContext already
// resolved by credentialgate.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/credentialgate"
	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/eventlog"
)

// maxTopicBytes bounds a topic name's serialized length.
const maxTopicBytes = 255

// QuotaGate is the subset of quota.Tracker the Ingress path depends on.
type QuotaGate interface {
	Admit(ctx context.Context, tenant domain.Tenant, projectID string) error
	Track(tenantID, projectID string, metric domain.UsageMetric, quantity int64)
}

// ProjectStore resolves the project record whose limits gate the publish.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
}

// AuditStore records publish metadata in the Identity Store after a
// successful durable append — identitystore.Store satisfies this. The
// event's durability lives in the log, so an audit-write failure is
// alerted through the Observer, never surfaced to the publisher.
type AuditStore interface {
	RecordEventAudit(ctx context.Context, e domain.Event) error
}

// Observer receives operational signals the publish path can't surface as
// a client-visible error, such as a metadata-write failure after a
// successful append.
type Observer interface {
	AuditWriteFailed(ctx context.Context, tenantID, projectID string, err error)
}

// Result is what a successful Publish returns to the caller.
type Result struct {
	EventID     string
	Sequence    uint64
	PublishedAt time.Time
}

// Gate is the Ingress component. Constructed once in the composition root.
type Gate struct {
	log      eventlog.Log
	quota    QuotaGate
	projects ProjectStore
	audit    AuditStore
	schemas  *SchemaRegistry
	observer Observer
}

// New builds an Ingress Gate. schemas may be nil if no tenant has
// registered a topic schema yet; audit may be nil in tests that don't
// exercise the metadata path.
func New(log eventlog.Log, quota QuotaGate, projects ProjectStore, audit AuditStore, schemas *SchemaRegistry, observer Observer) *Gate {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &Gate{log: log, quota: quota, projects: projects, audit: audit, schemas: schemas, observer: observer}
}

// Publish validates scope, topic, payload, schema and quota in that
// order, failing fast on the first violation; on admit it durably appends
// the event and tracks usage.
func (g *Gate) Publish(ctx context.Context, auth *credentialgate.AuthContext, topic string, payload json.RawMessage) (Result, error) {
	if !auth.Scopes.Has(domain.ScopeEventsPublish) {
		return Result{}, apierr.New(apierr.CodeInsufficientScope, "missing events:publish scope")
	}

	if err := validateTopic(topic); err != nil {
		return Result{}, err
	}

	project, err := g.projects.GetProject(ctx, auth.ProjectID)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.CodeInternal, "failed to load project", err)
	}
	if project == nil {
		return Result{}, apierr.New(apierr.CodeNotFound, "project not found")
	}

	limit := project.Limits.MaxPayloadBytes
	if limit <= 0 || limit > domain.DefaultMaxPayloadBytes {
		limit = domain.DefaultMaxPayloadBytes
	}
	if err := validatePayload(payload, limit); err != nil {
		return Result{}, err
	}

	if err := g.schemas.ValidateForTenant(auth.TenantID, topic, payload); err != nil {
		return Result{}, err
	}

	tenant, err := g.projects.GetTenant(ctx, auth.TenantID)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.CodeInternal, "failed to load tenant", err)
	}
	if tenant == nil {
		return Result{}, apierr.New(apierr.CodeNotFound, "tenant not found")
	}
	if !tenant.Status.CanPublishOrSubscribe() {
		return Result{}, apierr.New(apierr.CodeTenantSuspended, "tenant is not active")
	}

	if err := g.quota.Admit(ctx, *tenant, project.ID); err != nil {
		return Result{}, err
	}

	eventID := uuid.NewString()
	publishedAt := time.Now().UTC()
	headers := map[string]string{
		"tenant_id":    auth.TenantID,
		"project_id":   project.ID,
		"topic":        topic,
		"event_id":     eventID,
		"published_at": publishedAt.Format(time.RFC3339Nano),
	}
	subject := eventlog.Subject(auth.TenantID, project.ID, topic)

	msg, err := g.log.Append(ctx, subject, headers, payload)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.CodePublishFailed, "failed to append event", err)
	}

	g.quota.Track(auth.TenantID, project.ID, domain.MetricEventsPublished, 1)

	if g.audit != nil {
		audit := domain.Event{
			ID:          eventID,
			TenantID:    auth.TenantID,
			ProjectID:   project.ID,
			Topic:       topic,
			Payload:     payload,
			PublishedAt: publishedAt,
			Sequence:    msg.Sequence,
		}
		if auditErr := g.audit.RecordEventAudit(ctx, audit); auditErr != nil && g.observer != nil {
			g.observer.AuditWriteFailed(ctx, auth.TenantID, project.ID, auditErr)
		}
	}

	return Result{EventID: eventID, Sequence: msg.Sequence, PublishedAt: publishedAt}, nil
}

// validateTopic enforces the topic syntax rules.
func validateTopic(topic string) error {
	if topic == "" {
		return apierr.New(apierr.CodeInvalidTopic, "topic must not be empty")
	}
	if len(topic) > maxTopicBytes {
		return apierr.New(apierr.CodeInvalidTopic, "topic exceeds 255 bytes")
	}
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return apierr.New(apierr.CodeInvalidTopic, fmt.Sprintf("topic contains invalid character %q", r))
		}
	}
	return nil
}

// validatePayload enforces the payload shape and size rules.
func validatePayload(payload json.RawMessage, limit int) error {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return apierr.New(apierr.CodeValidationFailed, "payload must not be empty")
	}
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return apierr.New(apierr.CodeValidationFailed, "payload must be a JSON object or array")
	}
	if len(payload) > limit {
		return apierr.New(apierr.CodePayloadTooLarge, "payload exceeds the configured size limit").
			WithDetails(map[string]any{"size": len(payload), "limit": limit})
	}
	if !json.Valid(payload) {
		return apierr.New(apierr.CodeValidationFailed, "payload is not valid JSON")
	}
	return nil
}
