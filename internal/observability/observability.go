// Package observability implements the platform's Observer capability:
// traces, metrics and alerts are outputs of the core, never participants
// in its contracts. The core depends only on the Observer interface; this
// package supplies the Prometheus-backed implementation.
package observability

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// AlertKind enumerates the operational signals the core can raise.
type AlertKind string

const (
	AlertSubscriberLagging   AlertKind = "subscriber_lagging"
	AlertKillSwitchActivated AlertKind = "kill_switch_activated"
	AlertQuotaExceeded       AlertKind = "quota_exceeded"
	AlertTenantSuspended     AlertKind = "tenant_suspended"
	AlertAuditWriteFailed    AlertKind = "audit_write_failed"
	AlertPublishFailed       AlertKind = "publish_failed"
)

// Alert is one fired signal, fanned out to Prometheus counters and
// optionally to other pods via Redis.
type Alert struct {
	Kind      AlertKind
	TenantID  string
	ProjectID string
	Message   string
	Fields    map[string]string
	FiredAt   time.Time
}

// Observer is the single capability the platform's core calls into for
// traces/metrics/alerts. fanout.Observer and ingress.Observer are narrower subsets of this
// interface that the core packages depend on directly, so they never
// import this package.
type Observer interface {
	// SubscriberLagging records that a session's outbound queue overflowed
	// and an event was dropped for it.
	SubscriberLagging(tenantID, projectID, sessionID, topic string)

	// AuditWriteFailed records a post-append metadata write failure —
	// never surfaced to the publisher, always alerted.
	AuditWriteFailed(ctx context.Context, tenantID, projectID string, err error)

	// KillSwitchActivated records a tenant suspension and how many
	// sessions were evicted.
	KillSwitchActivated(tenantID, reason string, evictedSessions int)

	// QuotaExceeded records a rejected publish due to plan cap.
	QuotaExceeded(tenantID, projectID string)

	// PublishFailed records a durable-log append failure.
	PublishFailed(tenantID, projectID string, err error)

	// RecordConnected/RecordDisconnected track live session gauges.
	RecordConnected(tenantID, projectID string)
	RecordDisconnected(tenantID, projectID string)
}

// AlertSink receives deduplicated alerts for downstream delivery (paging,
// Slack, cross-pod fan-out). Implementations: LocalAlertSink (in-process
// only) and RedisAlertSink (cross-pod via Redis Pub/Sub).
type AlertSink interface {
	Publish(ctx context.Context, alert Alert) error
	Close() error
}

// Recorder is the concrete Observer: Prometheus metrics plus a
// cooldown-gated alert sink. Constructed once in the composition root.
type Recorder struct {
	metrics  *Metrics
	sink     AlertSink
	cooldown *cooldownTracker
	logger   *slog.Logger
}

// NewRecorder builds a Recorder. sink may be a LocalAlertSink (single
// pod) or a RedisAlertSink (multi-pod); alertCooldown is the minimum gap
// between repeated alerts sharing the same fingerprint (tenant + kind).
func NewRecorder(metrics *Metrics, sink AlertSink, alertCooldown time.Duration, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = NewLocalAlertSink()
	}
	return &Recorder{
		metrics:  metrics,
		sink:     sink,
		cooldown: newCooldownTracker(alertCooldown),
		logger:   logger,
	}
}

func (r *Recorder) fire(ctx context.Context, alert Alert) {
	fingerprint := string(alert.Kind) + "/" + alert.TenantID
	if !r.cooldown.allow(fingerprint, time.Now()) {
		return
	}
	alert.FiredAt = time.Now().UTC()
	if err := r.sink.Publish(ctx, alert); err != nil {
		r.logger.Warn("observability: failed to publish alert", "kind", alert.Kind, "error", err)
	}
}

// SubscriberLagging implements Observer.
func (r *Recorder) SubscriberLagging(tenantID, projectID, sessionID, topic string) {
	r.metrics.SubscriberLagged.WithLabelValues(tenantID, projectID).Inc()
	r.fire(context.Background(), Alert{
		Kind:      AlertSubscriberLagging,
		TenantID:  tenantID,
		ProjectID: projectID,
		Message:   "subscriber session dropped an event due to a full outbound queue",
		Fields:    map[string]string{"session_id": sessionID, "topic": topic},
	})
}

// AuditWriteFailed implements Observer.
func (r *Recorder) AuditWriteFailed(ctx context.Context, tenantID, projectID string, err error) {
	r.metrics.AuditWriteFailures.WithLabelValues(tenantID, projectID).Inc()
	r.fire(ctx, Alert{
		Kind:      AlertAuditWriteFailed,
		TenantID:  tenantID,
		ProjectID: projectID,
		Message:   "metadata write after durable append failed: " + err.Error(),
	})
}

// KillSwitchActivated implements Observer.
func (r *Recorder) KillSwitchActivated(tenantID, reason string, evictedSessions int) {
	r.metrics.KillSwitchActivations.WithLabelValues(tenantID, reason).Inc()
	r.fire(context.Background(), Alert{
		Kind:     AlertKillSwitchActivated,
		TenantID: tenantID,
		Message:  "kill switch activated: " + reason,
		Fields:   map[string]string{"evicted_sessions": strconv.Itoa(evictedSessions)},
	})
}

// QuotaExceeded implements Observer.
func (r *Recorder) QuotaExceeded(tenantID, projectID string) {
	r.metrics.QuotaRejections.WithLabelValues(tenantID, projectID).Inc()
	r.fire(context.Background(), Alert{
		Kind:      AlertQuotaExceeded,
		TenantID:  tenantID,
		ProjectID: projectID,
		Message:   "publish rejected: monthly quota exceeded",
	})
}

// PublishFailed implements Observer.
func (r *Recorder) PublishFailed(tenantID, projectID string, err error) {
	r.metrics.PublishFailures.WithLabelValues(tenantID, projectID).Inc()
	r.fire(context.Background(), Alert{
		Kind:      AlertPublishFailed,
		TenantID:  tenantID,
		ProjectID: projectID,
		Message:   "event log append failed: " + err.Error(),
	})
}

// RecordConnected implements Observer.
func (r *Recorder) RecordConnected(tenantID, projectID string) {
	r.metrics.ConnectedSessions.WithLabelValues(tenantID, projectID).Inc()
}

// RecordDisconnected implements Observer.
func (r *Recorder) RecordDisconnected(tenantID, projectID string) {
	r.metrics.ConnectedSessions.WithLabelValues(tenantID, projectID).Dec()
}
