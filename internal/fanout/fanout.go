// Package fanout implements the Fan-out Dispatcher: for every event
// appended to the Event Log, route exactly one copy to each matching live
// session in the Connection Registry, applying per-session backpressure.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/eventlog"
	"github.com/fluxgate/realtime/internal/registry"
)

// Observer receives the dispatcher's one intentional-loss signal. The
// concrete implementation lives in internal/observability.
type Observer interface {
	SubscriberLagging(tenantID, projectID, sessionID, topic string)
}

// UsageTracker records delivered-event usage per (tenant, project) —
// quota.Tracker satisfies this.
type UsageTracker interface {
	Track(tenantID, projectID string, metric domain.UsageMetric, quantity int64)
}

// Envelope is the wire shape delivered to subscribers over WebSocket or
// SSE.
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Dispatcher consumes the Event Log's process-wide events.> filter and
// routes each message to matching sessions.
type Dispatcher struct {
	log      eventlog.Log
	registry *registry.Registry
	observer Observer
	usage    UsageTracker
	logger   *log.Logger

	cancel func()
}

// New builds a Dispatcher. observer and usage may be nil in tests that
// don't care about lagging signals or delivery accounting.
func New(evLog eventlog.Log, reg *registry.Registry, observer Observer, usage UsageTracker) *Dispatcher {
	return &Dispatcher{
		log:      evLog,
		registry: reg,
		observer: observer,
		usage:    usage,
		logger:   log.New(log.Writer(), "[Fanout] ", log.LstdFlags),
	}
}

// Start begins consuming events.> from the log. Only messages appended
// after Start is called are delivered — live subscribers never see
// history; Replay handles the historical path separately.
func (d *Dispatcher) Start(ctx context.Context) error {
	cancel, err := d.log.Consume(ctx, eventlog.AllSubjectsFilter, eventlog.NewMessages(), d.handle)
	if err != nil {
		return fmt.Errorf("fanout: start consumer: %w", err)
	}
	d.cancel = cancel
	return nil
}

// Stop tears down the dispatcher's consumer.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) handle(msg eventlog.Message) {
	tenantID, projectID, topic, ok := parseSubject(msg.Subject)
	if !ok {
		d.logger.Printf("dropping message with unparseable subject %q", msg.Subject)
		return
	}

	sessions := d.registry.MatchingSessions(tenantID, projectID, topic)
	if len(sessions) == 0 {
		return
	}

	envelope := Envelope{
		ID:          msg.Headers["event_id"],
		Topic:       topic,
		Payload:     json.RawMessage(msg.Payload),
		PublishedAt: msg.PublishedAt,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Printf("failed to marshal envelope for sequence %d: %v", msg.Sequence, err)
		return
	}

	delivered := 0
	for _, sess := range sessions {
		if sess.Enqueue(data) {
			delivered++
		} else if d.observer != nil {
			d.observer.SubscriberLagging(tenantID, projectID, string(sess.ID), topic)
		}
	}
	if delivered > 0 && d.usage != nil {
		d.usage.Track(tenantID, projectID, domain.MetricEventsDelivered, int64(delivered))
	}
}

// parseSubject splits "events.<tenant>.<project>.<topic>" — topic itself
// may contain dots, so it's everything after the third separator.
func parseSubject(subject string) (tenantID, projectID, topic string, ok bool) {
	parts := strings.SplitN(subject, ".", 4)
	if len(parts) != 4 || parts[0] != "events" {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}
