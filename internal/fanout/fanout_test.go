package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/eventlog"
	"github.com/fluxgate/realtime/internal/registry"
)

type recordingUsage struct {
	mu        sync.Mutex
	delivered int64
}

func (u *recordingUsage) Track(tenantID, projectID string, metric domain.UsageMetric, quantity int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if metric == domain.MetricEventsDelivered {
		u.delivered += quantity
	}
}

func (u *recordingUsage) total() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.delivered
}

type recordingObserver struct {
	mu     sync.Mutex
	lagged []string
}

func (o *recordingObserver) SubscriberLagging(tenantID, projectID, sessionID, topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lagged = append(o.lagged, sessionID)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.lagged)
}

func waitFor(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestParseSubject(t *testing.T) {
	tenantID, projectID, topic, ok := parseSubject("events.tn_1.proj_1.orders.created")
	require.True(t, ok)
	assert.Equal(t, "tn_1", tenantID)
	assert.Equal(t, "proj_1", projectID)
	assert.Equal(t, "orders.created", topic)

	_, _, _, ok = parseSubject("not.an.events.subject")
	assert.False(t, ok)
}

func TestDispatcherDeliversOnlyToMatchingSessions(t *testing.T) {
	log := eventlog.NewMemoryLog()
	reg := registry.New()
	observer := &recordingObserver{}
	usage := &recordingUsage{}
	d := New(log, reg, observer, usage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	matching, err := reg.Register("tn_1", "proj_1", []string{"orders"}, false, 4, 0)
	require.NoError(t, err)
	defer reg.Unregister(matching.ID)

	other, err := reg.Register("tn_1", "proj_1", []string{"shipments"}, false, 4, 0)
	require.NoError(t, err)
	defer reg.Unregister(other.ID)

	differentTenant, err := reg.Register("tn_2", "proj_1", []string{"orders"}, false, 4, 0)
	require.NoError(t, err)
	defer reg.Unregister(differentTenant.ID)

	_, err = log.Append(ctx, eventlog.Subject("tn_1", "proj_1", "orders.created"),
		map[string]string{"event_id": "evt_1"}, []byte(`{"k":1}`))
	require.NoError(t, err)

	waitFor(t, func() bool { return len(matching.Outbound) == 1 })
	assert.Empty(t, other.Outbound)
	assert.Empty(t, differentTenant.Outbound)

	var envelope Envelope
	raw := <-matching.Outbound
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, "evt_1", envelope.ID)
	assert.Equal(t, "orders.created", envelope.Topic)
	assert.JSONEq(t, `{"k":1}`, string(envelope.Payload))
	assert.Equal(t, int64(1), usage.total(), "exactly one session received the event")
}

func TestDispatcherDropsOnFullQueueAndSignalsLagging(t *testing.T) {
	log := eventlog.NewMemoryLog()
	reg := registry.New()
	observer := &recordingObserver{}
	usage := &recordingUsage{}
	d := New(log, reg, observer, usage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	sess, err := reg.Register("tn_1", "proj_1", nil, true, 1, 0)
	require.NoError(t, err)
	defer reg.Unregister(sess.ID)

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, eventlog.Subject("tn_1", "proj_1", "orders.created"), nil, []byte(`{"k":1}`))
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return observer.count() >= 2 })
	assert.Equal(t, int64(1), sess.EventsDelivered.Load())
	assert.Equal(t, int64(2), sess.EventsDropped.Load())
	assert.Equal(t, int64(1), usage.total(), "dropped events are never counted as delivered")
}

func TestDispatcherDoesNotDeliverBacklogAppendedBeforeStart(t *testing.T) {
	log := eventlog.NewMemoryLog()
	reg := registry.New()
	d := New(log, reg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := log.Append(ctx, eventlog.Subject("tn_1", "proj_1", "orders.created"), nil, []byte(`{"k":1}`))
	require.NoError(t, err)

	sess, err := reg.Register("tn_1", "proj_1", nil, true, 4, 0)
	require.NoError(t, err)
	defer reg.Unregister(sess.ID)

	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	_, err = log.Append(ctx, eventlog.Subject("tn_1", "proj_1", "orders.created"), nil, []byte(`{"k":2}`))
	require.NoError(t, err)

	waitFor(t, func() bool { return len(sess.Outbound) == 1 })
	raw := <-sess.Outbound
	var envelope Envelope
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.JSONEq(t, `{"k":2}`, string(envelope.Payload))
}
