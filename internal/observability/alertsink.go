package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// LocalAlertSink delivers alerts only within this process. Subscriber
// callbacks run in their own goroutine so a slow handler never blocks the
// caller that fired the alert.
type LocalAlertSink struct {
	mu     sync.RWMutex
	subs   []func(Alert)
	closed bool
	logger *slog.Logger
}

// NewLocalAlertSink builds an in-process-only alert sink.
func NewLocalAlertSink() *LocalAlertSink {
	return &LocalAlertSink{logger: slog.Default()}
}

// Subscribe registers a handler invoked for every published alert. Returns
// an unsubscribe function.
func (s *LocalAlertSink) Subscribe(handler func(Alert)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.subs)
	s.subs = append(s.subs, handler)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.subs) {
			s.subs[idx] = nil
		}
	}
}

// Publish implements AlertSink.
func (s *LocalAlertSink) Publish(ctx context.Context, alert Alert) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	for _, h := range s.subs {
		if h == nil {
			continue
		}
		handler := h
		go handler(alert)
	}
	return nil
}

// Close implements AlertSink.
func (s *LocalAlertSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = nil
	return nil
}

// RedisPubSubClient is the minimal Redis Pub/Sub surface RedisAlertSink
// depends on — internal/infra.GoRedisAdapter satisfies it.
type RedisPubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisAlertSink fans alerts out across pods via Redis Pub/Sub, falling
// back to local-only delivery if the publish fails.
type RedisAlertSink struct {
	mu      sync.RWMutex
	client  RedisPubSubClient
	local   *LocalAlertSink
	channel string
	unsub   func()
	closed  bool
	logger  *slog.Logger
}

// NewRedisAlertSink builds a cross-pod alert sink. channelPrefix defaults
// to "realtime:alerts" if empty.
func NewRedisAlertSink(client RedisPubSubClient, channelPrefix string) (*RedisAlertSink, error) {
	if channelPrefix == "" {
		channelPrefix = "realtime:alerts"
	}
	s := &RedisAlertSink{
		client:  client,
		local:   NewLocalAlertSink(),
		channel: channelPrefix,
		logger:  slog.Default(),
	}

	unsub, err := client.Subscribe(context.Background(), s.channel, s.deliverFromRedis)
	if err != nil {
		return nil, fmt.Errorf("observability: subscribe to %s: %w", s.channel, err)
	}
	s.unsub = unsub
	return s, nil
}

func (s *RedisAlertSink) deliverFromRedis(data []byte) {
	var alert Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		s.logger.Warn("observability: failed to unmarshal alert from redis", "error", err)
		return
	}
	_ = s.local.Publish(context.Background(), alert)
}

// Subscribe registers a local handler for alerts, whether they originated
// on this pod or another.
func (s *RedisAlertSink) Subscribe(handler func(Alert)) func() {
	return s.local.Subscribe(handler)
}

// Publish implements AlertSink: publishes to Redis for cross-pod fan-out
// and always also delivers locally for zero-latency same-pod handlers.
func (s *RedisAlertSink) Publish(ctx context.Context, alert Alert) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("observability: alert sink is closed")
	}
	s.mu.RUnlock()

	_ = s.local.Publish(ctx, alert)

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("observability: marshal alert: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data); err != nil {
		s.logger.Warn("observability: redis publish failed, alert delivered locally only", "error", err)
	}
	return nil
}

// Close implements AlertSink.
func (s *RedisAlertSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.unsub != nil {
		s.unsub()
	}
	return s.local.Close()
}
