package eventlog

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryLog is an in-process Log used by unit tests for ingress, fanout,
// and replay — it keeps the same sequencing and subject-filter semantics
// as NATSLog without requiring a running NATS server.
type MemoryLog struct {
	mu       sync.Mutex
	messages []Message
	nextSeq  uint64

	subMu       sync.Mutex
	subscribers map[int]*memorySub
	nextSubID   int
}

type memorySub struct {
	filter  string
	handler func(Message)
}

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{subscribers: make(map[int]*memorySub)}
}

// Append implements Log.
func (m *MemoryLog) Append(ctx context.Context, subject string, headers map[string]string, payload []byte) (Message, error) {
	m.mu.Lock()
	m.nextSeq++
	msg := Message{
		Subject:     subject,
		Headers:     headers,
		Payload:     payload,
		Sequence:    m.nextSeq,
		PublishedAt: time.Now().UTC(),
	}
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	m.subMu.Lock()
	subs := make([]*memorySub, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		subs = append(subs, s)
	}
	m.subMu.Unlock()

	for _, s := range subs {
		if subjectMatches(s.filter, msg.Subject) {
			s.handler(msg)
		}
	}
	return msg, nil
}

// Consume implements Log. With StartAll the handler first receives the
// retained backlog, then new messages; every other start policy (including
// BySequence and ByTime) delivers only messages appended after Consume
// returns.
func (m *MemoryLog) Consume(ctx context.Context, subjectFilter string, start StartPolicy, handler func(Message)) (func(), error) {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = &memorySub{filter: subjectFilter, handler: handler}
	m.subMu.Unlock()

	if start.Kind == StartAll {
		m.mu.Lock()
		backlog := append([]Message(nil), m.messages...)
		m.mu.Unlock()
		for _, msg := range backlog {
			if subjectMatches(subjectFilter, msg.Subject) {
				handler(msg)
			}
		}
	}

	cancel := func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
	return cancel, nil
}

// Replay implements Log.
func (m *MemoryLog) Replay(ctx context.Context, subjectFilter string, start StartPolicy, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Message, 0, limit)
	for _, msg := range m.messages {
		if !subjectMatches(subjectFilter, msg.Subject) {
			continue
		}
		switch start.Kind {
		case StartBySequence:
			if msg.Sequence < start.Sequence {
				continue
			}
		case StartByTime:
			if msg.PublishedAt.Before(start.Time) {
				continue
			}
		}
		out = append(out, msg)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// StreamInfo implements Log.
func (m *MemoryLog) StreamInfo(ctx context.Context) (StreamStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := StreamStats{Name: "memory", Messages: uint64(len(m.messages))}
	for _, msg := range m.messages {
		stats.Bytes += uint64(len(msg.Payload))
	}
	if len(m.messages) > 0 {
		stats.FirstSequence = m.messages[0].Sequence
		stats.LastSequence = m.messages[len(m.messages)-1].Sequence
	}
	return stats, nil
}

// Close implements Log.
func (m *MemoryLog) Close() error { return nil }

// subjectMatches applies NATS-style subject matching for the "*" and ">"
// tokens our filters actually use (events.*.*.>,  events.T.P.topic,
// events.T.P.>, events.>).
func subjectMatches(filter, subject string) bool {
	if filter == subject {
		return true
	}
	fTokens := strings.Split(filter, ".")
	sTokens := strings.Split(subject, ".")
	for i, ft := range fTokens {
		if ft == ">" {
			return true
		}
		if i >= len(sTokens) {
			return false
		}
		if ft == "*" {
			continue
		}
		if ft != sTokens[i] {
			return false
		}
	}
	return len(fTokens) == len(sTokens)
}
