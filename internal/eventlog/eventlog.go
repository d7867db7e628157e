// Package eventlog implements the platform's Event Log: a durable,
// sequence-numbered, subject-addressed append-only log with retention
// limits and subject-filtered consumers. It is the authoritative source of
// an Event's sequence number — nothing upstream is allowed to assign one.
package eventlog

import (
	"context"
	"fmt"
	"time"
)

// Message is one durable, sequence-numbered entry as returned by Consume
// or Replay.
type Message struct {
	Subject     string
	Headers     map[string]string
	Payload     []byte
	Sequence    uint64
	PublishedAt time.Time
}

// Cursor identifies a resumable replay position as a
// (sequence, timestamp) pair.
type Cursor struct {
	Sequence  uint64
	Timestamp time.Time
}

// StartKind selects a consumer's start policy.
type StartKind int

const (
	StartAll StartKind = iota
	StartNew
	StartBySequence
	StartByTime
)

// StartPolicy pairs a StartKind with the value it needs.
type StartPolicy struct {
	Kind     StartKind
	Sequence uint64
	Time     time.Time
}

// AllMessages replays the whole retained log.
func AllMessages() StartPolicy { return StartPolicy{Kind: StartAll} }

// NewMessages only delivers messages appended after the consumer is
// created — used by the fan-out dispatcher so live subscribers never see
// history.
func NewMessages() StartPolicy { return StartPolicy{Kind: StartNew} }

// BySequence resumes from a specific sequence (inclusive), used by Replay
// when the caller passes back a prior cursor.
func BySequence(seq uint64) StartPolicy {
	return StartPolicy{Kind: StartBySequence, Sequence: seq}
}

// ByTime resumes from a specific server timestamp.
func ByTime(t time.Time) StartPolicy {
	return StartPolicy{Kind: StartByTime, Time: t}
}

// StreamStats reports the stream's current retention state.
type StreamStats struct {
	Name          string
	Messages      uint64
	Bytes         uint64
	FirstSequence uint64
	LastSequence  uint64
}

// RetentionLimits bounds the log by age, size and message count — eviction
// is deterministic and oldest-first.
type RetentionLimits struct {
	MaxAge      time.Duration
	MaxBytes    int64
	MaxMessages int64
}

// DefaultRetention bounds the stream at 30 days / 10 GiB / 1,000,000
// messages.
var DefaultRetention = RetentionLimits{
	MaxAge:      30 * 24 * time.Hour,
	MaxBytes:    10 * (1 << 30),
	MaxMessages: 1_000_000,
}

// Log is the Event Log contract every other component depends on. The
// concrete implementation is NATSLog (backed by JetStream); tests use
// NewMemoryLog.
type Log interface {
	// Append durably persists payload under subject with headers,
	// returning the authoritative, log-global monotonic sequence and
	// server timestamp.
	Append(ctx context.Context, subject string, headers map[string]string, payload []byte) (Message, error)

	// Consume starts a subject-filtered consumer and invokes handler for
	// every matching message in sequence order, until ctx is cancelled or
	// cancel() is called. handler errors are logged by the caller, not
	// retried by Consume.
	Consume(ctx context.Context, subjectFilter string, start StartPolicy, handler func(Message)) (cancel func(), err error)

	// Replay fetches up to limit messages matching subjectFilter starting
	// at start, and tears down its ephemeral consumer before returning.
	Replay(ctx context.Context, subjectFilter string, start StartPolicy, limit int) ([]Message, error)

	// StreamInfo reports the log's current retention state.
	StreamInfo(ctx context.Context) (StreamStats, error)

	// Close releases the underlying connection.
	Close() error
}

// Subject builds the mandatory events.{tenant}.{project}.{topic} subject
// name.
func Subject(tenantID, projectID, topic string) string {
	return fmt.Sprintf("events.%s.%s.%s", tenantID, projectID, topic)
}

// SubjectFilter builds a consumer filter for a (tenant, project) pair,
// optionally narrowed to one topic; an empty topic yields the tail
// wildcard ">" covering every topic under that project.
func SubjectFilter(tenantID, projectID, topic string) string {
	if topic == "" {
		return fmt.Sprintf("events.%s.%s.>", tenantID, projectID)
	}
	return Subject(tenantID, projectID, topic)
}

// AllSubjectsFilter is the dispatcher's process-wide consumer filter,
// covering every tenant's events.
const AllSubjectsFilter = "events.>"
