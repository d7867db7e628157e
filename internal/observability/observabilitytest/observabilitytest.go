// Package observabilitytest provides a recording fake implementing
// observability.Observer for use in other packages' tests.
package observabilitytest

import (
	"context"
	"sync"
)

// Call records one Observer method invocation.
type Call struct {
	Method    string
	TenantID  string
	ProjectID string
	SessionID string
	Topic     string
	Reason    string
	Evicted   int
	Err       error
}

// Recorder is a thread-safe Observer fake that records every call it
// receives, for assertions in other packages' unit tests.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// New builds an empty Recorder.
func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// Calls returns a snapshot of every recorded call.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CountOf returns how many recorded calls used the given method name.
func (r *Recorder) CountOf(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (r *Recorder) SubscriberLagging(tenantID, projectID, sessionID, topic string) {
	r.record(Call{Method: "SubscriberLagging", TenantID: tenantID, ProjectID: projectID, SessionID: sessionID, Topic: topic})
}

func (r *Recorder) AuditWriteFailed(ctx context.Context, tenantID, projectID string, err error) {
	r.record(Call{Method: "AuditWriteFailed", TenantID: tenantID, ProjectID: projectID, Err: err})
}

func (r *Recorder) KillSwitchActivated(tenantID, reason string, evictedSessions int) {
	r.record(Call{Method: "KillSwitchActivated", TenantID: tenantID, Reason: reason, Evicted: evictedSessions})
}

func (r *Recorder) QuotaExceeded(tenantID, projectID string) {
	r.record(Call{Method: "QuotaExceeded", TenantID: tenantID, ProjectID: projectID})
}

func (r *Recorder) PublishFailed(tenantID, projectID string, err error) {
	r.record(Call{Method: "PublishFailed", TenantID: tenantID, ProjectID: projectID, Err: err})
}

func (r *Recorder) RecordConnected(tenantID, projectID string) {
	r.record(Call{Method: "RecordConnected", TenantID: tenantID, ProjectID: projectID})
}

func (r *Recorder) RecordDisconnected(tenantID, projectID string) {
	r.record(Call{Method: "RecordDisconnected", TenantID: tenantID, ProjectID: projectID})
}
