// Package sseapi implements the platform's Server-Sent Events transport:
// GET /sse?topics=a,b streams fanned-out events as named SSE events over a
// single long-lived HTTP response. Sessions share the same Connection
// Registry lifecycle wsapi uses; the wire framing follows net/http's
// http.Flusher streaming idiom.
package sseapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/credentialgate"
	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/registry"
)

// heartbeatPeriod is a var, not a const, so tests can shorten it instead of
// waiting out the real 30s interval.
var heartbeatPeriod = 30 * time.Second

// Authenticator resolves the bearer credential carried via the token query
// parameter — EventSource cannot set an Authorization header, so
// credentialgate.Gate's transport-independent AuthenticateToken is used
// directly, same as wsapi.
type Authenticator interface {
	AuthenticateToken(ctx context.Context, token string) (*credentialgate.AuthContext, error)
}

// ProjectLookup resolves a project's connection limit at register time.
type ProjectLookup interface {
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
}

// Observer receives connect/disconnect lifecycle signals.
type Observer interface {
	RecordConnected(tenantID, projectID string)
	RecordDisconnected(tenantID, projectID string)
}

// Handler serves GET /sse.
type Handler struct {
	auth     Authenticator
	projects ProjectLookup
	registry *registry.Registry
	observer Observer
	logger   *slog.Logger
}

// Deps bundles Handler's constructor arguments.
type Deps struct {
	Auth     Authenticator
	Projects ProjectLookup
	Registry *registry.Registry
	Observer Observer
	Logger   *slog.Logger
}

// New builds a Handler.
func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		auth:     d.Auth,
		projects: d.Projects,
		registry: d.Registry,
		observer: d.Observer,
		logger:   d.Logger,
	}
}

type fanoutEnvelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// ServeHTTP handles GET /sse?topics=a,b&token=.... Auth is resolved from
// either the Authorization header or a token query parameter — some SSE
// clients (the browser EventSource API in particular) cannot set custom
// request headers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	token := bearerOrQueryToken(r)
	if token == "" {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}
	auth, err := h.auth.AuthenticateToken(r.Context(), token)
	if err != nil {
		http.Error(w, err.Error(), apierr.HTTPStatus(apierr.CodeOf(err)))
		return
	}

	topics, wildcard := parseTopics(r.URL.Query().Get("topics"))

	maxConnections := 0
	if h.projects != nil {
		if proj, perr := h.projects.GetProject(r.Context(), auth.ProjectID); perr == nil && proj != nil {
			maxConnections = proj.Limits.MaxConnections
		}
	}

	sess, err := h.registry.Register(auth.TenantID, auth.ProjectID, topics, wildcard, 0, maxConnections)
	if err != nil {
		http.Error(w, "connection limit exceeded", apierr.HTTPStatus(apierr.CodeConnectionLimitExceeded))
		return
	}
	defer func() {
		h.registry.Unregister(sess.ID)
		if h.observer != nil {
			h.observer.RecordDisconnected(auth.TenantID, auth.ProjectID)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if h.observer != nil {
		h.observer.RecordConnected(auth.TenantID, auth.ProjectID)
	}

	writeEvent(w, "connected", "", json.RawMessage(fmt.Sprintf(`{"connection_id":%q}`, sess.ID)))
	flusher.Flush()

	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			writeEvent(w, "error", "", json.RawMessage(`{"message":"connection terminated"}`))
			flusher.Flush()
			return
		case raw, ok := <-sess.Outbound:
			if !ok {
				return
			}
			var env fanoutEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			writeEvent(w, "event", env.ID, raw)
			flusher.Flush()
		case <-ticker.C:
			writeEvent(w, "heartbeat", "", json.RawMessage(fmt.Sprintf(`{"timestamp":%q}`, time.Now().UTC().Format(time.RFC3339))))
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE frame: an optional id: line, the named event:
// line, and the data: line carrying the JSON payload.
func writeEvent(w http.ResponseWriter, event, id string, data json.RawMessage) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func parseTopics(raw string) (topics []string, wildcard bool) {
	if raw == "" {
		return nil, true
	}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return nil, true
	}
	return topics, false
}

func bearerOrQueryToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
