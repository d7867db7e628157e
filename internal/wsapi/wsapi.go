// Package wsapi implements the platform's WebSocket transport: GET /ws
// upgrades to a long-lived connection that receives fanned-out events as
// text JSON frames and accepts subscribe/unsubscribe/ping frames back.
package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/credentialgate"
	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/registry"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Authenticator resolves the bearer credential carried out-of-band on a
// WebSocket upgrade (query parameter, since browsers' WebSocket API can't
// set an Authorization header) — credentialgate.Gate satisfies this via
// AuthenticateToken.
type Authenticator interface {
	AuthenticateToken(ctx context.Context, token string) (*credentialgate.AuthContext, error)
}

// ProjectLookup resolves a project's connection/queue limits at register
// time — identitystore.Store satisfies this.
type ProjectLookup interface {
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
}

// Observer receives connect/disconnect lifecycle signals —
// observability.Observer satisfies this.
type Observer interface {
	RecordConnected(tenantID, projectID string)
	RecordDisconnected(tenantID, projectID string)
}

// Handler upgrades HTTP to WebSocket and runs the subscribe/deliver loop
// for GET /ws.
type Handler struct {
	auth     Authenticator
	projects ProjectLookup
	registry *registry.Registry
	observer Observer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// Deps bundles Handler's constructor arguments.
type Deps struct {
	Auth     Authenticator
	Projects ProjectLookup
	Registry *registry.Registry
	Observer Observer
	Logger   *slog.Logger
}

// New builds a Handler. Origin checking is environment-driven
// (RTK_ENV / RTK_ALLOWED_ORIGINS): a strict allowlist in production,
// permissive elsewhere.
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
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(d.Logger),
		},
	}
}

func buildCheckOrigin(logger *slog.Logger) func(r *http.Request) bool {
	env := os.Getenv("RTK_ENV")
	allowedRaw := os.Getenv("RTK_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			logger.Warn("wsapi: rejected connection from disallowed origin", "origin", origin)
			return false
		}
	}

	if env == "production" {
		logger.Warn("wsapi: RTK_ALLOWED_ORIGINS not set in production — allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// clientFrame is the discriminated union for client→server traffic:
// Subscribe{topics}, Unsubscribe{topics}, Ping.
type clientFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

// serverFrame covers every server→client shape: Connected{connection_id},
// Event{id,topic,payload,published_at}, Error{message}, Pong. Fields
// unused by a given Type are omitted on the wire.
type serverFrame struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connection_id,omitempty"`
	ID           string          `json:"id,omitempty"`
	Topic        string          `json:"topic,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PublishedAt  time.Time       `json:"published_at,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// fanoutEnvelope mirrors internal/fanout.Envelope's wire shape — the raw
// bytes queued onto Session.Outbound.
type fanoutEnvelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// ServeHTTP handles GET /ws. Auth is resolved via ?token=, not the
// Authorization header, since the browser WebSocket API cannot set custom
// request headers on the opening handshake.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token query parameter", http.StatusUnauthorized)
		return
	}
	auth, err := h.auth.AuthenticateToken(r.Context(), token)
	if err != nil {
		status := apierr.HTTPStatus(apierr.CodeOf(err))
		http.Error(w, err.Error(), status)
		return
	}

	topics, wildcard := parseTopics(r.URL.Query().Get("topics"))

	maxConnections, queueSize := 0, 0
	if h.projects != nil {
		if proj, perr := h.projects.GetProject(r.Context(), auth.ProjectID); perr == nil && proj != nil {
			maxConnections = proj.Limits.MaxConnections
		}
	}

	sess, err := h.registry.Register(auth.TenantID, auth.ProjectID, topics, wildcard, queueSize, maxConnections)
	if err != nil {
		http.Error(w, "connection limit exceeded", apierr.HTTPStatus(apierr.CodeConnectionLimitExceeded))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.registry.Unregister(sess.ID)
		h.logger.Error("wsapi: upgrade failed", "error", err)
		return
	}

	if h.observer != nil {
		h.observer.RecordConnected(auth.TenantID, auth.ProjectID)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		sess.Touch()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := writeFrame(conn, serverFrame{Type: "Connected", ConnectionID: string(sess.ID)}); err != nil {
		conn.Close()
		h.registry.Unregister(sess.ID)
		return
	}

	done := make(chan struct{})
	go h.writeLoop(conn, sess, done)
	h.readLoop(conn, sess)

	close(done)
	conn.Close()
	h.registry.Unregister(sess.ID)
	if h.observer != nil {
		h.observer.RecordDisconnected(auth.TenantID, auth.ProjectID)
	}
}

// readLoop handles client→server frames until the connection breaks or
// the session is evicted. Blocks the calling goroutine.
func (h *Handler) readLoop(conn *websocket.Conn, sess *registry.Session) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()

		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			_ = writeFrame(conn, serverFrame{Type: "Error", Message: "malformed frame"})
			continue
		}

		switch frame.Type {
		case "Subscribe":
			topics, wildcard := topicsFromFrame(frame.Topics)
			h.registry.UpdateSubscriptions(sess.ID, topics, wildcard)
		case "Unsubscribe":
			// Unsubscribe removes the given topics from the current set;
			// re-derive by excluding them rather than replacing wholesale.
			h.unsubscribe(sess, frame.Topics)
		case "Ping":
			if err := writeFrame(conn, serverFrame{Type: "Pong"}); err != nil {
				return
			}
		default:
			_ = writeFrame(conn, serverFrame{Type: "Error", Message: "unknown frame type"})
		}
	}
}

func (h *Handler) unsubscribe(sess *registry.Session, remove []string) {
	drop := make(map[string]struct{}, len(remove))
	for _, t := range remove {
		drop[t] = struct{}{}
	}
	remaining := make([]string, 0)
	for t := range sess.SubscribedTopics() {
		if _, skip := drop[t]; !skip {
			remaining = append(remaining, t)
		}
	}
	h.registry.UpdateSubscriptions(sess.ID, remaining, sess.Wildcard())
}

// writeLoop drains the session's outbound queue onto the wire and sends a
// WebSocket ping every pingPeriod. Exits when the session is
// torn down (Unregister/EvictTenant close sess.Done()) or done fires.
func (h *Handler) writeLoop(conn *websocket.Conn, sess *registry.Session, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-sess.Done():
			// Forced teardown (kill switch eviction, or ordinary
			// Unregister racing the read loop): send a final error frame
			// and close.
			_ = writeFrame(conn, serverFrame{Type: "Error", Message: "connection terminated"})
			conn.Close()
			return
		case raw, ok := <-sess.Outbound:
			if !ok {
				return
			}
			var env fanoutEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			if err := writeFrame(conn, serverFrame{
				Type:        "Event",
				ID:          env.ID,
				Topic:       env.Topic,
				Payload:     env.Payload,
				PublishedAt: env.PublishedAt,
			}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f serverFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
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

func topicsFromFrame(raw []string) (topics []string, wildcard bool) {
	if len(raw) == 0 {
		return nil, true
	}
	return raw, false
}
