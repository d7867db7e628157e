// Package httpapi implements the platform's HTTP surface: event
// publishing, replay, admin tenant/API-key management, billing usage and
// health, built on gorilla/mux.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/credentialgate"
	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/eventlog"
	"github.com/fluxgate/realtime/internal/ingress"
	"github.com/fluxgate/realtime/internal/registry"
	"github.com/fluxgate/realtime/internal/replay"
)

// Authenticator resolves a request's bearer credential — credentialgate.Gate
// satisfies this.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*credentialgate.AuthContext, error)
}

// Publisher is the Ingress Gate's publish entry point.
type Publisher interface {
	Publish(ctx context.Context, auth *credentialgate.AuthContext, topic string, payload json.RawMessage) (ingress.Result, error)
}

// Replayer is the Replay Engine's entry point.
type Replayer interface {
	Replay(ctx context.Context, auth *credentialgate.AuthContext, tenantID, projectID, topic string, cursor *replay.Cursor, limit int) ([]replay.Event, error)
}

// UsageReader exposes the Quota tracker's current counters.
type UsageReader interface {
	Usage(tenantID, projectID string, metric domain.UsageMetric) int64
}

// TenantAdmin is the Identity Store's tenant-admin surface.
type TenantAdmin interface {
	CreateTenant(ctx context.Context, t domain.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
}

// KeyAdmin is the Credential Gate's API-key minting surface; revocation is
// the separate KeyRevoker.
type KeyAdmin interface {
	MintAPIKey(ctx context.Context, tenantID, projectID string, scopes domain.ScopeSet, rateLimitPerSec int) (domain.ApiKey, string, error)
}

// KeyRevoker revokes an API key — identitystore.Store satisfies this.
type KeyRevoker interface {
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// SchemaAdmin registers per-(tenant, topic) JSON Schemas that Ingress
// enforces on publish — ingress.SchemaRegistry satisfies this.
type SchemaAdmin interface {
	Register(tenantID, topic, schemaDoc string) error
}

// TenantSuspender is the Quota & Kill-Switch coordinator's atomic suspend
// entry point — quota.Coordinator satisfies this.
type TenantSuspender interface {
	Suspend(ctx context.Context, tenantID, reason, triggeredBy string, ttl *time.Duration) ([]registry.SessionID, error)
	Revive(ctx context.Context, tenantID string) (bool, error)
}

// HealthChecker reports the Event Log's reachability for GET /health.
type HealthChecker interface {
	StreamInfo(ctx context.Context) (eventlog.StreamStats, error)
}

// Server wires every dependency the HTTP surface needs. Built once in
// cmd/server/main.go's composition root — never a package-level global.
type Server struct {
	auth       Authenticator
	publisher  Publisher
	replayer   Replayer
	usage      UsageReader
	tenants    TenantAdmin
	keys       KeyAdmin
	keyRevoker KeyRevoker
	suspender  TenantSuspender
	health     HealthChecker
	schemas    SchemaAdmin
	logger     *slog.Logger

	router *mux.Router
}

// Deps bundles Server's constructor arguments.
type Deps struct {
	Auth       Authenticator
	Publisher  Publisher
	Replayer   Replayer
	Usage      UsageReader
	Tenants    TenantAdmin
	Keys       KeyAdmin
	KeyRevoker KeyRevoker
	Suspender  TenantSuspender
	Health     HealthChecker
	Schemas    SchemaAdmin
	Logger     *slog.Logger
}

// New builds a Server and registers every route.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		auth:       d.Auth,
		publisher:  d.Publisher,
		replayer:   d.Replayer,
		usage:      d.Usage,
		tenants:    d.Tenants,
		keys:       d.Keys,
		keyRevoker: d.KeyRevoker,
		suspender:  d.Suspender,
		health:     d.Health,
		schemas:    d.Schemas,
		logger:     d.Logger,
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the http.Handler to mount (directly, or behind
// additional middleware the composition root adds).
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.withRequestID)
	r.Use(s.withRecover)
	r.Use(s.withLogging)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/events", s.withAuth(domain.ScopeEventsPublish, s.handlePublish)).Methods(http.MethodPost)
	r.HandleFunc("/events/replay", s.withAuth(domain.ScopeEventsSubscribe, s.handleReplay)).Methods(http.MethodGet)

	r.HandleFunc("/admin/tenants", s.withAuth(domain.ScopeAdminWrite, s.handleCreateTenant)).Methods(http.MethodPost)
	r.HandleFunc("/admin/api-keys", s.withAuth(domain.ScopeAdminWrite, s.handleCreateAPIKey)).Methods(http.MethodPost)
	r.HandleFunc("/admin/api-keys/{id}", s.withAuth(domain.ScopeAdminWrite, s.handleRevokeAPIKey)).Methods(http.MethodDelete)
	r.HandleFunc("/admin/tenants/{id}/suspend", s.withAuth(domain.ScopeAdminWrite, s.handleSuspendTenant)).Methods(http.MethodPost)
	r.HandleFunc("/admin/tenants/{id}/revive", s.withAuth(domain.ScopeAdminWrite, s.handleReviveTenant)).Methods(http.MethodPost)
	r.HandleFunc("/admin/tenants/{tenantID}/schemas/{topic}", s.withAuth(domain.ScopeAdminWrite, s.handleRegisterSchema)).Methods(http.MethodPut)

	r.HandleFunc("/billing/usage", s.withAuthAny(s.handleBillingUsage, domain.ScopeBillingRead, domain.ScopeAdminRead)).Methods(http.MethodGet)
	r.HandleFunc("/billing/stripe-webhook", s.handleStripeWebhook).Methods(http.MethodPost)

	return r
}

type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyAuth      contextKey = "auth_context"
)

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func authFrom(ctx context.Context) *credentialgate.AuthContext {
	if a, ok := ctx.Value(ctxKeyAuth).(*credentialgate.AuthContext); ok {
		return a
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	envelope := apierr.ToEnvelope(err, requestIDFrom(r.Context()))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(envelope.Error.Code))
	_ = json.NewEncoder(w).Encode(envelope)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newRequestID() string {
	return uuid.NewString()
}
