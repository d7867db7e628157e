package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/credentialgate"
	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/eventlog"
	"github.com/fluxgate/realtime/internal/ingress"
	"github.com/fluxgate/realtime/internal/registry"
	"github.com/fluxgate/realtime/internal/replay"
)

type fakeAuthenticator struct {
	ctx *credentialgate.AuthContext
	err error
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*credentialgate.AuthContext, error) {
	return f.ctx, f.err
}

type fakePublisher struct {
	result ingress.Result
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, auth *credentialgate.AuthContext, topic string, payload json.RawMessage) (ingress.Result, error) {
	return f.result, f.err
}

type fakeReplayer struct {
	events []replay.Event
	err    error
}

func (f *fakeReplayer) Replay(ctx context.Context, auth *credentialgate.AuthContext, tenantID, projectID, topic string, cursor *replay.Cursor, limit int) ([]replay.Event, error) {
	return f.events, f.err
}

type fakeUsage struct {
	values map[domain.UsageMetric]int64
}

func (f *fakeUsage) Usage(tenantID, projectID string, metric domain.UsageMetric) int64 {
	return f.values[metric]
}

type fakeTenantAdmin struct {
	created []domain.Tenant
}

func (f *fakeTenantAdmin) CreateTenant(ctx context.Context, t domain.Tenant) error {
	f.created = append(f.created, t)
	return nil
}
func (f *fakeTenantAdmin) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	return nil, nil
}

type fakeKeyAdmin struct{}

func (f *fakeKeyAdmin) MintAPIKey(ctx context.Context, tenantID, projectID string, scopes domain.ScopeSet, rateLimitPerSec int) (domain.ApiKey, string, error) {
	return domain.ApiKey{ID: "key_1", TenantID: tenantID, ProjectID: projectID, Scopes: scopes}, "rtk_key_1.secret", nil
}

type fakeKeyRevoker struct{ revoked string }

func (f *fakeKeyRevoker) RevokeAPIKey(ctx context.Context, keyID string) error {
	f.revoked = keyID
	return nil
}

type fakeSuspender struct {
	suspendedTenant string
	evicted         []registry.SessionID
}

func (f *fakeSuspender) Suspend(ctx context.Context, tenantID, reason, triggeredBy string, ttl *time.Duration) ([]registry.SessionID, error) {
	f.suspendedTenant = tenantID
	return f.evicted, nil
}
func (f *fakeSuspender) Revive(ctx context.Context, tenantID string) (bool, error) {
	return true, nil
}

type fakeSchemas struct {
	tenantID, topic, schemaDoc string
	err                        error
}

func (f *fakeSchemas) Register(tenantID, topic, schemaDoc string) error {
	f.tenantID, f.topic, f.schemaDoc = tenantID, topic, schemaDoc
	return f.err
}

type fakeHealth struct{ err error }

func (f *fakeHealth) StreamInfo(ctx context.Context) (eventlog.StreamStats, error) {
	return eventlog.StreamStats{}, f.err
}

func publishAuth() *credentialgate.AuthContext {
	return &credentialgate.AuthContext{
		TenantID:  "tn_1",
		ProjectID: "proj_1",
		Scopes:    domain.NewScopeSet(domain.ScopeEventsPublish, domain.ScopeEventsSubscribe, domain.ScopeAdminWrite, domain.ScopeBillingRead),
	}
}

func newTestServer(auth *fakeAuthenticator, pub *fakePublisher, rep *fakeReplayer, usage *fakeUsage, tenants *fakeTenantAdmin, keys *fakeKeyAdmin, revoker *fakeKeyRevoker, susp *fakeSuspender, health *fakeHealth) *Server {
	return New(Deps{
		Auth:       auth,
		Publisher:  pub,
		Replayer:   rep,
		Usage:      usage,
		Tenants:    tenants,
		Keys:       keys,
		KeyRevoker: revoker,
		Suspender:  susp,
		Health:     health,
	})
}

func TestHandlePublishSuccess(t *testing.T) {
	s := newTestServer(
		&fakeAuthenticator{ctx: publishAuth()},
		&fakePublisher{result: ingress.Result{EventID: "evt_1", Sequence: 7, PublishedAt: time.Now()}},
		&fakeReplayer{}, &fakeUsage{}, &fakeTenantAdmin{}, &fakeKeyAdmin{}, &fakeKeyRevoker{}, &fakeSuspender{}, &fakeHealth{},
	)

	body := bytes.NewBufferString(`{"topic":"orders.created","payload":{"id":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/events", body)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp publishResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "evt_1", resp.EventID)
	assert.Equal(t, uint64(7), resp.Sequence)
}

func TestHandlePublishRejectsMissingScope(t *testing.T) {
	authCtx := publishAuth()
	authCtx.Scopes = domain.NewScopeSet()
	s := newTestServer(
		&fakeAuthenticator{ctx: authCtx},
		&fakePublisher{}, &fakeReplayer{}, &fakeUsage{}, &fakeTenantAdmin{}, &fakeKeyAdmin{}, &fakeKeyRevoker{}, &fakeSuspender{}, &fakeHealth{},
	)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(`{"topic":"a","payload":{}}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlePublishPropagatesAuthFailure(t *testing.T) {
	s := newTestServer(
		&fakeAuthenticator{err: apierr.New(apierr.CodeUnauthenticated, "missing credential")},
		&fakePublisher{}, &fakeReplayer{}, &fakeUsage{}, &fakeTenantAdmin{}, &fakeKeyAdmin{}, &fakeKeyRevoker{}, &fakeSuspender{}, &fakeHealth{},
	)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleReplayDefaultsToAuthTenantAndProject(t *testing.T) {
	rep := &fakeReplayer{events: []replay.Event{
		{ID: "evt_1", Topic: "orders.created", Payload: json.RawMessage(`{"a":1}`), Sequence: 1, Cursor: replay.Cursor{Sequence: 1, Timestamp: time.Now()}},
	}}
	s := newTestServer(&fakeAuthenticator{ctx: publishAuth()}, &fakePublisher{}, rep, &fakeUsage{}, &fakeTenantAdmin{}, &fakeKeyAdmin{}, &fakeKeyRevoker{}, &fakeSuspender{}, &fakeHealth{})

	req := httptest.NewRequest(http.MethodGet, "/events/replay", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp replayResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "evt_1", resp.Events[0].ID)
	require.NotNil(t, resp.NextCursor)
}

func TestHandleCreateTenant(t *testing.T) {
	tenants := &fakeTenantAdmin{}
	s := newTestServer(&fakeAuthenticator{ctx: publishAuth()}, &fakePublisher{}, &fakeReplayer{}, &fakeUsage{}, tenants, &fakeKeyAdmin{}, &fakeKeyRevoker{}, &fakeSuspender{}, &fakeHealth{})

	req := httptest.NewRequest(http.MethodPost, "/admin/tenants", bytes.NewBufferString(`{"id":"tn_2","name":"Acme"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, tenants.created, 1)
	assert.Equal(t, "tn_2", tenants.created[0].ID)
	assert.Equal(t, domain.TenantTrial, tenants.created[0].Status)
}

func TestHandleCreateAPIKeyReturnsSecretOnce(t *testing.T) {
	s := newTestServer(&fakeAuthenticator{ctx: publishAuth()}, &fakePublisher{}, &fakeReplayer{}, &fakeUsage{}, &fakeTenantAdmin{}, &fakeKeyAdmin{}, &fakeKeyRevoker{}, &fakeSuspender{}, &fakeHealth{})

	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys", bytes.NewBufferString(`{"tenant_id":"tn_1","project_id":"proj_1","scopes":["events:publish"]}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp createAPIKeyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Secret)
}

func TestHandleRevokeAPIKey(t *testing.T) {
	revoker := &fakeKeyRevoker{}
	s := newTestServer(&fakeAuthenticator{ctx: publishAuth()}, &fakePublisher{}, &fakeReplayer{}, &fakeUsage{}, &fakeTenantAdmin{}, &fakeKeyAdmin{}, revoker, &fakeSuspender{}, &fakeHealth{})

	req := httptest.NewRequest(http.MethodDelete, "/admin/api-keys/key_1", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "key_1", revoker.revoked)
}

func TestHandleRegisterSchema(t *testing.T) {
	schemas := &fakeSchemas{}
	s := New(Deps{
		Auth:      &fakeAuthenticator{ctx: publishAuth()},
		Publisher: &fakePublisher{},
		Replayer:  &fakeReplayer{},
		Usage:     &fakeUsage{},
		Tenants:   &fakeTenantAdmin{},
		Keys:      &fakeKeyAdmin{},
		Suspender: &fakeSuspender{},
		Health:    &fakeHealth{},
		Schemas:   schemas,
	})

	body := `{"schema":{"type":"object","required":["order_id"]}}`
	req := httptest.NewRequest(http.MethodPut, "/admin/tenants/tn_1/schemas/orders.created", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "tn_1", schemas.tenantID)
	assert.Equal(t, "orders.created", schemas.topic)
	assert.Contains(t, schemas.schemaDoc, "order_id")
}

func TestHandleSuspendTenant(t *testing.T) {
	susp := &fakeSuspender{evicted: []registry.SessionID{"sess_1", "sess_2"}}
	s := newTestServer(&fakeAuthenticator{ctx: publishAuth()}, &fakePublisher{}, &fakeReplayer{}, &fakeUsage{}, &fakeTenantAdmin{}, &fakeKeyAdmin{}, &fakeKeyRevoker{}, susp, &fakeHealth{})

	req := httptest.NewRequest(http.MethodPost, "/admin/tenants/tn_1/suspend", bytes.NewBufferString(`{"reason":"abuse"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tn_1", susp.suspendedTenant)
	var resp suspendTenantResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.EvictedSessions)
}

func TestHandleBillingUsage(t *testing.T) {
	usage := &fakeUsage{values: map[domain.UsageMetric]int64{domain.MetricEventsPublished: 42}}
	s := newTestServer(&fakeAuthenticator{ctx: publishAuth()}, &fakePublisher{}, &fakeReplayer{}, usage, &fakeTenantAdmin{}, &fakeKeyAdmin{}, &fakeKeyRevoker{}, &fakeSuspender{}, &fakeHealth{})

	req := httptest.NewRequest(http.MethodGet, "/billing/usage", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp billingUsageResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(42), resp.Usage[string(domain.MetricEventsPublished)])
}

func TestHandleStripeWebhookAccepts(t *testing.T) {
	s := newTestServer(&fakeAuthenticator{}, &fakePublisher{}, &fakeReplayer{}, &fakeUsage{}, &fakeTenantAdmin{}, &fakeKeyAdmin{}, &fakeKeyRevoker{}, &fakeSuspender{}, &fakeHealth{})

	req := httptest.NewRequest(http.MethodPost, "/billing/stripe-webhook", bytes.NewBufferString(`{"type":"invoice.paid"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandleHealthOK(t *testing.T) {
	s := newTestServer(&fakeAuthenticator{}, &fakePublisher{}, &fakeReplayer{}, &fakeUsage{}, &fakeTenantAdmin{}, &fakeKeyAdmin{}, &fakeKeyRevoker{}, &fakeSuspender{}, &fakeHealth{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleHealthDegraded(t *testing.T) {
	s := newTestServer(&fakeAuthenticator{}, &fakePublisher{}, &fakeReplayer{}, &fakeUsage{}, &fakeTenantAdmin{}, &fakeKeyAdmin{}, &fakeKeyRevoker{}, &fakeSuspender{}, &fakeHealth{err: assertErr{}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "log unreachable" }
