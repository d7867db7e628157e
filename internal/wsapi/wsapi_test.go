package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/realtime/internal/credentialgate"
	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/registry"
)

type fakeAuth struct {
	ctx *credentialgate.AuthContext
	err error
}

func (f *fakeAuth) AuthenticateToken(ctx context.Context, token string) (*credentialgate.AuthContext, error) {
	return f.ctx, f.err
}

type fakeProjects struct {
	limit int
}

func (f *fakeProjects) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	return &domain.Project{ID: projectID, Limits: domain.ProjectLimits{MaxConnections: f.limit}}, nil
}

type recordingObserver struct {
	connected    []string
	disconnected []string
}

func (o *recordingObserver) RecordConnected(tenantID, projectID string) {
	o.connected = append(o.connected, tenantID+"/"+projectID)
}
func (o *recordingObserver) RecordDisconnected(tenantID, projectID string) {
	o.disconnected = append(o.disconnected, tenantID+"/"+projectID)
}

func newTestHandler(reg *registry.Registry, auth *fakeAuth, obs *recordingObserver) *Handler {
	return New(Deps{
		Auth:     auth,
		Projects: &fakeProjects{},
		Registry: reg,
		Observer: obs,
	})
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestServeHTTPConnectSendsConnectedFrame(t *testing.T) {
	reg := registry.New()
	auth := &fakeAuth{ctx: &credentialgate.AuthContext{TenantID: "tn_1", ProjectID: "proj_1"}}
	obs := &recordingObserver{}
	h := newTestHandler(reg, auth, obs)

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws?token=abc&topics=orders")
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame serverFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "Connected", frame.Type)
	require.NotEmpty(t, frame.ConnectionID)
	require.Equal(t, 1, int(reg.ConnectedCount()))
	require.Equal(t, []string{"tn_1/proj_1"}, obs.connected)
}

func TestServeHTTPRejectsMissingToken(t *testing.T) {
	reg := registry.New()
	h := newTestHandler(reg, &fakeAuth{}, &recordingObserver{})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeHTTPDeliversFanoutEnvelope(t *testing.T) {
	reg := registry.New()
	auth := &fakeAuth{ctx: &credentialgate.AuthContext{TenantID: "tn_1", ProjectID: "proj_1"}}
	h := newTestHandler(reg, auth, &recordingObserver{})

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws?token=abc")
	defer conn.Close()

	_, _, err := conn.ReadMessage() // Connected frame
	require.NoError(t, err)

	sessions := reg.MatchingSessions("tn_1", "proj_1", "orders.created")
	require.Len(t, sessions, 1)
	require.True(t, sessions[0].Enqueue([]byte(`{"id":"evt_1","topic":"orders.created","payload":{"k":1},"published_at":"2026-01-01T00:00:00Z"}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame serverFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "Event", frame.Type)
	require.Equal(t, "evt_1", frame.ID)
	require.Equal(t, "orders.created", frame.Topic)
}

func TestServeHTTPPingReceivesPong(t *testing.T) {
	reg := registry.New()
	auth := &fakeAuth{ctx: &credentialgate.AuthContext{TenantID: "tn_1", ProjectID: "proj_1"}}
	h := newTestHandler(reg, auth, &recordingObserver{})

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws?token=abc")
	defer conn.Close()

	_, _, err := conn.ReadMessage() // Connected frame
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "Ping"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame serverFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "Pong", frame.Type)
}

func TestServeHTTPEvictionSendsErrorFrameAndCloses(t *testing.T) {
	reg := registry.New()
	auth := &fakeAuth{ctx: &credentialgate.AuthContext{TenantID: "tn_1", ProjectID: "proj_1"}}
	h := newTestHandler(reg, auth, &recordingObserver{})

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws?token=abc")
	defer conn.Close()

	_, _, err := conn.ReadMessage() // Connected frame
	require.NoError(t, err)

	evicted := reg.EvictTenant("tn_1")
	require.Len(t, evicted, 1)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame serverFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "Error", frame.Type)
}

func TestServeHTTPConnectionLimitExceeded(t *testing.T) {
	reg := registry.New()
	auth := &fakeAuth{ctx: &credentialgate.AuthContext{TenantID: "tn_1", ProjectID: "proj_1"}}
	h := New(Deps{Auth: auth, Projects: &fakeProjects{limit: 1}, Registry: reg, Observer: &recordingObserver{}})

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn1 := dialWS(t, srv, "/ws?token=abc")
	defer conn1.Close()
	_, _, err := conn1.ReadMessage()
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=abc"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
