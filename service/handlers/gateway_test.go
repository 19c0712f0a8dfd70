package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/service-realtime/internal/health"
	"github.com/taskhive/service-realtime/internal/tokens"
	"github.com/taskhive/service-realtime/service/business"
)

// fakeVerifier accepts exactly one token value.
type fakeVerifier struct {
	accept string
	userID string
}

func (v *fakeVerifier) Verify(_ context.Context, raw string) (string, error) {
	if raw != "" && raw == v.accept {
		return v.userID, nil
	}
	return "", tokens.ErrInvalidToken
}

// fakeConnectionManager records whether a connection ever reached it.
type fakeConnectionManager struct {
	mu      sync.Mutex
	handled []string
}

func (f *fakeConnectionManager) HandleConnection(_ context.Context, userID string, stream business.ClientStream) error {
	f.mu.Lock()
	f.handled = append(f.handled, userID)
	f.mu.Unlock()

	// Echo the connected ack so the client side can observe success.
	if err := stream.Send(&business.ServerFrame{Type: business.FrameTypeConnected}); err != nil {
		return err
	}

	// Drain until the client disconnects.
	for {
		if _, err := stream.Receive(); err != nil {
			return err
		}
	}
}

func (f *fakeConnectionManager) GetConnection(context.Context, string) (business.Connection, bool) {
	return nil, false
}
func (f *fakeConnectionManager) Teardown(context.Context, string) {}
func (f *fakeConnectionManager) ActiveConnections() int32         { return 0 }
func (f *fakeConnectionManager) DrainConnections(context.Context) {}
func (f *fakeConnectionManager) Shutdown(context.Context) error   { return nil }
func (f *fakeConnectionManager) Deliver(context.Context, string, *business.ServerFrame) bool {
	return false
}

func (f *fakeConnectionManager) handledUsers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.handled...)
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeConnectionManager) {
	t.Helper()

	cm := &fakeConnectionManager{}
	verifier := &fakeVerifier{accept: "good-token", userID: "user1"}
	handler := NewGatewayHandler(verifier, cm)

	srv := httptest.NewServer(NewRouter(handler, health.NewHandler()))
	t.Cleanup(srv.Close)
	return srv, cm
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestGatewayHandler_RejectsMissingCredential(t *testing.T) {
	srv, cm := newTestServer(t)

	//nolint:bodyclose // Dial returns a closed response on handshake failure
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, cm.handledUsers(), "unauthenticated request must never reach the connection manager")
}

func TestGatewayHandler_RejectsInvalidCredential(t *testing.T) {
	srv, cm := newTestServer(t)

	header := http.Header{"Authorization": []string{"Bearer bad-token"}}
	//nolint:bodyclose // Dial returns a closed response on handshake failure
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, cm.handledUsers())
}

func TestGatewayHandler_AcceptsBearerHeader(t *testing.T) {
	srv, cm := newTestServer(t)

	header := http.Header{"Authorization": []string{"Bearer good-token"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	frame := &business.ServerFrame{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(frame))
	assert.Equal(t, business.FrameTypeConnected, frame.Type)
	assert.Equal(t, []string{"user1"}, cm.handledUsers())
}

func TestGatewayHandler_AcceptsQueryToken(t *testing.T) {
	srv, cm := newTestServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=good-token", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	require.Eventually(t, func() bool {
		return len(cm.handledUsers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouter_HealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}
