// Package handlers exposes the realtime engine over HTTP: the websocket
// endpoint clients connect to, plus liveness and readiness probes.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"

	"github.com/taskhive/service-realtime/internal/health"
	"github.com/taskhive/service-realtime/service/business"
)

const (
	wsReadBufferSize  = 4096
	wsWriteBufferSize = 4096
)

// GatewayHandler authenticates websocket upgrade requests and hands accepted
// streams to the connection manager.
type GatewayHandler struct {
	verifier business.TokenVerifier
	cm       business.ConnectionManager
	upgrader websocket.Upgrader
}

// NewGatewayHandler creates the websocket entry point.
func NewGatewayHandler(verifier business.TokenVerifier, cm business.ConnectionManager) *GatewayHandler {
	return &GatewayHandler{
		verifier: verifier,
		cm:       cm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufferSize,
			CheckOrigin: func(_ *http.Request) bool {
				// Credential verification gates the connection, not origin.
				return true
			},
		},
	}
}

// ServeHTTP handles a websocket connection request. The credential is
// verified before the protocol upgrade; requests without a valid credential
// are rejected with 401 and never reach the connection manager.
func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw := extractCredential(r)
	userID, err := h.verifier.Verify(ctx, raw)
	if err != nil {
		util.Log(ctx).WithError(err).Debug("websocket credential rejected")
		http.Error(w, "invalid or missing credential", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		util.Log(ctx).WithError(err).Debug("websocket upgrade failed")
		return
	}

	stream := newWSClientStream(wsConn)
	defer func() { _ = wsConn.Close() }()

	if err = h.cm.HandleConnection(ctx, userID, stream); err != nil &&
		!errors.Is(err, business.ErrShuttingDown) {
		util.Log(ctx).WithError(err).WithField("user_id", userID).Debug("connection handler finished with error")
	}
}

// extractCredential pulls the token from the Authorization header, falling
// back to the token query parameter for browser websocket clients that
// cannot set headers.
func extractCredential(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return after
	}
	return r.URL.Query().Get("token")
}

// wsClientStream adapts a gorilla websocket connection to the engine's
// ClientStream interface. Reads come from one pump goroutine; the write mutex
// serialises Send against the concurrent outbound pump.
type wsClientStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSClientStream(conn *websocket.Conn) *wsClientStream {
	return &wsClientStream{conn: conn}
}

func (s *wsClientStream) Receive() (*business.ClientFrame, error) {
	frame := &business.ClientFrame{}
	if err := s.conn.ReadJSON(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *wsClientStream) Send(frame *business.ServerFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

// NewRouter assembles the service HTTP surface.
func NewRouter(gateway *GatewayHandler, healthHandler *health.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}
