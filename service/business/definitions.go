package business

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pitabwire/util"
)

// ChannelID is a logical broadcast address. Connections subscribe to channels
// and the dispatcher resolves events to channels before delivery.
// Two forms exist: "user:<userId>" and "team:<teamId>".
type ChannelID string

// UserChannel returns the personal channel for a user.
func UserChannel(userID string) ChannelID {
	return ChannelID("user:" + userID)
}

// TeamChannel returns the broadcast channel for a team.
func TeamChannel(teamID string) ChannelID {
	return ChannelID("team:" + teamID)
}

// Frame types exchanged with clients over the websocket stream.
const (
	// Client -> server
	FrameTypeJoinTeam          = "join-team"
	FrameTypeLeaveTeam         = "leave-team"
	FrameTypeRequestActivities = "request-activities"
	FrameTypeHeartbeat         = "heartbeat"

	// Server -> single client
	FrameTypeConnected  = "connected"
	FrameTypeJoinedTeam = "joined-team"
	FrameTypeActivities = "activities"
	FrameTypeError      = "error"

	// Server -> resolved channel subscribers
	FrameTypeNewActivity  = "new-activity"
	FrameTypeTaskUpdated  = "task-updated"
	FrameTypeTeamUpdated  = "team-updated"
	FrameTypeCommentAdded = "comment-added"
)

// ClientFrame is a command received from an authenticated connection.
type ClientFrame struct {
	Type    string           `json:"type"`
	TeamID  string           `json:"team_id,omitempty"`
	Filters *ActivityFilters `json:"filters,omitempty"`
}

// ServerFrame is a payload sent to one or more connections.
type ServerFrame struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	GatewayID  string            `json:"gateway_id,omitempty"`
	TeamID     string            `json:"team_id,omitempty"`
	Activities []json.RawMessage `json:"activities,omitempty"`
	Error      *ErrorDetail      `json:"error,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
}

// ErrorDetail carries a scoped error message to a single connection.
type ErrorDetail struct {
	Message string `json:"message"`
}

// NewErrorFrame builds an error frame scoped to one connection.
func NewErrorFrame(message string) *ServerFrame {
	return &ServerFrame{
		ID:        util.IDString(),
		Type:      FrameTypeError,
		Timestamp: time.Now().Unix(),
		Error:     &ErrorDetail{Message: message},
	}
}

// ActivityFilters bounds an activity feed request.
type ActivityFilters struct {
	TeamID  string `json:"team_id,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
	Since   int64  `json:"since,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// TokenVerifier validates a signed credential presented at connection time
// and returns the user identity it asserts.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (string, error)
}

// MembershipDirectory answers team membership questions for subscription
// authorization. Implementations are remote; callers must not hold registry
// locks across these calls.
type MembershipDirectory interface {
	TeamsFor(ctx context.Context, userID string) ([]string, error)
	IsMember(ctx context.Context, userID, teamID string) (bool, error)
}

// ActivityResolver returns a bounded, authorized slice of activity records
// for a requesting user. It owns all storage and visibility logic.
type ActivityResolver interface {
	VisibleActivities(ctx context.Context, userID string, filters ActivityFilters) ([]json.RawMessage, error)
}

// ClientStream abstracts the bidirectional stream for an edge client.
type ClientStream interface {
	Receive() (*ClientFrame, error)
	Send(*ServerFrame) error
}

// Transport delivers a frame to a single connection, returning false when the
// connection is gone or too slow to accept it.
type Transport interface {
	Deliver(ctx context.Context, connID string, frame *ServerFrame) bool
}

// Metadata is the immutable identity of an active connection.
type Metadata struct {
	ConnID    string `json:"conn_id"`
	UserID    string `json:"user_id"`
	Connected int64  `json:"connected"`  // Unix timestamp
	GatewayID string `json:"gateway_id"` // Which gateway instance owns this connection
}

// Key returns the pool key for this connection.
func (m *Metadata) Key() string {
	return m.ConnID
}

// Connection represents one authenticated realtime session.
type Connection interface {
	Metadata() *Metadata
	Stream() ClientStream

	// Dispatch enqueues a frame for the write pump. Returns false when the
	// outbound buffer stays full past the dispatch timeout.
	Dispatch(frame *ServerFrame) bool

	// ConsumeDispatch returns the next queued frame, or nil when the context
	// is done or the poll interval elapses with nothing queued.
	ConsumeDispatch(ctx context.Context) *ServerFrame

	// AllowInbound reports whether the connection is within its command rate.
	AllowInbound() bool

	// Touch records inbound traffic for staleness tracking.
	Touch()
	LastHeartbeat() int64

	Close()
}

// ConnectionManager owns the lifecycle of all active connections.
type ConnectionManager interface {
	Transport

	HandleConnection(ctx context.Context, userID string, stream ClientStream) error
	GetConnection(ctx context.Context, connID string) (Connection, bool)
	Teardown(ctx context.Context, connID string)
	ActiveConnections() int32
	DrainConnections(ctx context.Context)
	Shutdown(ctx context.Context) error
}
