package business

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/taskhive/service-realtime/internal/telemetry"
)

var (
	// ErrRateLimited is returned when a connection exceeds its command rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTeamIDRequired is returned for team commands missing a team ID.
	ErrTeamIDRequired = errors.New("team_id is required")

	// ErrUnknownFrameType is returned for client frames with no handler.
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// handleInboundFrame processes one client command. Errors never terminate the
// connection; authorization and validation failures are reported back to the
// client as scoped error frames.
func (cm *connectionManager) handleInboundFrame(ctx context.Context, conn Connection, frame *ClientFrame) error {
	if frame == nil {
		return nil
	}

	if !conn.AllowInbound() {
		conn.Dispatch(NewErrorFrame("rate limit exceeded, slow down"))
		return fmt.Errorf("%w: conn %s", ErrRateLimited, conn.Metadata().ConnID)
	}

	switch frame.Type {
	case FrameTypeHeartbeat:
		// Touch already ran in the inbound pump; nothing more to do.
		return nil

	case FrameTypeJoinTeam:
		return cm.handleJoinTeam(ctx, conn, frame.TeamID)

	case FrameTypeLeaveTeam:
		return cm.handleLeaveTeam(ctx, conn, frame.TeamID)

	case FrameTypeRequestActivities:
		cm.activity.HandleFeedRequest(ctx, conn, frame.Filters)
		return nil

	default:
		conn.Dispatch(NewErrorFrame(fmt.Sprintf("unsupported frame type: %s", frame.Type)))
		return fmt.Errorf("%w: %s", ErrUnknownFrameType, frame.Type)
	}
}

// handleJoinTeam subscribes the connection to a team channel. Membership is
// verified with the directory on every request; a denial or a directory
// failure both leave the subscription state untouched.
func (cm *connectionManager) handleJoinTeam(ctx context.Context, conn Connection, teamID string) error {
	if teamID == "" {
		conn.Dispatch(NewErrorFrame("team_id is required"))
		return ErrTeamIDRequired
	}

	meta := conn.Metadata()

	err := cm.subs.JoinTeam(ctx, meta.ConnID, meta.UserID, teamID)
	if err != nil {
		telemetry.JoinsDeniedCounter.Add(ctx, 1)

		if errors.Is(err, ErrTeamAccessDenied) {
			conn.Dispatch(NewErrorFrame("not a member of this team"))
		} else {
			conn.Dispatch(NewErrorFrame("could not verify team membership"))
		}
		return err
	}

	conn.Dispatch(&ServerFrame{
		ID:        util.IDString(),
		Type:      FrameTypeJoinedTeam,
		Timestamp: time.Now().Unix(),
		TeamID:    teamID,
	})
	return nil
}

// handleLeaveTeam unsubscribes only this connection from the team channel.
// The user's other connections keep their subscriptions.
func (cm *connectionManager) handleLeaveTeam(_ context.Context, conn Connection, teamID string) error {
	if teamID == "" {
		conn.Dispatch(NewErrorFrame("team_id is required"))
		return ErrTeamIDRequired
	}

	cm.subs.LeaveTeam(conn.Metadata().ConnID, teamID)
	return nil
}
