package business

import (
	"context"
	"time"

	"github.com/pitabwire/util"

	"github.com/taskhive/service-realtime/internal/telemetry"
)

// DefaultFeedLimit applies when a feed request does not specify a limit.
const DefaultFeedLimit = 50

// ActivityQueryGateway serves activity feed requests arriving over an open
// connection. It forwards authorization and storage concerns to the resolver
// and only shapes the request and the response frame.
type ActivityQueryGateway struct {
	resolver ActivityResolver
	maxLimit int
}

// NewActivityQueryGateway creates a gateway over the given resolver. maxLimit
// caps client-requested page sizes; zero disables the cap.
func NewActivityQueryGateway(resolver ActivityResolver, maxLimit int) *ActivityQueryGateway {
	return &ActivityQueryGateway{resolver: resolver, maxLimit: maxLimit}
}

// HandleFeedRequest resolves an authorized activity slice for the connection's
// user and dispatches it back on the same connection. Failures produce an
// error frame scoped to this connection only.
func (g *ActivityQueryGateway) HandleFeedRequest(ctx context.Context, conn Connection, filters *ActivityFilters) {
	telemetry.FeedRequestsCounter.Add(ctx, 1)

	f := ActivityFilters{}
	if filters != nil {
		f = *filters
	}
	if f.Limit <= 0 {
		f.Limit = DefaultFeedLimit
	}
	if g.maxLimit > 0 && f.Limit > g.maxLimit {
		f.Limit = g.maxLimit
	}

	userID := conn.Metadata().UserID

	records, err := g.resolver.VisibleActivities(ctx, userID, f)
	if err != nil {
		telemetry.FeedFailuresCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"conn_id": conn.Metadata().ConnID,
			"user_id": userID,
		}).Warn("activity feed request failed")

		conn.Dispatch(NewErrorFrame("failed to load activities"))
		return
	}

	conn.Dispatch(&ServerFrame{
		ID:         util.IDString(),
		Type:       FrameTypeActivities,
		Timestamp:  time.Now().Unix(),
		TeamID:     f.TeamID,
		Activities: records,
	})
}
