// Package business implements the core realtime engine: connection lifecycle,
// presence tracking, channel subscriptions, and frame delivery.
//
// Each accepted connection runs two goroutines, an inbound pump reading client
// commands and an outbound pump draining the dispatch buffer. The manager
// coordinates them with a shared error channel and a done channel, and runs
// background tasks for stale cleanup, metrics, and pool health.
package business

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pitabwire/util"

	"github.com/taskhive/service-realtime/internal/telemetry"
)

const (
	errorChannelBufferSize = 2 // Buffer for inbound/outbound workers
	defaultUserPoolSize    = 1000
	minPoolSize            = 10000
	maxInt32               = 2147483647

	staleCheckInterval    = 30 * time.Second
	metricsReportInterval = 10 * time.Second
	healthCheckInterval   = 60 * time.Second
	shutdownWaitTimeout   = 30 * time.Second
	drainPollInterval     = 100 * time.Millisecond
	setupTimeout          = 10 * time.Second

	// staleThresholdMultiplier tolerates two missed heartbeats before a
	// connection counts as dead.
	staleThresholdMultiplier = 3
	utilizationThreshold     = 80
	utilizationScaleFactor   = 100
)

//nolint:gochecknoglobals // Channel pool reused across connection churn
var errorChanPool = sync.Pool{
	New: func() any {
		return make(chan error, errorChannelBufferSize)
	},
}

// Sentinel errors checked with errors.Is().
var (
	ErrShuttingDown        = errors.New("connection manager is shutting down")
	ErrInvalidInput        = errors.New("userID is required")
	ErrTooManyConnections  = errors.New("too many connections for user")
	ErrStreamReceiveFailed = errors.New("stream receive failed")
)

// connectionManager owns the full connection lifecycle. The pool gives O(1)
// lookup for delivery, the presence registry and subscription manager are
// updated in lockstep with pool membership, and all counters are atomic.
type connectionManager struct {
	connPool *connectionPool

	presence PresenceRegistry
	subs     SubscriptionManager
	activity *ActivityQueryGateway

	// Unique ID for this gateway instance (format: "gateway-<nano-timestamp>")
	gatewayID string

	maxConnectionsPerUser int
	connectionTimeoutSec  int
	heartbeatIntervalSec  int
	commandRatePerSecond  float64

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	// Metrics tracking (atomic access for lock-free reads)
	activeConns       int32
	totalConns        uint64
	failedConns       uint64
	disconnectedConns uint64
}

// NewConnectionManager creates a connection manager and starts its background
// maintenance tasks. The pool is sized for maxConnectionsPerUser across an
// expected user base, with a floor for burst traffic.
func NewConnectionManager(
	ctx context.Context,
	presence PresenceRegistry,
	subs SubscriptionManager,
	activity *ActivityQueryGateway,
	maxConnectionsPerUser int,
	connectionTimeoutSec int,
	heartbeatIntervalSec int,
	maxCommandsPerSecond int,
) ConnectionManager {
	gatewayID := fmt.Sprintf("gateway-%d", time.Now().UnixNano())

	poolSize := maxConnectionsPerUser * defaultUserPoolSize
	if poolSize > maxInt32 {
		poolSize = maxInt32
	}
	//nolint:gosec // Overflow checked above
	poolSizeInt32 := int32(poolSize)
	if poolSizeInt32 < minPoolSize {
		poolSizeInt32 = minPoolSize
	}

	cm := &connectionManager{
		connPool: newConnectionPool(poolSizeInt32),
		presence: presence,
		subs:     subs,
		activity: activity,

		gatewayID: gatewayID,

		maxConnectionsPerUser: maxConnectionsPerUser,
		connectionTimeoutSec:  connectionTimeoutSec,
		heartbeatIntervalSec:  heartbeatIntervalSec,
		commandRatePerSecond:  float64(maxCommandsPerSecond),

		shutdownCh: make(chan struct{}),
	}

	cm.startBackgroundTasks(ctx)

	return cm
}

func (cm *connectionManager) startBackgroundTasks(ctx context.Context) {
	cm.wg.Add(1)
	go cm.cleanupStaleConnections(ctx)

	cm.wg.Add(1)
	go cm.reportMetrics(ctx)

	cm.wg.Add(1)
	go cm.monitorHealth(ctx)
}

// HandleConnection manages one authenticated connection from registration to
// teardown. It blocks until the client disconnects, the context is cancelled,
// a stream error occurs, or the manager shuts down.
//
// On entry the connection is added to the pool, the user's presence entry is
// activated, and initial channel subscriptions are established. The deferred
// teardown reverses all three, so a crashed pump can never leak registry
// state.
func (cm *connectionManager) HandleConnection(ctx context.Context, userID string, stream ClientStream) error {
	if userID == "" {
		atomic.AddUint64(&cm.failedConns, 1)
		telemetry.ConnectionsFailedCounter.Add(ctx, 1)
		return ErrInvalidInput
	}

	select {
	case <-cm.shutdownCh:
		return ErrShuttingDown
	default:
	}

	atomic.AddUint64(&cm.totalConns, 1)
	atomic.AddInt32(&cm.activeConns, 1)
	defer atomic.AddInt32(&cm.activeConns, -1)

	telemetry.ConnectionsTotalCounter.Add(ctx, 1)
	telemetry.ConnectionsActiveGauge.Add(ctx, 1)
	defer telemetry.ConnectionsActiveGauge.Add(ctx, -1)

	if cm.maxConnectionsPerUser > 0 && cm.presence.ConnectionCount(userID) >= cm.maxConnectionsPerUser {
		atomic.AddUint64(&cm.failedConns, 1)
		telemetry.ConnectionsFailedCounter.Add(ctx, 1)
		return fmt.Errorf("%w: limit %d", ErrTooManyConnections, cm.maxConnectionsPerUser)
	}

	now := time.Now()
	connID := uuid.NewString()
	metadata := &Metadata{
		ConnID:    connID,
		UserID:    userID,
		Connected: now.Unix(),
		GatewayID: cm.gatewayID,
	}

	conn := newConnectionWithLimits(stream, metadata, cm.commandRatePerSecond, rateLimitBurst)

	if err := cm.connPool.add(conn); err != nil {
		atomic.AddUint64(&cm.failedConns, 1)
		telemetry.ConnectionsFailedCounter.Add(ctx, 1)
		return err
	}

	cm.presence.Activate(userID, connID)

	defer func() {
		cm.Teardown(ctx, connID)

		util.Log(ctx).WithFields(map[string]any{
			"conn_id":  connID,
			"user_id":  userID,
			"duration": time.Since(now).String(),
		}).Debug("client disconnected from gateway")
	}()

	// Initial subscriptions: user channel plus every current team channel.
	// Directory failures degrade to user-channel-only rather than refusing
	// the connection.
	setupCtx, cancelSetup := context.WithTimeout(ctx, setupTimeout)
	if err := cm.subs.InitSubscriptions(setupCtx, connID, userID); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"conn_id": connID,
			"user_id": userID,
		}).Warn("initial team subscriptions unavailable")
	}
	cancelSetup()

	util.Log(ctx).WithFields(map[string]any{
		"conn_id":    connID,
		"user_id":    userID,
		"gateway_id": cm.gatewayID,
		"pool_size":  cm.connPool.size(),
	}).Debug("client connected to gateway")

	errChanInterface := errorChanPool.Get()
	errChan, ok := errChanInterface.(chan error)
	if !ok {
		errChan = make(chan error, errorChannelBufferSize)
	}
	defer func() {
		for len(errChan) > 0 {
			<-errChan
		}
		errorChanPool.Put(errChan)
	}()

	doneCh := make(chan struct{})
	var workerWg sync.WaitGroup

	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		if err := cm.handleInboundStream(ctx, conn, stream, errChan, doneCh); err != nil {
			util.Log(ctx).WithError(err).Debug("inbound stream handler finished")
		}
	}()

	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		if err := cm.handleOutboundStream(ctx, conn, stream, errChan, doneCh); err != nil {
			util.Log(ctx).WithError(err).Debug("outbound stream handler finished")
		}
	}()

	select {
	case err := <-errChan:
		close(doneCh)
		workerWg.Wait()
		return err
	case <-ctx.Done():
		close(doneCh)
		workerWg.Wait()
		return ctx.Err()
	case <-cm.shutdownCh:
		close(doneCh)
		workerWg.Wait()
		return ErrShuttingDown
	}
}

func (cm *connectionManager) GetConnection(_ context.Context, connID string) (Connection, bool) {
	return cm.connPool.get(connID)
}

// Teardown removes every trace of a connection: subscriptions, presence, and
// the pool entry. Safe to call repeatedly; later calls find nothing to do.
func (cm *connectionManager) Teardown(ctx context.Context, connID string) {
	cm.subs.Teardown(connID)

	conn := cm.connPool.remove(connID)
	if conn == nil {
		return
	}

	cm.presence.Deactivate(conn.Metadata().UserID, connID)
	conn.Close()

	atomic.AddUint64(&cm.disconnectedConns, 1)

	util.Log(ctx).WithFields(map[string]any{
		"conn_id": connID,
		"user_id": conn.Metadata().UserID,
	}).Debug("connection torn down")
}

// Deliver implements Transport. It hands the frame to the connection's
// dispatch buffer; a full buffer means a slow consumer and the frame is
// dropped for that connection only.
func (cm *connectionManager) Deliver(ctx context.Context, connID string, frame *ServerFrame) bool {
	conn, ok := cm.connPool.get(connID)
	if !ok {
		util.Log(ctx).WithField("conn_id", connID).Debug("delivery target connection is gone")
		return false
	}

	if !conn.Dispatch(frame) {
		util.Log(ctx).WithFields(map[string]any{
			"conn_id":    connID,
			"user_id":    conn.Metadata().UserID,
			"frame_type": frame.Type,
		}).Warn("dropping frame for slow consumer")
		return false
	}

	telemetry.DeliveriesTotalCounter.Add(ctx, 1)
	return true
}

// handleInboundStream pumps client commands until the connection ends. Stream
// errors are fatal for the connection; command processing errors are logged
// and the pump continues.
func (cm *connectionManager) handleInboundStream(
	ctx context.Context,
	conn Connection,
	stream ClientStream,
	errChan chan error,
	doneCh chan struct{},
) error {
	for {
		select {
		case <-doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := stream.Receive()
		if err != nil {
			select {
			case errChan <- fmt.Errorf("%w: %w", ErrStreamReceiveFailed, err):
			default:
			}
			return err
		}

		conn.Touch()

		if err = cm.handleInboundFrame(ctx, conn, frame); err != nil {
			util.Log(ctx).WithError(err).WithFields(map[string]any{
				"conn_id":    conn.Metadata().ConnID,
				"frame_type": frame.Type,
			}).Warn("inbound frame processing error")
		}
	}
}

// handleOutboundStream sends the connection ack, then drains the dispatch
// buffer to the client. Send errors are fatal for the connection.
func (cm *connectionManager) handleOutboundStream(
	ctx context.Context,
	conn Connection,
	stream ClientStream,
	errChan chan error,
	doneCh chan struct{},
) error {
	if err := cm.sendConnectionAck(ctx, stream); err != nil {
		select {
		case errChan <- err:
		default:
		}
		return err
	}

	for {
		select {
		case <-doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			frame := conn.ConsumeDispatch(ctx)
			if frame == nil {
				continue
			}

			if err := stream.Send(frame); err != nil {
				select {
				case errChan <- err:
				default:
				}
				return err
			}
		}
	}
}

// sendConnectionAck confirms registration to the client before any other
// outbound traffic.
func (cm *connectionManager) sendConnectionAck(ctx context.Context, stream ClientStream) error {
	ack := &ServerFrame{
		ID:        util.IDString(),
		Type:      FrameTypeConnected,
		Timestamp: time.Now().Unix(),
		GatewayID: cm.gatewayID,
	}

	if err := stream.Send(ack); err != nil {
		util.Log(ctx).WithError(err).Error("connection ack failed")
		return fmt.Errorf("connection ack failed: %w", err)
	}
	return nil
}

// cleanupStaleConnections removes connections whose clients stopped sending
// traffic without a proper close.
func (cm *connectionManager) cleanupStaleConnections(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.performCleanup(ctx)
		}
	}
}

func (cm *connectionManager) performCleanup(ctx context.Context) {
	now := time.Now().Unix()
	staleThreshold := int64(cm.heartbeatIntervalSec * staleThresholdMultiplier)

	staleCount := 0
	cm.connPool.forEach(func(conn Connection) {
		if now-conn.LastHeartbeat() > staleThreshold {
			util.Log(ctx).WithFields(map[string]any{
				"conn_id":     conn.Metadata().ConnID,
				"user_id":     conn.Metadata().UserID,
				"age_seconds": now - conn.LastHeartbeat(),
			}).Warn("removing stale connection")

			cm.Teardown(ctx, conn.Metadata().ConnID)
			staleCount++
		}
	})

	if staleCount > 0 {
		telemetry.ConnectionsCleanedCounter.Add(ctx, int64(staleCount))

		util.Log(ctx).WithFields(map[string]any{
			"count":      staleCount,
			"gateway_id": cm.gatewayID,
		}).Info("cleaned stale connections")
	}
}

func (cm *connectionManager) reportMetrics(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.publishMetrics(ctx)
		}
	}
}

func (cm *connectionManager) publishMetrics(ctx context.Context) {
	poolSize := cm.connPool.size()
	utilization := float64(poolSize) / float64(cm.connPool.maxSize) * utilizationScaleFactor

	util.Log(ctx).WithFields(map[string]any{
		"metric_type":              "connection_stats",
		"gateway_id":               cm.gatewayID,
		"connections_active":       atomic.LoadInt32(&cm.activeConns),
		"connections_total":        atomic.LoadUint64(&cm.totalConns),
		"connections_failed":       atomic.LoadUint64(&cm.failedConns),
		"connections_disconnected": atomic.LoadUint64(&cm.disconnectedConns),
		"online_users":             cm.presence.OnlineUsers(),
		"pool_size":                poolSize,
		"pool_utilization":         utilization,
	}).Debug("connection metrics")
}

func (cm *connectionManager) monitorHealth(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.performHealthCheck(ctx)
		}
	}
}

func (cm *connectionManager) performHealthCheck(ctx context.Context) {
	poolSize := cm.connPool.size()
	utilization := float64(poolSize) / float64(cm.connPool.maxSize) * utilizationScaleFactor

	if utilization > utilizationThreshold {
		util.Log(ctx).WithFields(map[string]any{
			"pool_size":   poolSize,
			"max_size":    cm.connPool.maxSize,
			"utilization": utilization,
		}).Warn("connection pool utilization high")
	}

	util.Log(ctx).WithFields(map[string]any{
		"active_conns":       atomic.LoadInt32(&cm.activeConns),
		"online_users":       cm.presence.OnlineUsers(),
		"pool_size":          poolSize,
		"pool_utilization":   fmt.Sprintf("%.2f%%", utilization),
		"total_conns":        atomic.LoadUint64(&cm.totalConns),
		"failed_conns":       atomic.LoadUint64(&cm.failedConns),
		"disconnected_conns": atomic.LoadUint64(&cm.disconnectedConns),
	}).Debug("connection manager health check")
}

// ActiveConnections returns the number of connections currently being served.
func (cm *connectionManager) ActiveConnections() int32 {
	return atomic.LoadInt32(&cm.activeConns)
}

// DrainConnections waits until the pool empties or the context expires.
// Called during shutdown after signalling connections to close.
func (cm *connectionManager) DrainConnections(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		remaining := cm.connPool.size()
		if remaining == 0 {
			return
		}

		select {
		case <-ctx.Done():
			util.Log(ctx).WithField("remaining", remaining).Warn("drain timed out with connections still open")
			return
		case <-ticker.C:
		}
	}
}

// Shutdown signals all connection handlers and background tasks to stop, then
// waits for background tasks with a timeout. Safe to call more than once.
func (cm *connectionManager) Shutdown(ctx context.Context) error {
	cm.shutdownOnce.Do(func() {
		util.Log(ctx).Info("shutting down connection manager")
		close(cm.shutdownCh)

		done := make(chan struct{})
		go func() {
			cm.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			util.Log(ctx).Info("connection manager shutdown complete")
		case <-time.After(shutdownWaitTimeout):
			util.Log(ctx).Warn("connection manager shutdown timed out")
		}
	})

	return nil
}
