package business

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// dispatchChannelSize bounds the per-connection outbound buffer. A client
	// that cannot drain this many frames is a slow consumer.
	dispatchChannelSize = 256

	// dispatchTimeout is how long Dispatch waits on a full buffer before
	// dropping the frame.
	dispatchTimeout = 5 * time.Millisecond

	// consumePollInterval keeps the write pump responsive to connection
	// teardown while waiting for frames.
	consumePollInterval = 250 * time.Millisecond

	defaultCommandRate = 50
	rateLimitBurst     = 20
)

// tokenBucket is a minimal rate limiter for inbound client commands.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	rate   float64 // tokens per second
	burst  float64
	last   time.Time
}

func newTokenBucket(ratePerSecond float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens: float64(burst),
		rate:   ratePerSecond,
		burst:  float64(burst),
		last:   time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
	tb.last = now

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

type connection struct {
	stream   ClientStream
	metadata *Metadata

	dispatchCh chan *ServerFrame
	limiter    *tokenBucket

	lastHeartbeat atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once

	dispatched atomic.Uint64
	dropped    atomic.Uint64
}

// NewConnection wraps a client stream with an outbound dispatch buffer and a
// command rate limiter at default limits.
func NewConnection(stream ClientStream, metadata *Metadata) Connection {
	return newConnectionWithLimits(stream, metadata, defaultCommandRate, rateLimitBurst)
}

func newConnectionWithLimits(stream ClientStream, metadata *Metadata, ratePerSecond float64, burst int) *connection {
	c := &connection{
		stream:     stream,
		metadata:   metadata,
		dispatchCh: make(chan *ServerFrame, dispatchChannelSize),
		limiter:    newTokenBucket(ratePerSecond, burst),
		closed:     make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().Unix())
	return c
}

func (c *connection) Metadata() *Metadata {
	return c.metadata
}

func (c *connection) Stream() ClientStream {
	return c.stream
}

// Dispatch enqueues a frame for the write pump. It blocks for at most
// dispatchTimeout when the buffer is full, then drops the frame.
func (c *connection) Dispatch(frame *ServerFrame) bool {
	select {
	case <-c.closed:
		c.dropped.Add(1)
		return false
	default:
	}

	select {
	case c.dispatchCh <- frame:
		c.dispatched.Add(1)
		return true
	case <-c.closed:
		c.dropped.Add(1)
		return false
	case <-time.After(dispatchTimeout):
		c.dropped.Add(1)
		return false
	}
}

// ConsumeDispatch returns the next queued frame. It returns nil when the
// context is done, the connection closes, or the poll interval elapses,
// letting the caller re-check its own shutdown signals.
func (c *connection) ConsumeDispatch(ctx context.Context) *ServerFrame {
	timer := time.NewTimer(consumePollInterval)
	defer timer.Stop()

	select {
	case frame := <-c.dispatchCh:
		return frame
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	}
}

func (c *connection) AllowInbound() bool {
	return c.limiter.Allow()
}

func (c *connection) Touch() {
	c.lastHeartbeat.Store(time.Now().Unix())
}

func (c *connection) LastHeartbeat() int64 {
	return c.lastHeartbeat.Load()
}

func (c *connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// DispatchedMessages returns how many frames were queued for delivery.
func (c *connection) DispatchedMessages() uint64 {
	return c.dispatched.Load()
}

// DroppedMessages returns how many frames were discarded on a full buffer.
func (c *connection) DroppedMessages() uint64 {
	return c.dropped.Load()
}

// ChannelUtilization reports outbound buffer fullness in [0, 1].
func (c *connection) ChannelUtilization() float64 {
	return float64(len(c.dispatchCh)) / float64(cap(c.dispatchCh))
}
