package business

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream is an in-memory ClientStream for tests.
type fakeStream struct {
	inbound  chan *ClientFrame
	outbound chan *ServerFrame
	recvErr  error
	sendErr  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		inbound:  make(chan *ClientFrame, 16),
		outbound: make(chan *ServerFrame, 64),
	}
}

func (s *fakeStream) Receive() (*ClientFrame, error) {
	if s.recvErr != nil {
		return nil, s.recvErr
	}
	frame, ok := <-s.inbound
	if !ok {
		return nil, errors.New("stream closed")
	}
	return frame, nil
}

func (s *fakeStream) Send(frame *ServerFrame) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.outbound <- frame
	return nil
}

func testMetadata(connID, userID string) *Metadata {
	return &Metadata{
		ConnID:    connID,
		UserID:    userID,
		Connected: time.Now().Unix(),
		GatewayID: "gw-test",
	}
}

func TestConnection_DispatchAndConsume(t *testing.T) {
	conn := NewConnection(newFakeStream(), testMetadata("conn1", "user1"))
	defer conn.Close()

	frame := &ServerFrame{ID: "f1", Type: FrameTypeNewActivity}
	require.True(t, conn.Dispatch(frame))

	got := conn.ConsumeDispatch(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "f1", got.ID)
}

func TestConnection_ConsumeDispatchCancelledContext(t *testing.T) {
	conn := NewConnection(newFakeStream(), testMetadata("conn1", "user1"))
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Nil(t, conn.ConsumeDispatch(ctx))
}

func TestConnection_ConsumeDispatchPollTimeout(t *testing.T) {
	conn := NewConnection(newFakeStream(), testMetadata("conn1", "user1"))
	defer conn.Close()

	start := time.Now()
	got := conn.ConsumeDispatch(context.Background())
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), consumePollInterval)
}

func TestConnection_DispatchDropsWhenBufferFull(t *testing.T) {
	conn := newConnectionWithLimits(newFakeStream(), testMetadata("conn1", "user1"), defaultCommandRate, rateLimitBurst)
	defer conn.Close()

	for i := 0; i < dispatchChannelSize; i++ {
		require.True(t, conn.Dispatch(&ServerFrame{Type: FrameTypeNewActivity}))
	}

	// Buffer is full and nothing is draining it.
	assert.False(t, conn.Dispatch(&ServerFrame{Type: FrameTypeNewActivity}))
	assert.Equal(t, uint64(dispatchChannelSize), conn.DispatchedMessages())
	assert.Equal(t, uint64(1), conn.DroppedMessages())
	assert.Equal(t, 1.0, conn.ChannelUtilization())
}

func TestConnection_DispatchAfterClose(t *testing.T) {
	conn := NewConnection(newFakeStream(), testMetadata("conn1", "user1"))
	conn.Close()

	assert.False(t, conn.Dispatch(&ServerFrame{Type: FrameTypeNewActivity}))
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	conn := NewConnection(newFakeStream(), testMetadata("conn1", "user1"))
	conn.Close()
	conn.Close()
}

func TestConnection_TouchUpdatesHeartbeat(t *testing.T) {
	conn := newConnectionWithLimits(newFakeStream(), testMetadata("conn1", "user1"), defaultCommandRate, rateLimitBurst)
	defer conn.Close()

	conn.lastHeartbeat.Store(0)
	conn.Touch()
	assert.InDelta(t, time.Now().Unix(), conn.LastHeartbeat(), 2)
}

func TestTokenBucket_AllowsBurst(t *testing.T) {
	tb := newTokenBucket(1, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, tb.Allow(), "request %d within burst should pass", i)
	}
	assert.False(t, tb.Allow(), "request beyond burst should be limited")
}

func TestTokenBucket_Refills(t *testing.T) {
	tb := newTokenBucket(100, 1)

	require.True(t, tb.Allow())
	require.False(t, tb.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, tb.Allow(), "bucket should refill at the configured rate")
}

func TestConnection_AllowInbound(t *testing.T) {
	conn := newConnectionWithLimits(newFakeStream(), testMetadata("conn1", "user1"), 1, 2)
	defer conn.Close()

	assert.True(t, conn.AllowInbound())
	assert.True(t, conn.AllowInbound())
	assert.False(t, conn.AllowInbound())
}
