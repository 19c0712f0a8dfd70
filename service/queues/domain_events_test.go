package queues

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/service-realtime/internal"
	"github.com/taskhive/service-realtime/service/business"
	"github.com/taskhive/service-realtime/service/events"
)

type recordingIndex struct {
	subs map[business.ChannelID][]string
}

func (r *recordingIndex) SubscribersOf(channel business.ChannelID) []string {
	return r.subs[channel]
}

type recordingTransport struct {
	mu     sync.Mutex
	frames map[string][]*business.ServerFrame
}

func (r *recordingTransport) Deliver(_ context.Context, connID string, frame *business.ServerFrame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[string][]*business.ServerFrame)
	}
	r.frames[connID] = append(r.frames[connID], frame)
	return true
}

func newTestHandler(subs map[business.ChannelID][]string) (*DomainEventsQueueHandler, *recordingTransport) {
	transport := &recordingTransport{}
	dispatcher := events.NewDispatcher(&recordingIndex{subs: subs}, transport)
	handler, _ := NewDomainEventsQueueHandler(dispatcher).(*DomainEventsQueueHandler)
	return handler, transport
}

func TestDomainEventsQueueHandler_DeliversEvent(t *testing.T) {
	handler, transport := newTestHandler(map[business.ChannelID][]string{
		business.TeamChannel("t1"): {"conn1"},
	})

	payload := []byte(`{"id":"ev1","type":"team.updated","team_id":"t1"}`)
	require.NoError(t, handler.Handle(context.Background(), nil, payload))

	frames := transport.frames["conn1"]
	require.Len(t, frames, 1)
	assert.Equal(t, business.FrameTypeTeamUpdated, frames[0].Type)
}

func TestDomainEventsQueueHandler_MalformedPayloadIsAcked(t *testing.T) {
	handler, transport := newTestHandler(nil)

	err := handler.Handle(context.Background(), nil, []byte(`{not json`))
	assert.NoError(t, err, "malformed payloads must be acked, not retried")
	assert.Empty(t, transport.frames)
}

func TestDomainEventsQueueHandler_UnknownEventTypeIsAcked(t *testing.T) {
	handler, transport := newTestHandler(nil)

	err := handler.Handle(context.Background(), nil, []byte(`{"id":"ev1","type":"mystery"}`))
	assert.NoError(t, err)
	assert.Empty(t, transport.frames)
}

func TestDomainEventsQueueHandler_HeadersFillMissingFields(t *testing.T) {
	handler, transport := newTestHandler(map[business.ChannelID][]string{
		business.TeamChannel("t1"): {"conn1"},
	})

	headers := map[string]string{
		internal.HeaderEventID:   "ev-from-header",
		internal.HeaderEventType: "team.updated",
	}
	require.NoError(t, handler.Handle(context.Background(), headers, []byte(`{"team_id":"t1"}`)))

	frames := transport.frames["conn1"]
	require.Len(t, frames, 1)
	assert.Equal(t, "ev-from-header", frames[0].ID)
}
