// Package queues wires the realtime engine to the message broker carrying
// domain events from the CRUD layer.
package queues

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/taskhive/service-realtime/internal"
	"github.com/taskhive/service-realtime/service/events"
)

// DomainEventsQueueHandler consumes domain events and hands them to the
// fan-out dispatcher.
type DomainEventsQueueHandler struct {
	dispatcher *events.Dispatcher
}

// NewDomainEventsQueueHandler creates the subscriber worker for the domain
// events queue.
func NewDomainEventsQueueHandler(dispatcher *events.Dispatcher) queue.SubscribeWorker {
	return &DomainEventsQueueHandler{dispatcher: dispatcher}
}

// Handle decodes one queue message and dispatches it. Malformed payloads are
// acknowledged and dropped; retrying them can never succeed.
func (h *DomainEventsQueueHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) error {
	evt := &events.DomainEvent{}
	if err := json.Unmarshal(payload, evt); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"event_id":   headers[internal.HeaderEventID],
			"event_type": headers[internal.HeaderEventType],
		}).Error("failed to parse domain event, dropping")
		return nil
	}

	// Header values take precedence over an incomplete body.
	if evt.ID == "" {
		evt.ID = headers[internal.HeaderEventID]
	}
	if evt.Type == "" {
		evt.Type = events.EventType(headers[internal.HeaderEventType])
	}

	if err := h.dispatcher.Dispatch(ctx, evt); err != nil {
		util.Log(ctx).WithError(err).WithField("event_id", evt.ID).Warn("domain event not dispatched")
		return nil
	}

	return nil
}
