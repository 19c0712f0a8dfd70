// Package events routes domain events to channels and fans them out to
// subscribed connections.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/taskhive/service-realtime/internal/telemetry"
	"github.com/taskhive/service-realtime/service/business"
)

// EventType identifies a kind of domain event published by the CRUD layer.
type EventType string

const (
	EventTypeActivityCreated EventType = "activity.created"
	EventTypeTaskUpdated     EventType = "task.updated"
	EventTypeTeamUpdated     EventType = "team.updated"
	EventTypeCommentAdded    EventType = "comment.added"
)

// ErrUnknownEventType is returned for events with no routing rule.
var ErrUnknownEventType = errors.New("unknown event type")

// DomainEvent is the queue payload describing something that happened in the
// task system.
type DomainEvent struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	ActorID       string          `json:"actor_id,omitempty"`
	TeamID        string          `json:"team_id,omitempty"`
	AssigneeIDs   []string        `json:"assignee_ids,omitempty"`
	TaskCreatorID string          `json:"task_creator_id,omitempty"`
	OccurredAt    int64           `json:"occurred_at,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// RouteEvent maps a domain event to the set of channels interested in it.
// The result carries no duplicates even when one user fills several roles on
// the same event.
func RouteEvent(evt *DomainEvent) []business.ChannelID {
	var channels []business.ChannelID
	seen := make(map[business.ChannelID]struct{}, 4)

	add := func(ch business.ChannelID) {
		if _, dup := seen[ch]; dup {
			return
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}

	switch evt.Type {
	case EventTypeActivityCreated:
		if evt.ActorID != "" {
			add(business.UserChannel(evt.ActorID))
		}
		if evt.TeamID != "" {
			add(business.TeamChannel(evt.TeamID))
		}

	case EventTypeTaskUpdated:
		if evt.TaskCreatorID != "" {
			add(business.UserChannel(evt.TaskCreatorID))
		}
		for _, assigneeID := range evt.AssigneeIDs {
			if assigneeID != "" {
				add(business.UserChannel(assigneeID))
			}
		}
		if evt.TeamID != "" {
			add(business.TeamChannel(evt.TeamID))
		}

	case EventTypeTeamUpdated:
		if evt.TeamID != "" {
			add(business.TeamChannel(evt.TeamID))
		}

	case EventTypeCommentAdded:
		if evt.TaskCreatorID != "" {
			add(business.UserChannel(evt.TaskCreatorID))
		}
		if evt.TeamID != "" {
			add(business.TeamChannel(evt.TeamID))
		}
	}

	return channels
}

// StreamFrameType maps a domain event type to the frame type clients receive.
func StreamFrameType(eventType EventType) (string, bool) {
	switch eventType {
	case EventTypeActivityCreated:
		return business.FrameTypeNewActivity, true
	case EventTypeTaskUpdated:
		return business.FrameTypeTaskUpdated, true
	case EventTypeTeamUpdated:
		return business.FrameTypeTeamUpdated, true
	case EventTypeCommentAdded:
		return business.FrameTypeCommentAdded, true
	default:
		return "", false
	}
}

// Dispatcher fans a domain event out to every subscribed connection.
//
// Resolution unions the subscriber sets of all matched channels before any
// delivery happens, so a connection subscribed through several channels
// receives the event exactly once.
type Dispatcher struct {
	subs      subscriberLookup
	transport business.Transport
}

// subscriberLookup is the narrow view the dispatcher needs of the
// subscription manager.
type subscriberLookup interface {
	SubscribersOf(channel business.ChannelID) []string
}

// NewDispatcher creates a dispatcher over a subscription index and a delivery
// transport.
func NewDispatcher(subs subscriberLookup, transport business.Transport) *Dispatcher {
	return &Dispatcher{subs: subs, transport: transport}
}

// Dispatch routes one event and delivers it. Events that resolve to zero
// connections are dropped silently; that is the normal case for teams with
// nobody online.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *DomainEvent) error {
	if evt == nil {
		return nil
	}

	frameType, known := StreamFrameType(evt.Type)
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type)
	}

	telemetry.EventsDispatchedCounter.Add(ctx, 1)

	// Union all target connections first, then deliver once per connection.
	targets := make(map[string]struct{})
	for _, channel := range RouteEvent(evt) {
		for _, connID := range d.subs.SubscribersOf(channel) {
			targets[connID] = struct{}{}
		}
	}

	if len(targets) == 0 {
		telemetry.EventsDroppedCounter.Add(ctx, 1)
		util.Log(ctx).WithFields(map[string]any{
			"event_id":   evt.ID,
			"event_type": string(evt.Type),
		}).Debug("event resolved to zero subscribers")
		return nil
	}

	frame := d.buildFrame(evt, frameType)

	delivered := 0
	for connID := range targets {
		if d.transport.Deliver(ctx, connID, frame) {
			delivered++
		}
	}

	util.Log(ctx).WithFields(map[string]any{
		"event_id":   evt.ID,
		"event_type": string(evt.Type),
		"targets":    len(targets),
		"delivered":  delivered,
	}).Debug("event fanned out")

	return nil
}

func (d *Dispatcher) buildFrame(evt *DomainEvent, frameType string) *business.ServerFrame {
	frameID := evt.ID
	if frameID == "" {
		frameID = util.IDString()
	}

	timestamp := evt.OccurredAt
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}

	return &business.ServerFrame{
		ID:        frameID,
		Type:      frameType,
		Timestamp: timestamp,
		TeamID:    evt.TeamID,
		Payload:   evt.Payload,
	}
}
