// Package internal holds constants and helpers shared across service packages.
package internal

// Queue message headers set by domain event publishers.
const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
	HeaderActorID   = "actor_id"
	HeaderTeamID    = "team_id"
)
