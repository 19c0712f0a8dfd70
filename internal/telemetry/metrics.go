// Package telemetry provides OpenTelemetry metrics for the realtime service.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Connection metrics track the websocket connection lifecycle.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	ConnectionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.active",
		"Current number of active connections",
	)

	ConnectionsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.total",
		"Total connection attempts",
	)

	ConnectionsFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.failed",
		"Failed connection attempts",
	)

	ConnectionsCleanedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.cleaned",
		"Stale connections cleaned",
	)
)

// Fan-out metrics track event routing and delivery.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	EventsDispatchedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.events.dispatched",
		"Domain events accepted by the dispatcher",
	)

	EventsDroppedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.events.dropped",
		"Domain events routed to zero subscribers",
	)

	DeliveriesTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.deliveries.total",
		"Event payloads delivered to connections",
	)
)

// Command metrics track client-originated requests.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	JoinsDeniedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.joins.denied",
		"Team join requests denied by the membership directory",
	)

	FeedRequestsCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.feed.requests",
		"Activity feed requests received",
	)

	FeedFailuresCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.feed.failures",
		"Activity feed requests that failed at the resolver",
	)
)
