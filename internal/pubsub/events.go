// Package pubsub provides a generic publish/subscribe event system used
// by the coordinator's boundary: transport events, log entries and agent
// status changes all flow through brokers.
package pubsub

import "time"

// EventType classifies how the payload changed.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event wraps a typed payload with its change kind and emission time.
// Per subscriber, events arrive ordered by Timestamp; across subscribers
// no ordering is guaranteed.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
