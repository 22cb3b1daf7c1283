// Package pubsub provides a topic-keyed publish/subscribe bus.
//
// The chat engine pushes notifications on named channels
// (for example "chat:event:<chatId>"); subscribers receive them in
// publish order on a bounded channel.
package pubsub

import (
	"errors"
	"time"
)

// ErrClosed is returned by Publish after the broker has been closed.
var ErrClosed = errors.New("pubsub: broker closed")

// EventType tags why an event was published.
type EventType string

// CreatedEvent marks a newly produced payload such as an engine
// notification or a log entry.
const CreatedEvent EventType = "created"

// Event is one delivery to a subscriber.
type Event[T any] struct {
	Topic     string
	Type      EventType
	Payload   T
	Timestamp time.Time
}
