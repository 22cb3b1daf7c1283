package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/DarkNoah/aime-chat-sub001/internal/chatstream"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/pubsub"
	"github.com/DarkNoah/aime-chat-sub001/internal/rpc"
)

// Router publishes engine notifications onto the bus, one topic per chat
// channel. Handle runs on the worker's reader goroutine, which also carries
// rpc replies, so it must never wait on a session: the bus queues events
// per subscriber and a slow chat only grows its own backlog.
type Router struct {
	ctx context.Context
	bus *pubsub.Broker[chatstream.Event]

	routed  atomic.Int64
	dropped atomic.Int64
}

// NewRouter creates a router. Publishing gives up when ctx ends.
func NewRouter(ctx context.Context, bus *pubsub.Broker[chatstream.Event]) *Router {
	return &Router{ctx: ctx, bus: bus}
}

// Handle is an rpc.NotificationHandler.
func (r *Router) Handle(n rpc.Notification) {
	if _, ok := chatstream.ChatIDFromChannel(n.Channel); !ok {
		r.dropped.Add(1)
		log.Debug(log.CatChat, "dropping notification on unknown channel", "channel", n.Channel)
		return
	}

	ev, err := chatstream.ParseEvent(n.Event)
	if err != nil {
		r.dropped.Add(1)
		log.Debug(log.CatChat, "dropping malformed notification", "channel", n.Channel, "error", err)
		return
	}

	if err := r.bus.Publish(r.ctx, n.Channel, pubsub.CreatedEvent, ev); err != nil {
		r.dropped.Add(1)
		if !errors.Is(err, pubsub.ErrClosed) && !errors.Is(err, context.Canceled) {
			log.Warn(log.CatChat, "Failed to route notification", "channel", n.Channel, "error", err)
		}
		return
	}
	r.routed.Add(1)
}

// Routed returns how many notifications reached the bus.
func (r *Router) Routed() int64 {
	return r.routed.Load()
}

// Dropped returns how many notifications were discarded.
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}
