package pubsub

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// ListenCmd returns a command that waits for the next event on ch. The
// command yields nil once ctx ends or ch closes, which Bubble Tea ignores.
func ListenCmd[T any](ctx context.Context, ch <-chan Event[T]) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			return event
		}
	}
}

// ContinuousListener keeps one topic subscription alive across Bubble Tea
// update cycles.
type ContinuousListener[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     <-chan Event[T]
}

// NewContinuousListener subscribes to topic until ctx ends or Stop is called.
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T], topic string) *ContinuousListener[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &ContinuousListener[T]{
		ctx:    ctx,
		cancel: cancel,
		ch:     broker.Subscribe(ctx, topic),
	}
}

// Listen returns a tea.Cmd that waits for the next event.
// Call it again from Update after handling each event.
func (l *ContinuousListener[T]) Listen() tea.Cmd {
	return ListenCmd(l.ctx, l.ch)
}

// Stop releases the subscription. Pending Listen commands return nil.
func (l *ContinuousListener[T]) Stop() {
	l.cancel()
}
