package chatstream

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DarkNoah/aime-chat-sub001/internal/chunk"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/pubsub"
	"github.com/DarkNoah/aime-chat-sub001/internal/tracing"
)

// DefaultQueueSize bounds chunks buffered between the pump and the consumer.
const DefaultQueueSize = 64

// Mode selects how raw engine chunks are interpreted.
type Mode string

const (
	ModeAgent    Mode = "agent"
	ModeWorkflow Mode = "workflow"
)

// State is a session lifecycle state. Transitions only move forward.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reason says why a session closed.
type Reason string

const (
	ReasonFinished  Reason = "finished"
	ReasonAborted   Reason = "aborted"
	ReasonCancelled Reason = "cancelled"
	ReasonFailed    Reason = "failed"
)

// Outcome is the final result of a closed session.
type Outcome struct {
	ChatID   string
	Reason   Reason
	Err      error
	Chunks   int
	ClosedAt time.Time
}

// Aborter tells the chat engine to stop generating for a chat.
type Aborter interface {
	AbortChat(ctx context.Context, chatID string) error
}

// Options configures a Session.
type Options struct {
	Mode Mode

	// QueueSize bounds buffered chunks. 0 uses DefaultQueueSize.
	QueueSize int

	// Aborter receives the abort command on Cancel.
	Aborter Aborter

	// OnClose runs exactly once when the session closes.
	OnClose func(Outcome)

	// Unsubscribe releases the notification subscription on close.
	Unsubscribe func()

	Tracer trace.Tracer
}

// Session adapts the push-style notifications of one chat into an ordered,
// single-consumer, cancellable pull stream of validated chunks.
type Session struct {
	chatID string
	opts   Options
	events <-chan pubsub.Event[Event]

	queue  chan chunk.Chunk
	stopCh chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	state      State
	abortSent  bool
	stopReason Reason
	stopErr    error
	outcome    Outcome
	emitted    int

	stopOnce   sync.Once
	finishOnce sync.Once

	span trace.Span
}

// New creates an idle session reading notifications from events.
func New(chatID string, events <-chan pubsub.Event[Event], opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Mode == "" {
		opts.Mode = ModeAgent
	}
	return &Session{
		chatID: chatID,
		opts:   opts,
		events: events,
		queue:  make(chan chunk.Chunk, opts.QueueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ChatID returns the chat this session streams.
func (s *Session) ChatID() string {
	return s.chatID
}

// Mode returns the session mode.
func (s *Session) Mode() Mode {
	return s.opts.Mode
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the close outcome. The bool is false while not closed.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.state == StateClosed
}

// Open starts pumping notifications and then runs start, which issues the
// engine's chat-start command. The subscription already exists, so no
// notification sent in response to start is missed. If start fails the
// session closes with that error.
func (s *Session) Open(ctx context.Context, start func(context.Context) error) error {
	s.mu.Lock()
	switch s.state {
	case StateOpen:
		s.mu.Unlock()
		return ErrAlreadyOpen
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = StateOpen
	_, s.span = tracing.StartSessionSpan(ctx, s.opts.Tracer, s.chatID, string(s.opts.Mode))
	s.mu.Unlock()

	log.Debug(log.CatChat, "Session opened", "chat", s.chatID, "mode", s.opts.Mode)
	go s.pump()

	if start == nil {
		return nil
	}
	if err := start(ctx); err != nil {
		s.Fail(err)
		return err
	}
	return nil
}

// Next returns the next chunk in arrival order. It returns io.EOF after the
// stream finished, was aborted or was cancelled, and the failure error after
// a failed stream.
func (s *Session) Next(ctx context.Context) (chunk.Chunk, error) {
	select {
	case <-s.stopCh:
		return nil, s.endErr()
	default:
	}

	select {
	case <-s.stopCh:
		return nil, s.endErr()
	case c, ok := <-s.queue:
		if !ok {
			return nil, s.endErr()
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// All ranges over the remaining chunks. A failure is yielded once as the
// final element; clean completion just ends the sequence.
func (s *Session) All(ctx context.Context) iter.Seq2[chunk.Chunk, error] {
	return func(yield func(chunk.Chunk, error) bool) {
		for {
			c, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Cancel stops the stream: emission ends, the engine is told to abort
// exactly once, and the stream completes without error. Cancel on a closed
// session is a no-op.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	first := !s.abortSent
	s.abortSent = true
	idle := s.state == StateIdle
	s.mu.Unlock()

	if idle {
		s.finish(ReasonCancelled, nil)
		return nil
	}

	// Stop the pump before aborting so nothing arriving with the abort
	// reply is emitted.
	s.stop(ReasonCancelled, nil)

	if first && s.opts.Aborter != nil {
		s.addEvent(tracing.EventAbortSent)
		log.Debug(log.CatChat, "Sending abort", "chat", s.chatID)
		if err := s.opts.Aborter.AbortChat(ctx, s.chatID); err != nil {
			log.Warn(log.CatChat, "Abort command failed", "chat", s.chatID, "error", err)
			return err
		}
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail closes the session with err.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateIdle:
		s.finish(ReasonFailed, err)
	case StateOpen:
		s.stop(ReasonFailed, err)
	}
}

// stop asks the pump to finish with reason. The first request wins.
func (s *Session) stop(reason Reason, err error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopReason = reason
		s.stopErr = err
		s.mu.Unlock()
		close(s.stopCh)
	})
}

func (s *Session) endErr() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome.Reason == ReasonFailed && s.outcome.Err != nil {
		return s.outcome.Err
	}
	return io.EOF
}

// verdict ends a session with a reason and optional error.
type verdict struct {
	reason Reason
	err    error
}

// pump moves notifications into the queue until a terminal signal.
func (s *Session) pump() {
	for {
		// A stop request wins over pending notifications.
		select {
		case <-s.stopCh:
			s.finishStopped()
			return
		default:
		}

		select {
		case <-s.stopCh:
			s.finishStopped()
			return

		case ev, ok := <-s.events:
			if !ok {
				s.finish(ReasonFailed, errBusClosed)
				return
			}
			if v := s.handle(ev.Payload); v != nil {
				s.finish(v.reason, v.err)
				return
			}
		}
	}
}

func (s *Session) finishStopped() {
	s.mu.Lock()
	reason, err := s.stopReason, s.stopErr
	s.mu.Unlock()
	s.finish(reason, err)
}

// handle applies one notification and returns a verdict when the session
// must close.
func (s *Session) handle(ev Event) *verdict {
	switch ev.Type {
	case EventChunk:
		return s.handleChunk(ev)

	case EventChanged:
		var changed Changed
		if err := json.Unmarshal(ev.Data, &changed); err != nil {
			log.Debug(log.CatChat, "ignoring malformed changed event", "chat", s.chatID, "error", err)
			return nil
		}
		if changed.Type == ChangedFinish {
			return &verdict{reason: ReasonFinished}
		}
		log.Debug(log.CatChat, "Chat changed", "chat", s.chatID, "type", changed.Type)
		return nil

	case EventError:
		return &verdict{reason: ReasonFailed, err: &RemoteError{ChatID: s.chatID, Message: ev.text()}}

	case EventAbort:
		return &verdict{reason: ReasonAborted}

	case EventUsage:
		return s.emitData(chunk.DataUsage, ev.Data)

	case EventStepFinish:
		return s.emitData(chunk.DataStepFinish, ev.Data)

	default:
		log.Debug(log.CatChat, "ignoring unknown event", "chat", s.chatID, "type", ev.Type)
		return nil
	}
}

// workflowStep is the envelope of raw workflow engine output.
type workflowStep struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Payload struct {
		Output json.RawMessage `json:"output"`
	} `json:"payload"`
}

func (s *Session) handleChunk(ev Event) *verdict {
	raw := ev.chunkBytes()

	if s.opts.Mode == ModeWorkflow {
		var step workflowStep
		if err := json.Unmarshal(raw, &step); err != nil {
			return &verdict{reason: ReasonFailed, err: &chunk.ValidationError{Reason: "payload is not a JSON object"}}
		}
		switch {
		case step.Type == "workflow-step-output" && step.From == "USER":
			raw = step.Payload.Output
		case step.Type == chunk.TypeAbort:
		default:
			return nil
		}
	}

	c, err := chunk.Parse(raw)
	if err != nil {
		log.Warn(log.CatChat, "Invalid chunk", "chat", s.chatID, "error", err)
		return &verdict{reason: ReasonFailed, err: err}
	}
	if !s.emit(c) {
		return nil
	}

	switch c.(type) {
	case *chunk.Finish:
		return &verdict{reason: ReasonFinished}
	case *chunk.Abort:
		return &verdict{reason: ReasonAborted}
	}
	return nil
}

func (s *Session) emitData(name string, payload json.RawMessage) *verdict {
	d, err := chunk.NewData(name, payload)
	if err != nil {
		return &verdict{reason: ReasonFailed, err: err}
	}
	s.emit(d)
	return nil
}

// emit queues c, blocking while the queue is full. It returns false when
// the session is stopping and c was discarded.
func (s *Session) emit(c chunk.Chunk) bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}

	select {
	case s.queue <- c:
		s.mu.Lock()
		s.emitted++
		s.mu.Unlock()
		return true
	case <-s.stopCh:
		return false
	}
}

// finish closes the session exactly once. OnClose runs before Done is
// closed, so anyone woken by Done observes its effects.
func (s *Session) finish(reason Reason, err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.outcome = Outcome{
			ChatID:   s.chatID,
			Reason:   reason,
			Err:      err,
			Chunks:   s.emitted,
			ClosedAt: time.Now(),
		}
		outcome := s.outcome
		span := s.span
		s.mu.Unlock()

		if s.opts.Unsubscribe != nil {
			s.opts.Unsubscribe()
		}

		if span != nil {
			span.SetAttributes(
				attribute.Int(tracing.AttrChunkCount, outcome.Chunks),
				attribute.String(tracing.AttrCloseReason, string(reason)),
			)
			tracing.EndSpan(span, err)
		}

		if err != nil {
			log.Warn(log.CatChat, "Session closed", "chat", s.chatID, "reason", reason, "error", err)
		} else {
			log.Debug(log.CatChat, "Session closed", "chat", s.chatID, "reason", reason, "chunks", outcome.Chunks)
		}

		if s.opts.OnClose != nil {
			s.opts.OnClose(outcome)
		}

		close(s.done)
		close(s.queue)
	})
}

func (s *Session) addEvent(name string) {
	s.mu.Lock()
	span := s.span
	s.mu.Unlock()
	if span != nil {
		span.AddEvent(name)
	}
}
