// Package sessions tracks the live chat stream of every chat. A chat has at
// most one open session; when it closes the entry is dropped and its
// outcome is kept for a while so callers can still ask how it ended.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/DarkNoah/aime-chat-sub001/internal/cachemanager"
	"github.com/DarkNoah/aime-chat-sub001/internal/chatstream"
	"github.com/DarkNoah/aime-chat-sub001/internal/engine"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/pubsub"
)

// DefaultOutcomeTTL is how long a closed session's outcome is remembered.
const DefaultOutcomeTTL = 10 * time.Minute

var (
	// ErrSessionActive is returned when a chat already has an open session.
	ErrSessionActive = errors.New("chat session already active")

	// ErrNotFound is returned for a chat without an active session.
	ErrNotFound = errors.New("chat session not found")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("session registry closed")
)

// ThreadStatus is the streaming state of a chat thread.
type ThreadStatus string

const (
	StatusIdle      ThreadStatus = "idle"
	StatusStreaming ThreadStatus = "streaming"
)

// Option configures a Registry.
type Option func(*Registry)

// WithQueueSize sets the chunk queue size of new sessions.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		r.queueSize = n
	}
}

// WithMode sets the mode used when a request does not name one.
func WithMode(m chatstream.Mode) Option {
	return func(r *Registry) {
		r.mode = m
	}
}

// WithOutcomeTTL sets how long closed outcomes are kept.
func WithOutcomeTTL(d time.Duration) Option {
	return func(r *Registry) {
		r.outcomeTTL = d
	}
}

// WithTracer sets the tracer for session spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		r.tracer = t
	}
}

// WithOutcomeCache replaces the in-memory outcome cache.
func WithOutcomeCache(c cachemanager.CacheManager[string, chatstream.Outcome]) Option {
	return func(r *Registry) {
		r.outcomes = c
	}
}

// Registry maps chat ids to their open sessions.
type Registry struct {
	eng engine.Engine
	bus *pubsub.Broker[chatstream.Event]

	queueSize  int
	mode       chatstream.Mode
	outcomeTTL time.Duration
	tracer     trace.Tracer
	outcomes   cachemanager.CacheManager[string, chatstream.Outcome]

	mu       sync.Mutex
	sessions map[string]*chatstream.Session
	starting map[string]struct{}
	closed   bool
}

// New creates a registry that starts chats on eng and reads their
// notifications from bus.
func New(eng engine.Engine, bus *pubsub.Broker[chatstream.Event], opts ...Option) *Registry {
	r := &Registry{
		eng:        eng,
		bus:        bus,
		mode:       chatstream.ModeAgent,
		outcomeTTL: DefaultOutcomeTTL,
		sessions:   make(map[string]*chatstream.Session),
		starting:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.outcomes == nil {
		r.outcomes = cachemanager.NewInMemoryCacheManager[string, chatstream.Outcome](
			"chat-outcomes", r.outcomeTTL, cachemanager.DefaultCleanupInterval)
	}
	return r
}

// Start opens a session for req.ChatID and asks the engine to generate.
// The chat channel is subscribed before the start command goes out, so no
// notification is missed. If the start command fails the session is
// already closed and removed when Start returns.
func (r *Registry) Start(ctx context.Context, req engine.ChatRequest) (*chatstream.Session, error) {
	if req.Mode == "" {
		req.Mode = r.mode
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.activeLocked(req.ChatID) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, req.ChatID)
	}
	// Reserve the chat id so the subscription below runs without r.mu.
	r.starting[req.ChatID] = struct{}{}
	r.mu.Unlock()

	subCtx, unsubscribe := context.WithCancel(context.Background())
	events := r.bus.Subscribe(subCtx, chatstream.Channel(req.ChatID))

	var s *chatstream.Session
	s = chatstream.New(req.ChatID, events, chatstream.Options{
		Mode:        req.Mode,
		QueueSize:   r.queueSize,
		Aborter:     r.eng,
		Unsubscribe: unsubscribe,
		Tracer:      r.tracer,
		OnClose: func(o chatstream.Outcome) {
			r.onClose(s, o)
		},
	})

	r.mu.Lock()
	delete(r.starting, req.ChatID)
	if r.closed {
		r.mu.Unlock()
		unsubscribe()
		return nil, ErrClosed
	}
	r.sessions[req.ChatID] = s
	r.mu.Unlock()

	log.Debug(log.CatRegistry, "Starting chat", "chat", req.ChatID, "mode", req.Mode)

	err := s.Open(ctx, func(ctx context.Context) error {
		return r.eng.StartChat(ctx, req)
	})
	if err != nil {
		<-s.Done()
		return nil, err
	}
	return s, nil
}

// activeLocked reports whether chatID has an open or starting session.
func (r *Registry) activeLocked(chatID string) bool {
	if _, ok := r.starting[chatID]; ok {
		return true
	}
	existing, ok := r.sessions[chatID]
	return ok && existing.State() != chatstream.StateClosed
}

func (r *Registry) onClose(s *chatstream.Session, o chatstream.Outcome) {
	r.mu.Lock()
	if cur, ok := r.sessions[o.ChatID]; ok && cur == s {
		delete(r.sessions, o.ChatID)
	}
	r.mu.Unlock()

	r.outcomes.Set(context.Background(), o.ChatID, o, r.outcomeTTL)
	log.Debug(log.CatRegistry, "Chat session removed", "chat", o.ChatID, "reason", o.Reason)
}

// Get returns the open session of chatID.
func (r *Registry) Get(chatID string) (*chatstream.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// Remove forgets the session of chatID without cancelling it.
func (r *Registry) Remove(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[chatID]; !ok {
		return false
	}
	delete(r.sessions, chatID)
	return true
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Active returns the chat ids with a tracked session, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Status reports whether chatID is currently streaming.
func (r *Registry) Status(chatID string) ThreadStatus {
	if s, ok := r.Get(chatID); ok && s.State() != chatstream.StateClosed {
		return StatusStreaming
	}
	return StatusIdle
}

// LastOutcome returns how the most recent session of chatID ended.
func (r *Registry) LastOutcome(ctx context.Context, chatID string) (chatstream.Outcome, bool) {
	return r.outcomes.Get(ctx, chatID)
}

// Abort cancels the open session of chatID.
func (r *Registry) Abort(ctx context.Context, chatID string) error {
	s, ok := r.Get(chatID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, chatID)
	}
	log.Debug(log.CatRegistry, "Aborting chat", "chat", chatID)
	return s.Cancel(ctx)
}

// Resume always fails: an interrupted stream cannot be re-attached.
func (r *Registry) Resume(ctx context.Context, chatID string) (*chatstream.Session, error) {
	return chatstream.Resume(ctx, chatID)
}

// Close cancels every session and rejects further Starts.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	open := make([]*chatstream.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()

	if len(open) > 0 {
		log.Info(log.CatRegistry, "Cancelling chat sessions", "count", len(open))
	}

	var g errgroup.Group
	for _, s := range open {
		g.Go(func() error {
			if err := s.Cancel(ctx); err != nil {
				return fmt.Errorf("cancel chat %s: %w", s.ChatID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
