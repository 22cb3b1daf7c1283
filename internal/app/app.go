// Package app wires the transport layer together: one RPC client per
// configured worker, the notification bus and router for the chat engine,
// the session registry, and the typed services. Commands build one App and
// close it on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/DarkNoah/aime-chat-sub001/internal/chatstream"
	"github.com/DarkNoah/aime-chat-sub001/internal/config"
	"github.com/DarkNoah/aime-chat-sub001/internal/engine"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/pubsub"
	"github.com/DarkNoah/aime-chat-sub001/internal/rpc"
	"github.com/DarkNoah/aime-chat-sub001/internal/services"
	"github.com/DarkNoah/aime-chat-sub001/internal/sessions"
	"github.com/DarkNoah/aime-chat-sub001/internal/tracing"
	"github.com/DarkNoah/aime-chat-sub001/internal/worker"
)

// ErrNoEngine is returned by Sessions when no chat engine worker is configured.
var ErrNoEngine = errors.New("no chat engine worker configured")

// Option configures an App.
type Option func(*App)

// WithRuntimeDir sets where services stage temporary files.
func WithRuntimeDir(dir string) Option {
	return func(a *App) {
		a.runtimeDir = dir
	}
}

// WithCommandFactory overrides how worker processes are created.
func WithCommandFactory(fn worker.CommandFactoryFunc) Option {
	return func(a *App) {
		a.commandFactory = fn
	}
}

// App owns every long-lived component. It holds no package-level state, so
// several Apps can coexist in tests.
type App struct {
	runtimeDir     string
	commandFactory worker.CommandFactoryFunc

	tracing     *tracing.Provider
	bus         *pubsub.Broker[chatstream.Event]
	router      *engine.Router
	stopRouting context.CancelFunc

	mu       sync.Mutex
	cfg      config.Config
	clients  map[string]*rpc.Client
	registry *sessions.Registry
	audio    *services.Audio
	closed   bool
}

// New validates cfg and builds the App. Worker processes start lazily on
// their first call.
func New(cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		runtimeDir: config.DefaultRuntimeDir(),
		cfg:        cfg,
		clients:    make(map[string]*rpc.Client),
	}
	for _, opt := range opts {
		opt(a)
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("creating tracing provider: %w", err)
	}
	a.tracing = provider

	a.bus = pubsub.NewBroker[chatstream.Event]()
	routeCtx, stopRouting := context.WithCancel(context.Background())
	a.router = engine.NewRouter(routeCtx, a.bus)
	a.stopRouting = stopRouting

	for _, name := range cfg.WorkerNames() {
		a.clients[name] = a.newClient(name, cfg.Workers[name])
	}

	if client, ok := a.clients[cfg.Chat.Engine]; ok {
		a.registry = sessions.New(
			engine.NewRPCEngine(client, cfg.Chat.ControlTimeout),
			a.bus,
			sessions.WithQueueSize(cfg.Chat.QueueSize),
			sessions.WithMode(chatstream.Mode(cfg.Chat.Mode)),
			sessions.WithOutcomeTTL(cfg.Chat.OutcomeTTL),
			sessions.WithTracer(a.Tracer()),
		)
	}

	log.Debug(log.CatConfig, "App ready",
		"workers", len(a.clients),
		"engine", cfg.Chat.Engine,
		"tracing", provider.Enabled())
	return a, nil
}

func (a *App) newClient(name string, w config.WorkerConfig) *rpc.Client {
	opts := []rpc.Option{
		rpc.WithDefaultTimeout(w.CallTimeout()),
		rpc.WithTracer(a.Tracer()),
	}
	if name == a.cfg.Chat.Engine {
		opts = append(opts, rpc.WithNotificationHandler(a.router.Handle))
	}
	if a.commandFactory != nil {
		opts = append(opts, rpc.WithCommandFactory(a.commandFactory))
	}
	return rpc.New(w.Process(name), opts...)
}

// Tracer returns the tracer shared by all components.
func (a *App) Tracer() trace.Tracer {
	return a.tracing.Tracer()
}

// Bus returns the chat notification bus.
func (a *App) Bus() *pubsub.Broker[chatstream.Event] {
	return a.bus
}

// Router returns the engine notification router.
func (a *App) Router() *engine.Router {
	return a.router
}

// Client returns the RPC client of the named worker.
func (a *App) Client(name string) (*rpc.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	client, ok := a.clients[name]
	if !ok {
		return nil, fmt.Errorf("worker %q is not configured", name)
	}
	return client, nil
}

// Sessions returns the chat session registry.
func (a *App) Sessions() (*sessions.Registry, error) {
	if a.registry == nil {
		return nil, fmt.Errorf("%w: chat.engine is %q", ErrNoEngine, a.cfg.Chat.Engine)
	}
	return a.registry, nil
}

// Audio returns the speech service on the audio worker.
func (a *App) Audio() (*services.Audio, error) {
	client, err := a.Client(config.WorkerAudio)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.audio == nil {
		a.audio = services.NewAudio(client, a.runtimeDir)
	}
	return a.audio, nil
}

// OCR returns the text recognition service on the ocr worker.
func (a *App) OCR() (*services.OCR, error) {
	client, err := a.Client(config.WorkerOCR)
	if err != nil {
		return nil, err
	}
	return services.NewOCR(client), nil
}

// ApplyConfig picks up settings that can change while running: the default
// call timeout of each existing worker. Process settings need a restart.
func (a *App) ApplyConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for name, client := range a.clients {
		w, ok := cfg.Workers[name]
		if !ok {
			continue
		}
		if d := w.CallTimeout(); d != client.DefaultTimeout() {
			client.SetDefaultTimeout(d)
			log.Info(log.CatConfig, "Updated call timeout", "worker", name, "timeout", d)
		}
	}
	a.cfg.Workers = cfg.Workers
	return nil
}

// Close cancels open chat sessions, stops every worker and flushes traces.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	clients := make([]*rpc.Client, 0, len(a.clients))
	for _, c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.Unlock()

	var errs []error
	if a.registry != nil {
		if err := a.registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	var g errgroup.Group
	for _, c := range clients {
		g.Go(func() error {
			if err := c.Close(); err != nil {
				return fmt.Errorf("closing worker %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	a.stopRouting()
	a.bus.Close()

	if err := a.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down tracing: %w", err))
	}
	return errors.Join(errs...)
}
