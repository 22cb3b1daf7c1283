package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/tracing"
	"github.com/DarkNoah/aime-chat-sub001/internal/worker"
)

// DefaultTimeout bounds a call when neither the client nor the call sets one.
const DefaultTimeout = 600 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithDefaultTimeout sets the timeout applied to calls without WithTimeout.
// A non-positive value disables the default deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.defaultTimeout.Store(int64(d))
	}
}

// WithNotificationHandler routes id-less channel messages to fn.
func WithNotificationHandler(fn NotificationHandler) Option {
	return func(c *Client) {
		c.onNotify = fn
	}
}

// WithTracer records one span per call.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = t
	}
}

// WithCommandFactory overrides process creation for testing.
func WithCommandFactory(fn worker.CommandFactoryFunc) Option {
	return func(c *Client) {
		c.commandFactory = fn
	}
}

// WithIDGenerator overrides request id generation for testing.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) {
		c.newID = fn
	}
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the client's default timeout for one call. A
// non-positive d keeps the default.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Client issues request/response calls to one worker process over
// line-delimited JSON. The process is started lazily on the first call and
// restarted on the first call after it exits.
type Client struct {
	name   string
	handle *worker.Handle

	pending        *pendingCalls
	defaultTimeout atomic.Int64
	closed         atomic.Bool

	onNotify       NotificationHandler
	tracer         trace.Tracer
	commandFactory worker.CommandFactoryFunc
	newID          func() string
}

// New creates a client for the worker described by cfg. No process is
// started until the first Call or Start.
func New(cfg worker.Config, opts ...Option) *Client {
	c := &Client{
		name:    cfg.Name,
		pending: newPendingCalls(),
		newID:   uuid.NewString,
	}
	c.defaultTimeout.Store(int64(DefaultTimeout))
	for _, opt := range opts {
		opt(c)
	}

	handleOpts := []worker.Option{
		worker.WithOnLine(c.handleLine),
		worker.WithOnExit(c.handleExit),
	}
	if c.commandFactory != nil {
		handleOpts = append(handleOpts, worker.WithCommandFactory(c.commandFactory))
	}
	c.handle = worker.New(cfg, handleOpts...)
	return c
}

// Name returns the worker name.
func (c *Client) Name() string {
	return c.name
}

// Start spawns the worker ahead of the first call.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.handle.EnsureStarted(ctx)
}

// Alive reports whether the worker process is running.
func (c *Client) Alive() bool {
	return c.handle.Alive()
}

// Status returns the worker lifecycle status.
func (c *Client) Status() worker.Status {
	return c.handle.Status()
}

// PID returns the worker's OS process ID, or -1 if not running.
func (c *Client) PID() int {
	return c.handle.PID()
}

// Pending returns the number of outstanding calls.
func (c *Client) Pending() int {
	return c.pending.len()
}

// DefaultTimeout returns the timeout applied to calls without WithTimeout.
func (c *Client) DefaultTimeout() time.Duration {
	return time.Duration(c.defaultTimeout.Load())
}

// SetDefaultTimeout changes the default for calls issued from now on.
func (c *Client) SetDefaultTimeout(d time.Duration) {
	c.defaultTimeout.Store(int64(d))
}

// Call sends method with params and waits for the matching response.
//
// Errors:
//   - *RemoteError when the worker answers with ok=false
//   - ErrTimeout (wrapped) when the deadline passes first
//   - *ExitError when the process exits while the call is outstanding
//   - ctx.Err() when ctx ends first
//   - ErrClosed after Close
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	co := callOptions{timeout: c.DefaultTimeout()}
	for _, opt := range opts {
		opt(&co)
	}

	id := c.newID()
	ctx, span := tracing.StartRPCSpan(ctx, c.tracer, c.name, method, id)
	span.SetAttributes(attribute.Int64(tracing.AttrRPCTimeout, co.timeout.Milliseconds()))

	result, err := c.call(ctx, id, method, params, co.timeout)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		span.SetAttributes(attribute.Int(tracing.AttrExitCode, exitErr.Code))
	}
	tracing.EndSpan(span, err)
	return result, err
}

func (c *Client) call(ctx context.Context, id, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.handle.EnsureStarted(ctx); err != nil {
		return nil, err
	}

	pc, ok := c.pending.add(id, method)
	if !ok {
		return nil, fmt.Errorf("rpc %s: request id %q already outstanding", c.name, id)
	}

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			if c.pending.resolve(id, outcome{err: fmt.Errorf("timeout: %s: %w", method, ErrTimeout)}) {
				log.Warn(log.CatRPC, "Call timed out",
					"worker", c.name, "method", method, "id", id, "timeout", timeout)
			}
		})
		c.pending.setTimer(pc, timer)
	}

	if params == nil {
		params = struct{}{}
	}

	log.Debug(log.CatRPC, "Call", "worker", c.name, "method", method, "id", id)

	if err := c.handle.WriteLine(request{ID: id, Method: method, Params: params}); err != nil {
		c.pending.take(id)
		return nil, err
	}

	select {
	case o := <-pc.done:
		return o.result, o.err
	case <-ctx.Done():
		if c.pending.take(id) == nil {
			// Resolved concurrently; the outcome is already on its way.
			o := <-pc.done
			return o.result, o.err
		}
		return nil, ctx.Err()
	}
}

// CallInto calls method and decodes the result into T.
func CallInto[T any](ctx context.Context, c *Client, method string, params any, opts ...CallOption) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, params, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("rpc %s: decode %s result: %w", c.name, method, err)
	}
	return out, nil
}

// Stop terminates the worker process. Outstanding calls fail with an
// *ExitError once it exits; the next call starts a new process.
func (c *Client) Stop() error {
	return c.handle.Stop()
}

// Close rejects all outstanding calls with ErrClosed, stops the worker and
// refuses further calls.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	n := c.pending.failAll(func(*pendingCall) error { return ErrClosed })
	log.Debug(log.CatRPC, "Client closed", "worker", c.name, "rejected", n)
	return c.handle.Stop()
}

// handleLine runs on the stdout reader goroutine for every JSON line.
func (c *Client) handleLine(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		log.Debug(log.CatRPC, "ignoring unrecognized line",
			"worker", c.name, "error", err)
		return
	}

	if env.ID == "" {
		if env.Channel == "" {
			log.Debug(log.CatRPC, "ignoring message without id or channel", "worker", c.name)
			return
		}
		if c.onNotify != nil {
			c.onNotify(Notification{Channel: env.Channel, Event: env.Event})
		}
		return
	}

	pc := c.pending.take(env.ID)
	if pc == nil {
		log.Debug(log.CatRPC, "ignoring response for unknown id",
			"worker", c.name, "id", env.ID)
		return
	}

	if env.OK {
		pc.done <- outcome{result: env.Result}
		return
	}
	pc.done <- outcome{err: &RemoteError{Method: pc.method, Message: errorText(env.Error)}}
}

// handleExit runs once per process lifetime after the process is reaped.
func (c *Client) handleExit(info worker.ExitInfo) {
	n := c.pending.failAll(func(*pendingCall) error {
		return &ExitError{Worker: info.Worker, Code: info.Code, Stderr: info.Stderr}
	})
	if n > 0 {
		log.Warn(log.CatRPC, "Rejected pending calls on worker exit",
			"worker", c.name, "code", info.Code, "rejected", n)
	}
}

// errorText returns a failure response's error text. Non-string errors are
// reported as their raw JSON.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "worker error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "worker error"
		}
		return s
	}
	return string(raw)
}
