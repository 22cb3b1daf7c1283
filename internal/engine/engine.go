// Package engine is the command side of the chat engine boundary. Commands
// (start, abort) go to the engine worker as RPC calls; the engine's pushed
// notifications come back on the same pipe and are routed onto the bus by
// Router, where chat sessions pick them up.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DarkNoah/aime-chat-sub001/internal/chatstream"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/rpc"
)

// Engine RPC methods.
const (
	MethodChatStart    = "chat.start"
	MethodChatWorkflow = "chat.workflow"
	MethodChatAbort    = "chat.abort"
)

// DefaultControlTimeout bounds start and abort commands. Generation itself
// is unbounded; only the engine's acknowledgement is timed.
const DefaultControlTimeout = 30 * time.Second

// Trigger values for ChatRequest.
const (
	TriggerSubmit     = "submit-message"
	TriggerRegenerate = "regenerate-message"
)

// ErrInvalidRequest is wrapped by ChatRequest.Validate failures.
var ErrInvalidRequest = errors.New("invalid chat request")

// ChatRequest asks the engine to generate a reply for a chat.
type ChatRequest struct {
	ChatID    string          `json:"chatId"`
	MessageID string          `json:"messageId,omitempty"`
	Trigger   string          `json:"trigger,omitempty"`
	Messages  json.RawMessage `json:"messages"`
	Model     string          `json:"model,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	WebSearch bool            `json:"webSearch,omitempty"`
	Think     bool            `json:"think,omitempty"`
	RunID     string          `json:"runId,omitempty"`

	// Mode picks the engine entry point; it is not sent.
	Mode chatstream.Mode `json:"-"`
}

// Validate checks the request and fills defaults.
func (r *ChatRequest) Validate() error {
	if r.ChatID == "" {
		return fmt.Errorf("%w: chat id is required", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		r.Messages = json.RawMessage("[]")
	} else if !json.Valid(r.Messages) {
		return fmt.Errorf("%w: messages are not valid JSON", ErrInvalidRequest)
	}
	switch r.Trigger {
	case "":
		r.Trigger = TriggerSubmit
	case TriggerSubmit, TriggerRegenerate:
	default:
		return fmt.Errorf("%w: unknown trigger %q", ErrInvalidRequest, r.Trigger)
	}
	switch r.Mode {
	case "":
		r.Mode = chatstream.ModeAgent
	case chatstream.ModeAgent, chatstream.ModeWorkflow:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	}
	return nil
}

// Engine starts and aborts chat generation.
type Engine interface {
	StartChat(ctx context.Context, req ChatRequest) error
	AbortChat(ctx context.Context, chatID string) error
}

// Caller issues one RPC call. *rpc.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any, opts ...rpc.CallOption) (json.RawMessage, error)
}

// RPCEngine drives a chat engine worker over RPC.
type RPCEngine struct {
	client         Caller
	controlTimeout time.Duration
}

var _ Engine = (*RPCEngine)(nil)

// NewRPCEngine creates an engine client. A non-positive controlTimeout uses
// DefaultControlTimeout.
func NewRPCEngine(client Caller, controlTimeout time.Duration) *RPCEngine {
	if controlTimeout <= 0 {
		controlTimeout = DefaultControlTimeout
	}
	return &RPCEngine{client: client, controlTimeout: controlTimeout}
}

// StartChat sends the start command for req's mode. It returns once the
// engine acknowledged; output arrives as notifications.
func (e *RPCEngine) StartChat(ctx context.Context, req ChatRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	method := MethodChatStart
	if req.Mode == chatstream.ModeWorkflow {
		method = MethodChatWorkflow
	}

	log.Debug(log.CatChat, "Starting chat", "chat", req.ChatID, "method", method, "model", req.Model)
	if _, err := e.client.Call(ctx, method, req, rpc.WithTimeout(e.controlTimeout)); err != nil {
		return fmt.Errorf("start chat %s: %w", req.ChatID, err)
	}
	return nil
}

// AbortChat tells the engine to stop generating for chatID.
func (e *RPCEngine) AbortChat(ctx context.Context, chatID string) error {
	params := map[string]string{"chatId": chatID}
	if _, err := e.client.Call(ctx, MethodChatAbort, params, rpc.WithTimeout(e.controlTimeout)); err != nil {
		return fmt.Errorf("abort chat %s: %w", chatID, err)
	}
	return nil
}
