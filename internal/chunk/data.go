package chunk

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Side-channel names synthesized from engine signals.
const (
	DataUsage      = "usage"
	DataStepFinish = "step-finish"
)

// TokenUsage counts tokens for one step or request.
type TokenUsage struct {
	InputTokens       int `json:"inputTokens"`
	OutputTokens      int `json:"outputTokens"`
	TotalTokens       int `json:"totalTokens"`
	ReasoningTokens   int `json:"reasoningTokens,omitempty"`
	CachedInputTokens int `json:"cachedInputTokens,omitempty"`
}

// Usage is the payload of "data-usage": token counts after a step and how
// much of the model's context window they fill.
type Usage struct {
	Usage     TokenUsage `json:"usage"`
	UsageRate float64    `json:"usageRate"`
	ModelID   string     `json:"modelId"`
	MaxTokens int        `json:"maxTokens"`
}

// StepFinish is the payload of "data-step-finish". Engines add their own
// fields; only the common ones are decoded.
type StepFinish struct {
	FinishReason FinishReason `json:"finishReason,omitempty"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
	Text         string       `json:"text,omitempty"`
}

// NewData builds a side-channel chunk from an arbitrary payload.
func NewData(name string, payload any) (*Data, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode data-%s payload: %w", name, err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return &Data{Name: name, Payload: raw}, nil
}

// DecodeFunc turns a data payload into a typed value.
type DecodeFunc func(payload json.RawMessage) (any, error)

// Decoders maps side-channel names to payload decoders. Names without a
// decoder stay opaque. Safe for concurrent use.
type Decoders struct {
	mu    sync.RWMutex
	funcs map[string]DecodeFunc
}

// NewDecoders returns a registry preloaded with the usage and step-finish
// decoders.
func NewDecoders() *Decoders {
	d := &Decoders{funcs: make(map[string]DecodeFunc)}
	d.Register(DataUsage, decodeAs[Usage])
	d.Register(DataStepFinish, decodeAs[StepFinish])
	return d
}

// Register sets the decoder for name, replacing any existing one.
func (d *Decoders) Register(name string, fn DecodeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.funcs[name] = fn
}

// Decode decodes c's payload. The bool is false when no decoder is
// registered for c.Name.
func (d *Decoders) Decode(c *Data) (any, bool, error) {
	d.mu.RLock()
	fn, ok := d.funcs[c.Name]
	d.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	v, err := fn(c.Payload)
	if err != nil {
		return nil, true, fmt.Errorf("decode data-%s: %w", c.Name, err)
	}
	return v, true, nil
}

func decodeAs[T any](payload json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
