// Package chunk defines the closed vocabulary of elements a chat stream
// carries, and validates inbound payloads against it.
//
// Every chunk is a JSON object tagged by "type". Parse accepts only the
// tags listed here (plus the open "data-<name>" family), rejects unknown
// keys, and checks required fields and their JSON types:
//
//	c, err := chunk.Parse([]byte(`{"type":"text-delta","id":"t1","delta":"Hi"}`))
//	if err != nil {
//	    var verr *chunk.ValidationError
//	    errors.As(err, &verr) // verr.Type, verr.Field, verr.Reason
//	}
//	delta := c.(*chunk.TextDelta)
package chunk

import "encoding/json"

// Chunk type tags.
const (
	TypeTextStart             = "text-start"
	TypeTextDelta             = "text-delta"
	TypeTextEnd               = "text-end"
	TypeReasoningStart        = "reasoning-start"
	TypeReasoningDelta        = "reasoning-delta"
	TypeReasoningEnd          = "reasoning-end"
	TypeToolInputStart        = "tool-input-start"
	TypeToolInputDelta        = "tool-input-delta"
	TypeToolInputAvailable    = "tool-input-available"
	TypeToolInputError        = "tool-input-error"
	TypeToolApprovalRequested = "tool-approval-requested"
	TypeToolOutputAvailable   = "tool-output-available"
	TypeToolOutputError       = "tool-output-error"
	TypeToolOutputDenied      = "tool-output-denied"
	TypeToolCallApproval      = "tool-call-approval"
	TypeSourceURL             = "source-url"
	TypeSourceDocument        = "source-document"
	TypeFile                  = "file"
	TypeStart                 = "start"
	TypeStartStep             = "start-step"
	TypeFinishStep            = "finish-step"
	TypeFinish                = "finish"
	TypeAbort                 = "abort"
	TypeError                 = "error"
	TypeMessageMetadata       = "message-metadata"

	// DataPrefix starts every side-channel payload tag, e.g. "data-usage".
	DataPrefix = "data-"
)

// Chunk is one validated stream element. Chunks are immutable once parsed.
type Chunk interface {
	Type() string
}

// ProviderMetadata is opaque per-provider metadata keyed by provider name.
type ProviderMetadata map[string]map[string]json.RawMessage

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content-filter"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishError         FinishReason = "error"
	FinishOther         FinishReason = "other"
	FinishUnknown       FinishReason = "unknown"
)

// Valid reports whether r is one of the known finish reasons.
func (r FinishReason) Valid() bool {
	switch r {
	case FinishStop, FinishLength, FinishContentFilter, FinishToolCalls,
		FinishError, FinishOther, FinishUnknown:
		return true
	}
	return false
}

type TextStart struct {
	ID               string           `json:"id"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
}

type TextDelta struct {
	ID               string           `json:"id"`
	Delta            string           `json:"delta"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
}

type TextEnd struct {
	ID               string           `json:"id"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
}

type ReasoningStart struct {
	ID               string           `json:"id"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
}

type ReasoningDelta struct {
	ID               string           `json:"id"`
	Delta            string           `json:"delta"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
}

type ReasoningEnd struct {
	ID               string           `json:"id"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
}

type ToolInputStart struct {
	ToolCallID       string `json:"toolCallId"`
	ToolName         string `json:"toolName"`
	ProviderExecuted bool   `json:"providerExecuted,omitempty"`
	Dynamic          bool   `json:"dynamic,omitempty"`
	Title            string `json:"title,omitempty"`
}

type ToolInputDelta struct {
	ToolCallID     string `json:"toolCallId"`
	InputTextDelta string `json:"inputTextDelta"`
}

type ToolInputAvailable struct {
	ToolCallID       string           `json:"toolCallId"`
	ToolName         string           `json:"toolName"`
	Input            json.RawMessage  `json:"input"`
	ProviderExecuted bool             `json:"providerExecuted,omitempty"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
	Dynamic          bool             `json:"dynamic,omitempty"`
	Title            string           `json:"title,omitempty"`
}

type ToolInputError struct {
	ToolCallID       string           `json:"toolCallId"`
	ToolName         string           `json:"toolName"`
	Input            json.RawMessage  `json:"input"`
	ErrorText        string           `json:"errorText"`
	ProviderExecuted bool             `json:"providerExecuted,omitempty"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
	Dynamic          bool             `json:"dynamic,omitempty"`
	Title            string           `json:"title,omitempty"`
}

// ToolApprovalRequested asks the user to approve a tool call in run RunID.
type ToolApprovalRequested struct {
	RunID      string `json:"runId"`
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
}

type ToolOutputAvailable struct {
	ToolCallID       string          `json:"toolCallId"`
	Output           json.RawMessage `json:"output"`
	ProviderExecuted bool            `json:"providerExecuted,omitempty"`
	Dynamic          bool            `json:"dynamic,omitempty"`
	Preliminary      bool            `json:"preliminary,omitempty"`
}

type ToolOutputError struct {
	ToolCallID       string `json:"toolCallId"`
	ErrorText        string `json:"errorText"`
	ProviderExecuted bool   `json:"providerExecuted,omitempty"`
	Dynamic          bool   `json:"dynamic,omitempty"`
}

type ToolOutputDenied struct {
	ToolCallID string `json:"toolCallId"`
}

// ToolCallApproval records the user's approval of a pending tool call.
type ToolCallApproval struct {
	ToolCallID string `json:"toolCallId"`
}

type SourceURL struct {
	SourceID         string           `json:"sourceId"`
	URL              string           `json:"url"`
	Title            string           `json:"title,omitempty"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
}

type SourceDocument struct {
	SourceID         string           `json:"sourceId"`
	MediaType        string           `json:"mediaType"`
	Title            string           `json:"title"`
	Filename         string           `json:"filename,omitempty"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
}

type File struct {
	URL              string           `json:"url"`
	MediaType        string           `json:"mediaType"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty"`
}

// Data is a named side-channel payload, tagged "data-<Name>".
type Data struct {
	Name      string          `json:"-"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"data"`
	Transient bool            `json:"transient,omitempty"`
}

type Start struct {
	MessageID       string          `json:"messageId,omitempty"`
	MessageMetadata json.RawMessage `json:"messageMetadata,omitempty"`
}

type StartStep struct{}

type FinishStep struct{}

type Finish struct {
	FinishReason    FinishReason    `json:"finishReason,omitempty"`
	MessageMetadata json.RawMessage `json:"messageMetadata,omitempty"`
}

type Abort struct{}

// Error is an in-band error reported by the engine. It does not end the stream.
type Error struct {
	ErrorText string `json:"errorText"`
}

type MessageMetadata struct {
	MessageMetadata json.RawMessage `json:"messageMetadata"`
}

func (*TextStart) Type() string             { return TypeTextStart }
func (*TextDelta) Type() string             { return TypeTextDelta }
func (*TextEnd) Type() string               { return TypeTextEnd }
func (*ReasoningStart) Type() string        { return TypeReasoningStart }
func (*ReasoningDelta) Type() string        { return TypeReasoningDelta }
func (*ReasoningEnd) Type() string          { return TypeReasoningEnd }
func (*ToolInputStart) Type() string        { return TypeToolInputStart }
func (*ToolInputDelta) Type() string        { return TypeToolInputDelta }
func (*ToolInputAvailable) Type() string    { return TypeToolInputAvailable }
func (*ToolInputError) Type() string        { return TypeToolInputError }
func (*ToolApprovalRequested) Type() string { return TypeToolApprovalRequested }
func (*ToolOutputAvailable) Type() string   { return TypeToolOutputAvailable }
func (*ToolOutputError) Type() string       { return TypeToolOutputError }
func (*ToolOutputDenied) Type() string      { return TypeToolOutputDenied }
func (*ToolCallApproval) Type() string      { return TypeToolCallApproval }
func (*SourceURL) Type() string             { return TypeSourceURL }
func (*SourceDocument) Type() string        { return TypeSourceDocument }
func (*File) Type() string                  { return TypeFile }
func (d *Data) Type() string                { return DataPrefix + d.Name }
func (*Start) Type() string                 { return TypeStart }
func (*StartStep) Type() string             { return TypeStartStep }
func (*FinishStep) Type() string            { return TypeFinishStep }
func (*Finish) Type() string                { return TypeFinish }
func (*Abort) Type() string                 { return TypeAbort }
func (*Error) Type() string                 { return TypeError }
func (*MessageMetadata) Type() string       { return TypeMessageMetadata }

// IsTerminal reports whether c ends its stream.
func IsTerminal(c Chunk) bool {
	switch c.(type) {
	case *Finish, *Abort:
		return true
	}
	return false
}
