package chunk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValidationError describes why a payload is not a valid chunk.
type ValidationError struct {
	// Type is the payload's type tag, empty if it had none.
	Type string

	// Field is the offending key, empty for whole-payload faults.
	Field string

	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Type == "":
		return fmt.Sprintf("invalid chunk: %s", e.Reason)
	case e.Field == "":
		return fmt.Sprintf("invalid %q chunk: %s", e.Type, e.Reason)
	default:
		return fmt.Sprintf("invalid %q chunk: field %q: %s", e.Type, e.Field, e.Reason)
	}
}

type kind int

const (
	kindString kind = iota
	kindBool
	kindAny
	kindProviderMetadata
	kindFinishReason
)

func (k kind) String() string {
	switch k {
	case kindString, kindFinishReason:
		return "string"
	case kindBool:
		return "boolean"
	case kindProviderMetadata:
		return "object of objects"
	default:
		return "any"
	}
}

type field struct {
	kind     kind
	required bool
}

func req(k kind) field { return field{kind: k, required: true} }
func opt(k kind) field { return field{kind: k} }

type variant struct {
	fields map[string]field
	new    func() Chunk
}

var providerMetadata = opt(kindProviderMetadata)

var variants = map[string]variant{
	TypeTextStart: {
		fields: map[string]field{"id": req(kindString), "providerMetadata": providerMetadata},
		new:    func() Chunk { return &TextStart{} },
	},
	TypeTextDelta: {
		fields: map[string]field{"id": req(kindString), "delta": req(kindString), "providerMetadata": providerMetadata},
		new:    func() Chunk { return &TextDelta{} },
	},
	TypeTextEnd: {
		fields: map[string]field{"id": req(kindString), "providerMetadata": providerMetadata},
		new:    func() Chunk { return &TextEnd{} },
	},
	TypeReasoningStart: {
		fields: map[string]field{"id": req(kindString), "providerMetadata": providerMetadata},
		new:    func() Chunk { return &ReasoningStart{} },
	},
	TypeReasoningDelta: {
		fields: map[string]field{"id": req(kindString), "delta": req(kindString), "providerMetadata": providerMetadata},
		new:    func() Chunk { return &ReasoningDelta{} },
	},
	TypeReasoningEnd: {
		fields: map[string]field{"id": req(kindString), "providerMetadata": providerMetadata},
		new:    func() Chunk { return &ReasoningEnd{} },
	},
	TypeToolInputStart: {
		fields: map[string]field{
			"toolCallId":       req(kindString),
			"toolName":         req(kindString),
			"providerExecuted": opt(kindBool),
			"dynamic":          opt(kindBool),
			"title":            opt(kindString),
		},
		new: func() Chunk { return &ToolInputStart{} },
	},
	TypeToolInputDelta: {
		fields: map[string]field{"toolCallId": req(kindString), "inputTextDelta": req(kindString)},
		new:    func() Chunk { return &ToolInputDelta{} },
	},
	TypeToolInputAvailable: {
		fields: map[string]field{
			"toolCallId":       req(kindString),
			"toolName":         req(kindString),
			"input":            req(kindAny),
			"providerExecuted": opt(kindBool),
			"providerMetadata": providerMetadata,
			"dynamic":          opt(kindBool),
			"title":            opt(kindString),
		},
		new: func() Chunk { return &ToolInputAvailable{} },
	},
	TypeToolInputError: {
		fields: map[string]field{
			"toolCallId":       req(kindString),
			"toolName":         req(kindString),
			"input":            req(kindAny),
			"errorText":        req(kindString),
			"providerExecuted": opt(kindBool),
			"providerMetadata": providerMetadata,
			"dynamic":          opt(kindBool),
			"title":            opt(kindString),
		},
		new: func() Chunk { return &ToolInputError{} },
	},
	TypeToolApprovalRequested: {
		fields: map[string]field{"runId": req(kindString), "toolName": req(kindString), "toolCallId": req(kindString)},
		new:    func() Chunk { return &ToolApprovalRequested{} },
	},
	TypeToolOutputAvailable: {
		fields: map[string]field{
			"toolCallId":       req(kindString),
			"output":           req(kindAny),
			"providerExecuted": opt(kindBool),
			"dynamic":          opt(kindBool),
			"preliminary":      opt(kindBool),
		},
		new: func() Chunk { return &ToolOutputAvailable{} },
	},
	TypeToolOutputError: {
		fields: map[string]field{
			"toolCallId":       req(kindString),
			"errorText":        req(kindString),
			"providerExecuted": opt(kindBool),
			"dynamic":          opt(kindBool),
		},
		new: func() Chunk { return &ToolOutputError{} },
	},
	TypeToolOutputDenied: {
		fields: map[string]field{"toolCallId": req(kindString)},
		new:    func() Chunk { return &ToolOutputDenied{} },
	},
	TypeToolCallApproval: {
		fields: map[string]field{"toolCallId": req(kindString)},
		new:    func() Chunk { return &ToolCallApproval{} },
	},
	TypeSourceURL: {
		fields: map[string]field{
			"sourceId":         req(kindString),
			"url":              req(kindString),
			"title":            opt(kindString),
			"providerMetadata": providerMetadata,
		},
		new: func() Chunk { return &SourceURL{} },
	},
	TypeSourceDocument: {
		fields: map[string]field{
			"sourceId":         req(kindString),
			"mediaType":        req(kindString),
			"title":            req(kindString),
			"filename":         opt(kindString),
			"providerMetadata": providerMetadata,
		},
		new: func() Chunk { return &SourceDocument{} },
	},
	TypeFile: {
		fields: map[string]field{"url": req(kindString), "mediaType": req(kindString), "providerMetadata": providerMetadata},
		new:    func() Chunk { return &File{} },
	},
	TypeStart: {
		fields: map[string]field{"messageId": opt(kindString), "messageMetadata": opt(kindAny)},
		new:    func() Chunk { return &Start{} },
	},
	TypeStartStep: {
		fields: map[string]field{},
		new:    func() Chunk { return &StartStep{} },
	},
	TypeFinishStep: {
		fields: map[string]field{},
		new:    func() Chunk { return &FinishStep{} },
	},
	TypeFinish: {
		fields: map[string]field{"finishReason": opt(kindFinishReason), "messageMetadata": opt(kindAny)},
		new:    func() Chunk { return &Finish{} },
	},
	TypeAbort: {
		fields: map[string]field{},
		new:    func() Chunk { return &Abort{} },
	},
	TypeError: {
		fields: map[string]field{"errorText": req(kindString)},
		new:    func() Chunk { return &Error{} },
	},
	TypeMessageMetadata: {
		fields: map[string]field{"messageMetadata": req(kindAny)},
		new:    func() Chunk { return &MessageMetadata{} },
	},
}

var dataVariant = variant{
	fields: map[string]field{"id": opt(kindString), "data": req(kindAny), "transient": opt(kindBool)},
}

// Known reports whether typ is a valid chunk tag.
func Known(typ string) bool {
	if strings.HasPrefix(typ, DataPrefix) {
		return true
	}
	_, ok := variants[typ]
	return ok
}

// Parse validates data and returns the typed chunk it encodes.
// Any fault is reported as a *ValidationError.
func Parse(data []byte) (Chunk, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, &ValidationError{Reason: "payload is not a JSON object"}
	}

	rawType, ok := obj["type"]
	if !ok {
		return nil, &ValidationError{Field: "type", Reason: "missing type tag"}
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, &ValidationError{Field: "type", Reason: "type tag must be a string"}
	}

	v, isData := dataVariant, strings.HasPrefix(typ, DataPrefix)
	if !isData {
		known, ok := variants[typ]
		if !ok {
			return nil, &ValidationError{Type: typ, Reason: "unknown chunk type"}
		}
		v = known
	}

	if err := v.check(typ, obj); err != nil {
		return nil, err
	}

	var c Chunk
	if isData {
		c = &Data{Name: strings.TrimPrefix(typ, DataPrefix)}
	} else {
		c = v.new()
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, &ValidationError{Type: typ, Reason: err.Error()}
	}
	return c, nil
}

// check enforces the strict shape: no unknown keys, required keys present,
// every value of the declared JSON type.
func (v variant) check(typ string, obj map[string]json.RawMessage) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "type" {
			continue
		}
		f, ok := v.fields[k]
		if !ok {
			return &ValidationError{Type: typ, Field: k, Reason: "unrecognized key"}
		}
		if reason := f.kind.check(obj[k]); reason != "" {
			return &ValidationError{Type: typ, Field: k, Reason: reason}
		}
	}

	required := make([]string, 0, len(v.fields))
	for k, f := range v.fields {
		if f.required {
			required = append(required, k)
		}
	}
	sort.Strings(required)
	for _, k := range required {
		if _, ok := obj[k]; !ok {
			return &ValidationError{Type: typ, Field: k, Reason: "required"}
		}
	}
	return nil
}

// check returns a non-empty reason when raw is not of kind k.
func (k kind) check(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if k == kindAny {
		return ""
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "expected " + k.String() + ", got null"
	}

	switch k {
	case kindString:
		if raw[0] != '"' {
			return "expected string"
		}
	case kindBool:
		if !bytes.Equal(raw, []byte("true")) && !bytes.Equal(raw, []byte("false")) {
			return "expected boolean"
		}
	case kindFinishReason:
		var r FinishReason
		if err := json.Unmarshal(raw, &r); err != nil {
			return "expected string"
		}
		if !r.Valid() {
			return fmt.Sprintf("unknown finish reason %q", r)
		}
	case kindProviderMetadata:
		var pm map[string]map[string]json.RawMessage
		if err := json.Unmarshal(raw, &pm); err != nil {
			return "expected " + k.String()
		}
	}
	return ""
}

// Marshal encodes c as a tagged JSON object.
func Marshal(c Chunk) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s chunk: %w", c.Type(), err)
	}
	tag, err := json.Marshal(c.Type())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
