package chatstream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType tags a notification on a chat channel.
type EventType string

const (
	EventChunk      EventType = "chat:chat-chunk"
	EventChanged    EventType = "chat:chat-changed"
	EventError      EventType = "chat:chat-error"
	EventUsage      EventType = "chat:chat-usage"
	EventStepFinish EventType = "chat:chat-step-finish"
	EventAbort      EventType = "chat:chat-abort"
)

// ChangedType is the kind of a chat:chat-changed event.
type ChangedType string

const (
	ChangedStart        ChangedType = "start"
	ChangedFinish       ChangedType = "finish"
	ChangedTitleUpdated ChangedType = "title-updated"
)

// channelPrefix starts every per-chat notification channel.
const channelPrefix = "chat:event:"

// Channel returns the notification channel for chatID.
func Channel(chatID string) string {
	return channelPrefix + chatID
}

// ChatIDFromChannel extracts the chat id from a notification channel name.
func ChatIDFromChannel(channel string) (string, bool) {
	if len(channel) <= len(channelPrefix) || channel[:len(channelPrefix)] != channelPrefix {
		return "", false
	}
	return channel[len(channelPrefix):], true
}

// Event is one notification pushed by the chat engine for a chat.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Changed is the payload of a chat:chat-changed event.
type Changed struct {
	Type   ChangedType `json:"type"`
	ChatID string      `json:"chatId,omitempty"`
	Title  string      `json:"title,omitempty"`
}

// ParseEvent decodes one engine notification.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode chat event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("decode chat event: missing type")
	}
	return ev, nil
}

// text returns Data as a string: a JSON string is unquoted, anything else
// is returned raw.
func (e Event) text() string {
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// chunkBytes returns the chunk object carried by a chat:chat-chunk event.
// Engines send it either as an embedded object or as a JSON-encoded string.
func (e Event) chunkBytes() []byte {
	data := bytes.TrimSpace(e.Data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return []byte(s)
		}
	}
	return data
}
