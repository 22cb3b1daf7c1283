package rpc

import "encoding/json"

// request is one line written to the worker.
type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// envelope is one line read from the worker. A line with an id is a
// response; a line without an id but with a channel is a notification.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// Notification is an unsolicited message pushed by the worker, such as a
// chat engine event for "chat:event:<chatId>".
type Notification struct {
	Channel string
	Event   json.RawMessage
}

// NotificationHandler receives notifications on the worker's reader
// goroutine, in output order. It must not call back into the same Client
// synchronously while blocked on the reader.
type NotificationHandler func(Notification)
