// Package services exposes typed operations on top of long-lived worker
// processes: speech-to-text and text-to-speech on the audio worker, text
// recognition on the OCR worker. Each service only needs something that can
// issue RPC calls, which *rpc.Client satisfies.
package services

import (
	"context"
	"encoding/json"

	"github.com/DarkNoah/aime-chat-sub001/internal/rpc"
)

// Caller issues one request/response call to a worker.
type Caller interface {
	Call(ctx context.Context, method string, params any, opts ...rpc.CallOption) (json.RawMessage, error)
}

var _ Caller = (*rpc.Client)(nil)

// Worker methods.
const (
	MethodPredict = "predict"
	MethodTTS     = "tts"
	MethodPing    = "ping"
	MethodOCR     = "ocr"
)
