package log

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DarkNoah/aime-chat-sub001/internal/pubsub"
)

// syncBuffer guards a bytes.Buffer for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func capture(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	InitWriter(buf)
	t.Cleanup(Reset)
	return buf
}

func TestLog_FormatsFields(t *testing.T) {
	buf := capture(t)

	Info(CatRPC, "call resolved", "method", "predict", "id", "abc")

	out := buf.String()
	require.Contains(t, out, "[INFO] [rpc] call resolved method=predict id=abc")
	require.True(t, strings.HasSuffix(out, "\n"))
}

func TestLog_QuotesValuesWithSpaces(t *testing.T) {
	buf := capture(t)

	Warn(CatWorker, "Worker exited", "stderr", "fatal: model missing", "error", errors.New("exit status 3"))

	require.Contains(t, buf.String(), `stderr="fatal: model missing" error="exit status 3"`)
}

func TestLog_OddFieldCount(t *testing.T) {
	buf := capture(t)

	Warn(CatWorker, "orphan", "pid")

	require.Contains(t, buf.String(), "pid=<missing>")
}

func TestLog_NilError(t *testing.T) {
	buf := capture(t)

	var err error
	Debug(CatChat, "Session closed", "error", err)

	require.Contains(t, buf.String(), "error=<nil>")
}

func TestLog_MinLevel(t *testing.T) {
	buf := capture(t)

	SetMinLevel(LevelWarn)
	Debug(CatConfig, "hidden")
	Error(CatConfig, "shown")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "[ERROR] [config] shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warning ", LevelWarn},
		{"warn", LevelWarn},
		{"Error", LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestEntry_String(t *testing.T) {
	e := Entry{
		Time:     time.Date(2025, 12, 6, 10, 45, 0, 0, time.UTC),
		Level:    LevelWarn,
		Category: CatRPC,
		Message:  "Call timed out",
		Fields:   []any{"worker", "audio", "timeout", 5 * time.Second},
	}
	require.Equal(t, "2025-12-06T10:45:00 [WARN] [rpc] Call timed out worker=audio timeout=5s", e.String())
}

func TestLog_ListenerReceivesEntries(t *testing.T) {
	capture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewListener(ctx)
	require.NotNil(t, listener)

	Info(CatRegistry, "session started", "chatId", "c1")

	msg := listener.Listen()()
	event, ok := msg.(pubsub.Event[Entry])
	require.True(t, ok)
	require.Equal(t, LevelInfo, event.Payload.Level)
	require.Equal(t, CatRegistry, event.Payload.Category)
	require.Equal(t, "session started", event.Payload.Message)
}

func TestLog_InitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	cleanup, err := Init(path, "aime")
	require.NoError(t, err)

	Info(CatConfig, "aime starting")
	cleanup()

	Info(CatConfig, "after close")
	require.Nil(t, NewListener(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "[INFO] [config] aime starting")
	require.NotContains(t, string(data), "after close")
}

func TestLog_NoLoggerIsNoop(t *testing.T) {
	Reset()
	require.NotPanics(t, func() {
		Info(CatRPC, "dropped")
	})
	require.Nil(t, NewListener(context.Background()))
}
