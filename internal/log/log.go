// Package log is the debug log for aime. Entries carry a level, a category
// and key/value fields; they are written as one line each and fanned out
// to in-process listeners such as the chat view.
//
// Logging is off until Init or InitWriter runs, which the CLI does only
// with --debug or AIME_DEBUG.
package log

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/DarkNoah/aime-chat-sub001/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name, case-insensitively, to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelDebug, fmt.Errorf("unknown log level %q", s)
}

// Category groups related log messages.
type Category string

const (
	CatConfig   Category = "config"   // Configuration loading/saving
	CatWorker   Category = "worker"   // Worker process spawn, exit, stderr
	CatRPC      Category = "rpc"      // Request/response correlation
	CatChat     Category = "chat"     // Chat stream sessions
	CatRegistry Category = "registry" // Session registry
	CatService  Category = "service"  // Typed worker services (audio, ocr)
	CatTracing  Category = "tracing"
	CatCache    Category = "cache"
)

// Entry is one log record.
type Entry struct {
	Time     time.Time
	Level    Level
	Category Category
	Message  string
	Fields   []any
}

// String formats e as it appears in the log file:
//
//	2025-12-06T10:45:00 [WARN] [rpc] Call timed out worker=audio method=predict
//
// Values containing spaces are quoted.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", e.Time.Format("2006-01-02T15:04:05"), e.Level, e.Category, e.Message)
	for i := 0; i+1 < len(e.Fields); i += 2 {
		fmt.Fprintf(&b, " %v=%s", e.Fields[i], formatValue(e.Fields[i+1]))
	}
	if len(e.Fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", e.Fields[len(e.Fields)-1])
	}
	return b.String()
}

func formatValue(v any) string {
	var s string
	switch val := v.(type) {
	case error:
		if val == nil {
			return "<nil>"
		}
		s = val.Error()
	case nil:
		return "<nil>"
	default:
		s = fmt.Sprint(val)
	}
	if strings.ContainsAny(s, " \t\n\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// listenTopic is the broker topic entries are published on.
const listenTopic = "log"

type logger struct {
	mu       sync.Mutex
	writer   io.Writer
	closer   io.Closer
	minLevel Level
	broker   *pubsub.Broker[Entry]
}

var (
	stateMu sync.RWMutex
	current *logger
)

// Init opens path for appending, through tea.LogToFile so Bubble Tea's own
// output lands in the same file. The returned func closes it.
func Init(path, prefix string) (func(), error) {
	f, err := tea.LogToFile(path, prefix)
	if err != nil {
		return nil, err
	}
	install(&logger{writer: f, closer: f, broker: pubsub.NewBroker[Entry]()})
	return Reset, nil
}

// InitWriter routes log output to w. Tests use it to capture entries.
func InitWriter(w io.Writer) {
	install(&logger{writer: w, broker: pubsub.NewBroker[Entry]()})
}

func install(l *logger) {
	stateMu.Lock()
	prev := current
	current = l
	stateMu.Unlock()
	prev.close()
}

// Reset disables logging and closes the current output.
func Reset() {
	stateMu.Lock()
	prev := current
	current = nil
	stateMu.Unlock()
	prev.close()
}

func (l *logger) close() {
	if l == nil {
		return
	}
	l.broker.Close()
	if l.closer != nil {
		_ = l.closer.Close()
	}
}

// SetMinLevel drops entries below level.
func SetMinLevel(level Level) {
	stateMu.RLock()
	l := current
	stateMu.RUnlock()
	if l == nil {
		return
	}
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	write(LevelDebug, cat, msg, fields)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	write(LevelInfo, cat, msg, fields)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	write(LevelWarn, cat, msg, fields)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	write(LevelError, cat, msg, fields)
}

func write(level Level, cat Category, msg string, fields []any) {
	stateMu.RLock()
	l := current
	stateMu.RUnlock()
	if l == nil {
		return
	}

	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}
	e := Entry{Time: time.Now(), Level: level, Category: cat, Message: msg, Fields: fields}
	_, _ = io.WriteString(l.writer, e.String()+"\n")
	l.mu.Unlock()

	// Lossy: a slow listener never stalls the caller.
	l.broker.TryPublish(listenTopic, pubsub.CreatedEvent, e)
}

// Listener delivers entries to a Bubble Tea model.
type Listener = pubsub.ContinuousListener[Entry]

// NewListener subscribes to entries until ctx ends. It returns nil while
// logging is off.
func NewListener(ctx context.Context) *Listener {
	stateMu.RLock()
	l := current
	stateMu.RUnlock()
	if l == nil {
		return nil
	}
	return pubsub.NewContinuousListener(ctx, l.broker, listenTopic)
}
