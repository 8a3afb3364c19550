// Package log provides structured logging for the shogun coordinator.
// Entries are written as one JSON object per line to the server log file
// and republished on a broker so boundary subscribers can observe them.
// Logging is enabled by Init; before that every call is a no-op.
package log

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kmoriya/shogun/internal/pubsub"
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

// Category groups related log messages.
type Category string

const (
	CatConfig   Category = "config"   // Configuration loading
	CatMailbox  Category = "mailbox"  // Mailbox watcher and writer
	CatLedger   Category = "ledger"   // Idempotency ledger
	CatState    Category = "state"    // Thread/session state store
	CatHistory  Category = "history"  // Per-thread message history
	CatWait     Category = "wait"     // Durable wait records
	CatRuntime  Category = "runtime"  // Agent runtimes
	CatManager  Category = "manager"  // Agent manager and routing
	CatProvider Category = "provider" // LLM provider calls
	CatRestart  Category = "restart"  // Restart request watcher
	CatApp      Category = "app"      // Boundary adapters and wiring
)

// Entry is one structured log record.
type Entry struct {
	Time     string         `json:"ts"`
	Level    string         `json:"level"`
	Category string         `json:"cat"`
	Message  string         `json:"msg"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Logger writes structured entries to a single destination.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[Entry]
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// Init initializes the global logger, creating the parent directory as
// needed. Returns a cleanup function that closes the log file.
func Init(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: operator-controlled log path
	if err != nil {
		return nil, err
	}

	defaultMu.Lock()
	defaultLogger = &Logger{
		file:     f,
		writer:   f,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[Entry](),
	}
	defaultMu.Unlock()

	return func() { _ = f.Close() }, nil
}

// InitWithWriter routes entries to an arbitrary writer. Used by tests.
func InitWithWriter(w io.Writer) {
	defaultMu.Lock()
	defaultLogger = &Logger{
		writer:   w,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[Entry](),
	}
	defaultMu.Unlock()
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if l := active(); l != nil {
		l.mu.Lock()
		l.enabled = enabled
		l.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if l := active(); l != nil {
		l.mu.Lock()
		l.minLevel = level
		l.mu.Unlock()
	}
}

func active() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultLogger
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	write(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	write(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	write(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	write(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value attached as a field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	write(LevelError, cat, msg, fields...)
}

func write(level Level, cat Category, msg string, fields ...any) {
	l := active()
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || level < l.minLevel {
		return
	}

	entry := Entry{
		Time:     time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Level:    level.String(),
		Category: string(cat),
		Message:  msg,
	}
	if len(fields) > 0 {
		entry.Fields = make(map[string]any, len(fields)/2+1)
		for i := 0; i+1 < len(fields); i += 2 {
			entry.Fields[fmt.Sprintf("%v", fields[i])] = fields[i+1]
		}
		if len(fields)%2 != 0 {
			entry.Fields[fmt.Sprintf("%v", fields[len(fields)-1])] = "<missing>"
		}
	}

	if l.writer != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			// Fields may hold unmarshalable values; fall back to the message.
			line, _ = json.Marshal(Entry{Time: entry.Time, Level: entry.Level, Category: entry.Category, Message: entry.Message})
		}
		_, _ = l.writer.Write(append(line, '\n'))
	}

	if l.broker != nil {
		l.broker.Publish(pubsub.CreatedEvent, entry)
	}
}

// NewListener subscribes to log entries. Returns nil when logging has not
// been initialized. The subscription ends when ctx is cancelled.
func NewListener(ctx context.Context) <-chan pubsub.Event[Entry] {
	l := active()
	if l == nil || l.broker == nil {
		return nil
	}
	return l.broker.Subscribe(ctx)
}
