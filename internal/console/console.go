// Package console keeps a bounded in-memory trace of assignment decisions so
// operators can inspect what the automation did without tailing server logs.
package console

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	LevelInfo    = "INFO"
	LevelSuccess = "SUCCESS"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

const defaultCapacity = 100

type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Audit is a fixed-capacity ring buffer of log entries. Oldest entries are
// evicted on overflow. Every entry is also mirrored to the zerolog logger.
type Audit struct {
	mu     sync.Mutex
	buf    []Entry
	start  int
	count  int
	logger zerolog.Logger
}

func NewAudit(logger zerolog.Logger) *Audit {
	return NewAuditWithCapacity(logger, defaultCapacity)
}

func NewAuditWithCapacity(logger zerolog.Logger, capacity int) *Audit {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Audit{
		buf:    make([]Entry, capacity),
		logger: logger,
	}
}

func (a *Audit) Info(message string, data map[string]any)    { a.Log(LevelInfo, message, data) }
func (a *Audit) Success(message string, data map[string]any) { a.Log(LevelSuccess, message, data) }
func (a *Audit) Warning(message string, data map[string]any) { a.Log(LevelWarning, message, data) }
func (a *Audit) Error(message string, data map[string]any)   { a.Log(LevelError, message, data) }

func (a *Audit) Log(level, message string, data map[string]any) {
	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Data:      data,
	}

	a.mu.Lock()
	pos := (a.start + a.count) % len(a.buf)
	a.buf[pos] = entry
	if a.count < len(a.buf) {
		a.count++
	} else {
		a.start = (a.start + 1) % len(a.buf)
	}
	a.mu.Unlock()

	evt := a.logger.WithLevel(mirrorLevel(level)).Str("audit_level", level)
	if data != nil {
		evt = evt.Fields(data)
	}
	evt.Msg(message)
}

// Recent returns the last n entries in original relative order. n <= 0 or
// n larger than the buffer returns everything retained.
func (a *Audit) Recent(n int) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n <= 0 || n > a.count {
		n = a.count
	}
	out := make([]Entry, 0, n)
	for i := a.count - n; i < a.count; i++ {
		out = append(out, a.buf[(a.start+i)%len(a.buf)])
	}
	return out
}

func (a *Audit) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *Audit) Clear() {
	a.mu.Lock()
	a.start = 0
	a.count = 0
	a.mu.Unlock()
}

// Format renders the last n entries as a multi-line string for display.
func (a *Audit) Format(n int) string {
	entries := a.Recent(n)
	if len(entries) == 0 {
		return "No console output yet."
	}

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s: %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Message)
		if len(e.Data) > 0 {
			if payload, err := json.MarshalIndent(e.Data, "    ", "  "); err == nil {
				b.WriteString("\n    ")
				b.Write(payload)
			}
		}
	}
	return b.String()
}

func mirrorLevel(level string) zerolog.Level {
	switch level {
	case LevelWarning:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
