package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// InvocationLog represents a single invocation's call record (§10),
// adapted from the teacher's RequestLog (request_id/function/duration/
// cold_start) re-fielded around an addressable call instead of an
// HTTP-triggered function invocation.
type InvocationLog struct {
	Timestamp  time.Time `json:"timestamp"`
	MessageID  string    `json:"message_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	Interface  string    `json:"interface"`
	Method     string    `json:"method"`
	Direction  string    `json:"direction"`
	DurationMs int64     `json:"duration_ms"`
	Activated  bool      `json:"activated"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ArgsSize   int       `json:"args_size"`
	ResultSize int       `json:"result_size,omitempty"`
}

// Logger handles request logging
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes an invocation log entry.
func (l *Logger) Log(entry *InvocationLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	// Console output (human-readable)
	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		activated := ""
		if entry.Activated {
			activated = " [activated]"
		}
		fmt.Printf("[invocation] %s %s %s.%s %dms%s\n",
			status, entry.MessageID, entry.Interface, entry.Method, entry.DurationMs, activated)
		if entry.Error != "" {
			fmt.Printf("[invocation]   error: %s\n", entry.Error)
		}
	}

	// File output (JSON)
	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
