package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts the standard library logger to the structured Logger interface.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger wraps the provided logger. When debug is false, Debug output is suppressed.
func NewStdLogger(logger *log.Logger, debug bool) *StdLogger {
	return &StdLogger{logger: logger, debug: debug}
}

// Debug logs a debug-level message when debug output is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || l.logger == nil || !l.debug {
		return
	}
	l.logger.Printf("DEBUG %s%s", msg, formatFields(fields))
}

// Info logs an informational message.
func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf("INFO %s%s", msg, formatFields(fields))
}

// Error logs an error message.
func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf("ERROR %s%s", msg, formatFields(fields))
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}
