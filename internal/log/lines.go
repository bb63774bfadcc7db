package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/CZERTAINLY/bootd/internal/model"
)

const timeLayout = "2006-01-02 15:04:05"

// Logger prints human readable, timestamped lines. It is used for the boot
// banner and the per service timing lines, diagnostics go through slog.
type Logger struct {
	name  string
	level model.LogLevel
	now   func() time.Time

	mx sync.Mutex
	w  io.Writer
}

// NewLogger returns a Logger printing to stdout.
func NewLogger(name string, level model.LogLevel) *Logger {
	return NewWriterLogger(os.Stdout, name, level)
}

func NewWriterLogger(w io.Writer, name string, level model.LogLevel) *Logger {
	return &Logger{
		name:  name,
		level: level,
		now:   time.Now,
		w:     w,
	}
}

// WithClock replaces the time source.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Log prints a line at normal level. Empty message prints an empty line.
func (l *Logger) Log(msg string) {
	if l.level == model.LogLevelQuiet {
		return
	}
	l.print(msg)
}

func (l *Logger) Logf(format string, args ...any) {
	l.Log(fmt.Sprintf(format, args...))
}

// Verbose prints a line only on verbose level.
func (l *Logger) Verbose(msg string) {
	if l.level != model.LogLevelVerbose {
		return
	}
	l.print(msg)
}

func (l *Logger) Verbosef(format string, args ...any) {
	l.Verbose(fmt.Sprintf(format, args...))
}

// Error prints a line regardless of level.
func (l *Logger) Error(msg string) {
	l.print(msg)
}

func (l *Logger) print(msg string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if msg == "" {
		_, _ = fmt.Fprintln(l.w)
		return
	}
	_, _ = fmt.Fprintf(l.w, "%s [%s] %s\n", l.now().Format(timeLayout), l.name, msg)
}
