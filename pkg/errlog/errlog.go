// Package errlog records failures with a severity so background work can
// report errors without returning them.
package errlog

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Severity ranks how serious a logged error is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Logger is the error-logging collaborator shared by every component.
type Logger interface {
	LogError(err error, sev Severity, fields map[string]any)
}

// logrusLogger maps severities onto logrus levels.
type logrusLogger struct {
	log *logrus.Logger
}

// New returns a Logger writing to log. A nil log uses the logrus standard logger.
func New(log *logrus.Logger) Logger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &logrusLogger{log: log}
}

func (l *logrusLogger) LogError(err error, sev Severity, fields map[string]any) {
	entry := l.log.WithFields(logrus.Fields(fields)).WithField("severity", sev.String())
	if err != nil {
		entry = entry.WithError(err)
	}
	msg := "[ERROR] operation failed"
	if op, ok := fields["op"].(string); ok && op != "" {
		msg = "[ERROR] " + op + " failed"
	}
	switch sev {
	case SeverityLow:
		entry.Debug(msg)
	case SeverityMedium:
		entry.Warn(msg)
	case SeverityCritical:
		entry.WithField("critical", true).Error(msg)
	default:
		entry.Error(msg)
	}
}

type nopLogger struct{}

func (nopLogger) LogError(error, Severity, map[string]any) {}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

// Entry is one error captured by a Recorder.
type Entry struct {
	Err      error
	Severity Severity
	Fields   map[string]any
}

// Recorder keeps every logged error in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) LogError(err error, sev Severity, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Err: err, Severity: sev, Fields: fields})
}

// Entries returns a copy of the recorded errors.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of recorded errors.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// PanicError wraps a value recovered from a panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Safe runs fn and logs a panic as a high severity error instead of
// propagating it. It reports whether fn completed without panicking.
func Safe(l Logger, op string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if l != nil {
				l.LogError(&PanicError{Value: r}, SeverityHigh, map[string]any{"op": op})
			}
		}
	}()
	fn()
	return true
}
