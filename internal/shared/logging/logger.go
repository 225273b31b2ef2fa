package logging

import (
	"fmt"
	"reflect"
)

// Logger is the printf-style logger every component takes.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}

// Nop returns a logger that drops every line.
func Nop() Logger {
	return discard{}
}

// IsNil reports whether logger is nil, including a typed nil pointer.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	v := reflect.ValueOf(logger)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Func, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// OrNop substitutes Nop for a nil logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// NewComponentLogger returns a logger on the process-wide sink tagged with
// component.
func NewComponentLogger(component string) Logger {
	return defaultSink().component(component)
}

// ForTask prefixes every line written through logger with the task id.
func ForTask(logger Logger, taskID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if scoped, ok := logger.(*taskLogger); ok {
		logger = scoped.base
	}
	return &taskLogger{base: logger, prefix: fmt.Sprintf("task %s: ", taskID)}
}

type taskLogger struct {
	base   Logger
	prefix string
}

func (l *taskLogger) Debug(format string, args ...any) { l.base.Debug(l.prefix+format, args...) }
func (l *taskLogger) Info(format string, args ...any)  { l.base.Info(l.prefix+format, args...) }
func (l *taskLogger) Warn(format string, args ...any)  { l.base.Warn(l.prefix+format, args...) }
func (l *taskLogger) Error(format string, args ...any) { l.base.Error(l.prefix+format, args...) }
