package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

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

// Sink is the shared writer behind every component logger.
type Sink struct {
	mu      sync.Mutex
	out     io.Writer
	level   Level
	colored bool
	now     func() time.Time
}

var (
	sinkOnce    sync.Once
	sinkDefault *Sink
)

func defaultSink() *Sink {
	sinkOnce.Do(func() {
		sinkDefault = NewSink(os.Stderr, LevelInfo)
	})
	return sinkDefault
}

// NewSink creates a sink writing to out. Level tags are coloured only when out
// is a terminal.
func NewSink(out io.Writer, level Level) *Sink {
	if out == nil {
		out = io.Discard
	}
	colored := false
	if f, ok := out.(*os.File); ok {
		colored = term.IsTerminal(int(f.Fd()))
	}
	return &Sink{out: out, level: level, colored: colored, now: time.Now}
}

// Configure replaces the writer and level of the process-wide sink used by
// NewComponentLogger.
func Configure(out io.Writer, level Level) {
	sink := defaultSink()
	fresh := NewSink(out, level)
	sink.mu.Lock()
	sink.out = fresh.out
	sink.level = fresh.level
	sink.colored = fresh.colored
	sink.mu.Unlock()
}

// Component returns a Logger scoped to the named component.
func (s *Sink) Component(name string) Logger {
	return s.component(name)
}

func (s *Sink) component(name string) *componentLogger {
	return &componentLogger{sink: s, component: name}
}

type componentLogger struct {
	sink      *Sink
	component string
}

func (l *componentLogger) Debug(format string, args ...any) { l.sink.write(LevelDebug, l.component, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.sink.write(LevelInfo, l.component, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.sink.write(LevelWarn, l.component, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.sink.write(LevelError, l.component, format, args...) }

var levelColors = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgCyan),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

func (s *Sink) write(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}
	if component == "" {
		component = "taskpilot"
	}

	tag := level.String()
	if s.colored {
		if c, ok := levelColors[level]; ok {
			tag = c.Sprint(tag)
		}
	}

	// Format: 2025-09-30 12:34:56 [INFO] [Component] file.go:123 - Message
	message := sanitize(fmt.Sprintf(format, args...))
	fmt.Fprintf(s.out, "%s [%s] [%s] %s:%d - %s\n",
		s.now().Format("2006-01-02 15:04:05"), tag, component, file, line, message)
}

const redactedPlaceholder = "[REDACTED]"

var bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)

func sanitize(line string) string {
	return bearerTokenPattern.ReplaceAllString(line, "${1}"+redactedPlaceholder)
}
