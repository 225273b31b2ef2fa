// Package sse decodes Server-Sent Events streams into discrete frames.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultEventType is used when a frame carries no event line.
const DefaultEventType = "message"

// DefaultMaxLineBytes bounds a single line of the stream.
const DefaultMaxLineBytes = 1 << 20

// ErrLineTooLong is returned when a line exceeds the configured maximum.
var ErrLineTooLong = errors.New("sse: line exceeds maximum size")

// ErrMissingData is reported to the drop hook for a named event that carried
// no data lines.
var ErrMissingData = errors.New("sse: event has no data")

// Event is one flushed frame. Data is always valid JSON.
type Event struct {
	Type string
	Data json.RawMessage
	ID   string
}

// DropFunc is invoked for frames that are discarded because their payload is
// not valid JSON.
type DropFunc func(eventType string, payload string, err error)

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxLineBytes caps the length of a single line.
func WithMaxLineBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// WithOnDrop registers a hook for discarded frames.
func WithOnDrop(fn DropFunc) Option {
	return func(d *Decoder) {
		d.onDrop = fn
	}
}

// Decoder turns a byte stream into a lazy sequence of events.
type Decoder struct {
	scanner *bufio.Scanner
	maxLine int
	onDrop  DropFunc

	eventType string
	data      strings.Builder
	hasData   bool
	id        string
}

// NewDecoder reads frames from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{maxLine: DefaultMaxLineBytes}
	for _, opt := range opts {
		opt(d)
	}
	d.scanner = bufio.NewScanner(r)
	initial := 64 * 1024
	if initial > d.maxLine {
		initial = d.maxLine
	}
	d.scanner.Buffer(make([]byte, 0, initial), d.maxLine)
	d.scanner.Split(scanLines)
	return d
}

// Next returns the next complete event. It returns io.EOF once the source is
// exhausted; a trailing frame without its terminating blank line is discarded.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			ev, ok := d.flush()
			if ok {
				return ev, nil
			}
			continue
		}
		d.consume(line)
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Event{}, fmt.Errorf("%w (%d bytes)", ErrLineTooLong, d.maxLine)
		}
		return Event{}, err
	}
	d.reset()
	return Event{}, io.EOF
}

func (d *Decoder) consume(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	switch field {
	case "event":
		d.eventType = strings.TrimSpace(value)
	case "data":
		if d.hasData {
			d.data.WriteByte('\n')
		}
		d.data.WriteString(value)
		d.hasData = true
	case "id":
		d.id = strings.TrimSpace(value)
	}
}

func (d *Decoder) flush() (Event, bool) {
	defer d.reset()
	if !d.hasData {
		// Comment-only and blank frames are keep-alives.
		if d.eventType != "" && d.onDrop != nil {
			d.onDrop(d.eventType, "", ErrMissingData)
		}
		return Event{}, false
	}
	eventType := d.eventType
	if eventType == "" {
		eventType = DefaultEventType
	}
	payload := strings.TrimSpace(d.data.String())
	if payload == "" || !json.Valid([]byte(payload)) {
		if d.onDrop != nil {
			d.onDrop(eventType, payload, fmt.Errorf("invalid json payload"))
		}
		return Event{}, false
	}
	return Event{Type: eventType, Data: json.RawMessage(payload), ID: d.id}, true
}

func (d *Decoder) reset() {
	d.eventType = ""
	d.data.Reset()
	d.hasData = false
	d.id = ""
}

// scanLines splits on \n, \r\n or a lone \r.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
