// Package sse implements the server-sent events framing used by the reply
// stream: every event is a single "data: <json>" line followed by a blank line.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// ErrorMessage is the in-band error text sent once headers are committed.
const ErrorMessage = "Failed to send message"

// Event is one reply stream event. Exactly one of its fields is set.
type Event struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Writer frames events onto an http.ResponseWriter and flushes after each.
type Writer struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	started   bool
	lastError error
}

// NewWriter wraps w.
func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// Start commits the event-stream headers with status 200.
func (s *Writer) Start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	s.flush()
}

// Started reports whether headers have been committed.
func (s *Writer) Started() bool { return s.started }

// Send writes one event and flushes it.
func (s *Writer) Send(ev Event) error {
	s.Start()
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		s.lastError = err
		return err
	}
	return s.flush()
}

// Content sends a reply fragment.
func (s *Writer) Content(fragment string) error { return s.Send(Event{Content: fragment}) }

// Done sends the completion marker.
func (s *Writer) Done() error { return s.Send(Event{Done: true}) }

// Fail sends the generic in-band error.
func (s *Writer) Fail() error { return s.Send(Event{Error: ErrorMessage}) }

// Err returns the last write error.
func (s *Writer) Err() error { return s.lastError }

func (s *Writer) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.lastError = err
		return err
	}
	return nil
}

// Decoder reads events from a stream. Lines that are not "data:" lines, and
// data lines that are not valid JSON events, are skipped.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder reads from r. Lines up to 1MB are accepted.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next well-formed event, or io.EOF when the stream ends.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if ev.Content == "" && !ev.Done && ev.Error == "" {
			continue
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
