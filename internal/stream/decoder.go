// Package stream decodes the event-stream framing used by the chat endpoints.
//
// The endpoint writes frames of the form "data: <json>" separated by a blank
// line and terminates the stream with "data: [DONE]". The decoder is fed raw
// text chunks with arbitrary boundaries and performs no I/O itself.
package stream

import (
	"encoding/json"
	"strings"

	"github.com/comigor/streamchat/internal/logger"
)

const (
	frameDelimiter = "\n\n"
	dataPrefix     = "data:"
	doneSentinel   = "[DONE]"
)

// EventType identifies a decoded protocol signal.
type EventType string

const (
	EventContent   EventType = "content"
	EventCitations EventType = "citations"
	EventError     EventType = "error"
	EventEnd       EventType = "end"
)

// Citation links a span of assistant text to a supporting source.
type Citation struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

// Event is one decoded signal. Text is set for content events, Citations for
// citation events and Message for in-band error events.
type Event struct {
	Type      EventType
	Text      string
	Citations []Citation
	Message   string
}

// Content returns a content-delta event.
func Content(text string) Event { return Event{Type: EventContent, Text: text} }

// Citations returns a citation-list event.
func Citations(list []Citation) Event { return Event{Type: EventCitations, Citations: list} }

// End returns a stream-end event.
func End() Event { return Event{Type: EventEnd} }

// record is the JSON payload of one frame.
type record struct {
	Content     string      `json:"content"`
	Citations   *[]Citation `json:"citations"`
	IsStreaming *bool       `json:"is_streaming"`
	Error       string      `json:"error"`
}

// Decoder turns text chunks into events. It is not safe for concurrent use;
// one decoder serves one response body.
type Decoder struct {
	carry    strings.Builder
	done     bool
	warnings int
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the carry buffer and returns the events of every frame
// completed by it. After a [DONE] frame the decoder emits nothing more.
func (d *Decoder) Feed(chunk string) []Event {
	if d.done {
		return nil
	}
	d.carry.WriteString(chunk)
	buffered := d.carry.String()
	last := strings.LastIndex(buffered, frameDelimiter)
	if last < 0 {
		return nil
	}

	complete := buffered[:last]
	rest := buffered[last+len(frameDelimiter):]
	d.carry.Reset()
	d.carry.WriteString(rest)

	var events []Event
	for _, frame := range strings.Split(complete, frameDelimiter) {
		events = d.decodeFrame(frame, events)
		if d.done {
			d.carry.Reset()
			break
		}
	}
	return events
}

// Flush decodes a trailing frame that was never terminated by a blank line.
func (d *Decoder) Flush() []Event {
	if d.done {
		return nil
	}
	frame := d.carry.String()
	d.carry.Reset()
	return d.decodeFrame(frame, nil)
}

// Reset discards the carry buffer. The decoder stays usable unless it already
// saw the end of the stream.
func (d *Decoder) Reset() {
	d.carry.Reset()
}

// Done reports whether the terminator frame has been decoded.
func (d *Decoder) Done() bool { return d.done }

// Warnings returns how many malformed frames were skipped.
func (d *Decoder) Warnings() int { return d.warnings }

// Pending returns the number of buffered bytes not yet forming a frame.
func (d *Decoder) Pending() int { return d.carry.Len() }

func (d *Decoder) decodeFrame(frame string, events []Event) []Event {
	var lines []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "", strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, dataPrefix):
			line = strings.TrimSpace(line[len(dataPrefix):])
		case isField(line):
			continue
		}
		if line == doneSentinel {
			d.done = true
			return append(events, End())
		}
		lines = append(lines, line)
	}
	payload := strings.Join(lines, "\n")
	if payload == "" {
		return events
	}

	var rec record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		d.warnings++
		logger.L.Warn("skipping malformed frame", "error", err, "frame", truncate(payload, 120))
		return events
	}

	if rec.Content != "" {
		events = append(events, Content(rec.Content))
	}
	if rec.Citations != nil {
		events = append(events, Citations(*rec.Citations))
	}
	if rec.Error != "" {
		events = append(events, Event{Type: EventError, Message: rec.Error})
	}
	if rec.IsStreaming != nil && !*rec.IsStreaming {
		events = append(events, End())
	}
	return events
}

// isField reports whether line is an event-stream field other than data.
func isField(line string) bool {
	for _, f := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, f) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
