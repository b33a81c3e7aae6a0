// Package sse parses Server-Sent Events from an upstream LLM response body.
// Events are produced one at a time as bytes arrive; the reader holds at most
// one partial line between reads.
//
// See https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is a single SSE event, delimited by a blank line.
type Event struct {
	// Type is the "event:" field. Empty means the default "message" type.
	Type string

	// Data is every "data:" line of the event joined with "\n".
	Data string

	ID string
}

type Reader struct {
	r *bufio.Reader

	eventType string
	id        string
	data      []string
	eof       bool
}

func NewReader(src io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(src, 64*1024)}
}

// Next blocks until a complete event is available. It returns io.EOF once the
// source is exhausted; a trailing event without a terminating blank line is
// still delivered before io.EOF.
func (r *Reader) Next() (*Event, error) {
	for !r.eof {
		line, err := r.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if err == io.EOF {
			r.eof = true
			if line == "" {
				break
			}
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if ev := r.flush(); ev != nil {
				return ev, nil
			}
			continue
		}
		r.field(line)
	}

	if ev := r.flush(); ev != nil {
		return ev, nil
	}
	return nil, io.EOF
}

func (r *Reader) field(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}

	name, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch name {
	case "event":
		r.eventType = strings.TrimSpace(value)
	case "data":
		r.data = append(r.data, value)
	case "id":
		r.id = strings.TrimSpace(value)
	}
}

func (r *Reader) flush() *Event {
	if len(r.data) == 0 {
		r.eventType = ""
		return nil
	}
	ev := &Event{
		Type: r.eventType,
		Data: strings.Join(r.data, "\n"),
		ID:   r.id,
	}
	r.eventType = ""
	r.data = nil
	return ev
}
