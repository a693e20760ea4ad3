// Package sse decodes a Server-Sent Events stream, used by the Hue v2
// bridge's /eventstream/clip/v2 endpoint for push-mode state change
// notification. There is no ecosystem dependency in the examples pack for
// this; the decoder is a thin bufio.Scanner wrapper following the
// buffered-read style the teacher's knxd client uses for framed reads, so
// it is the one transport in this package built on the standard library.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one decoded SSE event: the accumulated "data:" lines joined by
// newline, and the "event:" field if the stream sets one.
type Event struct {
	Name string
	Data string
}

// Decoder reads events one at a time from an SSE stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r as an SSE stream.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Decoder{scanner: scanner}
}

// Next reads and returns the following event. It returns io.EOF when the
// stream ends with no further events.
func (d *Decoder) Next() (Event, error) {
	var evt Event
	var data []string
	sawField := false

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if sawField {
				evt.Data = strings.Join(data, "\n")
				return evt, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive line
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			evt.Name = value
			sawField = true
		case "data":
			data = append(data, value)
			sawField = true
		default:
			// id/retry and unrecognized fields are ignored; the daemon only
			// needs the event name and payload.
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	if sawField {
		evt.Data = strings.Join(data, "\n")
		return evt, nil
	}
	return Event{}, io.EOF
}
