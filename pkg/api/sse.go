package api

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEReader reads server-sent events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent returns the next event with data. It returns io.EOF once the
// stream ends; a trailing event without a blank line is still returned.
func (r *SSEReader) ReadEvent() (*SSEEvent, error) {
	event := &SSEEvent{}
	hasData := false

	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line != "" {
				r.apply(event, strings.TrimRight(line, "\r\n"), &hasData)
			}
			if err == io.EOF && hasData {
				return event, nil
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				return event, nil
			}
			continue
		}
		r.apply(event, line, &hasData)
	}
}

func (r *SSEReader) apply(event *SSEEvent, line string, hasData *bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}
	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "event":
		event.Event = value
	case "data":
		if *hasData {
			event.Data += "\n"
		}
		event.Data += value
		*hasData = true
	case "id":
		event.ID = value
	}
}
