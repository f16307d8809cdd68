package openai

import (
	"bufio"
	"io"
	"strings"
)

const maxEventBytes = 1 << 20

// event is one server-sent event.
type event struct {
	Name string
	Data string
}

// eventReader splits an SSE body into events. Multi-line data fields are
// joined with newlines; comment lines are skipped.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	return &eventReader{scanner: scanner}
}

// Next returns the next complete event, or io.EOF when the body ends.
func (er *eventReader) Next() (event, error) {
	var ev event
	var data []string
	for er.scanner.Scan() {
		line := er.scanner.Text()
		if line == "" {
			if ev.Name == "" && len(data) == 0 {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := er.scanner.Err(); err != nil {
		return event{}, err
	}
	if ev.Name != "" || len(data) > 0 {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return event{}, io.EOF
}
