package httpbackend

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// errStopped reports that the event handler asked to stop reading.
var errStopped = errors.New("stopped")

// readEvents parses a text/event-stream body and calls handle for every dispatched event
// until handle returns false or the body ends. It returns nil when handle stopped it,
// and otherwise the read error or io.EOF.
func readEvents(r io.Reader, handle func(event string, data []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxEventBytes)

	event := ""
	var data bytes.Buffer
	dispatch := func() error {
		defer func() {
			event = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return nil
		}
		name := event
		if name == "" {
			name = "message"
		}
		if !handle(name, bytes.TrimSuffix(data.Bytes(), []byte("\n"))) {
			return errStopped
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			if err := dispatch(); err != nil {
				return nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			event = string(value)
		case "data":
			data.Write(value)
			data.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
