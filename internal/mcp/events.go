package mcp

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event: the event name (empty for the
// default "message" type) and the joined data payload.
type sseEvent struct {
	name string
	data string
}

// scanSSE reads server-sent events from r and invokes emit for each
// complete event. It returns when the stream ends or errors; io.EOF is
// reported as nil since a server closing the stream is not a protocol
// violation by itself.
//
// Only the "event:" and "data:" fields matter to MCP; "id:" and "retry:"
// fields and comment lines (leading colon) are skipped.
func scanSSE(r io.Reader, emit func(sseEvent)) error {
	scanner := bufio.NewScanner(r)
	// Tool results can be large; grow the line buffer well past the
	// 64 KiB bufio default.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var name string
	var data []string

	flush := func() {
		if len(data) == 0 {
			name = ""
			return
		}
		emit(sseEvent{name: name, data: strings.Join(data, "\n")})
		name = ""
		data = nil
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	// A final event without a trailing blank line still counts.
	flush()

	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}
