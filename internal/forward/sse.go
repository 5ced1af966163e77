package forward

import (
	"bufio"
	"bytes"
)

var doneData = []byte("data: [DONE]")

// readSSEEvent reads one server-sent event from r: every line up to and
// including the blank separator line. On EOF it returns whatever partial
// event was buffered together with the read error.
func readSSEEvent(r *bufio.Reader) ([]byte, error) {
	var event []byte
	for {
		line, err := r.ReadBytes('\n')
		event = append(event, line...)
		if err != nil {
			return event, err
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 && len(event) > len(line) {
			return event, nil
		}
	}
}

// isDoneEvent reports whether the event is the OpenAI stream terminator.
func isDoneEvent(event []byte) bool {
	return bytes.Contains(event, doneData)
}

// isEventStream reports whether contentType denotes an SSE response.
func isEventStream(contentType []byte) bool {
	return bytes.HasPrefix(contentType, []byte("text/event-stream"))
}
