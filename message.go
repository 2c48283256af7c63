package pulse

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is the payload carried by every data frame on the feed.
//
// Timestamp is the instant the message was produced, formatted as an
// RFC 3339 string. Messages are immutable once constructed.
type Message struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func newMessage(text string, at time.Time) Message {
	return Message{Message: text, Timestamp: at.Format(time.RFC3339)}
}

// heartbeatFrame is a zero-payload keepalive. SSE lines beginning with a
// colon are comments and must be ignored by any conforming parser.
// https://www.w3.org/TR/eventsource/#event-stream-interpretation
var heartbeatFrame = []byte(": heartbeat\n\n")

// sseFormat is the formatted bytestring for a data frame carrying the
// message, ready to be sent.
func (m Message) sseFormat() []byte {
	data, _ := json.Marshal(m) // two plain strings, cannot fail
	b := make([]byte, 0, 6+len(data)+2)
	b = append(b, "data: "...)
	b = append(b, data...)
	b = append(b, '\n', '\n')
	return b
}

// decodeFrame interprets a single line from the wire.
//
// Comment lines (heartbeats), blank separators, and fields other than data
// return ok=false with no error. A data line that does not carry a valid
// JSON-encoded Message returns a descriptive error; the caller decides
// whether that is fatal.
func decodeFrame(line string) (msg Message, ok bool, err error) {
	if line == "" || strings.HasPrefix(line, ":") {
		return Message{}, false, nil
	}
	payload, found := strings.CutPrefix(line, "data:")
	if !found {
		return Message{}, false, nil
	}
	payload = strings.TrimPrefix(payload, " ")
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return Message{}, false, fmt.Errorf("malformed data frame %q: %w", line, err)
	}
	return msg, true, nil
}
