package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SetSSEHeaders prepares a response for server-sent events. X-Accel-Buffering
// disables proxy buffering so tokens reach the client as they are written.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent writes one SSE frame: "event: <name>\ndata: <json>\n\n".
func WriteEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}
