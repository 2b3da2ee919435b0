package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// writeSSENamedEvent writes one `event: <name>\ndata: <json>\n\n` frame,
// the named-event SSE shape the Anthropic Messages shim and the
// simplified Responses endpoint use in place of pkg/sse's bare
// `data: <chunk>\n\n` OpenAI chunk framing.
func writeSSENamedEvent(w http.ResponseWriter, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body); err != nil {
		return err
	}
	return nil
}
