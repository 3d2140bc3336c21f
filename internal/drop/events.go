package drop

import "encoding/json"

// marshalEvent wraps payload with a "type" discriminator for SSE/pub-sub
// consumers.
func marshalEvent(eventType string, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{Type: eventType, Data: payload})
}
