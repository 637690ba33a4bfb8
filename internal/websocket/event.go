package websocket

import "encoding/json"

// Event names on the wire.
const (
	EventAuthenticate  = "authenticate"
	EventError         = "error"
	EventAuthenticated = "authenticated"
	EventNotification  = "notification"
	EventTaskUpdate    = "taskUpdate"
)

// Envelope is the frame format in both directions: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: payload})
}

// AuthResult is the payload of the authenticated event.
type AuthResult struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}
