package local

import "encoding/json"

// Relay wire message types.
const (
	wireNotification = "notification"
	wirePing         = "ping"
)

// WireMessage is the frame exchanged with the push relay.
type WireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
