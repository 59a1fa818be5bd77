package store

import (
	"time"

	gojson "github.com/goccy/go-json"
)

// EventKind tags the payload carried by a ControlEvent.
type EventKind string

const (
	EventConnectionOpened EventKind = "connection_opened"
	EventConnectionClosed EventKind = "connection_closed"
	EventAuthFailed       EventKind = "auth_failed"
	EventAccessDenied     EventKind = "access_denied"
	EventUpstreamHealth   EventKind = "upstream_health"
)

// ControlEvent is a tagged-union notification describing a connection
// lifecycle transition, auth failure, ACL decision, or upstream health
// change, with a JSON encoding. This package defines and encodes the
// type; nothing in the module creates or publishes ControlEvents.
type ControlEvent struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Target    string    `json:"target,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Upstream  string    `json:"upstream,omitempty"`
}

// Encode renders the event as JSON via goccy/go-json, the faster
// drop-in encoder the teacher wires into its HTTP layer, repurposed
// here for the event stream.
func (e ControlEvent) Encode() ([]byte, error) {
	return gojson.Marshal(e)
}

// DecodeControlEvent parses a previously encoded event.
func DecodeControlEvent(b []byte) (ControlEvent, error) {
	var e ControlEvent
	err := gojson.Unmarshal(b, &e)
	return e, err
}
