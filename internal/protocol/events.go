// Package protocol defines the event envelope pushed from the dashboard server to browsers and watchers.
package protocol

import (
	"encoding/json"
	"errors"
)

// Kind identifies an event type on the wire.
type Kind string

// Event kinds (server → client)
const (
	KindTaskUpdated      Kind = "task_updated"
	KindAgentUpdated     Kind = "agent_updated"
	KindStatsUpdated     Kind = "stats_updated"
	KindCLIStatusUpdated Kind = "cli_status_updated"
	KindSettingsUpdated  Kind = "settings_updated"
)

// Kinds lists every kind the dashboard emits.
var Kinds = []Kind{
	KindTaskUpdated,
	KindAgentUpdated,
	KindStatsUpdated,
	KindCLIStatusUpdated,
	KindSettingsUpdated,
}

// ErrMissingType is returned by Decode for records without a type field.
var ErrMissingType = errors.New("event has no type")

// Event is the envelope for all event channel messages.
// The payload is kept raw; subscribers decode the shape they expect.
type Event struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent creates an event with the given kind and payload.
func NewEvent(kind Kind, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:    kind,
		Payload: data,
	}, nil
}

// Decode parses a text frame into an event.
func Decode(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	if evt.Type == "" {
		return nil, ErrMissingType
	}
	return &evt, nil
}

// Encode marshals an event into a text frame.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParsePayload unmarshals the payload into the given target.
func (e *Event) ParsePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}
