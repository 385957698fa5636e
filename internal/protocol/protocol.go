package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound event names (participant -> machine)
const (
	EventJoinRoom  = "join-room"
	EventStart     = "start"
	EventPause     = "pause"
	EventEnd       = "end"
	EventRestart   = "restart"
	EventUpdateAid = "update-aid"
)

// Outbound event names (machine -> participants)
const (
	EventRole     = "role"
	EventAudio    = "audio"
	EventMessage  = "message"
	EventFinished = "finished"
	EventError    = "error"
	// start and pause are echoed back under their inbound names
)

// RoleAdmin is the payload of a role event granting elevated control.
const RoleAdmin = "ADMIN"

// Envelope is the wire frame for every websocket event in either direction.
// Layout: {"event": <name>, "data": <payload>}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoomPayload carries the parameters of a join-room event
type JoinRoomPayload struct {
	RoomID       string `json:"roomId"`
	SearchParams string `json:"searchParams,omitempty"`
}

// StartPayload carries the optional form data of a start event
type StartPayload struct {
	FormData map[string]any `json:"formData,omitempty"`
}

// UpdateAidPayload carries an update-aid event
type UpdateAidPayload struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

// ErrorPayload reports a rejected command or a failed expansion cycle
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseEnvelope decodes and validates a raw websocket frame
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	if env.Event == "" {
		return nil, fmt.Errorf("frame missing event name")
	}

	return &env, nil
}

// ParseJoinRoom decodes and validates a join-room payload
func ParseJoinRoom(data json.RawMessage) (*JoinRoomPayload, error) {
	var p JoinRoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode join-room payload: %w", err)
	}

	if p.RoomID == "" {
		return nil, fmt.Errorf("join-room requires a roomId")
	}

	return &p, nil
}

// ParseStart decodes a start payload. A missing or null payload is valid
// and means "start with the current room configuration".
func ParseStart(data json.RawMessage) (*StartPayload, error) {
	if len(data) == 0 {
		return &StartPayload{}, nil
	}

	var p StartPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode start payload: %w", err)
	}

	return &p, nil
}

// ParsePause decodes a pause payload (a bare boolean)
func ParsePause(data json.RawMessage) (bool, error) {
	var paused bool
	if err := json.Unmarshal(data, &paused); err != nil {
		return false, fmt.Errorf("failed to decode pause payload: %w", err)
	}

	return paused, nil
}

// ParseUpdateAid decodes and validates an update-aid payload
func ParseUpdateAid(data json.RawMessage) (*UpdateAidPayload, error) {
	var p UpdateAidPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode update-aid payload: %w", err)
	}

	if p.Name == "" {
		return nil, fmt.Errorf("update-aid requires a name")
	}

	return &p, nil
}

// Encode builds the wire frame for an outbound event
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		data = raw
	}

	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", event, err)
	}

	return frame, nil
}
