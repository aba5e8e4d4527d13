package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

// Client to server.
const (
	EventJoinRoom       EventType = "join-room"
	EventLeaveRoom      EventType = "leave-room"
	EventGetActiveRooms EventType = "get-active-rooms"
	EventGetRoomInfo    EventType = "get-room-info"
)

// Both directions.
const (
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"
	EventMediaState   EventType = "media-state"
)

// Server to client.
const (
	EventWelcome       EventType = "welcome"
	EventRoomJoined    EventType = "room-joined"
	EventRoomUpdate    EventType = "room-update"
	EventUserJoined    EventType = "user-joined"
	EventUserLeft      EventType = "user-left"
	EventJoinRoomError EventType = "join-room-error"
	EventActiveRooms   EventType = "active-rooms"
	EventError         EventType = "error"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is a single signaling message. Payload is kept raw so the relay can
// route without understanding negotiation blobs.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type RoomQuery struct {
	RoomID string `json:"roomId,omitempty"`
}

// Signal carries an offer, answer or ICE candidate. SDP and Candidate are
// opaque to the server.
type Signal struct {
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	TargetID  ParticipantID   `json:"targetId,omitempty"`
	From      ParticipantID   `json:"from,omitempty"`
}

type MediaStatePayload struct {
	RoomID       string        `json:"roomId,omitempty"`
	VideoEnabled bool          `json:"videoEnabled"`
	AudioEnabled bool          `json:"audioEnabled"`
	From         ParticipantID `json:"from,omitempty"`
}

// RoomInfo is the payload of room-joined and room-update.
// OtherParticipants excludes the recipient, Participants is the full roster.
type RoomInfo struct {
	RoomID            RoomID           `json:"roomId"`
	ParticipantCount  int              `json:"participantCount"`
	OtherParticipants []ParticipantID  `json:"otherParticipants"`
	Participants      []ParticipantRef `json:"participants"`
	SocketID          ParticipantID    `json:"socketId,omitempty"`
}

type PeerNotice struct {
	UserID   string        `json:"userId,omitempty"`
	SocketID ParticipantID `json:"socketId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type Welcome struct {
	SocketID ParticipantID `json:"socketId"`
}

// NewEnvelope marshals payload into an envelope of type t.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	env.Payload = b
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal.
func MustEnvelope(t EventType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// ParseEnvelope decodes one wire frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}
