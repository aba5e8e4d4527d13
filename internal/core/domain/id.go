package domain

import (
	"errors"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// MaxRoomIDLength bounds a normalized room id in bytes.
const MaxRoomIDLength = 128

var ErrInvalidRoomID = errors.New("invalid room id")

// ParticipantID identifies one signaling connection. It is minted by the
// server on connect and never reused.
type ParticipantID string

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.New().String())
}

func (id ParticipantID) String() string {
	return string(id)
}

// RoomID is a normalized room name, see NormalizeRoomID.
type RoomID string

func (id RoomID) String() string {
	return string(id)
}

// NormalizeRoomID trims and case-folds raw so that the same room typed
// differently maps to the same key on clients and server.
func NormalizeRoomID(raw string) (RoomID, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidRoomID
	}
	// A Caser is stateful, so one per call.
	s = cases.Fold().String(s)
	if len(s) > MaxRoomIDLength {
		return "", ErrInvalidRoomID
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", ErrInvalidRoomID
		}
	}
	return RoomID(s), nil
}
