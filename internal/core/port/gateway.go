package port

import (
	"context"

	"github.com/Wyydra/mesh/internal/core/domain"
)

// Gateway delivers envelopes to connected sockets by id.
// Send to an unknown id returns an error the relay treats as best-effort.
type Gateway interface {
	Send(ctx context.Context, to domain.ParticipantID, env domain.Envelope) error
}

// RelayMetrics receives relay accounting. Implementations must be safe for
// concurrent use.
type RelayMetrics interface {
	MessageReceived(t domain.EventType)
	MessageForwarded(t domain.EventType)
	MessageDropped(reason string)
	RoomsChanged(rooms, participants int)
}

// Drop reasons.
const (
	DropSendFailed    = "send_failed"
	DropNotMember     = "not_member"
	DropInvalidRoom   = "invalid_room"
	DropMalformed     = "malformed"
	DropUnknownType   = "unknown_type"
	DropRateLimited   = "rate_limited"
	DropTargetMissing = "target_missing"
)

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) MessageReceived(domain.EventType)  {}
func (NopMetrics) MessageForwarded(domain.EventType) {}
func (NopMetrics) MessageDropped(string)             {}
func (NopMetrics) RoomsChanged(int, int)             {}
