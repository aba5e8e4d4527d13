package port

import "github.com/Wyydra/mesh/internal/core/domain"

// Signaler is the client side write half of the signaling channel.
// Sends are fire-and-forget; an error only means the frame was not queued.
type Signaler interface {
	Send(env domain.Envelope) error
}
