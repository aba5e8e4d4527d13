package port

import "github.com/Wyydra/mesh/internal/core/domain"

// Client is one connected signaling socket on the server side.
type Client interface {
	ID() domain.ParticipantID
	Send(env domain.Envelope) error
	Close() error
}
