package mesh

import (
	"errors"
	"fmt"

	"github.com/Wyydra/mesh/internal/core/domain"
)

var (
	ErrInvalidState    = errors.New("invalid link state")
	ErrLinkClosed      = errors.New("link closed")
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrTransportFailed = errors.New("transport failed")
	ErrCapture         = errors.New("media capture failed")
	ErrNotInRoom       = errors.New("not in a room")
	ErrAlreadyInRoom   = errors.New("already in a room")
	ErrStopped         = errors.New("coordinator stopped")
)

// LinkError is a failed link operation against one peer.
type LinkError struct {
	Op   string
	Peer domain.ParticipantID
	Err  error
}

func (e *LinkError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func linkErr(op string, peer domain.ParticipantID, err error) *LinkError {
	return &LinkError{Op: op, Peer: peer, Err: err}
}
