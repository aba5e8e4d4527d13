package port

import (
	"context"

	"github.com/Wyydra/mesh/internal/core/domain"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// TransportState is the connection state reported by a MediaTransport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// LocalTrack is a captured track fanned out to every link.
type LocalTrack interface {
	TrackID() string
	MediaKind() MediaKind
}

// RemoteTrack is a track received from a peer.
type RemoteTrack interface {
	TrackID() string
	StreamID() string
	MediaKind() MediaKind
}

// MediaSource acquires local capture. Acquire failing is fatal to a call.
type MediaSource interface {
	Acquire(ctx context.Context) ([]LocalTrack, error)
	Release()
}

// MediaTransport is one peer-to-peer media session. CreateOffer and
// CreateAnswer also install the result as the local description.
// SetRemoteDescription with an offer while a local offer is pending must roll
// the local offer back. Callbacks may fire from any goroutine.
type MediaTransport interface {
	AddTrack(track LocalTrack) error
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, c domain.ICECandidate) error
	OnICECandidate(fn func(domain.ICECandidate))
	OnTrack(fn func(RemoteTrack))
	OnStateChange(fn func(TransportState))
	Close() error
}

// TransportFactory creates a transport for the link to remote.
type TransportFactory interface {
	NewTransport(ctx context.Context, remote domain.ParticipantID) (MediaTransport, error)
}
