package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrForeignTrack = errors.New("track was not captured by this adapter")

// Transport adapts a PeerConnection to port.MediaTransport.
//
// pion cannot roll back a local offer, so a remote offer arriving in
// have-local-offer replaces the PeerConnection: the old one is closed, a new
// one gets the same tracks and callbacks, and the offer is applied there.
// Callbacks from a replaced connection are dropped.
type Transport struct {
	newPC func() (*webrtc.PeerConnection, error)
	log   zerolog.Logger

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	gen      uint64
	tracks   []*LocalTrack
	onICE    func(domain.ICECandidate)
	onTrack  func(port.RemoteTrack)
	onState  func(port.TransportState)
	replaced int
}

func newTransport(newPC func() (*webrtc.PeerConnection, error), log zerolog.Logger) (*Transport, error) {
	pc, err := newPC()
	if err != nil {
		return nil, err
	}
	t := &Transport{newPC: newPC, log: log, pc: pc}
	t.bind(pc, 0)
	return t, nil
}

// bind routes pc's callbacks to the registered handlers while pc is
// generation gen.
func (t *Transport) bind(pc *webrtc.PeerConnection, gen uint64) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		h, ok := t.callbacks(gen)
		// nil marks the end of gathering
		if c == nil || !ok || h.ice == nil {
			return
		}
		init := c.ToJSON()
		h.ice(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &RemoteTrack{track: tr}
		go rt.drain()
		h, ok := t.callbacks(gen)
		if !ok || h.track == nil {
			return
		}
		t.log.Debug().Str("kind", tr.Kind().String()).Str("track", tr.ID()).Msg("Received remote track")
		h.track(rt)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		h, ok := t.callbacks(gen)
		if !ok || h.state == nil {
			return
		}
		h.state(transportState(s))
	})
}

type callbackSet struct {
	ice   func(domain.ICECandidate)
	track func(port.RemoteTrack)
	state func(port.TransportState)
}

// callbacks reports the registered handlers, and false once gen has been
// replaced.
func (t *Transport) callbacks(gen uint64) (callbackSet, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return callbackSet{ice: t.onICE, track: t.onTrack, state: t.onState}, gen == t.gen
}

func (t *Transport) conn() *webrtc.PeerConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pc
}

// Replaced counts PeerConnections swapped out to accept a colliding offer.
func (t *Transport) Replaced() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replaced
}

func (t *Transport) AddTrack(track port.LocalTrack) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return ErrForeignTrack
	}
	if err := addTrack(t.conn(), lt); err != nil {
		return err
	}
	t.mu.Lock()
	t.tracks = append(t.tracks, lt)
	t.mu.Unlock()
	return nil
}

func addTrack(pc *webrtc.PeerConnection, lt *LocalTrack) error {
	sender, err := pc.AddTrack(lt.track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", lt.kind, err)
	}
	// RTCP has to be read for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *Transport) CreateOffer(context.Context) (domain.SessionDescription, error) {
	pc := t.conn()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return toDomain(offer), nil
}

func (t *Transport) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	pc := t.conn()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return toDomain(answer), nil
}

// SetRemoteDescription drops a pending local offer before applying a remote
// one.
func (t *Transport) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	sd, err := fromDomain(desc)
	if err != nil {
		return err
	}
	pc := t.conn()
	if sd.Type == webrtc.SDPTypeOffer && pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if pc, err = t.replace(); err != nil {
			return fmt.Errorf("drop local offer: %w", err)
		}
	}
	if err := pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", sd.Type, err)
	}
	return nil
}

// replace swaps in a fresh PeerConnection carrying the same tracks and
// closes the old one.
func (t *Transport) replace() (*webrtc.PeerConnection, error) {
	pc, err := t.newPC()
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	tracks := t.tracks
	t.mu.Unlock()
	for _, lt := range tracks {
		if err := addTrack(pc, lt); err != nil {
			pc.Close()
			return nil, err
		}
	}

	t.mu.Lock()
	old := t.pc
	t.gen++
	gen := t.gen
	t.pc = pc
	t.replaced++
	t.mu.Unlock()

	t.bind(pc, gen)
	if err := old.Close(); err != nil {
		t.log.Debug().Err(err).Msg("Close replaced peer connection")
	}
	t.log.Debug().Msg("Replaced peer connection to accept remote offer")
	return pc, nil
}

func (t *Transport) AddICECandidate(_ context.Context, c domain.ICECandidate) error {
	return t.conn().AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *Transport) OnICECandidate(fn func(domain.ICECandidate)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *Transport) OnTrack(fn func(port.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *Transport) OnStateChange(fn func(port.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	return t.conn().Close()
}

func transportState(s webrtc.PeerConnectionState) port.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return port.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return port.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return port.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return port.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return port.TransportClosed
	}
	return port.TransportNew
}

func toDomain(sd webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(sd.Type.String()), SDP: sd.SDP}
}

func fromDomain(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	switch desc.Type {
	case domain.SDPTypeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}, nil
	case domain.SDPTypeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}, nil
	}
	return webrtc.SessionDescription{}, fmt.Errorf("unsupported description type %q", desc.Type)
}

// RemoteTrack is a received track. Its RTP is read and discarded so the
// receive buffers never stall; Packets counts what arrived.
type RemoteTrack struct {
	track   *webrtc.TrackRemote
	packets atomic.Uint64
}

func (r *RemoteTrack) TrackID() string  { return r.track.ID() }
func (r *RemoteTrack) StreamID() string { return r.track.StreamID() }

func (r *RemoteTrack) MediaKind() port.MediaKind {
	if r.track.Kind() == webrtc.RTPCodecTypeAudio {
		return port.MediaKindAudio
	}
	return port.MediaKindVideo
}

func (r *RemoteTrack) Packets() uint64 {
	return r.packets.Load()
}

func (r *RemoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := r.track.Read(buf); err != nil {
			return
		}
		r.packets.Add(1)
	}
}
