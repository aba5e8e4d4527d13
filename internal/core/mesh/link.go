package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/rs/zerolog"
)

type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOffering
	LinkAnswered
	LinkConnecting
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkOffering:
		return "offering"
	case LinkAnswered:
		return "answered"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the link can no longer make progress.
func (s LinkState) Terminal() bool {
	return s == LinkFailed || s == LinkClosed
}

type signalingState int

const (
	sigIdle signalingState = iota
	sigHaveLocalOffer
	sigStable
)

// GlarePolicy decides who yields when both ends offer at once.
// Both ends of a link must run the same policy.
type GlarePolicy string

const (
	// GlarePolite makes the peer with the smaller id yield.
	GlarePolite GlarePolicy = "polite"
	// GlareAcceptIncoming always takes the remote offer over our own.
	GlareAcceptIncoming GlarePolicy = "accept-incoming"
)

func ParseGlarePolicy(s string) (GlarePolicy, error) {
	switch GlarePolicy(s) {
	case GlarePolite, "":
		return GlarePolite, nil
	case GlareAcceptIncoming:
		return GlareAcceptIncoming, nil
	}
	return "", fmt.Errorf("unknown glare policy %q", s)
}

type LinkConfig struct {
	Self   domain.ParticipantID
	Remote domain.ParticipantID
	Room   domain.RoomID
	Glare  GlarePolicy
	// RenegotiateAfter triggers one renegotiation if still not connected.
	RenegotiateAfter time.Duration
	// ConnectTimeout fails the link if still not connected.
	ConnectTimeout time.Duration
}

// linkHooks report to the owner. They run on the owner's loop.
type linkHooks struct {
	state     func(l *Link, s LinkState)
	connected func(l *Link)
	failed    func(l *Link, err error)
	track     func(l *Link, t port.RemoteTrack)
}

// Link negotiates one peer connection. Every method, and every callback it
// registers on the transport, runs on the owner's loop through dispatch, so
// a Link needs no locking.
type Link struct {
	cfg       LinkConfig
	transport port.MediaTransport
	signaler  port.Signaler
	clock     Clock
	queue     *IceCandidateQueue
	dispatch  func(func(context.Context))
	hooks     linkHooks
	log       zerolog.Logger

	sig            signalingState
	transportState port.TransportState
	failed         bool
	closed         bool
	last           LinkState

	pendingOffer *domain.SessionDescription
	remote       *domain.SessionDescription

	watchdog    bool
	renegotiate Timer
	timeout     Timer

	rejected      int
	ignoredOffers int
	lastIgnored   *domain.SessionDescription
}

func newLink(cfg LinkConfig, transport port.MediaTransport, signaler port.Signaler, clock Clock,
	queue *IceCandidateQueue, dispatch func(func(context.Context)), hooks linkHooks, log zerolog.Logger) *Link {
	if queue == nil {
		queue = &IceCandidateQueue{}
	}
	l := &Link{
		cfg:       cfg,
		transport: transport,
		signaler:  signaler,
		clock:     clock,
		queue:     queue,
		dispatch:  dispatch,
		hooks:     hooks,
		log:       log.With().Str("peer", cfg.Remote.String()).Logger(),
	}

	transport.OnICECandidate(func(c domain.ICECandidate) {
		dispatch(func(context.Context) { l.sendCandidate(c) })
	})
	transport.OnTrack(func(t port.RemoteTrack) {
		dispatch(func(context.Context) {
			if l.State().Terminal() {
				return
			}
			l.log.Info().Str("track", t.TrackID()).Str("kind", string(t.MediaKind())).Msg("Remote track added")
			if l.hooks.track != nil {
				l.hooks.track(l, t)
			}
		})
	})
	transport.OnStateChange(func(s port.TransportState) {
		dispatch(func(ctx context.Context) { l.onTransportState(ctx, s) })
	})
	return l
}

func (l *Link) Remote() domain.ParticipantID {
	return l.cfg.Remote
}

// State is derived from the terminal flags, then the transport, then the
// signaling sub-state.
func (l *Link) State() LinkState {
	switch {
	case l.failed:
		return LinkFailed
	case l.closed:
		return LinkClosed
	}
	switch l.transportState {
	case port.TransportConnected:
		return LinkConnected
	case port.TransportConnecting, port.TransportDisconnected:
		return LinkConnecting
	}
	switch l.sig {
	case sigHaveLocalOffer:
		return LinkOffering
	case sigStable:
		return LinkAnswered
	}
	return LinkIdle
}

// RejectedCandidates counts remote candidates the transport refused.
func (l *Link) RejectedCandidates() int {
	return l.rejected
}

// IgnoredOffers counts remote offers dropped because our own offer won
// the collision.
func (l *Link) IgnoredOffers() int {
	return l.ignoredOffers
}

// InitiateOffer creates and sends an offer. Legal only while idle.
func (l *Link) InitiateOffer(ctx context.Context) error {
	if st := l.State(); st != LinkIdle {
		return fmt.Errorf("%w: initiate offer in %s", ErrInvalidState, st)
	}
	return l.offer(ctx)
}

func (l *Link) offer(ctx context.Context) error {
	desc, err := l.transport.CreateOffer(ctx)
	if err != nil {
		e := linkErr("create offer", l.cfg.Remote, err)
		l.fail(e)
		return e
	}
	l.sig = sigHaveLocalOffer
	l.pendingOffer = &desc
	l.sendDescription(domain.EventOffer, desc)
	l.startWatchdog()
	l.changed()
	return nil
}

// ReceiveOffer applies a remote offer and answers it, resolving glare with
// the configured policy.
func (l *Link) ReceiveOffer(ctx context.Context, desc domain.SessionDescription) error {
	if l.State().Terminal() {
		return nil
	}
	switch l.sig {
	case sigHaveLocalOffer:
		if !l.yields() {
			l.ignoredOffers++
			l.lastIgnored = &desc
			l.log.Debug().Int("ignored", l.ignoredOffers).Msg("Glare, keeping local offer")
			return nil
		}
		l.log.Debug().Msg("Glare, accepting remote offer")
		l.pendingOffer = nil
	case sigStable:
		if l.remote != nil && l.remote.Type == domain.SDPTypeOffer && l.remote.SDP == desc.SDP {
			l.log.Debug().Msg("Duplicate offer ignored")
			return nil
		}
	}

	if err := l.transport.SetRemoteDescription(ctx, desc); err != nil {
		e := linkErr("set remote offer", l.cfg.Remote, err)
		l.fail(e)
		return e
	}
	l.remote = &desc
	l.drain(ctx)

	answer, err := l.transport.CreateAnswer(ctx)
	if err != nil {
		e := linkErr("create answer", l.cfg.Remote, err)
		l.fail(e)
		return e
	}
	l.sig = sigStable
	l.sendDescription(domain.EventAnswer, answer)
	l.startWatchdog()
	l.changed()
	return nil
}

// ReceiveAnswer applies an answer to our pending offer. Late or duplicate
// answers are ignored.
func (l *Link) ReceiveAnswer(ctx context.Context, desc domain.SessionDescription) error {
	if l.State().Terminal() {
		return nil
	}
	if l.sig != sigHaveLocalOffer {
		if l.remote != nil && l.remote.SDP == desc.SDP {
			l.log.Debug().Msg("Duplicate answer ignored")
		} else {
			l.log.Debug().Msg("Unexpected answer ignored")
		}
		return nil
	}
	if err := l.transport.SetRemoteDescription(ctx, desc); err != nil {
		e := linkErr("set remote answer", l.cfg.Remote, err)
		l.fail(e)
		return e
	}
	l.remote = &desc
	l.sig = sigStable
	l.pendingOffer = nil
	l.drain(ctx)
	l.changed()
	return nil
}

// ReceiveIceCandidate applies c now if a remote description is set,
// otherwise it is queued until one is.
func (l *Link) ReceiveIceCandidate(ctx context.Context, c domain.ICECandidate) error {
	if l.State().Terminal() {
		return nil
	}
	if l.remote == nil {
		l.queue.Enqueue(c)
		return nil
	}
	if err := l.transport.AddICECandidate(ctx, c); err != nil {
		l.rejected++
		l.log.Debug().Err(err).Msg("Candidate rejected")
	}
	return nil
}

// Close is terminal and idempotent.
func (l *Link) Close() {
	if l.closed {
		return
	}
	l.closed = true
	l.stopTimers()
	if !l.failed {
		if err := l.transport.Close(); err != nil {
			l.log.Debug().Err(err).Msg("Transport close")
		}
	}
	l.queue.Clear()
	l.changed()
}

func (l *Link) yields() bool {
	if l.cfg.Glare == GlareAcceptIncoming {
		return true
	}
	return l.cfg.Self < l.cfg.Remote
}

func (l *Link) drain(ctx context.Context) {
	if l.queue.Len() == 0 {
		return
	}
	res := l.queue.Drain(ctx, l.transport.AddICECandidate)
	l.rejected += res.Rejected
	l.log.Debug().Int("applied", res.Applied).Int("rejected", res.Rejected).Msg("Drained queued candidates")
}

func (l *Link) onTransportState(ctx context.Context, s port.TransportState) {
	if l.State().Terminal() {
		return
	}
	l.transportState = s
	l.log.Debug().Str("transport", s.String()).Msg("Transport state")

	switch s {
	case port.TransportConnecting:
		l.startWatchdog()
	case port.TransportConnected:
		l.stopTimers()
		l.changed()
		if l.hooks.connected != nil {
			l.hooks.connected(l)
		}
		return
	case port.TransportFailed, port.TransportClosed:
		l.fail(linkErr("transport", l.cfg.Remote, ErrTransportFailed))
		return
	}
	l.changed()
}

// startWatchdog arms the renegotiation and connect timers once per link.
func (l *Link) startWatchdog() {
	if l.watchdog {
		return
	}
	l.watchdog = true
	l.renegotiate = l.clock.AfterFunc(l.cfg.RenegotiateAfter, func() {
		l.dispatch(l.onRenegotiate)
	})
	l.timeout = l.clock.AfterFunc(l.cfg.ConnectTimeout, func() {
		l.dispatch(l.onConnectTimeout)
	})
}

func (l *Link) onRenegotiate(ctx context.Context) {
	if l.State().Terminal() || l.transportState == port.TransportConnected {
		return
	}
	switch l.sig {
	case sigHaveLocalOffer:
		if l.pendingOffer != nil {
			ev := l.log.Info()
			if l.lastIgnored != nil {
				ev = ev.Int("ignored_offers", l.ignoredOffers)
			}
			ev.Msg("No answer yet, resending offer")
			l.sendDescription(domain.EventOffer, *l.pendingOffer)
		}
	case sigStable:
		l.log.Info().Msg("Not connected yet, renegotiating")
		if err := l.offer(ctx); err != nil {
			l.log.Warn().Err(err).Msg("Renegotiation failed")
		}
	}
}

func (l *Link) onConnectTimeout(context.Context) {
	if l.State().Terminal() || l.transportState == port.TransportConnected {
		return
	}
	l.fail(linkErr("connect", l.cfg.Remote, ErrConnectTimeout))
}

func (l *Link) fail(err error) {
	if l.State().Terminal() {
		return
	}
	l.log.Warn().Err(err).Msg("Link failed")
	l.failed = true
	l.stopTimers()
	if cerr := l.transport.Close(); cerr != nil {
		l.log.Debug().Err(cerr).Msg("Transport close")
	}
	l.queue.Clear()
	l.changed()
	if l.hooks.failed != nil {
		l.hooks.failed(l, err)
	}
}

func (l *Link) stopTimers() {
	if l.renegotiate != nil {
		l.renegotiate.Stop()
	}
	if l.timeout != nil {
		l.timeout.Stop()
	}
}

func (l *Link) changed() {
	st := l.State()
	if st == l.last {
		return
	}
	l.last = st
	if l.hooks.state != nil {
		l.hooks.state(l, st)
	}
}

func (l *Link) sendDescription(t domain.EventType, desc domain.SessionDescription) {
	raw, err := json.Marshal(desc)
	if err != nil {
		l.log.Error().Err(err).Msg("Encode description")
		return
	}
	l.send(t, domain.Signal{SDP: raw, RoomID: l.cfg.Room.String(), TargetID: l.cfg.Remote})
}

func (l *Link) sendCandidate(c domain.ICECandidate) {
	if l.State().Terminal() {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		l.log.Error().Err(err).Msg("Encode candidate")
		return
	}
	l.send(domain.EventICECandidate, domain.Signal{Candidate: raw, RoomID: l.cfg.Room.String(), TargetID: l.cfg.Remote})
}

func (l *Link) send(t domain.EventType, sig domain.Signal) {
	env, err := domain.NewEnvelope(t, sig)
	if err != nil {
		l.log.Error().Err(err).Msg("Encode signal")
		return
	}
	if err := l.signaler.Send(env); err != nil {
		l.log.Warn().Err(err).Str("type", string(t)).Msg("Signal not sent")
	}
}
