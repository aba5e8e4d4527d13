package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/rs/zerolog"
)

var ErrUnknownPeer = errors.New("unknown peer")

type Config struct {
	Glare             GlarePolicy
	ConnectTimeout    time.Duration
	RenegotiateAfter  time.Duration
	RetryBase         time.Duration
	RetryCap          time.Duration
	MaxAttempts       int
	ReconcileInterval time.Duration
	LinkStagger       time.Duration
	ExhaustedCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		Glare:             GlarePolite,
		ConnectTimeout:    30 * time.Second,
		RenegotiateAfter:  10 * time.Second,
		RetryBase:         2 * time.Second,
		RetryCap:          10 * time.Second,
		MaxAttempts:       3,
		ReconcileInterval: 3 * time.Second,
		LinkStagger:       100 * time.Millisecond,
		ExhaustedCooldown: 30 * time.Second,
	}
}

// retryDelay is RetryBase*attempt capped at RetryCap.
func (c Config) retryDelay(attempt int) time.Duration {
	return min(c.RetryBase*time.Duration(attempt), c.RetryCap)
}

type Options struct {
	Signaler   port.Signaler
	Transports port.TransportFactory
	Media      port.MediaSource
	Clock      Clock
	Log        zerolog.Logger
	Config     Config
}

type EventKind int

const (
	EventRoomJoined EventKind = iota
	EventJoinError
	EventLinkState
	EventPeerFailed
	EventPeerLeft
	EventTrackAdded
	EventMediaState
)

func (k EventKind) String() string {
	switch k {
	case EventRoomJoined:
		return "room-joined"
	case EventJoinError:
		return "join-error"
	case EventLinkState:
		return "link-state"
	case EventPeerFailed:
		return "peer-failed"
	case EventPeerLeft:
		return "peer-left"
	case EventTrackAdded:
		return "track-added"
	case EventMediaState:
		return "media-state"
	}
	return "unknown"
}

// Event is an application notification. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind    EventKind
	Room    domain.RoomID
	Peer    domain.ParticipantID
	State   LinkState
	Track   port.RemoteTrack
	Media   domain.MediaState
	Message string
	Err     error
}

const eventBuffer = 64

// peer is everything the coordinator tracks about one remote participant.
type peer struct {
	id     domain.ParticipantID
	link   *Link
	queue  IceCandidateQueue
	tracks []port.RemoteTrack
	media  *domain.MediaState

	attempts    int
	pending     Timer
	exhaustedAt time.Time
}

// Coordinator keeps one link per other participant of the joined room.
// All state is owned by the Run loop; public methods post work to it.
type Coordinator struct {
	sig        port.Signaler
	transports port.TransportFactory
	media      port.MediaSource
	clock      Clock
	cfg        Config
	log        zerolog.Logger

	inbox   *inbox
	events  chan Event
	stopped chan struct{}

	// loop-owned
	room      domain.RoomID
	userID    string
	self      domain.ParticipantID
	joined    bool
	epoch     uint64
	peers     map[domain.ParticipantID]*peer
	roster    []domain.ParticipantRef
	local     []port.LocalTrack
	state     domain.MediaState
	reconcile Timer
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	cfg := opts.Config
	if cfg.Glare == "" {
		cfg.Glare = GlarePolite
	}
	return &Coordinator{
		sig:        opts.Signaler,
		transports: opts.Transports,
		media:      opts.Media,
		clock:      opts.Clock,
		cfg:        cfg,
		log:        opts.Log,
		inbox:      newInbox(),
		events:     make(chan Event, eventBuffer),
		stopped:    make(chan struct{}),
		peers:      make(map[domain.ParticipantID]*peer),
		state:      domain.MediaState{VideoEnabled: true, AudioEnabled: true},
	}
}

// Events is closed when Run returns.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Run processes work until ctx is done. It must be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.events)
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			c.reset()
			return ctx.Err()
		case <-c.inbox.notify:
			for _, f := range c.inbox.take() {
				f(ctx)
			}
		}
	}
}

// call runs f on the loop and waits for it.
func (c *Coordinator) call(ctx context.Context, f func(context.Context)) error {
	done := make(chan struct{})
	c.inbox.push(func(ctx context.Context) {
		f(ctx)
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// after schedules f on the loop. Work scheduled before a Leave is dropped.
func (c *Coordinator) after(d time.Duration, f func(context.Context)) Timer {
	epoch := c.epoch
	return c.clock.AfterFunc(d, func() {
		c.inbox.push(func(ctx context.Context) {
			if c.epoch != epoch {
				return
			}
			f(ctx)
		})
	})
}

func (c *Coordinator) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.Warn().Str("event", e.Kind.String()).Msg("Event buffer full, dropping event")
	}
}

// Join acquires capture and asks the server to join room. A capture failure
// is returned as ErrCapture and nothing is sent.
func (c *Coordinator) Join(ctx context.Context, rawRoom, userID string) error {
	room, err := domain.NormalizeRoomID(rawRoom)
	if err != nil {
		return err
	}
	var joinErr error
	if err := c.call(ctx, func(ctx context.Context) { joinErr = c.join(ctx, room, userID) }); err != nil {
		return err
	}
	return joinErr
}

func (c *Coordinator) join(ctx context.Context, room domain.RoomID, userID string) error {
	if c.room != "" {
		return ErrAlreadyInRoom
	}
	tracks, err := c.media.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCapture, err)
	}

	c.epoch++
	c.room = room
	c.userID = userID
	c.local = tracks

	if err := c.send(domain.EventJoinRoom, domain.JoinRoom{RoomID: room.String(), UserID: userID}); err != nil {
		c.reset()
		return fmt.Errorf("join %s: %w", room, err)
	}
	c.log.Info().Str("room", room.String()).Int("tracks", len(tracks)).Msg("Joining room")
	c.scheduleReconcile()
	return nil
}

// Leave closes every link and releases capture.
func (c *Coordinator) Leave(ctx context.Context) error {
	var leaveErr error
	if err := c.call(ctx, func(context.Context) {
		if c.room == "" {
			leaveErr = ErrNotInRoom
			return
		}
		if err := c.send(domain.EventLeaveRoom, domain.LeaveRoom{RoomID: c.room.String()}); err != nil {
			c.log.Warn().Err(err).Msg("Leave not sent")
		}
		c.log.Info().Str("room", c.room.String()).Msg("Left room")
		c.reset()
	}); err != nil {
		return err
	}
	return leaveErr
}

// reset tears down every peer, cancels timers and releases capture.
func (c *Coordinator) reset() {
	c.epoch++
	for id := range c.peers {
		c.dropPeer(id)
	}
	if c.reconcile != nil {
		c.reconcile.Stop()
		c.reconcile = nil
	}
	if c.local != nil {
		c.media.Release()
		c.local = nil
	}
	c.room = ""
	c.userID = ""
	c.joined = false
	c.roster = nil
}

// Deliver hands an inbound envelope to the loop. It never blocks.
func (c *Coordinator) Deliver(env domain.Envelope) {
	c.inbox.push(func(ctx context.Context) { c.handle(ctx, env) })
}

// SetMediaState records the local toggles and tells the room.
func (c *Coordinator) SetMediaState(ctx context.Context, video, audio bool) error {
	return c.call(ctx, func(context.Context) {
		c.state = domain.MediaState{VideoEnabled: video, AudioEnabled: audio}
		if c.joined {
			c.sendMediaState()
		}
	})
}

// Retry starts a fresh connection episode with id.
func (c *Coordinator) Retry(ctx context.Context, id domain.ParticipantID) error {
	var retryErr error
	if err := c.call(ctx, func(ctx context.Context) {
		p, ok := c.peers[id]
		if !ok || !c.inRoster(id) {
			retryErr = fmt.Errorf("%w: %s", ErrUnknownPeer, id)
			return
		}
		if p.link != nil {
			return
		}
		c.freshEpisode(p)
		c.ensureLink(ctx, p, true)
	}); err != nil {
		return err
	}
	return retryErr
}

func (c *Coordinator) Self(ctx context.Context) (domain.ParticipantID, error) {
	var id domain.ParticipantID
	err := c.call(ctx, func(context.Context) { id = c.self })
	return id, err
}

func (c *Coordinator) Roster(ctx context.Context) ([]domain.ParticipantRef, error) {
	var out []domain.ParticipantRef
	err := c.call(ctx, func(context.Context) { out = slices.Clone(c.roster) })
	return out, err
}

// Links returns the state of every live link by peer.
func (c *Coordinator) Links(ctx context.Context) (map[domain.ParticipantID]LinkState, error) {
	out := make(map[domain.ParticipantID]LinkState)
	err := c.call(ctx, func(context.Context) {
		for id, p := range c.peers {
			if p.link != nil {
				out[id] = p.link.State()
			}
		}
	})
	return out, err
}

func (c *Coordinator) Streams(ctx context.Context) (map[domain.ParticipantID][]port.RemoteTrack, error) {
	out := make(map[domain.ParticipantID][]port.RemoteTrack)
	err := c.call(ctx, func(context.Context) {
		for id, p := range c.peers {
			if len(p.tracks) > 0 {
				out[id] = slices.Clone(p.tracks)
			}
		}
	})
	return out, err
}

func (c *Coordinator) MediaStates(ctx context.Context) (map[domain.ParticipantID]domain.MediaState, error) {
	out := make(map[domain.ParticipantID]domain.MediaState)
	err := c.call(ctx, func(context.Context) {
		for id, p := range c.peers {
			if p.media != nil {
				out[id] = *p.media
			}
		}
	})
	return out, err
}

func (c *Coordinator) handle(ctx context.Context, env domain.Envelope) {
	var err error
	switch env.Type {
	case domain.EventWelcome:
		var w domain.Welcome
		if err = env.Decode(&w); err == nil {
			c.self = w.SocketID
		}
	case domain.EventRoomJoined:
		err = c.onRoomJoined(ctx, env)
	case domain.EventJoinRoomError:
		var e domain.ErrorPayload
		if err = env.Decode(&e); err != nil {
			e.Message = string(domain.EventJoinRoomError)
		}
		if c.room != "" && !c.joined {
			room := c.room
			c.reset()
			c.emit(Event{Kind: EventJoinError, Room: room, Message: e.Message})
		}
	case domain.EventRoomUpdate:
		err = c.onRoomUpdate(ctx, env)
	case domain.EventUserJoined:
		err = c.onUserJoined(ctx, env)
	case domain.EventUserLeft:
		err = c.onUserLeft(env)
	case domain.EventOffer, domain.EventAnswer:
		err = c.onDescription(ctx, env)
	case domain.EventICECandidate:
		err = c.onCandidate(ctx, env)
	case domain.EventMediaState:
		err = c.onMediaState(env)
	case domain.EventError:
		var e domain.ErrorPayload
		if err = env.Decode(&e); err == nil {
			c.log.Warn().Str("message", e.Message).Msg("Server reported error")
		}
	case domain.EventActiveRooms:
	default:
		c.log.Debug().Str("type", string(env.Type)).Msg("Ignoring unknown event")
	}
	if err != nil {
		c.log.Debug().Err(err).Str("type", string(env.Type)).Msg("Dropped inbound event")
	}
}

func (c *Coordinator) onRoomJoined(ctx context.Context, env domain.Envelope) error {
	var info domain.RoomInfo
	if err := env.Decode(&info); err != nil {
		return err
	}
	if c.room == "" || info.RoomID != c.room {
		return fmt.Errorf("room-joined for %q while in %q", info.RoomID, c.room)
	}
	if info.SocketID != "" {
		c.self = info.SocketID
	}
	c.joined = true
	c.roster = info.Participants
	c.log.Info().
		Str("room", c.room.String()).
		Str("self", c.self.String()).
		Int("count", info.ParticipantCount).
		Msg("Joined room")
	c.emit(Event{Kind: EventRoomJoined, Room: c.room, Peer: c.self})
	c.sendMediaState()

	n := 0
	for _, id := range info.OtherParticipants {
		if id == c.self {
			continue
		}
		p := c.peer(id)
		if p.link != nil || p.pending != nil {
			continue
		}
		if n == 0 {
			c.ensureLink(ctx, p, true)
		} else {
			c.schedule(p, c.cfg.LinkStagger*time.Duration(n))
		}
		n++
	}
	return nil
}

func (c *Coordinator) onRoomUpdate(ctx context.Context, env domain.Envelope) error {
	var info domain.RoomInfo
	if err := env.Decode(&info); err != nil {
		return err
	}
	if !c.joined || info.RoomID != c.room {
		return nil
	}
	c.roster = info.Participants
	c.reconcileLinks(ctx)
	return nil
}

func (c *Coordinator) onUserJoined(ctx context.Context, env domain.Envelope) error {
	var n domain.PeerNotice
	if err := env.Decode(&n); err != nil {
		return err
	}
	if !c.joined || n.SocketID == c.self {
		return nil
	}
	if !c.inRoster(n.SocketID) {
		c.roster = append(c.roster, domain.ParticipantRef{SocketID: n.SocketID, UserID: n.UserID})
	}
	c.log.Info().Str("peer", n.SocketID.String()).Str("user_id", n.UserID).Msg("Participant joined")
	p := c.peer(n.SocketID)
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
	c.ensureLink(ctx, p, true)
	return nil
}

func (c *Coordinator) onUserLeft(env domain.Envelope) error {
	var n domain.PeerNotice
	if err := env.Decode(&n); err != nil {
		return err
	}
	if c.room == "" {
		return nil
	}
	c.roster = slices.DeleteFunc(c.roster, func(r domain.ParticipantRef) bool { return r.SocketID == n.SocketID })
	if _, ok := c.peers[n.SocketID]; !ok {
		return nil
	}
	c.dropPeer(n.SocketID)
	c.log.Info().Str("peer", n.SocketID.String()).Msg("Participant left")
	c.emit(Event{Kind: EventPeerLeft, Room: c.room, Peer: n.SocketID})
	return nil
}

func (c *Coordinator) onDescription(ctx context.Context, env domain.Envelope) error {
	var sig domain.Signal
	if err := env.Decode(&sig); err != nil {
		return err
	}
	if c.room == "" || sig.From == "" || sig.From == c.self {
		return nil
	}
	var desc domain.SessionDescription
	if err := json.Unmarshal(sig.SDP, &desc); err != nil {
		return fmt.Errorf("%w: %s sdp: %v", domain.ErrMalformedEnvelope, env.Type, err)
	}

	p := c.peer(sig.From)
	if env.Type == domain.EventAnswer {
		if p.link == nil {
			return fmt.Errorf("answer from %s without link", sig.From)
		}
		return p.link.ReceiveAnswer(ctx, desc)
	}

	if p.link == nil {
		// an offer from the peer starts a new episode
		c.freshEpisode(p)
		l, err := c.newLink(ctx, p)
		if err != nil {
			return err
		}
		return l.ReceiveOffer(ctx, desc)
	}
	return p.link.ReceiveOffer(ctx, desc)
}

func (c *Coordinator) onCandidate(ctx context.Context, env domain.Envelope) error {
	var sig domain.Signal
	if err := env.Decode(&sig); err != nil {
		return err
	}
	if c.room == "" || sig.From == "" || sig.From == c.self {
		return nil
	}
	var cand domain.ICECandidate
	if err := json.Unmarshal(sig.Candidate, &cand); err != nil {
		return fmt.Errorf("%w: candidate: %v", domain.ErrMalformedEnvelope, err)
	}
	p := c.peer(sig.From)
	if p.link == nil {
		p.queue.Enqueue(cand)
		return nil
	}
	return p.link.ReceiveIceCandidate(ctx, cand)
}

func (c *Coordinator) onMediaState(env domain.Envelope) error {
	var ms domain.MediaStatePayload
	if err := env.Decode(&ms); err != nil {
		return err
	}
	if c.room == "" || ms.From == "" || ms.From == c.self {
		return nil
	}
	state := domain.MediaState{VideoEnabled: ms.VideoEnabled, AudioEnabled: ms.AudioEnabled}
	c.peer(ms.From).media = &state
	c.emit(Event{Kind: EventMediaState, Room: c.room, Peer: ms.From, Media: state})
	return nil
}

func (c *Coordinator) peer(id domain.ParticipantID) *peer {
	p, ok := c.peers[id]
	if !ok {
		p = &peer{id: id}
		c.peers[id] = p
	}
	return p
}

func (c *Coordinator) inRoster(id domain.ParticipantID) bool {
	return slices.ContainsFunc(c.roster, func(r domain.ParticipantRef) bool { return r.SocketID == id })
}

// ensureLink creates a link to p if there is none and optionally offers.
func (c *Coordinator) ensureLink(ctx context.Context, p *peer, offer bool) {
	if p.link != nil {
		return
	}
	l, err := c.newLink(ctx, p)
	if err != nil {
		c.log.Warn().Err(err).Str("peer", p.id.String()).Msg("Could not create link")
		c.retryOrGiveUp(p, err)
		return
	}
	if offer {
		if err := l.InitiateOffer(ctx); err != nil {
			c.log.Debug().Err(err).Str("peer", p.id.String()).Msg("Offer not sent")
		}
	}
}

func (c *Coordinator) newLink(ctx context.Context, p *peer) (*Link, error) {
	t, err := c.transports.NewTransport(ctx, p.id)
	if err != nil {
		return nil, linkErr("new transport", p.id, err)
	}
	for _, track := range c.local {
		if err := t.AddTrack(track); err != nil {
			_ = t.Close()
			return nil, linkErr("add track", p.id, err)
		}
	}

	cfg := LinkConfig{
		Self:             c.self,
		Remote:           p.id,
		Room:             c.room,
		Glare:            c.cfg.Glare,
		RenegotiateAfter: c.cfg.RenegotiateAfter,
		ConnectTimeout:   c.cfg.ConnectTimeout,
	}
	hooks := linkHooks{
		state: func(l *Link, s LinkState) {
			if p.link == l {
				c.emit(Event{Kind: EventLinkState, Room: c.room, Peer: p.id, State: s})
			}
		},
		connected: func(l *Link) {
			if p.link == l {
				p.attempts = 0
				p.exhaustedAt = time.Time{}
				c.log.Info().Str("peer", p.id.String()).Msg("Link connected")
			}
		},
		failed: func(l *Link, err error) {
			if p.link == l {
				c.onLinkFailed(p, err)
			}
		},
		track: func(l *Link, t port.RemoteTrack) {
			if p.link == l {
				p.tracks = append(p.tracks, t)
				c.emit(Event{Kind: EventTrackAdded, Room: c.room, Peer: p.id, Track: t})
			}
		},
	}
	epoch := c.epoch
	dispatch := func(f func(context.Context)) {
		c.inbox.push(func(ctx context.Context) {
			if c.epoch == epoch {
				f(ctx)
			}
		})
	}

	l := newLink(cfg, t, c.sig, c.clock, &p.queue, dispatch, hooks, c.log)
	p.link = l
	return l, nil
}

func (c *Coordinator) onLinkFailed(p *peer, err error) {
	c.teardown(p)
	if !c.inRoster(p.id) {
		delete(c.peers, p.id)
		return
	}
	c.retryOrGiveUp(p, err)
}

// retryOrGiveUp schedules the next attempt of the episode, or reports the
// peer as failed once the attempts are used up.
func (c *Coordinator) retryOrGiveUp(p *peer, err error) {
	if p.attempts >= c.cfg.MaxAttempts {
		p.exhaustedAt = c.clock.Now()
		msg := fmt.Sprintf("connection failed with participant %s", p.id)
		c.log.Error().Err(err).Str("peer", p.id.String()).Int("attempts", p.attempts).Msg("Giving up on peer")
		c.emit(Event{Kind: EventPeerFailed, Room: c.room, Peer: p.id, Message: msg, Err: err})
		return
	}
	p.attempts++
	delay := c.cfg.retryDelay(p.attempts)
	c.log.Info().Str("peer", p.id.String()).Int("attempt", p.attempts).Dur("delay", delay).Msg("Retrying link")
	c.schedule(p, delay)
}

// schedule creates a link to p and offers after d.
func (c *Coordinator) schedule(p *peer, d time.Duration) {
	if p.pending != nil {
		p.pending.Stop()
	}
	p.pending = c.after(d, func(ctx context.Context) {
		p.pending = nil
		if c.peers[p.id] != p {
			return
		}
		c.ensureLink(ctx, p, true)
	})
}

func (c *Coordinator) freshEpisode(p *peer) {
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
	p.attempts = 0
	p.exhaustedAt = time.Time{}
}

// reconcileLinks creates missing links for the roster. It never removes
// links.
func (c *Coordinator) reconcileLinks(ctx context.Context) {
	for _, r := range c.roster {
		if r.SocketID == c.self {
			continue
		}
		p := c.peer(r.SocketID)
		if p.link != nil || p.pending != nil {
			continue
		}
		if !p.exhaustedAt.IsZero() {
			if c.clock.Now().Sub(p.exhaustedAt) < c.cfg.ExhaustedCooldown {
				continue
			}
			c.freshEpisode(p)
		}
		c.log.Debug().Str("peer", r.SocketID.String()).Msg("Reconcile creating link")
		c.ensureLink(ctx, p, true)
	}
}

func (c *Coordinator) scheduleReconcile() {
	if c.cfg.ReconcileInterval <= 0 {
		return
	}
	c.reconcile = c.after(c.cfg.ReconcileInterval, func(context.Context) {
		if c.room == "" {
			return
		}
		if err := c.send(domain.EventGetRoomInfo, domain.RoomQuery{RoomID: c.room.String()}); err != nil {
			c.log.Debug().Err(err).Msg("Room info request not sent")
		}
		c.scheduleReconcile()
	})
}

func (c *Coordinator) teardown(p *peer) {
	if p.link != nil {
		l := p.link
		l.Close()
		p.link = nil
	}
	p.queue.Clear()
	p.tracks = nil
}

func (c *Coordinator) dropPeer(id domain.ParticipantID) {
	p, ok := c.peers[id]
	if !ok {
		return
	}
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
	c.teardown(p)
	delete(c.peers, id)
}

func (c *Coordinator) sendMediaState() {
	err := c.send(domain.EventMediaState, domain.MediaStatePayload{
		RoomID:       c.room.String(),
		VideoEnabled: c.state.VideoEnabled,
		AudioEnabled: c.state.AudioEnabled,
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("Media state not sent")
	}
}

func (c *Coordinator) send(t domain.EventType, payload any) error {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return c.sig.Send(env)
}
