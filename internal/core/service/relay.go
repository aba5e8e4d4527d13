package service

import (
	"context"
	"errors"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/rs/zerolog"
)

// Error messages sent back to a sender over the error events.
const (
	msgInvalidRoom = "Invalid room ID"
	msgNotInRoom   = "Not a member of this room"
	msgMalformed   = "Malformed message"
	msgUnknownType = "Unknown message type"
)

// SignalingRelay routes envelopes between sockets using the registry.
// It never looks inside offer, answer or candidate blobs, and every send is
// best-effort: failures are logged and counted but not retried.
type SignalingRelay struct {
	registry *RoomRegistry
	gateway  port.Gateway
	metrics  port.RelayMetrics
	log      zerolog.Logger
}

func NewSignalingRelay(registry *RoomRegistry, gateway port.Gateway, metrics port.RelayMetrics, log zerolog.Logger) *SignalingRelay {
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	return &SignalingRelay{
		registry: registry,
		gateway:  gateway,
		metrics:  metrics,
		log:      log,
	}
}

// Handle processes one envelope received from the socket from.
func (s *SignalingRelay) Handle(ctx context.Context, from domain.ParticipantID, env domain.Envelope) {
	s.metrics.MessageReceived(env.Type)
	l := s.log.With().Str("socket_id", from.String()).Str("type", string(env.Type)).Logger()

	var err error
	switch env.Type {
	case domain.EventJoinRoom:
		err = s.handleJoin(ctx, from, env)
	case domain.EventLeaveRoom:
		err = s.handleLeave(ctx, from, env)
	case domain.EventOffer, domain.EventAnswer, domain.EventICECandidate:
		err = s.handleSignal(ctx, from, env)
	case domain.EventMediaState:
		err = s.handleMediaState(ctx, from, env)
	case domain.EventGetActiveRooms:
		s.send(ctx, from, domain.MustEnvelope(domain.EventActiveRooms, s.registry.ActiveRooms()))
	case domain.EventGetRoomInfo:
		err = s.handleRoomInfo(ctx, from, env)
	default:
		s.metrics.MessageDropped(port.DropUnknownType)
		s.replyError(ctx, from, msgUnknownType)
		return
	}
	if err != nil {
		l.Debug().Err(err).Msg("Rejected message")
	}
}

// Disconnect runs leave cleanup for every room the socket is recorded in.
// It is safe to call for a socket that is in no room.
func (s *SignalingRelay) Disconnect(ctx context.Context, id domain.ParticipantID) {
	for _, res := range s.registry.LeaveAll(id) {
		s.notifyLeave(ctx, res)
	}
	s.reportStats()
}

func (s *SignalingRelay) handleJoin(ctx context.Context, from domain.ParticipantID, env domain.Envelope) error {
	var req domain.JoinRoom
	if err := env.Decode(&req); err != nil {
		s.metrics.MessageDropped(port.DropMalformed)
		s.send(ctx, from, domain.MustEnvelope(domain.EventJoinRoomError, domain.ErrorPayload{Message: msgInvalidRoom}))
		return err
	}

	res, err := s.registry.Join(req.RoomID, domain.ParticipantRef{SocketID: from, UserID: req.UserID})
	if err != nil {
		s.metrics.MessageDropped(port.DropInvalidRoom)
		s.send(ctx, from, domain.MustEnvelope(domain.EventJoinRoomError, domain.ErrorPayload{Message: msgInvalidRoom}))
		return err
	}
	for _, left := range res.Left {
		s.notifyLeave(ctx, left)
	}

	s.log.Info().
		Str("socket_id", from.String()).
		Str("user_id", req.UserID).
		Str("room", res.Room.String()).
		Int("count", res.ParticipantCount).
		Msg("Participant joined room")

	joined := domain.MustEnvelope(domain.EventUserJoined, domain.PeerNotice{UserID: req.UserID, SocketID: from})
	for _, other := range res.Others {
		s.send(ctx, other.SocketID, joined)
	}
	s.broadcastRoster(ctx, res.Room, res.Participants)

	confirm := roomInfo(res.Room, res.Participants, from)
	confirm.SocketID = from
	s.send(ctx, from, domain.MustEnvelope(domain.EventRoomJoined, confirm))
	s.reportStats()
	return nil
}

func (s *SignalingRelay) handleLeave(ctx context.Context, from domain.ParticipantID, env domain.Envelope) error {
	var req domain.LeaveRoom
	if err := env.Decode(&req); err != nil {
		s.metrics.MessageDropped(port.DropMalformed)
		return err
	}
	room, err := domain.NormalizeRoomID(req.RoomID)
	if err != nil {
		s.metrics.MessageDropped(port.DropInvalidRoom)
		return err
	}
	s.notifyLeave(ctx, s.registry.Leave(room, from))
	s.reportStats()
	return nil
}

func (s *SignalingRelay) notifyLeave(ctx context.Context, res LeaveResult) {
	if !res.Removed {
		return
	}
	s.log.Info().
		Str("socket_id", res.Participant.SocketID.String()).
		Str("room", res.Room.String()).
		Int("count", len(res.Remaining)).
		Bool("room_deleted", res.RoomDeleted).
		Msg("Participant left room")

	left := domain.MustEnvelope(domain.EventUserLeft, domain.PeerNotice{
		UserID:   res.Participant.UserID,
		SocketID: res.Participant.SocketID,
	})
	for _, p := range res.Remaining {
		s.send(ctx, p.SocketID, left)
	}
	s.broadcastRoster(ctx, res.Room, res.Remaining)
}

// broadcastRoster sends one room-update to every member.
func (s *SignalingRelay) broadcastRoster(ctx context.Context, room domain.RoomID, members []domain.ParticipantRef) {
	for _, p := range members {
		s.send(ctx, p.SocketID, domain.MustEnvelope(domain.EventRoomUpdate, roomInfo(room, members, p.SocketID)))
	}
}

func (s *SignalingRelay) handleSignal(ctx context.Context, from domain.ParticipantID, env domain.Envelope) error {
	var sig domain.Signal
	if err := env.Decode(&sig); err != nil {
		s.metrics.MessageDropped(port.DropMalformed)
		s.replyError(ctx, from, msgMalformed)
		return err
	}
	room, err := s.memberRoom(ctx, from, sig.RoomID)
	if err != nil {
		return err
	}

	out := domain.Signal{SDP: sig.SDP, Candidate: sig.Candidate, From: from}
	fwd, err := domain.NewEnvelope(env.Type, out)
	if err != nil {
		return err
	}

	if sig.TargetID != "" {
		if sig.TargetID == from || !s.registry.IsMember(room, sig.TargetID) {
			// the target may have just left
			s.metrics.MessageDropped(port.DropTargetMissing)
			return nil
		}
		s.forward(ctx, sig.TargetID, fwd)
		return nil
	}
	for _, p := range s.registry.RosterOf(room) {
		if p.SocketID != from {
			s.forward(ctx, p.SocketID, fwd)
		}
	}
	return nil
}

func (s *SignalingRelay) handleMediaState(ctx context.Context, from domain.ParticipantID, env domain.Envelope) error {
	var ms domain.MediaStatePayload
	if err := env.Decode(&ms); err != nil {
		s.metrics.MessageDropped(port.DropMalformed)
		s.replyError(ctx, from, msgMalformed)
		return err
	}
	room, err := s.memberRoom(ctx, from, ms.RoomID)
	if err != nil {
		return err
	}
	fwd := domain.MustEnvelope(domain.EventMediaState, domain.MediaStatePayload{
		VideoEnabled: ms.VideoEnabled,
		AudioEnabled: ms.AudioEnabled,
		From:         from,
	})
	for _, p := range s.registry.RosterOf(room) {
		if p.SocketID != from {
			s.forward(ctx, p.SocketID, fwd)
		}
	}
	return nil
}

func (s *SignalingRelay) handleRoomInfo(ctx context.Context, from domain.ParticipantID, env domain.Envelope) error {
	var q domain.RoomQuery
	if len(env.Payload) > 0 {
		if err := env.Decode(&q); err != nil {
			s.metrics.MessageDropped(port.DropMalformed)
			s.replyError(ctx, from, msgMalformed)
			return err
		}
	}
	room, err := domain.NormalizeRoomID(q.RoomID)
	if err != nil {
		s.metrics.MessageDropped(port.DropInvalidRoom)
		s.replyError(ctx, from, msgInvalidRoom)
		return err
	}
	s.send(ctx, from, domain.MustEnvelope(domain.EventRoomUpdate, roomInfo(room, s.registry.RosterOf(room), from)))
	return nil
}

var errNotMember = errors.New("sender is not a member of the room")

// memberRoom normalizes raw and checks from is a member, replying with a
// protocol error otherwise.
func (s *SignalingRelay) memberRoom(ctx context.Context, from domain.ParticipantID, raw string) (domain.RoomID, error) {
	room, err := domain.NormalizeRoomID(raw)
	if err != nil {
		s.metrics.MessageDropped(port.DropInvalidRoom)
		s.replyError(ctx, from, msgInvalidRoom)
		return "", err
	}
	if !s.registry.IsMember(room, from) {
		s.metrics.MessageDropped(port.DropNotMember)
		s.replyError(ctx, from, msgNotInRoom)
		return "", errNotMember
	}
	return room, nil
}

func (s *SignalingRelay) replyError(ctx context.Context, to domain.ParticipantID, msg string) {
	s.send(ctx, to, domain.MustEnvelope(domain.EventError, domain.ErrorPayload{Message: msg}))
}

func (s *SignalingRelay) forward(ctx context.Context, to domain.ParticipantID, env domain.Envelope) {
	if s.send(ctx, to, env) {
		s.metrics.MessageForwarded(env.Type)
	}
}

func (s *SignalingRelay) send(ctx context.Context, to domain.ParticipantID, env domain.Envelope) bool {
	if err := s.gateway.Send(ctx, to, env); err != nil {
		s.metrics.MessageDropped(port.DropSendFailed)
		s.log.Warn().Err(err).Str("to", to.String()).Str("type", string(env.Type)).Msg("Failed to send envelope")
		return false
	}
	return true
}

func (s *SignalingRelay) reportStats() {
	s.metrics.RoomsChanged(s.registry.Stats())
}

func roomInfo(room domain.RoomID, members []domain.ParticipantRef, recipient domain.ParticipantID) domain.RoomInfo {
	all := members
	if all == nil {
		all = []domain.ParticipantRef{}
	}
	return domain.RoomInfo{
		RoomID:            room,
		ParticipantCount:  len(all),
		OtherParticipants: domain.IDs(without(all, recipient)),
		Participants:      all,
	}
}
