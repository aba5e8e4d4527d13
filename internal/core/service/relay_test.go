package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/rs/zerolog"
)

type fakeGateway struct {
	mu      sync.Mutex
	sent    map[domain.ParticipantID][]domain.Envelope
	offline map[domain.ParticipantID]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sent:    make(map[domain.ParticipantID][]domain.Envelope),
		offline: make(map[domain.ParticipantID]bool),
	}
}

func (g *fakeGateway) Send(_ context.Context, to domain.ParticipantID, env domain.Envelope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.offline[to] {
		return errors.New("client not connected")
	}
	g.sent[to] = append(g.sent[to], env)
	return nil
}

// take returns and clears what was sent to id.
func (g *fakeGateway) take(id domain.ParticipantID) []domain.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.sent[id]
	delete(g.sent, id)
	return out
}

func (g *fakeGateway) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = make(map[domain.ParticipantID][]domain.Envelope)
}

type countingMetrics struct {
	mu      sync.Mutex
	dropped map[string]int
	rooms   int
	members int
}

func (m *countingMetrics) MessageReceived(domain.EventType)  {}
func (m *countingMetrics) MessageForwarded(domain.EventType) {}
func (m *countingMetrics) MessageDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}
func (m *countingMetrics) RoomsChanged(rooms, participants int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms, m.members = rooms, participants
}

func newTestRelay() (*SignalingRelay, *fakeGateway, *countingMetrics) {
	gw := newFakeGateway()
	m := &countingMetrics{dropped: make(map[string]int)}
	return NewSignalingRelay(NewRoomRegistry(), gw, m, zerolog.Nop()), gw, m
}

func join(t *testing.T, s *SignalingRelay, id, room string) {
	t.Helper()
	s.Handle(context.Background(), domain.ParticipantID(id), domain.MustEnvelope(domain.EventJoinRoom, domain.JoinRoom{RoomID: room, UserID: "user-" + id}))
}

func types(envs []domain.Envelope) []domain.EventType {
	out := make([]domain.EventType, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func wantTypes(t *testing.T, who string, got []domain.Envelope, want ...domain.EventType) {
	t.Helper()
	gt := types(got)
	if len(gt) != len(want) {
		t.Fatalf("%s got %v, want %v", who, gt, want)
	}
	for i := range want {
		if gt[i] != want[i] {
			t.Fatalf("%s got %v, want %v", who, gt, want)
		}
	}
}

func decode[T any](t *testing.T, env domain.Envelope) T {
	t.Helper()
	var v T
	if err := env.Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

func TestSignalingRelay_JoinFanout(t *testing.T) {
	s, gw, m := newTestRelay()

	join(t, s, "a", "Demo")
	wantTypes(t, "a", gw.take("a"), domain.EventRoomUpdate, domain.EventRoomJoined)

	join(t, s, "b", "demo")
	toA := gw.take("a")
	wantTypes(t, "a", toA, domain.EventUserJoined, domain.EventRoomUpdate)
	notice := decode[domain.PeerNotice](t, toA[0])
	if notice.SocketID != "b" || notice.UserID != "user-b" {
		t.Fatalf("user-joined=%+v", notice)
	}
	update := decode[domain.RoomInfo](t, toA[1])
	if update.ParticipantCount != 2 || len(update.OtherParticipants) != 1 || update.OtherParticipants[0] != "b" {
		t.Fatalf("room-update to a=%+v", update)
	}

	toB := gw.take("b")
	wantTypes(t, "b", toB, domain.EventRoomUpdate, domain.EventRoomJoined)
	joined := decode[domain.RoomInfo](t, toB[1])
	if joined.SocketID != "b" || joined.RoomID != "demo" {
		t.Fatalf("room-joined=%+v", joined)
	}
	if len(joined.OtherParticipants) != 1 || joined.OtherParticipants[0] != "a" {
		t.Fatalf("room-joined others=%v, want [a]", joined.OtherParticipants)
	}
	if len(joined.Participants) != 2 {
		t.Fatalf("room-joined participants=%v", joined.Participants)
	}
	if m.rooms != 1 || m.members != 2 {
		t.Fatalf("RoomsChanged=%d,%d, want 1,2", m.rooms, m.members)
	}
}

func TestSignalingRelay_JoinInvalidRoom(t *testing.T) {
	s, gw, m := newTestRelay()
	join(t, s, "a", "   ")

	got := gw.take("a")
	wantTypes(t, "a", got, domain.EventJoinRoomError)
	if msg := decode[domain.ErrorPayload](t, got[0]).Message; msg == "" {
		t.Fatal("join-room-error without message")
	}
	if m.dropped[port.DropInvalidRoom] != 1 {
		t.Fatalf("dropped=%v", m.dropped)
	}
}

func TestSignalingRelay_LeaveNotifiesOnce(t *testing.T) {
	for _, tc := range []struct {
		name  string
		leave func(s *SignalingRelay)
	}{
		{
			name: "leave-room",
			leave: func(s *SignalingRelay) {
				s.Handle(context.Background(), "a", domain.MustEnvelope(domain.EventLeaveRoom, domain.LeaveRoom{RoomID: "DEMO"}))
			},
		},
		{
			name:  "disconnect",
			leave: func(s *SignalingRelay) { s.Disconnect(context.Background(), "a") },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, gw, _ := newTestRelay()
			join(t, s, "a", "demo")
			join(t, s, "b", "demo")
			join(t, s, "c", "demo")
			gw.reset()

			tc.leave(s)

			for _, id := range []domain.ParticipantID{"b", "c"} {
				got := gw.take(id)
				wantTypes(t, string(id), got, domain.EventUserLeft, domain.EventRoomUpdate)
				if n := decode[domain.PeerNotice](t, got[0]); n.SocketID != "a" {
					t.Fatalf("user-left=%+v", n)
				}
				info := decode[domain.RoomInfo](t, got[1])
				if info.ParticipantCount != 2 {
					t.Fatalf("room-update count=%d, want 2", info.ParticipantCount)
				}
			}
			if got := gw.take("a"); len(got) != 0 {
				t.Fatalf("leaver got %v", types(got))
			}

			// a second leave or disconnect must stay silent
			tc.leave(s)
			if got := gw.take("b"); len(got) != 0 {
				t.Fatalf("repeat leave sent %v", types(got))
			}
		})
	}
}

func TestSignalingRelay_SwitchRoomNotifiesOldRoom(t *testing.T) {
	s, gw, _ := newTestRelay()
	join(t, s, "a", "one")
	join(t, s, "b", "one")
	gw.reset()

	join(t, s, "a", "two")
	wantTypes(t, "b", gw.take("b"), domain.EventUserLeft, domain.EventRoomUpdate)
	wantTypes(t, "a", gw.take("a"), domain.EventRoomUpdate, domain.EventRoomJoined)
}

func TestSignalingRelay_OfferTargeting(t *testing.T) {
	s, gw, m := newTestRelay()
	join(t, s, "a", "demo")
	join(t, s, "b", "demo")
	join(t, s, "c", "demo")
	gw.reset()

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	s.Handle(context.Background(), "a", domain.MustEnvelope(domain.EventOffer, domain.Signal{SDP: sdp, RoomID: "demo", TargetID: "b"}))

	got := gw.take("b")
	wantTypes(t, "b", got, domain.EventOffer)
	sig := decode[domain.Signal](t, got[0])
	if sig.From != "a" || sig.TargetID != "" || sig.RoomID != "" {
		t.Fatalf("forwarded signal=%+v", sig)
	}
	if string(sig.SDP) != string(sdp) {
		t.Fatalf("sdp=%s, want %s", sig.SDP, sdp)
	}
	if got := gw.take("c"); len(got) != 0 {
		t.Fatalf("c got %v", types(got))
	}

	// target not in the room is a silent no-op
	s.Handle(context.Background(), "a", domain.MustEnvelope(domain.EventOffer, domain.Signal{SDP: sdp, RoomID: "demo", TargetID: "zed"}))
	if got := gw.take("a"); len(got) != 0 {
		t.Fatalf("sender got %v for missing target", types(got))
	}
	if m.dropped[port.DropTargetMissing] != 1 {
		t.Fatalf("dropped=%v", m.dropped)
	}
}

func TestSignalingRelay_CandidateWithoutTargetBroadcasts(t *testing.T) {
	s, gw, _ := newTestRelay()
	join(t, s, "a", "demo")
	join(t, s, "b", "demo")
	join(t, s, "c", "demo")
	gw.reset()

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`)
	s.Handle(context.Background(), "a", domain.MustEnvelope(domain.EventICECandidate, domain.Signal{Candidate: cand, RoomID: "demo"}))

	wantTypes(t, "b", gw.take("b"), domain.EventICECandidate)
	wantTypes(t, "c", gw.take("c"), domain.EventICECandidate)
	if got := gw.take("a"); len(got) != 0 {
		t.Fatalf("sender got %v", types(got))
	}
}

func TestSignalingRelay_RejectsNonMembers(t *testing.T) {
	s, gw, m := newTestRelay()
	join(t, s, "a", "demo")
	gw.reset()

	sdp := json.RawMessage(`{"type":"answer","sdp":"v=0\r\n"}`)
	s.Handle(context.Background(), "x", domain.MustEnvelope(domain.EventAnswer, domain.Signal{SDP: sdp, RoomID: "demo", TargetID: "a"}))
	s.Handle(context.Background(), "x", domain.MustEnvelope(domain.EventMediaState, domain.MediaStatePayload{RoomID: "demo"}))

	got := gw.take("x")
	wantTypes(t, "x", got, domain.EventError, domain.EventError)
	if got := gw.take("a"); len(got) != 0 {
		t.Fatalf("member got %v from non-member", types(got))
	}
	if m.dropped[port.DropNotMember] != 2 {
		t.Fatalf("dropped=%v", m.dropped)
	}
}

func TestSignalingRelay_MediaStateScenario(t *testing.T) {
	s, gw, _ := newTestRelay()
	join(t, s, "a", "demo")
	join(t, s, "b", "demo")
	join(t, s, "c", "demo")
	gw.reset()

	s.Handle(context.Background(), "a", domain.MustEnvelope(domain.EventMediaState, domain.MediaStatePayload{RoomID: "demo", VideoEnabled: false, AudioEnabled: true}))

	for _, id := range []domain.ParticipantID{"b", "c"} {
		got := gw.take(id)
		wantTypes(t, string(id), got, domain.EventMediaState)
		ms := decode[domain.MediaStatePayload](t, got[0])
		if ms.From != "a" || ms.VideoEnabled || !ms.AudioEnabled {
			t.Fatalf("%s media-state=%+v", id, ms)
		}
	}
	if got := gw.take("a"); len(got) != 0 {
		t.Fatalf("sender got %v", types(got))
	}
}

func TestSignalingRelay_Queries(t *testing.T) {
	s, gw, _ := newTestRelay()
	join(t, s, "a", "big")
	join(t, s, "b", "big")
	join(t, s, "c", "small")
	gw.reset()

	s.Handle(context.Background(), "z", domain.Envelope{Type: domain.EventGetActiveRooms})
	got := gw.take("z")
	wantTypes(t, "z", got, domain.EventActiveRooms)
	rooms := decode[[]domain.RoomSummary](t, got[0])
	if len(rooms) != 2 || rooms[0].RoomID != "big" || rooms[0].ParticipantCount != 2 {
		t.Fatalf("active-rooms=%+v", rooms)
	}

	s.Handle(context.Background(), "a", domain.MustEnvelope(domain.EventGetRoomInfo, domain.RoomQuery{RoomID: "BIG"}))
	got = gw.take("a")
	wantTypes(t, "a", got, domain.EventRoomUpdate)
	info := decode[domain.RoomInfo](t, got[0])
	if info.ParticipantCount != 2 || len(info.OtherParticipants) != 1 || info.OtherParticipants[0] != "b" {
		t.Fatalf("room-update=%+v", info)
	}

	s.Handle(context.Background(), "a", domain.MustEnvelope(domain.EventGetRoomInfo, domain.RoomQuery{RoomID: "absent"}))
	info = decode[domain.RoomInfo](t, gw.take("a")[0])
	if info.ParticipantCount != 0 || len(info.Participants) != 0 {
		t.Fatalf("absent room info=%+v", info)
	}
}

func TestSignalingRelay_UnknownAndMalformed(t *testing.T) {
	s, gw, m := newTestRelay()
	join(t, s, "a", "demo")
	gw.reset()

	s.Handle(context.Background(), "a", domain.Envelope{Type: "bogus"})
	s.Handle(context.Background(), "a", domain.Envelope{Type: domain.EventOffer, Payload: json.RawMessage(`[1,2]`)})

	wantTypes(t, "a", gw.take("a"), domain.EventError, domain.EventError)
	if m.dropped[port.DropUnknownType] != 1 || m.dropped[port.DropMalformed] != 1 {
		t.Fatalf("dropped=%v", m.dropped)
	}
}

func TestSignalingRelay_SendFailureIsBestEffort(t *testing.T) {
	s, gw, m := newTestRelay()
	join(t, s, "a", "demo")
	join(t, s, "b", "demo")
	join(t, s, "c", "demo")
	gw.reset()

	gw.mu.Lock()
	gw.offline["b"] = true
	gw.mu.Unlock()

	s.Handle(context.Background(), "a", domain.MustEnvelope(domain.EventMediaState, domain.MediaStatePayload{RoomID: "demo", VideoEnabled: true}))
	wantTypes(t, "c", gw.take("c"), domain.EventMediaState)
	if m.dropped[port.DropSendFailed] != 1 {
		t.Fatalf("dropped=%v", m.dropped)
	}
}
