package mesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in deadline order outside
// the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.Envelope
	fn   func(env domain.Envelope)
}

func (s *fakeSignaler) Send(env domain.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(env)
	}
	return nil
}

// signals returns the decoded signals of type t sent to target.
func (s *fakeSignaler) signals(t domain.EventType, target domain.ParticipantID) []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Signal
	for _, env := range s.sent {
		if env.Type != t {
			continue
		}
		var sig domain.Signal
		if err := env.Decode(&sig); err != nil {
			continue
		}
		if sig.TargetID == target {
			out = append(out, sig)
		}
	}
	return out
}

func (s *fakeSignaler) count(t domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.sent {
		if env.Type == t {
			n++
		}
	}
	return n
}

var errNoRemoteDescription = errors.New("no remote description")

type fakeTransport struct {
	mu         sync.Mutex
	remoteID   domain.ParticipantID
	offers     int
	answers    int
	local      *domain.SessionDescription
	remote     *domain.SessionDescription
	rollbacks  int
	candidates []domain.ICECandidate
	reject     map[string]bool
	tracks     []port.LocalTrack
	closed     bool

	onICE   func(domain.ICECandidate)
	onTrack func(port.RemoteTrack)
	onState func(port.TransportState)
}

func (t *fakeTransport) AddTrack(track port.LocalTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *fakeTransport) CreateOffer(context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers++
	desc := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", t.remoteID, t.offers)}
	t.local = &desc
	return desc, nil
}

func (t *fakeTransport) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil || t.remote.Type != domain.SDPTypeOffer {
		return domain.SessionDescription{}, errNoRemoteDescription
	}
	t.answers++
	desc := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s-%d", t.remoteID, t.answers)}
	t.local = &desc
	return desc, nil
}

func (t *fakeTransport) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if desc.Type == domain.SDPTypeOffer && t.local != nil && t.local.Type == domain.SDPTypeOffer {
		t.rollbacks++
		t.local = nil
	}
	t.remote = &desc
	return nil
}

func (t *fakeTransport) AddICECandidate(_ context.Context, c domain.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errNoRemoteDescription
	}
	if t.reject[c.Candidate] {
		return errors.New("bad candidate")
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) OnICECandidate(fn func(domain.ICECandidate)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnTrack(fn func(port.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnStateChange(fn func(port.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) fireState(s port.TransportState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	fn(s)
}

func (t *fakeTransport) fireTrack(tr port.RemoteTrack) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	fn(tr)
}

func (t *fakeTransport) fireCandidate(c domain.ICECandidate) {
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	fn(c)
}

func (t *fakeTransport) snapshot() (offers, answers, rollbacks int, candidates []string, closed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.candidates {
		candidates = append(candidates, c.Candidate)
	}
	return t.offers, t.answers, t.rollbacks, candidates, t.closed
}

type fakeFactory struct {
	mu     sync.Mutex
	byPeer map[domain.ParticipantID][]*fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{byPeer: make(map[domain.ParticipantID][]*fakeTransport)}
}

func (f *fakeFactory) NewTransport(_ context.Context, remote domain.ParticipantID) (port.MediaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{remoteID: remote, reject: make(map[string]bool)}
	f.byPeer[remote] = append(f.byPeer[remote], t)
	return t, nil
}

func (f *fakeFactory) created(remote domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byPeer[remote])
}

func (f *fakeFactory) last(remote domain.ParticipantID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.byPeer[remote]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

type fakeTrack struct {
	id   string
	kind port.MediaKind
}

func (t fakeTrack) TrackID() string           { return t.id }
func (t fakeTrack) StreamID() string          { return "stream-" + t.id }
func (t fakeTrack) MediaKind() port.MediaKind { return t.kind }

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (m *fakeMedia) Acquire(context.Context) ([]port.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	return []port.LocalTrack{
		fakeTrack{id: "video", kind: port.MediaKindVideo},
		fakeTrack{id: "audio", kind: port.MediaKindAudio},
	}, nil
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

// syncBuffer is a log sink safe to read while the loop writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
