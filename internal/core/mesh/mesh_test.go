package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/Wyydra/mesh/internal/core/service"
	"github.com/rs/zerolog"
)

// bus delivers relay output straight into coordinators.
type bus struct {
	mu    sync.Mutex
	peers map[domain.ParticipantID]*Coordinator
}

func (b *bus) Send(_ context.Context, to domain.ParticipantID, env domain.Envelope) error {
	b.mu.Lock()
	c := b.peers[to]
	b.mu.Unlock()
	if c == nil {
		return errors.New("not connected")
	}
	c.Deliver(env)
	return nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMesh_ThreeClientsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	b := &bus{peers: make(map[domain.ParticipantID]*Coordinator)}
	relay := service.NewSignalingRelay(service.NewRoomRegistry(), b, nil, zerolog.Nop())
	clock := newFakeClock()

	ids := []domain.ParticipantID{"a", "b", "c"}
	coords := make(map[domain.ParticipantID]*Coordinator)
	factories := make(map[domain.ParticipantID]*fakeFactory)
	for _, id := range ids {
		from := id
		sig := &fakeSignaler{fn: func(env domain.Envelope) { relay.Handle(ctx, from, env) }}
		factories[id] = newFakeFactory()
		cfg := testConfig()
		c := NewCoordinator(Options{
			Signaler:   sig,
			Transports: factories[id],
			Media:      &fakeMedia{},
			Clock:      clock,
			Log:        zerolog.Nop(),
			Config:     cfg,
		})
		coords[id] = c
		b.mu.Lock()
		b.peers[id] = c
		b.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
		c.Deliver(domain.MustEnvelope(domain.EventWelcome, domain.Welcome{SocketID: id}))
	}

	for i, id := range ids {
		c := coords[id]
		if err := c.Join(ctx, "Demo", "user-"+string(id)); err != nil {
			t.Fatalf("%s Join: %v", id, err)
		}
		eventually(t, string(id)+" roster", func() bool {
			roster, _ := c.Roster(ctx)
			return len(roster) >= i+1
		})
	}
	eventually(t, "c joined", func() bool {
		roster, _ := coords["c"].Roster(ctx)
		return len(roster) == 3
	})
	// release the staggered offer
	clock.Advance(100 * time.Millisecond)

	allIn := func(want LinkState) func() bool {
		return func() bool {
			for _, id := range ids {
				links, err := coords[id].Links(ctx)
				if err != nil || len(links) != len(ids)-1 {
					return false
				}
				for _, st := range links {
					if st != want {
						return false
					}
				}
			}
			return true
		}
	}
	eventually(t, "every link answered", allIn(LinkAnswered))

	for _, id := range ids {
		for _, other := range ids {
			if other == id {
				continue
			}
			if n := factories[id].created(other); n != 1 {
				t.Fatalf("%s created %d transports to %s, want 1", id, n, other)
			}
		}
	}

	for _, id := range ids {
		for _, other := range ids {
			if other != id {
				factories[id].last(other).fireState(port.TransportConnected)
			}
		}
	}
	eventually(t, "every link connected", allIn(LinkConnected))

	// c leaves; a and b drop their links to it
	if err := coords["c"].Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	eventually(t, "links to c dropped", func() bool {
		for _, id := range []domain.ParticipantID{"a", "b"} {
			links, _ := coords[id].Links(ctx)
			if _, ok := links["c"]; ok || len(links) != 1 {
				return false
			}
		}
		return true
	})
}
