package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var _ port.Signaler = (*Client)(nil)

// echoServer greets with welcome, then answers every frame with an error
// envelope quoting the received type.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(domain.MustEnvelope(domain.EventWelcome, domain.Welcome{SocketID: "s1"}))
		conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		for {
			var env domain.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			conn.WriteJSON(domain.MustEnvelope(domain.EventError, domain.ErrorPayload{Message: string(env.Type)}))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_RoundTrip(t *testing.T) {
	srv := echoServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c, err := Dial(context.Background(), url, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	got := make(chan domain.Envelope, 8)
	done := make(chan error, 1)
	go func() { done <- c.Run(func(env domain.Envelope) { got <- env }) }()

	next := func() domain.Envelope {
		select {
		case env := <-got:
			return env
		case <-time.After(2 * time.Second):
			t.Fatal("no envelope")
		}
		return domain.Envelope{}
	}

	if env := next(); env.Type != domain.EventWelcome {
		t.Fatalf("first frame %s, want welcome", env.Type)
	}
	if err := c.Send(domain.MustEnvelope(domain.EventGetActiveRooms, nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// the garbage frame is skipped
	env := next()
	var e domain.ErrorPayload
	if err := env.Decode(&e); err != nil || e.Message != string(domain.EventGetActiveRooms) {
		t.Fatalf("reply = %s %s", env.Type, env.Payload)
	}

	c.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Run returned %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if err := c.Send(domain.MustEnvelope(domain.EventGetActiveRooms, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v", err)
	}
}

func TestDial_Refused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	if _, err := Dial(context.Background(), url, zerolog.Nop()); err == nil {
		t.Fatal("Dial to a closed server succeeded")
	}
}
