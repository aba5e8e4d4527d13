package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/rs/zerolog"
)

var ErrClientNotFound = errors.New("client not connected")

// Hub implements port.Gateway over the connected sockets.
type Hub struct {
	mu      sync.Mutex
	clients map[domain.ParticipantID]port.Client
	quit    chan struct{}
	once    sync.Once
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[domain.ParticipantID]port.Client),
		quit:    make(chan struct{}),
		log:     log,
	}
}

func (h *Hub) Send(_ context.Context, to domain.ParticipantID, env domain.Envelope) error {
	h.mu.Lock()
	c, ok := h.clients[to]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, to)
	}
	return c.Send(env)
}

func (h *Hub) Register(c port.Client) {
	h.mu.Lock()
	h.clients[c.ID()] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("socket_id", c.ID().String()).Int("clients", n).Msg("Client registered")
}

// Unregister removes c if it is still the socket registered under its id.
func (h *Hub) Unregister(c port.Client) {
	h.mu.Lock()
	cur, ok := h.clients[c.ID()]
	if ok && cur == c {
		delete(h.clients, c.ID())
	}
	h.mu.Unlock()
	if ok && cur == c {
		h.log.Info().Str("socket_id", c.ID().String()).Msg("Client unregistered")
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run blocks until Stop, then closes every client.
func (h *Hub) Run() {
	<-h.quit

	h.mu.Lock()
	clients := make([]port.Client, 0, len(h.clients))
	for id, c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			h.log.Debug().Err(err).Str("socket_id", c.ID().String()).Msg("Close client")
		}
	}
}

func (h *Hub) Stop() {
	h.once.Do(func() { close(h.quit) })
}
