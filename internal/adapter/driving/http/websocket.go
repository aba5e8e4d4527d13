package http

import (
	"context"
	"net/http"

	"github.com/Wyydra/mesh/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
	"golang.org/x/time/rate"
)

const (
	msgRateLimited = "rate limited"
	msgMalformed   = "Malformed message"
)

// ServeWS upgrades the request and runs one signaling socket until it closes.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	id := domain.NewParticipantID()
	l := h.log.With().Str("socket_id", id.String()).Logger()
	client := ws.NewClient(id, conn, h.cfg.SendBuffer, l)

	h.hub.Register(client)
	h.metrics.SocketOpened()
	l.Info().Str("remote", r.RemoteAddr).Msg("New client connected")

	go client.WritePump()
	if err := client.Send(domain.MustEnvelope(domain.EventWelcome, domain.Welcome{SocketID: id})); err != nil {
		l.Warn().Err(err).Msg("Welcome not sent")
	}

	ctx := r.Context()
	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst)

	client.ReadPump(h.cfg.MaxMessageBytes, func(data []byte) {
		if !limiter.Allow() {
			h.metrics.MessageDropped(port.DropRateLimited)
			h.reply(client, msgRateLimited)
			return
		}
		env, err := domain.ParseEnvelope(data)
		if err != nil {
			h.metrics.MessageDropped(port.DropMalformed)
			h.reply(client, msgMalformed)
			l.Debug().Err(err).Msg("Malformed frame")
			return
		}
		h.relay.Handle(ctx, id, env)
	})

	h.hub.Unregister(client)
	h.relay.Disconnect(context.WithoutCancel(ctx), id)
	client.Close()
	h.metrics.SocketClosed()
	l.Info().Msg("Client disconnected")
}

func (h *Handler) reply(c *ws.Client, msg string) {
	if err := c.Send(domain.MustEnvelope(domain.EventError, domain.ErrorPayload{Message: msg})); err != nil {
		h.log.Debug().Err(err).Str("socket_id", c.ID().String()).Msg("Error reply not sent")
	}
}
