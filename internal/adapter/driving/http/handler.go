package http

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"

	"github.com/Wyydra/mesh/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/mesh/internal/config"
	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/Wyydra/mesh/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Metrics is what the transport reports beyond relay accounting.
type Metrics interface {
	port.RelayMetrics
	SocketOpened()
	SocketClosed()
}

type nopMetrics struct{ port.NopMetrics }

func (nopMetrics) SocketOpened() {}
func (nopMetrics) SocketClosed() {}

type Handler struct {
	cfg      config.Server
	relay    *service.SignalingRelay
	registry *service.RoomRegistry
	hub      *ws.Hub
	metrics  Metrics
	scrape   http.Handler
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// Options wires a Handler. Metrics and MetricsHandler may be nil.
type Options struct {
	Config         config.Server
	Relay          *service.SignalingRelay
	Registry       *service.RoomRegistry
	Hub            *ws.Hub
	Metrics        Metrics
	MetricsHandler http.Handler
	Log            zerolog.Logger
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		cfg:      opts.Config,
		relay:    opts.Relay,
		registry: opts.Registry,
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		scrape:   opts.MetricsHandler,
		log:      opts.Log,
	}
	if h.metrics == nil {
		h.metrics = nopMetrics{}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/health", h.health)
	r.Get("/rooms", h.rooms)
	if h.scrape != nil {
		r.Method(http.MethodGet, h.cfg.MetricsPath, h.scrape)
	}
	if h.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(h.cfg.StaticDir)))
	}
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	rooms, participants := h.registry.Stats()
	writeJSON(w, map[string]any{
		"status":       "ok",
		"clients":      h.hub.Len(),
		"rooms":        rooms,
		"participants": participants,
	})
}

func (h *Handler) rooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.registry.ActiveRooms())
}

// checkOrigin allows any origin unless allowed_origins is set.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.Contains(h.cfg.AllowedOrigins, u.Host) || slices.Contains(h.cfg.AllowedOrigins, origin)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
