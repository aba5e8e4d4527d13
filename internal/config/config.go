package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kkyr/fig"
)

// EnvPrefix prefixes environment overrides, e.g. MESH_SERVER_ADDR.
const EnvPrefix = "MESH"

const DefaultFile = "mesh.yaml"

// DefaultICEServers is used when peer.ice_servers is empty.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

type Config struct {
	Server Server `fig:"server"`
	Peer   Peer   `fig:"peer"`
	Log    Log    `fig:"log"`
}

type Server struct {
	Addr              string   `fig:"addr" default:":8080"`
	StaticDir         string   `fig:"static_dir"`
	MaxMessageBytes   int64    `fig:"max_message_bytes" default:"65536"`
	MessagesPerSecond float64  `fig:"messages_per_second" default:"50"`
	Burst             int      `fig:"burst" default:"100"`
	SendBuffer        int      `fig:"send_buffer" default:"64"`
	MetricsPath       string   `fig:"metrics_path" default:"/metrics"`
	AllowedOrigins    []string `fig:"allowed_origins"`
}

type Peer struct {
	ServerURL         string        `fig:"server_url" default:"ws://localhost:8080/ws"`
	Room              string        `fig:"room"`
	UserID            string        `fig:"user_id"`
	ICEServers        []string      `fig:"ice_servers"`
	Glare             string        `fig:"glare" default:"polite"`
	ConnectTimeout    time.Duration `fig:"connect_timeout" default:"30s"`
	RenegotiateAfter  time.Duration `fig:"renegotiate_after" default:"10s"`
	RetryBase         time.Duration `fig:"retry_base" default:"2s"`
	RetryCap          time.Duration `fig:"retry_cap" default:"10s"`
	MaxAttempts       int           `fig:"max_attempts" default:"3"`
	ReconcileInterval time.Duration `fig:"reconcile_interval" default:"3s"`
	LinkStagger       time.Duration `fig:"link_stagger" default:"100ms"`
	ExhaustedCooldown time.Duration `fig:"exhausted_cooldown" default:"30s"`
	DisableVideo      bool          `fig:"disable_video"`
	DisableAudio      bool          `fig:"disable_audio"`
}

type Log struct {
	Level string `fig:"level" default:"info"`
	// JSON switches from the console writer to plain JSON lines.
	JSON bool `fig:"json"`
}

// Load reads path, or mesh.yaml from . and configs when path is empty, and
// applies MESH_ environment overrides. A missing default file is not an
// error; defaults and environment are used instead.
func Load(path string) (Config, error) {
	var cfg Config

	file, dirs := DefaultFile, []string{".", "configs"}
	if path != "" {
		file, dirs = filepath.Base(path), []string{filepath.Dir(path)}
	}

	err := fig.Load(&cfg, fig.File(file), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) && path == "" {
		cfg = Config{}
		err = fig.Load(&cfg, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
	}
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Server.MaxMessageBytes <= 0:
		return errors.New("server.max_message_bytes must be positive")
	case c.Server.MessagesPerSecond <= 0 || c.Server.Burst <= 0:
		return errors.New("server rate limit must be positive")
	case c.Peer.MaxAttempts < 0:
		return errors.New("peer.max_attempts must not be negative")
	case c.Peer.RenegotiateAfter >= c.Peer.ConnectTimeout:
		return errors.New("peer.renegotiate_after must be shorter than peer.connect_timeout")
	}
	return nil
}

// ICEServerURLs returns the configured ICE servers or the default STUN.
func (p Peer) ICEServerURLs() []string {
	if len(p.ICEServers) == 0 {
		return DefaultICEServers
	}
	return p.ICEServers
}
