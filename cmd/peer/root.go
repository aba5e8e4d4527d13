package main

import (
	"github.com/Wyydra/mesh/internal/config"
	"github.com/Wyydra/mesh/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is the state shared by subcommands once flags are parsed.
type app struct {
	configPath string
	serverURL  string
	logLevel   string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "meshpeer",
		Short:         "Full-mesh WebRTC room client",
		Long:          `meshpeer connects to a mesh signaling server and keeps a direct WebRTC link to every other participant of a room.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the config file")
	root.PersistentFlags().StringVarP(&a.serverURL, "server", "s", "", "signaling server URL, overrides peer.server_url")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level, overrides log.level")

	root.AddCommand(newJoinCmd(a), newRoomsCmd(a))
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.serverURL != "" {
		cfg.Peer.ServerURL = a.serverURL
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	a.log = logging.New(cfg.Log)
	return nil
}
