package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/mesh/internal/adapter/driven/media/pion"
	"github.com/Wyydra/mesh/internal/adapter/driven/signaling"
	"github.com/Wyydra/mesh/internal/config"
	"github.com/Wyydra/mesh/internal/core/mesh"
	"github.com/spf13/cobra"
)

const leaveTimeout = 3 * time.Second

func newJoinCmd(a *app) *cobra.Command {
	var (
		user    string
		noVideo bool
		noAudio bool
		glare   string
	)
	cmd := &cobra.Command{
		Use:   "join [room]",
		Short: "Join a room and stay until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.cfg.Peer
			if len(args) == 1 {
				p.Room = args[0]
			}
			if p.Room == "" {
				return errors.New("no room given: pass one or set peer.room")
			}
			if cmd.Flags().Changed("user") {
				p.UserID = user
			}
			if cmd.Flags().Changed("glare") {
				p.Glare = glare
			}
			p.DisableVideo = p.DisableVideo || noVideo
			p.DisableAudio = p.DisableAudio || noAudio
			return a.join(cmd.Context(), cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "display name sent with the join")
	cmd.Flags().BoolVar(&noVideo, "no-video", false, "do not publish video")
	cmd.Flags().BoolVar(&noAudio, "no-audio", false, "do not publish audio")
	cmd.Flags().StringVar(&glare, "glare", "", "offer collision policy: polite or accept-incoming")
	return cmd
}

// meshConfig maps the peer config section onto coordinator settings.
func meshConfig(p config.Peer) (mesh.Config, error) {
	glare, err := mesh.ParseGlarePolicy(p.Glare)
	if err != nil {
		return mesh.Config{}, err
	}
	return mesh.Config{
		Glare:             glare,
		ConnectTimeout:    p.ConnectTimeout,
		RenegotiateAfter:  p.RenegotiateAfter,
		RetryBase:         p.RetryBase,
		RetryCap:          p.RetryCap,
		MaxAttempts:       p.MaxAttempts,
		ReconcileInterval: p.ReconcileInterval,
		LinkStagger:       p.LinkStagger,
		ExhaustedCooldown: p.ExhaustedCooldown,
	}, nil
}

func (a *app) join(parent context.Context, out io.Writer, p config.Peer) error {
	mcfg, err := meshConfig(p)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sig, err := signaling.Dial(ctx, p.ServerURL, a.log)
	if err != nil {
		return err
	}
	defer sig.Close()

	factory, err := pion.NewFactory(p.ICEServerURLs(), a.log)
	if err != nil {
		return err
	}

	coord := mesh.NewCoordinator(mesh.Options{
		Signaler:   sig,
		Transports: factory,
		Media:      pion.NewSource(!p.DisableVideo, !p.DisableAudio, a.log),
		Log:        a.log,
		Config:     mcfg,
	})

	// The loop outlives ctx so Leave can still run after an interrupt.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	go coord.Run(runCtx)

	sigErr := make(chan error, 1)
	go func() { sigErr <- sig.Run(coord.Deliver) }()

	if err := coord.SetMediaState(ctx, !p.DisableVideo, !p.DisableAudio); err != nil {
		return err
	}
	if err := coord.Join(ctx, p.Room, p.UserID); err != nil {
		return err
	}
	printInfo(out, fmt.Sprintf("Joining %q via %s", p.Room, p.ServerURL))

	events := coord.Events()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(runCtx, leaveTimeout)
			if err := coord.Leave(leaveCtx); err != nil && !errors.Is(err, mesh.ErrNotInRoom) {
				a.log.Warn().Err(err).Msg("Leave failed")
			}
			cancel()
			printInfo(out, "Left the room")
			return nil
		case err := <-sigErr:
			return fmt.Errorf("signaling: %w", err)
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Kind == mesh.EventJoinError {
				return fmt.Errorf("join %s: %s", p.Room, e.Message)
			}
			printEvent(out, e)
		}
	}
}
