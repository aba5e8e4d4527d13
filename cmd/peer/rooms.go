package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Wyydra/mesh/internal/adapter/driven/signaling"
	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/spf13/cobra"
)

func newRoomsCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List active rooms on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			rooms, err := a.activeRooms(ctx)
			if err != nil {
				return err
			}
			renderRooms(cmd.OutOrStdout(), rooms)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the server")
	return cmd
}

func (a *app) activeRooms(ctx context.Context) ([]domain.RoomSummary, error) {
	c, err := signaling.Dial(ctx, a.cfg.Peer.ServerURL, a.log)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	replies := make(chan domain.Envelope, 4)
	go c.Run(func(env domain.Envelope) {
		if env.Type == domain.EventActiveRooms {
			replies <- env
		}
	})
	if err := c.Send(domain.MustEnvelope(domain.EventGetActiveRooms, nil)); err != nil {
		return nil, err
	}

	select {
	case env := <-replies:
		var rooms []domain.RoomSummary
		if err := env.Decode(&rooms); err != nil {
			return nil, err
		}
		return rooms, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for active rooms: %w", ctx.Err())
	}
}

func renderRooms(out io.Writer, rooms []domain.RoomSummary) {
	if len(rooms) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No active rooms"))
		return
	}
	fmt.Fprintln(out, roomsTable(rooms))
}
