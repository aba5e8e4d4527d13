package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/mesh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primary = lipgloss.Color("#22d3ee")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	failure = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")
)

var (
	infoStyle    = lipgloss.NewStyle().Foreground(primary)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Foreground(failure).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primary).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func printInfo(w io.Writer, msg string) {
	fmt.Fprintln(w, infoStyle.Render(msg))
}

func printError(w io.Writer, msg string) {
	fmt.Fprintln(w, errorStyle.Render("Error: "+msg))
}

func printEvent(w io.Writer, e mesh.Event) {
	fmt.Fprintln(w, describe(e))
}

// describe renders one coordinator event as a terminal line.
func describe(e mesh.Event) string {
	switch e.Kind {
	case mesh.EventRoomJoined:
		return successStyle.Render(fmt.Sprintf("Joined room %s", e.Room))
	case mesh.EventJoinError:
		return errorStyle.Render(fmt.Sprintf("Could not join: %s", e.Message))
	case mesh.EventLinkState:
		style := mutedStyle
		switch e.State {
		case mesh.LinkConnected:
			style = successStyle
		case mesh.LinkFailed:
			style = warningStyle
		}
		return style.Render(fmt.Sprintf("%s: %s", e.Peer, e.State))
	case mesh.EventPeerFailed:
		return errorStyle.Render(e.Message)
	case mesh.EventPeerLeft:
		return mutedStyle.Render(fmt.Sprintf("%s left", e.Peer))
	case mesh.EventTrackAdded:
		return infoStyle.Render(fmt.Sprintf("%s: receiving %s", e.Peer, e.Track.MediaKind()))
	case mesh.EventMediaState:
		return infoStyle.Render(fmt.Sprintf("%s: video %s, audio %s", e.Peer, onOff(e.Media.VideoEnabled), onOff(e.Media.AudioEnabled)))
	}
	return mutedStyle.Render(e.Kind.String())
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func roomsTable(rooms []domain.RoomSummary) string {
	rows := make([][]string, 0, len(rooms))
	for _, r := range rooms {
		rows = append(rows, []string{r.RoomID.String(), strconv.Itoa(r.ParticipantCount)})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primary)).
		Headers("Room", "Participants").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}
