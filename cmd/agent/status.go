package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"wgkeeper/internal/agent"
	"wgkeeper/internal/tunnel"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	titleStyle   = lipgloss.NewStyle().Bold(true)
)

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registration, tunnel and connectivity state without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			st, err := newAgent(a.cfg, a.logger).Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(renderStatus(st))
			return nil
		},
	}
}

type kv struct {
	key   string
	value string
}

func keyValues(pairs ...kv) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p.key))
	}
	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", width+1, p.key+":")
		sb.WriteString("  " + labelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

func yesNo(v bool) string {
	if v {
		return successStyle.Render("yes")
	}
	return errorStyle.Render("no")
}

func renderStatus(st agent.Status) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Device") + "\n")
	registered := yesNo(st.RecordValid)
	if !st.RecordValid && len(st.Missing) > 0 {
		registered += " " + warnStyle.Render("(missing "+strings.Join(st.Missing, ", ")+")")
	}
	sb.WriteString(keyValues(
		kv{"registered", registered},
		kv{"serial", orDash(st.Record.Serial())},
		kv{"assigned ip", orDash(st.Record.AssignedIP())},
		kv{"relay key", orDash(st.Record.RelayPublicKey())},
	))

	sb.WriteString(titleStyle.Render("Tunnel "+st.Interface) + "\n")
	link := yesNo(st.Link.Exists)
	switch {
	case st.LinkErr != nil:
		link = warnStyle.Render(st.LinkErr.Error())
	case st.Link.Exists && !st.Link.Up:
		link += " " + warnStyle.Render("(down)")
	}
	sb.WriteString(keyValues(
		kv{"interface", link},
		kv{"config", renderDrift(st)},
		kv{"handshake", renderHandshake(st)},
	))

	sb.WriteString(titleStyle.Render("Connectivity") + "\n")
	relayValue := yesNo(st.Relay)
	if !st.Internet {
		relayValue = labelStyle.Render("not checked")
	}
	sb.WriteString(keyValues(
		kv{"internet", yesNo(st.Internet)},
		kv{"relay", relayValue},
		kv{"clock", renderClock(st)},
	))
	return sb.String()
}

func renderDrift(st agent.Status) string {
	if !st.RecordValid {
		return labelStyle.Render("not checked")
	}
	if !st.Signal.NeedsUpdate() {
		return successStyle.Render("in sync")
	}
	return warnStyle.Render(strings.ReplaceAll(string(st.Signal.Drift), "_", " "))
}

func renderHandshake(st agent.Status) string {
	h := st.Handshake
	switch {
	case !st.RecordValid:
		return labelStyle.Render("not checked")
	case st.HandshakeErr != nil:
		return warnStyle.Render(st.HandshakeErr.Error())
	case !h.Present:
		return errorStyle.Render("relay peer absent")
	case h.Never:
		return errorStyle.Render("never")
	case h.Age > tunnel.DefaultHandshakeMaxAge:
		return warnStyle.Render(h.Age.String() + " ago")
	default:
		return successStyle.Render(h.Age.String() + " ago")
	}
}

func renderClock(st agent.Status) string {
	switch {
	case !st.Internet:
		return labelStyle.Render("not checked")
	case st.ClockErr != nil:
		return warnStyle.Render(st.ClockErr.Error())
	case st.Clock.Server == "":
		return labelStyle.Render("not checked")
	}
	offset := fmt.Sprintf("offset %s via %s", st.Clock.Offset.Round(time.Millisecond), st.Clock.Server)
	if st.Clock.Synced {
		return successStyle.Render(offset)
	}
	return warnStyle.Render(offset)
}

func orDash(s string) string {
	if s == "" {
		return labelStyle.Render("-")
	}
	return s
}
