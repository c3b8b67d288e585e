package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/go-go-golems/tether/pkg/eventbus"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
)

func styleFor(state string) lipgloss.Style {
	switch state {
	case "open", "excellent", "good":
		return okStyle
	case "connecting", "authenticating", "reconnecting", "poor":
		return warnStyle
	case "failed", "disconnected":
		return errStyle
	default:
		return dimStyle
	}
}

func renderEvent(r eventbus.EventRecord) string {
	ts := dimStyle.Render(r.At.Local().Format("15:04:05.000"))
	var b strings.Builder
	switch r.Kind {
	case "state_changed":
		fmt.Fprintf(&b, "%s %s -> %s", labelStyle.Render("state"), dimStyle.Render(r.From), styleFor(r.To).Render(r.To))
	case "quality_changed":
		fmt.Fprintf(&b, "%s %s (%dms)", labelStyle.Render("quality"), styleFor(r.Quality).Render(r.Quality), r.RTTMs)
	case "reconnecting":
		fmt.Fprintf(&b, "%s attempt %d in %dms", warnStyle.Render("reconnecting"), r.Attempt, r.DelayMs)
	case "failed":
		b.WriteString(errStyle.Render("failed"))
	default:
		b.WriteString(warnStyle.Render(r.Kind))
	}
	if r.FailureKind != "" {
		fmt.Fprintf(&b, " %s", dimStyle.Render("["+r.FailureKind+": "+r.Error+"]"))
	}
	return ts + " " + b.String()
}

func renderInbound(env envelope.Envelope) string {
	ts := dimStyle.Render(env.Timestamp.Local().Format("15:04:05.000"))
	switch env.Type {
	case envelope.TypeSystemStatus:
		var st envelope.SystemStatus
		if err := env.Decode(&st); err != nil {
			return ts + " " + errStyle.Render("bad system_status: "+err.Error())
		}
		models := make([]string, 0, len(st.ModelStatus))
		for _, m := range st.ModelStatus {
			models = append(models, m.Name+"="+styleFor(statusWord(m.Status)).Render(m.Status))
		}
		return fmt.Sprintf("%s %s cpu %.1f%% mem %.1f%% active %d qpm %.0f %s",
			ts, labelStyle.Render("status"), st.CPUUsage, st.MemoryUsage, st.ActiveQueries, st.QueriesPerMinute,
			strings.Join(models, " "))
	case envelope.TypeQueryUpdate:
		var u envelope.QueryUpdate
		_ = env.Decode(&u)
		if u.Complete {
			return fmt.Sprintf("%s %s %s complete", ts, labelStyle.Render("query"), u.QueryID)
		}
		return fmt.Sprintf("%s %s %s %q", ts, labelStyle.Render("query"), u.QueryID, u.Chunk)
	default:
		return fmt.Sprintf("%s %s %s", ts, labelStyle.Render(string(env.Type)), dimStyle.Render(string(env.Data)))
	}
}

func statusWord(s string) string {
	switch strings.ToLower(s) {
	case "ready", "online", "healthy":
		return "open"
	case "degraded", "loading":
		return "poor"
	default:
		return "failed"
	}
}
