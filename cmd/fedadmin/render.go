package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/chess-club/federation-api/internal/domain"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	warningColor = lipgloss.Color("#FFB86C")
	dangerColor  = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	borderColor  = lipgloss.Color("#44475A")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(mutedColor).Width(20)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	accentStyle = lipgloss.NewStyle().Foreground(accentColor)
	dangerStyle = lipgloss.NewStyle().Bold(true).Foreground(dangerColor)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)
)

func stateColor(s domain.FederationState) lipgloss.Color {
	switch s {
	case domain.FederationStateFederated:
		return accentColor
	case domain.FederationStatePending:
		return warningColor
	default:
		return mutedColor
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

func renderRecords(recs []domain.FederationRecord) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(recs) {
				return cellStyle.Foreground(stateColor(recs[row].State))
			}
			return cellStyle
		}).
		Headers("MEMBER", "STATE", "AUTO-RENEW", "DOCUMENTS", "LAST UPDATE", "VERSION")

	for _, r := range recs {
		t.Row(
			string(r.MemberID),
			string(r.State),
			strconv.FormatBool(r.EffectiveAutoRenew()),
			strconv.FormatBool(r.HasDocuments()),
			formatDate(r.LastDocumentUpdate),
			strconv.FormatInt(r.Version, 10),
		)
	}
	return t.Render()
}

func renderRecord(email domain.Email, r domain.FederationRecord) string {
	line := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}
	state := lipgloss.NewStyle().Bold(true).Foreground(stateColor(r.State)).Render(string(r.State))
	body := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(fmt.Sprintf("%s (%s)", email, r.MemberID)),
		"",
		line("State", state),
		line("Auto-renew", fmt.Sprintf("%t (stored %t)", r.EffectiveAutoRenew(), r.AutoRenew)),
		line("Last document update", formatDate(r.LastDocumentUpdate)),
		line("Front image", orDash(r.FrontImageRef)),
		line("Back image", orDash(r.BackImageRef)),
		line("Version", strconv.FormatInt(r.Version, 10)),
	)
	return panelStyle.Render(body)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
