package main

import (
	"github.com/charmbracelet/lipgloss"

	"codehook/pkg/protocol"
)

// Colors are ANSI palette indexes so they follow the terminal theme.
// lipgloss drops styling when stdout is not a terminal.
var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// stateStyle colors a run state.
func stateStyle(s protocol.RunState) lipgloss.Style {
	switch s {
	case protocol.RunCompleted:
		return okStyle
	case protocol.RunTimedOut:
		return warnStyle
	case protocol.RunFailed:
		return errorStyle
	default:
		return mutedStyle
	}
}

// field renders "label: value" with an aligned label column.
func field(label, value string) string {
	return labelStyle.Width(12).Render(label+":") + " " + value
}
