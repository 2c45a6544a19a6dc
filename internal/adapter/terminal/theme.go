// Package terminal renders conversations and live streams for the CLI.
//
// NO_COLOR is honoured by lipgloss and fatih/color through their own
// terminal detection.
package terminal

import "github.com/charmbracelet/lipgloss"

var (
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
)

var (
	styleBold    = lipgloss.NewStyle().Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)

	styleUserLabel      = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	styleAssistantLabel = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
)
