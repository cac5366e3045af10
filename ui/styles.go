package ui

import "github.com/charmbracelet/lipgloss"

const ellipsis = "…"

// Colors.
var (
	green    = lipgloss.Color("#04B575")
	yellow   = lipgloss.Color("#ECFD65")
	blue     = lipgloss.Color("#00AAFF")
	orange   = lipgloss.Color("#FF8800")
	red      = lipgloss.Color("#FF5F87")
	gray     = lipgloss.Color("#888888")
	darkGray = lipgloss.Color("#5C5C5C")
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#5A56E0")).
			Padding(0, 1)

	errorTitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(red).
			Padding(0, 1)

	subtleStyle = lipgloss.NewStyle().Foreground(gray)
	errorStyle  = lipgloss.NewStyle().Foreground(red)
)
