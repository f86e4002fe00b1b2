package console

import "github.com/charmbracelet/lipgloss"

var (
	Primary   = lipgloss.Color("#22d3ee")
	Secondary = lipgloss.Color("#7C3AED")
	Success   = lipgloss.Color("#10B981")
	Warning   = lipgloss.Color("#F59E0B")
	Error     = lipgloss.Color("#EF4444")
	Muted     = lipgloss.Color("#6B7280")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary)

	SpotlightStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Warning)

	MutedStyle = lipgloss.NewStyle().
			Foreground(Muted)

	EventStyle = lipgloss.NewStyle().
			Foreground(Secondary)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	ChatNameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Success)
)

var (
	tableBorderStyle = lipgloss.NewStyle().Foreground(Primary)

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(Primary).
				Align(lipgloss.Center)

	tableCellStyle = lipgloss.NewStyle().Padding(0, 1)

	tableRowStyle = tableCellStyle.Foreground(lipgloss.Color("255"))

	tableRowAltStyle = tableCellStyle.Foreground(lipgloss.Color("245"))
)
