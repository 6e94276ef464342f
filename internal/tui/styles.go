package tui

import "github.com/charmbracelet/lipgloss"

var (
	// HeaderStyle styles the column header row.
	HeaderStyle = lipgloss.NewStyle().Bold(true)
	// TitleStyle styles the line above the table.
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))

	barFilled = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	barEmpty  = lipgloss.NewStyle().Faint(true)

	statusStyles = map[string]lipgloss.Style{
		// Terminal states
		"downloaded": lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"patched":    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"done":       lipgloss.NewStyle().Foreground(lipgloss.Color("2")),

		// Active states
		"downloading": lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		"patching":    lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		"verifying":   lipgloss.NewStyle().Foreground(lipgloss.Color("4")),

		"cancelled": lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"error":     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),

		"pending": lipgloss.NewStyle().Faint(true),
	}
)

// StatusStyle returns the lipgloss style for the given status string.
func StatusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return lipgloss.NewStyle()
}
