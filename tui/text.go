package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	textStyleColor      = lipgloss.AdaptiveColor{Light: "#36EEE0", Dark: "#00FFFF"}
	messageOKColor      = lipgloss.AdaptiveColor{Light: "#009900", Dark: "#00FF00"}
	messageOKStyle      = lipgloss.NewStyle().Foreground(messageOKColor)
	messageWarningColor = lipgloss.AdaptiveColor{Light: "#990000", Dark: "#FF0000"}
	messageWarningStyle = lipgloss.NewStyle().Foreground(messageWarningColor)
)

func Bold(text string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(textStyleColor).Render(text)
}

func ShowSuccess(w io.Writer, msg string, args ...any) {
	fmt.Fprintln(w, messageOKStyle.Render(" ✓ ")+fmt.Sprintf(msg, args...))
}

func ShowWarning(w io.Writer, msg string, args ...any) {
	fmt.Fprintln(w, messageWarningStyle.Render(" ✕ ")+fmt.Sprintf(msg, args...))
}
