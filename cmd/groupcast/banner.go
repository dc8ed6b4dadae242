package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// field is one labeled line of the startup banner.
type field struct {
	label string
	value string
}

func printBanner(w io.Writer, title string, fields ...field) {
	heading := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212"))

	label := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Width(10)

	fmt.Fprintln(w, heading.Render(title))
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		fmt.Fprintf(w, "  %s %s\n", label.Render(f.label+":"), f.value)
	}
}
