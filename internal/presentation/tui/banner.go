// Package tui holds terminal presentation helpers for the keel CLI.
package tui

import (
	"fmt"
	"io"
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// PrintBanner writes the keel banner and version to w.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	// Teal to blue, top to bottom.
	lines := []struct{ text, color string }{
		{" _             _ ", "#2dd4bf"},
		{"| | _____  ___| |", "#22d3ee"},
		{"| |/ / _ \\/ _ \\ |", "#38bdf8"},
		{"|   <  __/  __/ |", "#60a5fa"},
		{"|_|\\_\\___|\\___|_|", "#818cf8"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	fmt.Fprintln(w, out.String("  session lifecycle manager "+version).Faint())
	fmt.Fprintln(w)
}
