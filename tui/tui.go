// Package tui renders the output of the plotcache CLI.
package tui

import (
	"os"

	"github.com/mattn/go-isatty"
)

// HasTTY is set when stdout is a terminal. Tables then get borders and long
// running commands a spinner.
var HasTTY = isTerminal(os.Stdout.Fd())

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
