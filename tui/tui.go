package tui

import (
	"os"

	"github.com/mattn/go-isatty"
)

// HasTTY reports whether stdout is an interactive terminal. Spinners and
// prompts degrade to plain output when it is false.
var HasTTY = interactive(os.Stdout.Fd(), os.Getenv)

// interactive is false under CI or a dumb terminal even when fd is a tty.
func interactive(fd uintptr, getenv func(string) string) bool {
	if getenv("CI") != "" || getenv("TERM") == "dumb" {
		return false
	}
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
