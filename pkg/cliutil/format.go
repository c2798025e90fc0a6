package cliutil

import "strings"

// ANSI color helpers used by northctl's "status" and "show" output.

func Green(s string) string  { return "\033[32m" + s + "\033[0m" }
func Yellow(s string) string { return "\033[33m" + s + "\033[0m" }
func Red(s string) string    { return "\033[31m" + s + "\033[0m" }
func Bold(s string) string   { return "\033[1m" + s + "\033[0m" }
func Dim(s string) string    { return "\033[2m" + s + "\033[0m" }

// DotPad pads name with dots to the given width, used to align the
// leader/paused indicators in "northctl status" output.
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	dots := width - len(name) - 1
	return name + " " + strings.Repeat(".", dots)
}

// LeaderLabel renders whether this replica holds the advisory lock,
// colorized for a terminal.
func LeaderLabel(holdsLock bool) string {
	if holdsLock {
		return Green("leader")
	}
	return Dim("standby")
}

// PausedLabel renders the pause state, colorized for a terminal.
func PausedLabel(paused bool) string {
	if paused {
		return Yellow("paused")
	}
	return Green("running")
}
