package logger

import "github.com/mattn/go-isatty"

// isTerminal reports whether fd writes to an interactive terminal, which
// gates ANSI color in the text handler. Cygwin ptys count.
func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
