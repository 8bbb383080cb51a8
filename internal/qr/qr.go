// Package qr draws pairing codes on a terminal.
package qr

import (
	"io"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"
)

// Render writes code as a QR code made of half-block characters, so it stays
// small enough to scan from a regular terminal window.
func Render(w io.Writer, code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
