package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// terminal is the host side of an interactive session.
type terminal struct {
	fd       int
	oldState *term.State
	keys     chan byte
}

// openTerminal starts reading stdin. With raw set and stdin a terminal, line
// editing and echo are turned off so keys reach the console one by one.
func openTerminal(raw bool) (*terminal, error) {
	t := &terminal{fd: int(os.Stdin.Fd()), keys: make(chan byte, 64)}
	if raw && term.IsTerminal(t.fd) {
		state, err := term.MakeRaw(t.fd)
		if err != nil {
			return nil, fmt.Errorf("vconsole: failed to set raw mode: %w", err)
		}
		t.oldState = state
		fmt.Fprint(os.Stderr, "vconsole: raw mode, Ctrl-] to quit\r\n")
	}
	go t.read(os.Stdin)
	return t, nil
}

// read runs until stdin is closed. It is never stopped: a read blocked on a
// terminal cannot be interrupted, and the process exits soon after.
func (t *terminal) read(r io.Reader) {
	defer close(t.keys)
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		for _, c := range buf[:n] {
			// Raw mode sends DEL for Backspace.
			if c == 0x7f {
				c = 0x08
			}
			t.keys <- c
		}
		if err != nil {
			return
		}
	}
}

// Keys delivers stdin byte by byte. It is closed at end of input.
func (t *terminal) Keys() <-chan byte { return t.keys }

func (t *terminal) Restore() {
	if t.oldState != nil {
		term.Restore(t.fd, t.oldState)
		t.oldState = nil
	}
}
