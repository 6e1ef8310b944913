package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"example.com/v-console/core_engine"
	"example.com/v-console/core_engine/serial"
)

// errQuit ends an interactive session.
var errQuit = errors.New("session closed")

// quitKey (Ctrl-]) leaves a raw-mode session.
const quitKey = 0x1d

// board is the console under control: an emulated Machine, or the host's
// UARTs when m is nil.
type board struct {
	m       *core_engine.Machine
	console *serial.Registry
	closers []io.Closer
}

func openBoard(o *options, out io.Writer) (*board, error) {
	if o.hw {
		return openHardware(o)
	}
	m, err := core_engine.NewMachine(newMachineConfig(o, out))
	if err != nil {
		return nil, err
	}
	if err := m.Boot(); err != nil {
		m.Close()
		return nil, err
	}
	return &board{m: m}, nil
}

func (b *board) Close() error {
	var err error
	if b.m != nil {
		err = b.m.Close()
	} else if b.console != nil {
		b.console.Suspend()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if cerr := b.closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (b *board) port(slot int) (*serial.Port, error) {
	var p *serial.Port
	if b.m != nil {
		p = b.m.Port(slot)
	} else {
		p = b.console.Port(slot)
	}
	if p == nil {
		return nil, fmt.Errorf("no console port in slot %d", slot)
	}
	return p, nil
}

func (b *board) machine() (*core_engine.Machine, error) {
	if b.m == nil {
		return nil, errors.New("not available on real hardware")
	}
	return b.m, nil
}

// sleep lets d pass, on the board's clock when it runs on virtual time.
func (b *board) sleep(ctx context.Context, d time.Duration) error {
	if b.m != nil && b.m.Virtual() {
		b.m.Advance(d)
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// read collects what arrives on slot within timeout.
func (b *board) read(ctx context.Context, slot int, timeout time.Duration) ([]byte, error) {
	p, err := b.port(slot)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 256)
	if b.m != nil && b.m.Virtual() {
		for waited := time.Duration(0); ; waited += time.Millisecond {
			n := 0
			for n < len(buf) {
				c, ok := p.ReadByte()
				if !ok {
					break
				}
				buf[n] = c
				n++
			}
			if n > 0 || waited >= timeout {
				return buf[:n], nil
			}
			if err := b.sleep(ctx, time.Millisecond); err != nil {
				return nil, err
			}
		}
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := p.Read(rctx, buf)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ctx.Err()
	}
	return buf[:n], err
}

// pump forwards keystrokes to the console. On the emulated board they arrive
// on the UART's receive line as if typed on a remote terminal; on real
// hardware they are transmitted.
func (b *board) pump(ctx context.Context, keys <-chan byte, slot int) error {
	p, err := b.port(slot)
	if err != nil {
		return err
	}
	for {
		var c byte
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok = <-keys:
		}
		if !ok || c == quitKey {
			return errQuit
		}
		if b.m == nil {
			if _, err := p.Write([]byte{c}); err != nil {
				return err
			}
			continue
		}
		for {
			n, err := b.m.Send(slot, []byte{c})
			if err != nil {
				return err
			}
			if n == 1 {
				break
			}
			// Receive FIFO full.
			if err := b.sleep(ctx, time.Millisecond); err != nil {
				return err
			}
		}
	}
}

// echo runs the console side of the session. The emulated console echoes
// what it receives; on real hardware received bytes go to w.
func (b *board) echo(ctx context.Context, slot int, w io.Writer) error {
	p, err := b.port(slot)
	if err != nil {
		return err
	}
	virtual := b.m != nil && b.m.Virtual()
	buf := make([]byte, 64)
	for {
		var data []byte
		if virtual {
			data, err = b.read(ctx, slot, 10*time.Millisecond)
			if err == nil && len(data) == 0 {
				// Let wall time pass so the loop does not spin.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
				continue
			}
		} else {
			var n int
			n, err = p.Read(ctx, buf)
			data = buf[:n]
		}
		if err != nil {
			return err
		}
		if b.m == nil {
			if _, err := w.Write(data); err != nil {
				return err
			}
			continue
		}
		for _, c := range data {
			out := []byte{c}
			if c == '\r' {
				out = []byte("\r\n")
			}
			if _, err := p.Write(out); err != nil {
				return err
			}
		}
	}
}
