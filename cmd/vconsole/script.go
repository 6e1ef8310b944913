package main

import (
	"context"
	"fmt"
	"log"
	"time"

	lua "github.com/yuin/gopher-lua"

	"example.com/v-console/core_engine/devices"
)

// Scenario scripts drive the board from Lua:
//
//	send(slot, s)        type s on the UART's receive line
//	write(slot, s)       transmit s through the console port
//	read(slot [, ms])    collect received bytes, waiting up to ms (100)
//	sleep(ms)            let time pass
//	unplug(slot)         make the UART vanish
//	replug(slot)         bring it back reset
//	suspend()            suspend the console and power down the board
//	resume([late])       power up, the UARTs answering only after late reads
//	intr(slot)           whether the slot has seen an interrupt
//	inb(port)            control-domain port read
//	outb(port, v)        control-domain port write
//	log(s)
func newScript(ctx context.Context, b *board) *lua.LState {
	L := lua.NewState()
	L.SetContext(ctx)

	s := &scenario{ctx: ctx, b: b}
	for name, fn := range map[string]lua.LGFunction{
		"send":    s.send,
		"write":   s.write,
		"read":    s.read,
		"sleep":   s.sleep,
		"unplug":  s.unplug,
		"replug":  s.replug,
		"suspend": s.suspend,
		"resume":  s.resume,
		"intr":    s.intr,
		"inb":     s.inb,
		"outb":    s.outb,
		"log":     s.log,
	} {
		L.Register(name, fn)
	}
	return L
}

func runScript(ctx context.Context, b *board, path string) error {
	L := newScript(ctx, b)
	defer L.Close()
	if err := L.DoFile(path); err != nil {
		return fmt.Errorf("script %s: %w", path, err)
	}
	return nil
}

type scenario struct {
	ctx context.Context
	b   *board
}

func (s *scenario) check(L *lua.LState, err error) {
	if err != nil {
		L.RaiseError("%v", err)
	}
}

func (s *scenario) send(L *lua.LState) int {
	m, err := s.b.machine()
	s.check(L, err)
	n, err := m.Send(L.CheckInt(1), []byte(L.CheckString(2)))
	s.check(L, err)
	L.Push(lua.LNumber(n))
	return 1
}

func (s *scenario) write(L *lua.LState) int {
	p, err := s.b.port(L.CheckInt(1))
	s.check(L, err)
	n, err := p.Write([]byte(L.CheckString(2)))
	if err != nil {
		// A vanished UART is part of the scenario, not a script error.
		L.Push(lua.LNumber(n))
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(n))
	return 1
}

func (s *scenario) read(L *lua.LState) int {
	timeout := time.Duration(L.OptInt(2, 100)) * time.Millisecond
	data, err := s.b.read(s.ctx, L.CheckInt(1), timeout)
	s.check(L, err)
	L.Push(lua.LString(data))
	return 1
}

func (s *scenario) sleep(L *lua.LState) int {
	s.check(L, s.b.sleep(s.ctx, time.Duration(L.CheckInt(1))*time.Millisecond))
	return 0
}

func (s *scenario) unplug(L *lua.LState) int {
	m, err := s.b.machine()
	s.check(L, err)
	s.check(L, m.Unplug(L.CheckInt(1)))
	return 0
}

func (s *scenario) replug(L *lua.LState) int {
	m, err := s.b.machine()
	s.check(L, err)
	s.check(L, m.Replug(L.CheckInt(1)))
	return 0
}

func (s *scenario) suspend(L *lua.LState) int {
	m, err := s.b.machine()
	s.check(L, err)
	m.Suspend()
	return 0
}

func (s *scenario) resume(L *lua.LState) int {
	m, err := s.b.machine()
	s.check(L, err)
	m.Resume(L.OptInt(1, 0))
	return 0
}

func (s *scenario) intr(L *lua.LState) int {
	m, err := s.b.machine()
	s.check(L, err)
	u := m.UART(L.CheckInt(1))
	L.Push(lua.LBool(u != nil && u.IntrWorks()))
	return 1
}

func (s *scenario) inb(L *lua.LState) int {
	m, err := s.b.machine()
	s.check(L, err)
	data := []byte{0}
	s.check(L, m.HandleIO(uint16(L.CheckInt(1)), data, devices.IODirectionIn, 1, 1))
	L.Push(lua.LNumber(data[0]))
	return 1
}

func (s *scenario) outb(L *lua.LState) int {
	m, err := s.b.machine()
	s.check(L, err)
	data := []byte{byte(L.CheckInt(2))}
	s.check(L, m.HandleIO(uint16(L.CheckInt(1)), data, devices.IODirectionOut, 1, 1))
	return 0
}

func (s *scenario) log(L *lua.LState) int {
	log.Printf("vconsole: script: %s", L.CheckString(1))
	return 0
}
