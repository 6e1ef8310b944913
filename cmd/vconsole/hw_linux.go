//go:build linux

package main

import (
	"errors"
	"log"

	"example.com/v-console/core_engine/hal"
	"example.com/v-console/core_engine/hal/linuxhw"
	"example.com/v-console/core_engine/ns16550"
	"example.com/v-console/core_engine/serial"
)

// openHardware runs the driver against real registers. There is no
// interrupt controller to hook into from user space, so every slot polls.
func openHardware(o *options) (*board, error) {
	b := &board{console: &serial.Registry{}}
	ports, err := linuxhw.OpenDevPort()
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, ports)
	mem, err := linuxhw.OpenDevMem()
	if err != nil {
		b.Close()
		return nil, err
	}
	b.closers = append(b.closers, mem)
	cfgSpace := linuxhw.NewSysfsPCI()
	b.closers = append(b.closers, cfgSpace)

	drv := ns16550.NewDriver(hal.Capabilities{
		Ports:  ports,
		Mapper: mem,
		PCI:    cfgSpace,
		Timers: hal.Timers{},
	}, ns16550.Options{ResumeDelay: o.resumeDelay, ResumeRetries: o.resumeRetries()}, b.console)

	confs := [ns16550.NR_UARTS]string{o.com1, o.com2}
	registered := 0
	for i, conf := range confs {
		_, err := drv.Init(i, ns16550.LegacyDefaults(i), i == o.consoleSlot, conf)
		switch {
		case err == nil:
			registered++
		case errors.Is(err, ns16550.ErrUnconfigured):
		default:
			log.Printf("vconsole: uart%d unavailable: %v", i, err)
		}
	}
	if registered == 0 {
		b.Close()
		return nil, errors.New("no UART found on the host")
	}
	b.console.InitPreIRQ()
	b.console.InitPostIRQ()
	return b, nil
}
