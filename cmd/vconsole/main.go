// Command vconsole boots the 16550 console driver on an emulated board, or on
// the host's own UARTs with -hw, and bridges it to the terminal. A Lua
// scenario given with -script drives the board instead of the keyboard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"example.com/v-console/core_engine"
	"example.com/v-console/core_engine/ns16550"
)

type options struct {
	com1, com2  string
	consoleSlot int
	pciCard     bool
	dtUART      bool
	script      string
	raw         bool
	hw          bool
	virtual     bool
	debug       bool
	resumeDelay time.Duration
	retries     int
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	flagSet := flag.NewFlagSet("vconsole", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&o.com1, "com1", "", "configuration of slot 0: <baud|auto>[/<base-baud>][,DPS[,<io-base|pci|amt>[,<irq>[,<card>[,<bridge>]]]]]")
	flagSet.StringVar(&o.com2, "com2", "", "configuration of slot 1")
	flagSet.IntVar(&o.consoleSlot, "console", 0, "slot the console is routed to")
	flagSet.BoolVar(&o.pciCard, "pci", false, "plug a dual-port PCI serial card into the board")
	flagSet.BoolVar(&o.dtUART, "dt", false, "make slot 0 a firmware-described DesignWare UART")
	flagSet.StringVar(&o.script, "script", "", "run a Lua scenario instead of the interactive session")
	flagSet.BoolVar(&o.raw, "raw", true, "put the terminal in raw mode")
	flagSet.BoolVar(&o.hw, "hw", false, "drive the host's UARTs through /dev/port, /dev/mem and sysfs")
	flagSet.BoolVar(&o.virtual, "virtual", false, "run the board's timers on virtual time")
	flagSet.BoolVar(&o.debug, "debug", false, "log device register traffic")
	flagSet.DurationVar(&o.resumeDelay, "resume-delay", 0, "delay between resume retries")
	flagSet.IntVar(&o.retries, "resume-retries", -1, "resume retries before forcing the resume, -1 for the driver default")

	flagSet.Usage = func() {
		flagSet.SetOutput(os.Stdout)
		fmt.Println("Usage: vconsole [-com1 conf] [-com2 conf] [-pci] [-dt] [-virtual] [-script file.lua] [-hw]")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if o.hw && (o.pciCard || o.dtUART || o.virtual) {
		return nil, errors.New("-hw cannot be combined with -pci, -dt or -virtual")
	}
	if o.consoleSlot < 0 || o.consoleSlot >= ns16550.NR_UARTS {
		return nil, fmt.Errorf("console slot %d out of range", o.consoleSlot)
	}
	return o, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(2)
	}
	if err := run(o); err != nil {
		log.Printf("vconsole: %v", err)
		os.Exit(1)
	}
}

func run(o *options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	b, err := openBoard(o, os.Stdout)
	if err != nil {
		return err
	}
	defer b.Close()

	if o.script != "" {
		return runScript(ctx, b, o.script)
	}

	term, err := openTerminal(o.raw)
	if err != nil {
		return err
	}
	defer term.Restore()

	g, gctx := errgroup.WithContext(ctx)
	keys := term.Keys()
	g.Go(func() error { return b.pump(gctx, keys, o.consoleSlot) })
	g.Go(func() error { return b.echo(gctx, o.consoleSlot, os.Stdout) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// resumeRetries maps the flag onto ns16550.Options, where zero means the
// default.
func (o *options) resumeRetries() int {
	switch {
	case o.retries < 0:
		return 0
	case o.retries == 0:
		return ns16550.NO_RESUME_RETRIES
	}
	return o.retries
}

// newMachineConfig maps the command line onto the emulated board.
func newMachineConfig(o *options, out io.Writer) core_engine.MachineConfig {
	cfg := core_engine.MachineConfig{
		ConsoleSlot: o.consoleSlot,
		PCICard:     o.pciCard,
		DTUART:      o.dtUART,
		VirtualTime: o.virtual,
		Output:      out,
		Options: ns16550.Options{
			ResumeDelay:   o.resumeDelay,
			ResumeRetries: o.resumeRetries(),
		},
		Debug: o.debug,
	}
	cfg.Ports[0] = o.com1
	cfg.Ports[1] = o.com2
	return cfg
}
