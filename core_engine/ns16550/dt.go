package ns16550

import (
	"fmt"
	"slices"
)

// Compatible strings accepted for device-tree UARTs.
const (
	COMPAT_NS16550    = "ns16550"
	COMPAT_DW_APB     = "snps,dw-apb-uart"
	dtDefaultRegShift = 0
	dtDefaultRegWidth = 1
)

// DTNode is a firmware-described UART. Optional properties are nil when the
// node does not carry them.
type DTNode struct {
	Name       string
	Compatible []string
	Addr       uint64
	Size       uint64
	RegShift   *uint32
	RegIOWidth *uint32
	IRQ        int // 0 when the node has no interrupt
}

// VUARTInfo describes the register layout to a guest-visible UART emulation
// that forwards to this controller.
type VUARTInfo struct {
	BaseAddr  uint64
	Size      uint64
	DataOff   uint64
	StatusOff uint64
	Status    byte
}

func (n *DTNode) compatible() (string, bool) {
	for _, c := range []string{COMPAT_NS16550, COMPAT_DW_APB} {
		if slices.Contains(n.Compatible, c) {
			return c, true
		}
	}
	return "", false
}

// configureDT fills u from a device-tree node. The console is always slot 0,
// auto baud, 8n1, with the FIFO confirmed later by setup.
func (u *UART) configureDT(n *DTNode) error {
	compat, ok := n.compatible()
	if !ok {
		return fmt.Errorf("%w: %s: not a 16550-compatible node", ErrInvalidConfig, n.Name)
	}
	u.Baud = BAUD_AUTO
	u.ClockHz = UART_CLOCK_HZ
	u.DataBits = 8
	u.Parity = UART_PARITY_NONE
	u.StopBits = 1
	u.FifoSize = 1

	u.IOBase = n.Addr
	u.IOSize = uint32(n.Size)
	if uint64(u.IOSize) != n.Size {
		return fmt.Errorf("%w: %s: register window 0x%x too large", ErrInvalidConfig, n.Name, n.Size)
	}

	u.RegShift = dtDefaultRegShift
	if n.RegShift != nil {
		u.RegShift = uint(*n.RegShift)
	}
	u.RegWidth = dtDefaultRegWidth
	if n.RegIOWidth != nil {
		u.RegWidth = int(*n.RegIOWidth)
	}
	if u.RegWidth != 1 && u.RegWidth != 4 {
		return fmt.Errorf("%w: %s: reg-io-width %d is unsupported", ErrInvalidConfig, n.Name, u.RegWidth)
	}

	if n.IRQ <= 0 {
		return fmt.Errorf("%w: %s: no interrupt", ErrInvalidConfig, n.Name)
	}
	u.IRQ = n.IRQ
	u.DWUsrBsy = compat == COMPAT_DW_APB
	return nil
}

// VUART returns the layout a guest UART emulation needs to pass through to
// this controller.
func (u *UART) VUART() VUARTInfo {
	return VUARTInfo{
		BaseAddr:  u.IOBase,
		Size:      uint64(u.IOSize),
		DataOff:   uint64(UART_THR) << u.RegShift,
		StatusOff: uint64(UART_LSR) << u.RegShift,
		Status:    UART_LSR_THRE | UART_LSR_TEMT,
	}
}
