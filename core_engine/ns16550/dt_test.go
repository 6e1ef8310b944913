package ns16550

import (
	"errors"
	"testing"

	"example.com/v-console/core_engine/hal"
	"example.com/v-console/core_engine/serial"
)

func u32(v uint32) *uint32 { return &v }

func dwNode() *DTNode {
	return &DTNode{
		Name:       "serial@fe001000",
		Compatible: []string{"vendor,soc-uart", COMPAT_DW_APB},
		Addr:       0xfe001000,
		Size:       0x100,
		RegShift:   u32(2),
		RegIOWidth: u32(4),
		IRQ:        33,
	}
}

func dtRig() (*Driver, *MockBank, *MockMapper) {
	bank := NewMockBank(0)
	mapper := &MockMapper{Region: &MockRegion{bank: bank, shift: 2}}
	d := NewDriver(hal.Capabilities{
		Mapper: mapper,
		IRQ:    &MockIRQ{},
		Timers: &MockTimers{},
	}, Options{}, &serial.Registry{})
	return d, bank, mapper
}

func TestInitDT_DesignWare(t *testing.T) {
	d, _, mapper := dtRig()
	u, err := d.InitDT(dwNode())
	if err != nil {
		t.Fatalf("InitDT failed: %v", err)
	}
	if u.Attachment() != "dt" || !u.DWUsrBsy {
		t.Errorf("Expected a DesignWare dt UART, got %s busy=%v", u.Attachment(), u.DWUsrBsy)
	}
	if u.Baud != BAUD_AUTO || u.DataBits != 8 || u.StopBits != 1 || u.Parity != UART_PARITY_NONE {
		t.Errorf("Expected auto 8n1, got %d %d/0x%02x/%d", u.Baud, u.DataBits, u.Parity, u.StopBits)
	}
	if u.RegShift != 2 || u.RegWidth != 4 || u.IRQ != 33 {
		t.Errorf("Expected shift 2 width 4 irq 33, got %d %d %d", u.RegShift, u.RegWidth, u.IRQ)
	}
	if len(mapper.Calls) != 0 {
		t.Error("Expected a dt UART not to be touched before setup")
	}

	v := u.VUART()
	if v.BaseAddr != 0xfe001000 || v.Size != 0x100 || v.DataOff != 0 || v.StatusOff != 20 {
		t.Errorf("Expected layout base 0xfe001000 size 0x100 data 0 status 20, got %+v", v)
	}
	if v.Status != UART_LSR_THRE|UART_LSR_TEMT {
		t.Errorf("Expected status mask 0x60, got 0x%02x", v.Status)
	}

	if _, err := d.InitDT(dwNode()); err == nil {
		t.Error("Expected a second dt UART to be refused")
	}
}

func TestInitDT_PlainDefaults(t *testing.T) {
	d, _, _ := dtRig()
	u, err := d.InitDT(&DTNode{Name: "uart0", Compatible: []string{COMPAT_NS16550}, Addr: 0x1c090000, Size: 0x1000, IRQ: 37})
	if err != nil {
		t.Fatalf("InitDT failed: %v", err)
	}
	if u.RegShift != 0 || u.RegWidth != 1 || u.DWUsrBsy {
		t.Errorf("Expected shift 0 width 1 without busy workaround, got %d %d %v", u.RegShift, u.RegWidth, u.DWUsrBsy)
	}
}

func TestInitDT_Rejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(n *DTNode)
	}{
		{"incompatible", func(n *DTNode) { n.Compatible = []string{"arm,pl011"} }},
		{"io width 2", func(n *DTNode) { n.RegIOWidth = u32(2) }},
		{"no interrupt", func(n *DTNode) { n.IRQ = 0 }},
		{"huge window", func(n *DTNode) { n.Size = 1 << 33 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, bank, _ := dtRig()
			n := dwNode()
			tt.mod(n)
			if _, err := d.InitDT(n); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
			if d.UART(0) != nil || d.Console.Port(0) != nil {
				t.Error("Expected nothing registered")
			}
			if len(bank.Log()) != 0 {
				t.Error("Expected no register access")
			}
		})
	}
}

func TestSetup_DesignWareBusyClearedBeforeLCR(t *testing.T) {
	d, bank, mapper := dtRig()
	u, err := d.InitDT(dwNode())
	if err != nil {
		t.Fatalf("InitDT failed: %v", err)
	}
	bank.dll = 1
	bank.Queue(UART_IIR, UART_IIR_BSY)
	u.InitPreIRQ()

	if len(mapper.Calls) != 1 || mapper.Calls[0] != 0xfe001000 {
		t.Fatalf("Expected one mapping of 0xfe001000, got %v", mapper.Calls)
	}
	usr, lcr := -1, -1
	for i, a := range bank.Log() {
		if !a.write && a.reg == UART_USR && usr < 0 {
			usr = i
		}
		if a.write && a.reg == UART_LCR && lcr < 0 {
			lcr = i
		}
	}
	if usr < 0 || lcr < 0 || usr > lcr {
		t.Errorf("Expected USR read before the first LCR write, got USR at %d and LCR at %d", usr, lcr)
	}
	if u.Baud != UART_CLOCK_HZ/16 {
		t.Errorf("Expected baud %d from divisor 1, got %d", UART_CLOCK_HZ/16, u.Baud)
	}
}

func TestSetup_DesignWareIdleSkipsUSR(t *testing.T) {
	d, bank, _ := dtRig()
	u, err := d.InitDT(dwNode())
	if err != nil {
		t.Fatalf("InitDT failed: %v", err)
	}
	u.InitPreIRQ()
	if n := bank.Reads(UART_USR); n != 0 {
		t.Errorf("Expected no USR read from an idle UART, got %d", n)
	}
}
