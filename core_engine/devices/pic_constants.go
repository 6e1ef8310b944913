package devices

// 8259A PIC I/O ports.
const (
	PIC_MASTER_CMD_PORT  uint16 = 0x20
	PIC_MASTER_DATA_PORT uint16 = 0x21 // IMR
	PIC_SLAVE_CMD_PORT   uint16 = 0xA0
	PIC_SLAVE_DATA_PORT  uint16 = 0xA1 // IMR
)

// IRQ lines.
const (
	PIC_MASTER_SLAVE_IRQ uint8 = 2 // cascade
	SERIAL2_IRQ          uint8 = 3 // COM2
	SERIAL_IRQ           uint8 = 4 // COM1
	PCI_SERIAL_IRQ       uint8 = 11
	MMIO_SERIAL_IRQ      uint8 = 12
	PIC_NUM_IRQS               = 16
)

// OCW2 bits.
const (
	PIC_OCW2_L0L1L2  byte = 0x07 // level for specific EOI
	PIC_OCW2_EOI_CMD byte = 0x20
	PIC_OCW2_SL_CMD  byte = 0x40 // specific
)

// OCW3 bits.
const (
	PIC_OCW3_RIS_CMD byte = 0x01 // read ISR instead of IRR
	PIC_OCW3_RR_CMD  byte = 0x02
	PIC_OCW3_OCW3_ID byte = 0x08
	PIC_OCW3_ID_MASK byte = 0x18
)

// Serial port constants.
const (
	COM1_PORT_BASE uint16 = 0x3F8
	COM1_PORT_END  uint16 = 0x3FF
	COM2_PORT_BASE uint16 = 0x2F8
	COM2_PORT_END  uint16 = 0x2FF

	// Offsets from the base, in register units.
	RHR_THR_DLL uint16 = 0 // RHR (R), THR (W), DLL (DLAB=1)
	IER_DLH     uint16 = 1 // IER, DLH (DLAB=1)
	IIR_FCR     uint16 = 2 // IIR (R), FCR (W)
	LCR         uint16 = 3
	MCR         uint16 = 4
	LSR         uint16 = 5
	MSR         uint16 = 6
	SCR         uint16 = 7
	USR         uint16 = 0x1F // DesignWare UART status

	SERIAL_FIFO_DEPTH = 16
)

// Line Control Register (LCR) bits.
const (
	LCR_DLAB byte = 0x80
)

// Line Status Register (LSR) bits.
const (
	LSR_DR   byte = 0x01 // Data Ready
	LSR_OE   byte = 0x02 // Overrun Error
	LSR_THRE byte = 0x20 // Transmitter Holding Register Empty
	LSR_TEMT byte = 0x40 // Transmitter Empty
)

// Interrupt Identification Register (IIR) bits.
const (
	IIR_NO_INT_PENDING byte = 0x01
	IIR_RDA            byte = 0x04 // Received Data Available
	IIR_THRE           byte = 0x02 // Transmitter Holding Register Empty
	IIR_DW_BUSY        byte = 0x07 // DesignWare busy detect
	IIR_FIFO_ENABLED   byte = 0xC0
)

// Interrupt Enable Register (IER) bits.
const (
	IER_RX_DATA_AVAILABLE byte = 0x01
	IER_THRE_ENABLE       byte = 0x02
	IER_MASK              byte = 0x0F
)

// FIFO Control Register (FCR) bits.
const (
	FCR_ENABLE   byte = 0x01
	FCR_CLEAR_RX byte = 0x02
	FCR_CLEAR_TX byte = 0x04
)

// Modem Control Register (MCR) bits.
const (
	MCR_DTR  byte = 0x01
	MCR_RTS  byte = 0x02
	MCR_OUT1 byte = 0x04
	MCR_OUT2 byte = 0x08 // gates the interrupt line on PCs
	MCR_LOOP byte = 0x10
)

// Modem Status Register (MSR) bits.
const (
	MSR_CTS byte = 0x10
	MSR_DSR byte = 0x20
	MSR_RI  byte = 0x40
	MSR_DCD byte = 0x80
)
