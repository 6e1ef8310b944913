package ns16550

import "time"

// Register indices. The bank is byte registers at base + (index << reg_shift).
const (
	UART_RBR = 0x00 // receive buffer (read, DLAB=0)
	UART_THR = 0x00 // transmit holding (write, DLAB=0)
	UART_IER = 0x01 // interrupt enable (DLAB=0)
	UART_IIR = 0x02 // interrupt identification (read)
	UART_FCR = 0x02 // FIFO control (write)
	UART_LCR = 0x03 // line control
	UART_MCR = 0x04 // modem control
	UART_LSR = 0x05 // line status
	UART_MSR = 0x06 // modem status
	UART_USR = 0x1f // DesignWare vendor status register
	UART_DLL = 0x00 // divisor latch low (DLAB=1)
	UART_DLM = 0x01 // divisor latch high (DLAB=1)
)

// Interrupt Enable Register bits.
const (
	UART_IER_ERDAI  byte = 0x01 // received data available
	UART_IER_ETHREI byte = 0x02 // transmitter holding register empty
	UART_IER_ELSI   byte = 0x04 // receiver line status
	UART_IER_EMSI   byte = 0x08 // modem status
)

// Interrupt Identification Register bits.
const (
	UART_IIR_NOINT byte = 0x01
	UART_IIR_BSY   byte = 0x07 // DesignWare busy detect
	UART_IIR_FE    byte = 0xc0 // both bits set on a working 16550 FIFO
)

// FIFO Control Register bits.
const (
	UART_FCR_ENABLE byte = 0x01
	UART_FCR_CLRX   byte = 0x02
	UART_FCR_CLTX   byte = 0x04
	UART_FCR_TRG14  byte = 0xc0
)

// Line Control Register bits.
const (
	UART_LCR_DLAB byte = 0x80
)

// Parity values, already in their LCR bit positions.
const (
	UART_PARITY_NONE  byte = 0x00
	UART_PARITY_ODD   byte = 0x08
	UART_PARITY_EVEN  byte = 0x18
	UART_PARITY_MARK  byte = 0x28
	UART_PARITY_SPACE byte = 0x38
)

// Modem Control Register bits.
const (
	UART_MCR_DTR  byte = 0x01
	UART_MCR_RTS  byte = 0x02
	UART_MCR_OUT2 byte = 0x08
	UART_MCR_LOOP byte = 0x10
)

// Line Status Register bits.
const (
	UART_LSR_DR   byte = 0x01
	UART_LSR_THRE byte = 0x20
	UART_LSR_TEMT byte = 0x40
)

const (
	// BAUD_AUTO keeps whatever divisor the firmware programmed.
	BAUD_AUTO = -1

	UART_CLOCK_HZ = 1843200

	NR_UARTS = 2

	// Legacy PC port space is 16 bits wide; anything above is MMIO.
	DEFAULT_PORT_IO_LIMIT = 0x10000

	DEFAULT_RESUME_DELAY   = 10 * time.Millisecond
	DEFAULT_RESUME_RETRIES = 100
	NO_RESUME_RETRIES      = -1

	// Loopback signature: MCR=LOOP|RTS|OUT2 must read back as CTS|DCD.
	loopbackPattern   byte = UART_MCR_LOOP | 0x0a
	loopbackSignature byte = 0x90
)
