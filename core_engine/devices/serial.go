package devices

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Define local I/O direction constants so devices need no hypervisor import.
const (
	IODirectionIn  uint8 = 0 // read from device
	IODirectionOut uint8 = 1 // write to device
)

// InterruptRaiser is an interface for devices to signal interrupts to the PIC.
type InterruptRaiser interface {
	RaiseIRQ(irqLine uint8)
}

// SerialPortDevice emulates a 16550A UART: divisor latch, 16-byte FIFOs,
// loopback, the RDA and THRE interrupt sources, and optionally the
// DesignWare busy-detect behaviour. Transmission is instantaneous, so THR is
// empty again as soon as a byte has been written.
//
// A powered-off device answers nothing: reads return 0xFF and writes are
// dropped, as on a bus where the UART has gone away.
type SerialPortDevice struct {
	Base  uint16 // first port when attached to an IOBus
	IRQ   uint8
	Debug bool

	outputWriter io.Writer
	irqRaiser    InterruptRaiser
	lock         sync.Mutex

	dll, dlh byte
	ier      byte
	lcr      byte
	mcr      byte
	msr      byte // modem lines outside loopback
	scr      byte
	lsrErr   byte
	fifoOn   bool

	rx []byte

	thrIntPending bool
	irqLevel      bool

	dwBusyCapable bool
	busy          bool

	powered         bool
	reappearAfter   int // reads while off before power returns, 0 for never
	readsWhileOff   int
	firmwareDivisor uint16
}

// NewSerialPortDevice creates a powered-on UART at base/irq writing its
// output to writer.
func NewSerialPortDevice(base uint16, irq uint8, writer io.Writer, irqRaiser InterruptRaiser) *SerialPortDevice {
	s := &SerialPortDevice{
		Base:         base,
		IRQ:          irq,
		outputWriter: writer,
		irqRaiser:    irqRaiser,
		msr:          MSR_CTS | MSR_DSR | MSR_DCD,
		powered:      true,
	}
	s.reset()
	return s
}

// reset puts the registers in their power-on state and reloads the divisor
// the firmware programmed. Called with the lock held.
func (s *SerialPortDevice) reset() {
	s.dll = byte(s.firmwareDivisor)
	s.dlh = byte(s.firmwareDivisor >> 8)
	s.ier = 0
	s.lcr = 0x03
	s.mcr = 0
	s.scr = 0
	s.lsrErr = 0
	s.fifoOn = false
	s.rx = s.rx[:0]
	s.thrIntPending = false
	s.irqLevel = false
	s.busy = false
}

// SetFirmwareDivisor simulates firmware leaving div in the divisor latch.
func (s *SerialPortDevice) SetFirmwareDivisor(div uint16) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.firmwareDivisor = div
	s.dll = byte(div)
	s.dlh = byte(div >> 8)
}

// EnableDWBusy makes the device behave like a DesignWare APB UART.
func (s *SerialPortDevice) EnableDWBusy() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.dwBusyCapable = true
}

// SetBusy raises the DesignWare busy condition. LCR writes are ignored until
// USR is read.
func (s *SerialPortDevice) SetBusy() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.dwBusyCapable {
		s.busy = true
	}
}

// PowerOff makes the UART vanish from the bus.
func (s *SerialPortDevice) PowerOff() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.powered = false
	s.reappearAfter = 0
	s.readsWhileOff = 0
}

// PowerOffFor makes the UART vanish until it has ignored reads register
// reads, after which it comes back reset.
func (s *SerialPortDevice) PowerOffFor(reads int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.powered = false
	s.reappearAfter = reads
	s.readsWhileOff = 0
}

// PowerOn brings the UART back with its registers reset.
func (s *SerialPortDevice) PowerOn() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.powerOnLocked()
}

func (s *SerialPortDevice) powerOnLocked() {
	s.powered = true
	s.reset()
}

func (s *SerialPortDevice) Powered() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.powered
}

// Divisor returns the current divisor latch value.
func (s *SerialPortDevice) Divisor() uint16 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return uint16(s.dlh)<<8 | uint16(s.dll)
}

// LineControl returns LCR.
func (s *SerialPortDevice) LineControl() byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lcr
}

// InterruptEnable returns IER.
func (s *SerialPortDevice) InterruptEnable() byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ier
}

// Inject queues bytes on the receive line. Bytes beyond the FIFO depth are
// lost and flagged as an overrun. It returns how many were accepted.
func (s *SerialPortDevice) Inject(data []byte) int {
	s.lock.Lock()
	n := 0
	if s.powered {
		for _, b := range data {
			if !s.receive(b) {
				break
			}
			n++
		}
	}
	raise := s.updateIRQ()
	s.lock.Unlock()
	s.raise(raise)
	return n
}

func (s *SerialPortDevice) rxDepth() int {
	if s.fifoOn {
		return SERIAL_FIFO_DEPTH
	}
	return 1
}

func (s *SerialPortDevice) receive(b byte) bool {
	if len(s.rx) >= s.rxDepth() {
		s.lsrErr |= LSR_OE
		return false
	}
	s.rx = append(s.rx, b)
	return true
}

func (s *SerialPortDevice) loopback() bool {
	return s.mcr&MCR_LOOP != 0
}

func (s *SerialPortDevice) dlab() bool {
	return s.lcr&LCR_DLAB != 0
}

// pendingIIR computes the interrupt identification without side effects.
func (s *SerialPortDevice) pendingIIR() byte {
	if s.busy {
		return IIR_DW_BUSY
	}
	iir := IIR_NO_INT_PENDING
	switch {
	case s.ier&IER_RX_DATA_AVAILABLE != 0 && len(s.rx) > 0:
		iir = IIR_RDA
	case s.ier&IER_THRE_ENABLE != 0 && s.thrIntPending:
		iir = IIR_THRE
	}
	if s.fifoOn {
		iir |= IIR_FIFO_ENABLED
	}
	return iir
}

// updateIRQ reports whether the interrupt output just went active. OUT2 gates
// the line as on a PC board; loopback disconnects it.
func (s *SerialPortDevice) updateIRQ() bool {
	level := s.powered && !s.loopback() && s.mcr&MCR_OUT2 != 0 &&
		s.pendingIIR()&IIR_NO_INT_PENDING == 0
	rising := level && !s.irqLevel
	s.irqLevel = level
	return rising
}

func (s *SerialPortDevice) raise(rising bool) {
	if rising && s.irqRaiser != nil {
		s.irqRaiser.RaiseIRQ(s.IRQ)
	}
}

// ReadReg reads register reg (in register units, not bytes).
func (s *SerialPortDevice) ReadReg(reg uint16) byte {
	s.lock.Lock()
	val := s.readLocked(reg)
	raise := s.updateIRQ()
	s.lock.Unlock()
	s.raise(raise)
	return val
}

// WriteReg writes register reg.
func (s *SerialPortDevice) WriteReg(reg uint16, val byte) {
	s.lock.Lock()
	out, err := s.writeLocked(reg, val)
	raise := s.updateIRQ()
	s.lock.Unlock()

	if out && s.outputWriter != nil {
		if _, err := s.outputWriter.Write([]byte{val}); err != nil {
			log.Printf("SerialPortDevice: Error writing to output: %v", err)
		}
	}
	if err != nil && s.Debug {
		log.Printf("%v", err)
	}
	s.raise(raise)
}

func (s *SerialPortDevice) readLocked(reg uint16) byte {
	if !s.powered {
		if s.reappearAfter > 0 {
			s.readsWhileOff++
			if s.readsWhileOff >= s.reappearAfter {
				s.powerOnLocked()
			}
		}
		return 0xFF
	}

	var val byte
	switch reg {
	case RHR_THR_DLL:
		if s.dlab() {
			val = s.dll
		} else if len(s.rx) > 0 {
			val = s.rx[0]
			s.rx = s.rx[1:]
		}
	case IER_DLH:
		if s.dlab() {
			val = s.dlh
		} else {
			val = s.ier
		}
	case IIR_FCR:
		val = s.pendingIIR()
		if val&^IIR_FIFO_ENABLED == IIR_THRE {
			s.thrIntPending = false
		}
	case LCR:
		val = s.lcr
	case MCR:
		val = s.mcr
	case LSR:
		val = LSR_THRE | LSR_TEMT | s.lsrErr
		if len(s.rx) > 0 {
			val |= LSR_DR
		}
		s.lsrErr = 0
	case MSR:
		val = s.msr
		if s.loopback() {
			val = s.loopbackMSR()
		}
	case SCR:
		val = s.scr
	case USR:
		if !s.dwBusyCapable {
			return 0xFF
		}
		if s.busy {
			val = 0x01
		}
		s.busy = false
	default:
		val = 0xFF
	}
	if s.Debug {
		log.Printf("SerialPortDevice: 0x%x: read reg %d = 0x%02x", s.Base, reg, val)
	}
	return val
}

// loopbackMSR routes the modem control outputs back to the status inputs.
func (s *SerialPortDevice) loopbackMSR() byte {
	var msr byte
	if s.mcr&MCR_RTS != 0 {
		msr |= MSR_CTS
	}
	if s.mcr&MCR_DTR != 0 {
		msr |= MSR_DSR
	}
	if s.mcr&MCR_OUT1 != 0 {
		msr |= MSR_RI
	}
	if s.mcr&MCR_OUT2 != 0 {
		msr |= MSR_DCD
	}
	return msr
}

// writeLocked reports whether val must be sent to the output.
func (s *SerialPortDevice) writeLocked(reg uint16, val byte) (bool, error) {
	if !s.powered {
		return false, nil
	}
	if s.Debug {
		log.Printf("SerialPortDevice: 0x%x: write reg %d = 0x%02x", s.Base, reg, val)
	}
	switch reg {
	case RHR_THR_DLL:
		if s.dlab() {
			s.dll = val
			return false, nil
		}
		s.thrIntPending = true
		if s.loopback() {
			s.receive(val)
			return false, nil
		}
		return true, nil
	case IER_DLH:
		if s.dlab() {
			s.dlh = val
			return false, nil
		}
		// Enabling THRE with an empty THR raises it immediately.
		if val&IER_THRE_ENABLE != 0 && s.ier&IER_THRE_ENABLE == 0 {
			s.thrIntPending = true
		}
		s.ier = val & IER_MASK
	case IIR_FCR:
		s.fifoOn = val&FCR_ENABLE != 0
		if val&FCR_CLEAR_RX != 0 {
			s.rx = s.rx[:0]
		}
		if len(s.rx) > s.rxDepth() {
			s.rx = s.rx[:s.rxDepth()]
		}
	case LCR:
		if s.busy {
			return false, fmt.Errorf("SerialPortDevice: 0x%x: LCR write 0x%02x ignored while busy", s.Base, val)
		}
		s.lcr = val
	case MCR:
		s.mcr = val & 0x1F
	case SCR:
		s.scr = val
	case LSR, MSR, USR:
	default:
		return false, fmt.Errorf("SerialPortDevice: 0x%x: unhandled write to reg %d, value 0x%x", s.Base, reg, val)
	}
	return false, nil
}

// HandleIO processes a port access relative to Base.
func (s *SerialPortDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if size != 1 {
		return fmt.Errorf("SerialPortDevice: I/O size %d not supported for port 0x%x", size, port)
	}
	offset := port - s.Base
	switch direction {
	case IODirectionOut:
		s.WriteReg(offset, data[0])
	case IODirectionIn:
		data[0] = s.ReadReg(offset)
	default:
		return fmt.Errorf("SerialPortDevice: Invalid I/O direction %d for port 0x%x", direction, port)
	}
	return nil
}
