package ns16550

// checkExistence runs the identification probe against the live register
// bank: IER must hold a written nibble and loopback must echo the modem
// control lines into MSR. Memory-mapped banks are not poked before they are
// mapped and always count as present.
func (u *UART) checkExistence() bool {
	if !u.portMapped() {
		return true
	}
	u.attach.earlyInit(u)

	scratch := u.readReg(UART_IER)
	u.writeReg(UART_IER, 0)
	status1 := u.readReg(UART_IER) & 0x0f
	u.writeReg(UART_IER, 0x0f)
	status2 := u.readReg(UART_IER) & 0x0f
	u.writeReg(UART_IER, scratch)
	if status1 != 0 || status2 != 0x0f {
		return false
	}

	// MCR is rewritten by setup, so loopback is left enabled here.
	u.writeReg(UART_MCR, loopbackPattern)
	return u.readReg(UART_MSR)&0xf0 == loopbackSignature
}

// vanished is the cheap runtime presence check used on the I/O paths. IER
// never has its upper bits set on a live 16550, so all-ones means nothing
// answered the cycle.
func (u *UART) vanished() bool {
	return u.readReg(UART_IER) == 0xff
}
