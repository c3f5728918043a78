// Package uart models the 16550a serial port of the virt board. Received
// bytes queue in a FIFO and raise the port's interrupt while receive
// interrupts are enabled; transmitted bytes go straight to the host.
package uart

import (
	"io"
	"octox/kernel"
	"octox/kernel/kfmt"
	"octox/kernel/sync"
)

const (
	// IRQ is the interrupt source the port is wired to.
	IRQ = 10

	// fifoSize is the receive FIFO depth. Bytes arriving while the FIFO is
	// full overwrite the oldest ones.
	fifoSize = 256
)

// UART is the serial port. It implements io.Writer so it can serve as the
// console output sink.
type UART struct {
	rxLock sync.Spinlock
	rx     *kfmt.RingBuffer
	rxIntr bool

	txLock sync.Spinlock
	out    io.Writer

	raise func(irq uint32)
}

// New returns a port transmitting to out. raise asserts the port's
// interrupt line on the interrupt controller.
func New(out io.Writer, raise func(irq uint32)) *UART {
	if out == nil {
		out = io.Discard
	}
	return &UART{
		rx:    kfmt.NewRingBuffer(fifoSize),
		out:   out,
		raise: raise,
	}
}

// EnableRxInterrupt turns receive interrupts on or off.
func (u *UART) EnableRxInterrupt(on bool) {
	u.rxLock.Acquire()
	u.rxIntr = on
	pending := on && u.rx.Len() != 0
	u.rxLock.Release()

	if pending {
		u.raise(IRQ)
	}
}

// Feed delivers bytes from the host side of the line.
func (u *UART) Feed(p []byte) {
	if len(p) == 0 {
		return
	}

	u.rxLock.Acquire()
	u.rx.Write(p)
	intr := u.rxIntr
	u.rxLock.Release()

	if intr {
		u.raise(IRQ)
	}
}

// ReadByte returns the next received byte, or false if the FIFO is empty.
func (u *UART) ReadByte() (byte, bool) {
	u.rxLock.Acquire()
	defer u.rxLock.Release()

	b, err := u.rx.ReadByte()
	return b, err == nil
}

// PutByte transmits b.
func (u *UART) PutByte(b byte) {
	u.txLock.Acquire()
	u.out.Write([]byte{b})
	u.txLock.Release()
}

// Write transmits p.
func (u *UART) Write(p []byte) (int, error) {
	u.txLock.Acquire()
	defer u.txLock.Release()
	return u.out.Write(p)
}

// Pump feeds everything read from r into the port until r fails.
func (u *UART) Pump(r io.Reader) {
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		u.Feed(buf[:n])
		if err != nil {
			return
		}
	}
}

// DriverName returns the name of this driver.
func (*UART) DriverName() string {
	return "uart16550"
}

// DriverVersion returns the version of this driver.
func (*UART) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit initializes this driver.
func (u *UART) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "irq %d, %d byte rx fifo\n", IRQ, fifoSize)
	return nil
}
