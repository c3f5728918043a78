// Package console implements the console character device on top of the
// UART: line-buffered input with simple editing, and output.
package console

import (
	"io"
	"octox/device/uart"
	"octox/kernel"
	"octox/kernel/irq"
	"octox/kernel/kfmt"
	"octox/kernel/proc"
)

// inputBufSize is the size of the input ring.
const inputBufSize = 128

// Control characters handled by the line discipline.
const (
	ctrlD     = 'D' - '@'
	ctrlH     = 'H' - '@'
	ctrlP     = 'P' - '@'
	ctrlU     = 'U' - '@'
	del       = 0x7f
	backspace = 0x100
)

// ErrKilled is returned by Read when the reading process is killed.
var ErrKilled = &kernel.Error{Module: "console", Message: "reader killed"}

// Console is the console device. It implements trap.Device and
// device.Driver.
type Console struct {
	uart *uart.UART
	lock *proc.Spinlock

	// buf holds input; indices grow without bound and wrap modulo
	// inputBufSize. Bytes before w are readable, bytes between w and e
	// are the line being edited.
	buf     [inputBufSize]byte
	r, w, e uint32
}

// New returns a console on u.
func New(u *uart.UART) *Console {
	return &Console{uart: u, lock: proc.NewSpinlock("cons")}
}

// putc sends one character to the UART, erasing the previous character for
// backspace.
func (cons *Console) putc(ch int) {
	if ch == backspace {
		cons.uart.PutByte('\b')
		cons.uart.PutByte(' ')
		cons.uart.PutByte('\b')
		return
	}
	cons.uart.PutByte(byte(ch))
}

// Write copies n bytes from user address addr in p's address space to the
// console.
func (cons *Console) Write(p *proc.Proc, addr uint64, n int) (int, *kernel.Error) {
	var chunk [32]byte

	written := 0
	for written < n {
		size := n - written
		if size > len(chunk) {
			size = len(chunk)
		}
		if err := p.PageTable().CopyIn(chunk[:size], addr+uint64(written)); err != nil {
			if written == 0 {
				return -1, err
			}
			break
		}
		cons.uart.Write(chunk[:size])
		written += size
	}
	return written, nil
}

// Read copies up to n bytes of input to user address addr in p's address
// space. It blocks until a whole line, or end of file, is available.
func (cons *Console) Read(p *proc.Proc, addr uint64, n int) (int, *kernel.Error) {
	target := n

	cons.lock.Acquire(p.Cpu())
	for n > 0 {
		// wait until the interrupt handler has put some input in buf.
		for cons.r == cons.w {
			if p.Killed() {
				cons.lock.Release(p.Cpu())
				return -1, ErrKilled
			}
			proc.Sleep(p, &cons.r, cons.lock)
		}

		ch := cons.buf[cons.r%inputBufSize]
		cons.r++

		if ch == ctrlD {
			if n < target {
				// save ^D for next time, so the caller gets a 0-byte
				// result.
				cons.r--
			}
			break
		}

		if err := p.PageTable().CopyOut(addr, []byte{ch}); err != nil {
			break
		}
		addr++
		n--

		if ch == '\n' {
			break
		}
	}
	cons.lock.Release(p.Cpu())

	return target - n, nil
}

// Intr is the UART interrupt handler. It feeds every received byte to the
// line discipline.
func (cons *Console) Intr(c *proc.Cpu) {
	for {
		ch, ok := cons.uart.ReadByte()
		if !ok {
			return
		}
		cons.handleInput(c, ch)
	}
}

// handleInput applies erase, kill-line and process listing, and appends
// everything else to the input buffer, waking readers once a line is
// complete.
func (cons *Console) handleInput(c *proc.Cpu, ch byte) {
	cons.lock.Acquire(c)
	defer cons.lock.Release(c)

	switch ch {
	case ctrlP:
		proc.Dump(c, cons.uart)
	case ctrlU:
		for cons.e != cons.w && cons.buf[(cons.e-1)%inputBufSize] != '\n' {
			cons.e--
			cons.putc(backspace)
		}
	case ctrlH, del:
		if cons.e != cons.w {
			cons.e--
			cons.putc(backspace)
		}
	default:
		if ch == 0 || cons.e-cons.r >= inputBufSize {
			return
		}
		if ch == '\r' {
			ch = '\n'
		}

		cons.putc(int(ch))
		cons.buf[cons.e%inputBufSize] = ch
		cons.e++

		if ch == '\n' || ch == ctrlD || cons.e-cons.r == inputBufSize {
			cons.w = cons.e
			proc.Wakeup(c, &cons.r)
		}
	}
}

// DriverName returns the name of this driver.
func (*Console) DriverName() string {
	return "console"
}

// DriverVersion returns the version of this driver.
func (*Console) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit registers the UART interrupt handler, enables receive
// interrupts and makes the console the kernel output sink.
func (cons *Console) DriverInit(w io.Writer) *kernel.Error {
	irq.HandleInterrupt(uart.IRQ, cons.Intr)
	cons.uart.EnableRxInterrupt(true)
	kfmt.Fprintf(w, "%d byte input buffer\n", inputBufSize)
	kfmt.SetOutputSink(cons.uart)
	return nil
}
