// Package kfmt implements the kernel's formatted console output and the
// panic path.
package kfmt

import (
	"io"
	"octox/kernel/sync"
	"sync/atomic"
)

const (
	// maxBufSize bounds the width of a formatted number.
	maxBufSize = 32

	// printBufSize is the amount of output collected before it is handed
	// to the sink. Most messages fit and reach the sink in one Write.
	printBufSize = 256
)

var (
	errMissingArg   = "(MISSING)"
	errWrongArgType = "%!(WRONGTYPE)"
	errNoVerb       = "%!(NOVERB)"
	errExtraArg     = "%!(EXTRA)"

	// printLock serializes output from all harts and guards pr.
	printLock sync.Spinlock
	pr        printer

	// panicked is set once Panic has written its report. Printf output
	// from other harts is dropped after that point so the report stays
	// the last thing on the console.
	panicked uint32

	// earlyPrintBuffer is a ring buffer that stores Printf output before the
	// console driver is attached.
	earlyPrintBuffer = NewRingBuffer(ringBufferSize)

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	outputSink = w
	if w != nil {
		io.Copy(w, earlyPrintBuffer)
	}
	printLock.Release()
}

// GetOutputSink returns the current target for calls to Printf.
func GetOutputSink() io.Writer {
	printLock.Acquire()
	defer printLock.Release()
	return outputSink
}

// Panicked reports whether a kernel panic has been raised.
func Panicked() bool {
	return atomic.LoadUint32(&panicked) != 0
}

// Printf formats according to a format specifier and writes to the active
// output sink. It does not allocate and may be called from any hart,
// including from interrupt handlers.
//
// Supported verbs:
//
//	%s  string or []byte, left-padded with spaces to the width
//	%d  any integer in base 10, left-padded with spaces
//	%x  any integer in base 16, lower case, left-padded with zeroes
//	%%  a literal percent sign
//
// The width is an optional decimal number between the '%' and the verb.
// Missing, extra or mistyped arguments and unknown verbs produce the same
// markers as the fmt package.
//
// Without a sink the output is kept in a ring buffer and flushed to the
// sink passed to the next SetOutputSink call.
func Printf(format string, args ...interface{}) {
	if Panicked() {
		return
	}
	printLock.Acquire()
	pr.print(outputSink, format, args)
	printLock.Release()
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	pr.print(w, format, args)
	printLock.Release()
}

// printer collects formatted output in a fixed buffer.
type printer struct {
	w       io.Writer
	buf     [printBufSize]byte
	n       int
	scratch [maxBufSize]byte
}

func (p *printer) print(w io.Writer, format string, args []interface{}) {
	p.w = w
	p.format(format, args)
	p.flush()
	p.w = nil
}

func (p *printer) flush() {
	if p.n == 0 {
		return
	}
	if p.w != nil {
		p.w.Write(p.buf[:p.n])
	} else {
		earlyPrintBuffer.Write(p.buf[:p.n])
	}
	p.n = 0
}

func (p *printer) writeByte(b byte) {
	if p.n == len(p.buf) {
		p.flush()
	}
	p.buf[p.n] = b
	p.n++
}

func (p *printer) writeString(s string) {
	for i := 0; i < len(s); i++ {
		p.writeByte(s[i])
	}
}

func (p *printer) writeBytes(b []byte) {
	for _, c := range b {
		p.writeByte(c)
	}
}

func (p *printer) pad(ch byte, count int) {
	for ; count > 0; count-- {
		p.writeByte(ch)
	}
}

func (p *printer) format(format string, args []interface{}) {
	next := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			p.writeByte(format[i])
			continue
		}

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}
		if i == len(format) {
			p.writeString(errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			p.writeByte('%')
			continue
		case 'd', 'x', 's':
		default:
			p.writeString(errNoVerb)
			continue
		}

		if next >= len(args) {
			p.writeString(errMissingArg)
			continue
		}
		if verb == 's' {
			p.fmtString(args[next], width)
		} else {
			p.fmtInt(args[next], verb == 'x', width)
		}
		next++
	}

	for ; next < len(args); next++ {
		p.writeString(errExtraArg)
	}
}

func (p *printer) fmtString(v interface{}, width int) {
	switch s := v.(type) {
	case string:
		p.pad(' ', width-len(s))
		p.writeString(s)
	case []byte:
		p.pad(' ', width-len(s))
		p.writeBytes(s)
	default:
		p.writeString(errWrongArgType)
	}
}

// fmtInt writes v in base 10 or 16. Decimal values are padded with spaces
// ahead of the sign; hex values get the sign first, then zeroes.
func (p *printer) fmtInt(v interface{}, hex bool, width int) {
	var (
		u   uint64
		neg bool
	)

	switch t := v.(type) {
	case uint8:
		u = uint64(t)
	case uint16:
		u = uint64(t)
	case uint32:
		u = uint64(t)
	case uint64:
		u = t
	case uint:
		u = uint64(t)
	case uintptr:
		u = uint64(t)
	case int8:
		u, neg = abs(int64(t))
	case int16:
		u, neg = abs(int64(t))
	case int32:
		u, neg = abs(int64(t))
	case int64:
		u, neg = abs(t)
	case int:
		u, neg = abs(int64(t))
	default:
		p.writeString(errWrongArgType)
		return
	}

	if width >= maxBufSize {
		width = maxBufSize - 1
	}

	base := uint64(10)
	if hex {
		base = 16
	}
	i := len(p.scratch)
	for {
		i--
		p.scratch[i] = "0123456789abcdef"[u%base]
		u /= base
		if u == 0 {
			break
		}
	}
	digits := p.scratch[i:]

	if hex {
		if neg {
			p.writeByte('-')
		}
		p.pad('0', width-len(digits))
	} else {
		n := len(digits)
		if neg {
			n++
		}
		p.pad(' ', width-n)
		if neg {
			p.writeByte('-')
		}
	}
	p.writeBytes(digits)
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}
