package cpu

import (
	"sync/atomic"
)

// TrapVector is the supervisor trap handler installed in stvec.
type TrapVector func(h *Hart)

// Hart is a single hardware thread. The sstatus, sie, scause, sepc, stval,
// stvec and satp registers are only touched by the execution stream that
// currently owns the hart. sip may be raised by any device at any time.
type Hart struct {
	id    int
	power *Power

	sstatus uint64
	sie     uint64
	sip     uint64
	scause  uint64
	sepc    uint64
	stval   uint64
	stvec   TrapVector
	satp    uint64

	wake chan struct{}
}

// NewHart returns hart id attached to the power rail pw. Supervisor
// external, timer and software interrupts are enabled in sie.
func NewHart(id int, pw *Power) *Hart {
	return &Hart{
		id:    id,
		power: pw,
		sie:   SieSEIE | SieSTIE | SieSSIE,
		wake:  make(chan struct{}, 1),
	}
}

// ID returns the hart id (mhartid).
func (h *Hart) ID() int { return h.id }

// Power returns the rail the hart is attached to.
func (h *Hart) Power() *Power { return h.power }

// IntrGet reports whether supervisor interrupts are enabled.
func (h *Hart) IntrGet() bool {
	return h.sstatus&SstatusSIE != 0
}

// IntrOff disables supervisor interrupts.
func (h *Hart) IntrOff() {
	h.sstatus &^= SstatusSIE
}

// IntrOn enables supervisor interrupts and delivers any that are pending
// and enabled in sie.
func (h *Hart) IntrOn() {
	h.sstatus |= SstatusSIE
	for h.sstatus&SstatusSIE != 0 {
		cause, ok := h.pendingInterrupt()
		if !ok {
			return
		}
		h.trap(CauseInterrupt|cause, h.sepc, 0, true)
	}
}

// Raise sets the sip bits in mask and wakes the hart if it is waiting for
// an interrupt.
func (h *Hart) Raise(mask uint64) {
	for {
		old := atomic.LoadUint64(&h.sip)
		if atomic.CompareAndSwapUint64(&h.sip, old, old|mask) {
			break
		}
	}
	h.Kick()
}

// Clear clears the sip bits in mask.
func (h *Hart) Clear(mask uint64) {
	for {
		old := atomic.LoadUint64(&h.sip)
		if atomic.CompareAndSwapUint64(&h.sip, old, old&^mask) {
			return
		}
	}
}

// Pending returns the contents of sip.
func (h *Hart) Pending() uint64 {
	return atomic.LoadUint64(&h.sip)
}

// Kick wakes the hart if it is blocked in WaitForInterrupt.
func (h *Hart) Kick() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// WaitForInterrupt blocks until an enabled interrupt is pending or the hart
// is kicked. Like wfi it may return without anything to do. It never
// returns once the power is off.
func (h *Hart) WaitForInterrupt() {
	if h.power.IsOff() {
		goexitFn()
	}
	if _, ok := h.pendingInterrupt(); ok {
		return
	}
	select {
	case <-h.wake:
	case <-h.power.Done():
		goexitFn()
	}
}

// SetTrapVector installs fn as the supervisor trap handler.
func (h *Hart) SetTrapVector(fn TrapVector) { h.stvec = fn }

// TrapVector returns the installed supervisor trap handler.
func (h *Hart) TrapVector() TrapVector { return h.stvec }

// SATP returns the active address translation register.
func (h *Hart) SATP() uint64 { return h.satp }

// SetSATP loads the address translation register.
func (h *Hart) SetSATP(v uint64) { h.satp = v }

// Scause returns the cause of the last trap.
func (h *Hart) Scause() uint64 { return h.scause }

// Sepc returns the program counter saved by the last trap.
func (h *Hart) Sepc() uint64 { return h.sepc }

// SetSepc sets the program counter sret returns to.
func (h *Hart) SetSepc(v uint64) { h.sepc = v }

// Stval returns the trap value of the last trap.
func (h *Hart) Stval() uint64 { return h.stval }

// Sstatus returns the status register.
func (h *Hart) Sstatus() uint64 { return h.sstatus }

// SetSstatus loads the status register.
func (h *Hart) SetSstatus(v uint64) { h.sstatus = v }

// pendingInterrupt returns the highest priority interrupt that is both
// pending and enabled: external, then software, then timer.
func (h *Hart) pendingInterrupt() (uint64, bool) {
	pending := atomic.LoadUint64(&h.sip) & h.sie
	switch {
	case pending&SieSEIE != 0:
		return IntExternal, true
	case pending&SieSSIE != 0:
		return IntSoftware, true
	case pending&SieSTIE != 0:
		return IntTimer, true
	}
	return 0, false
}

// trap performs the hardware side of taking a trap into supervisor mode and,
// for traps taken from supervisor mode, the matching sret once the vector
// returns.
func (h *Hart) trap(cause, epc, tval uint64, fromSupervisor bool) {
	h.scause = cause
	h.sepc = epc
	h.stval = tval

	status := h.sstatus &^ (SstatusSPP | SstatusSPIE)
	if h.sstatus&SstatusSIE != 0 {
		status |= SstatusSPIE
	}
	if fromSupervisor {
		status |= SstatusSPP
	}
	h.sstatus = status &^ SstatusSIE

	if !fromSupervisor {
		return
	}

	h.stvec(h)
	h.sret()
}

// sret restores the interrupt enable bit saved by the last trap.
func (h *Hart) sret() {
	status := h.sstatus &^ (SstatusSIE | SstatusSPP)
	if h.sstatus&SstatusSPIE != 0 {
		status |= SstatusSIE
	}
	h.sstatus = status | SstatusSPIE
}

// SfenceVMA orders earlier page table writes before later translations.
// The hosted hart does not cache translations so there is nothing to flush.
func (h *Hart) SfenceVMA() {}
