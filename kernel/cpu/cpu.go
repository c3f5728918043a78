// Package cpu models the harts of a RISC-V virt board: the supervisor CSRs,
// interrupt delivery through stvec and the user-mode instruction stream.
package cpu

import (
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	// haltHook runs before the calling hart stops. The board installs a
	// hook that powers off the machine.
	haltHook atomic.Value

	goexitFn = runtime.Goexit
)

// SetHaltHook registers fn to run whenever Halt is invoked.
func SetHaltHook(fn func()) {
	haltHook.Store(fn)
}

// Halt stops instruction execution on the calling hart.
func Halt() {
	if fn, ok := haltHook.Load().(func()); ok && fn != nil {
		fn()
	}
	goexitFn()
}

// Power is the board power rail shared by every hart and device. Once it is
// switched off all execution streams unwind.
type Power struct {
	once sync.Once
	done chan struct{}
}

// NewPower returns a powered rail.
func NewPower() *Power {
	return &Power{done: make(chan struct{})}
}

// Off cuts power. It is safe to call more than once.
func (p *Power) Off() {
	p.once.Do(func() { close(p.done) })
}

// Done returns a channel closed when power is cut.
func (p *Power) Done() <-chan struct{} {
	return p.done
}

// IsOff reports whether power has been cut.
func (p *Power) IsOff() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
