// Package irq routes external interrupts claimed from the platform interrupt
// controller to the driver that owns the interrupting device.
package irq

import (
	"octox/kernel/proc"
)

// MaxSources is the number of interrupt sources the controller supports.
const MaxSources = 64

// Handler services an interrupt on the hart described by c.
type Handler func(c *proc.Cpu)

// Controller is the platform-level interrupt controller.
type Controller interface {
	// SetPriority sets the priority of a source. Priority 0 disables it.
	SetPriority(irq uint32, priority uint32)

	// Enable enables delivery of a source to a hart.
	Enable(hart int, irq uint32)

	// SetThreshold sets the priority a source must exceed to interrupt
	// a hart.
	SetThreshold(hart int, threshold uint32)

	// Claim returns the highest priority pending source for a hart, or 0
	// if there is none.
	Claim(hart int) uint32

	// Complete tells the controller the hart finished servicing irq.
	Complete(hart int, irq uint32)
}

var handlers [MaxSources]Handler

// HandleInterrupt registers handler for the given source, replacing any
// previous handler.
func HandleInterrupt(irq uint32, handler Handler) {
	if irq == 0 || irq >= MaxSources {
		return
	}
	handlers[irq] = handler
}

// Reset removes all registered handlers.
func Reset() {
	handlers = [MaxSources]Handler{}
}

// Dispatch runs the handler registered for irq and reports whether there
// was one.
func Dispatch(c *proc.Cpu, irq uint32) bool {
	if irq == 0 || irq >= MaxSources || handlers[irq] == nil {
		return false
	}
	handlers[irq](c)
	return true
}

// InitController gives every source with a handler a non-zero priority.
func InitController(ctl Controller) {
	for irq, handler := range handlers {
		if handler != nil {
			ctl.SetPriority(uint32(irq), 1)
		}
	}
}

// InitHart enables every source with a handler for hart and sets its
// priority threshold to 0.
func InitHart(ctl Controller, hart int) {
	for irq, handler := range handlers {
		if handler != nil {
			ctl.Enable(hart, uint32(irq))
		}
	}
	ctl.SetThreshold(hart, 0)
}
