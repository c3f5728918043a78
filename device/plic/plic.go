// Package plic models the platform-level interrupt controller of the virt
// board. Devices assert sources with Raise; the controller forwards the
// highest priority one to every hart that enabled it by raising the
// supervisor external interrupt pending bit.
package plic

import (
	"io"
	"math/bits"
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"octox/kernel/sync"
)

// NumSources is the number of interrupt sources, including the reserved
// source 0.
const NumSources = 64

// PLIC is the interrupt controller. It implements irq.Controller and
// device.Driver.
type PLIC struct {
	lock  sync.Spinlock
	harts []*cpu.Hart

	priority [NumSources]uint32

	// pending and inService are bitmaps of sources. A source stays out of
	// arbitration from Claim until Complete.
	pending   uint64
	inService uint64

	enabled   []uint64
	threshold []uint32
}

// New returns a controller wired to harts with every source disabled.
func New(harts []*cpu.Hart) *PLIC {
	return &PLIC{
		harts:     harts,
		enabled:   make([]uint64, len(harts)),
		threshold: make([]uint32, len(harts)),
	}
}

// Raise asserts source irq. Asserting an already pending source has no
// further effect.
func (p *PLIC) Raise(irq uint32) {
	if irq == 0 || irq >= NumSources {
		return
	}
	p.lock.Acquire()
	p.pending |= 1 << irq
	p.update()
	p.lock.Release()
}

// SetPriority sets the priority of a source. Priority 0 never interrupts.
func (p *PLIC) SetPriority(irq, priority uint32) {
	if irq == 0 || irq >= NumSources {
		return
	}
	p.lock.Acquire()
	p.priority[irq] = priority
	p.update()
	p.lock.Release()
}

// Enable lets source irq interrupt hart.
func (p *PLIC) Enable(hart int, irq uint32) {
	if irq == 0 || irq >= NumSources {
		return
	}
	p.lock.Acquire()
	p.enabled[hart] |= 1 << irq
	p.update()
	p.lock.Release()
}

// SetThreshold masks sources with a priority at or below threshold on hart.
func (p *PLIC) SetThreshold(hart int, threshold uint32) {
	p.lock.Acquire()
	p.threshold[hart] = threshold
	p.update()
	p.lock.Release()
}

// Claim returns the highest priority source pending for hart, lowest id
// first among equals, and marks it in service. It returns 0 if nothing is
// pending.
func (p *PLIC) Claim(hart int) uint32 {
	p.lock.Acquire()
	defer p.lock.Release()

	irq := p.best(hart)
	if irq != 0 {
		p.pending &^= 1 << irq
		p.inService |= 1 << irq
		p.update()
	}
	return irq
}

// Complete ends servicing of irq. If the device asserted it again in the
// meantime it is delivered anew.
func (p *PLIC) Complete(hart int, irq uint32) {
	if irq == 0 || irq >= NumSources {
		return
	}
	p.lock.Acquire()
	p.inService &^= 1 << irq
	p.update()
	p.lock.Release()
}

// best returns the source hart would claim. The caller holds the lock.
func (p *PLIC) best(hart int) uint32 {
	var (
		bestIRQ  uint32
		bestPrio = p.threshold[hart]
	)

	candidates := p.pending &^ p.inService & p.enabled[hart]
	for candidates != 0 {
		irq := uint32(bits.TrailingZeros64(candidates))
		candidates &^= 1 << irq
		if p.priority[irq] > bestPrio {
			bestIRQ, bestPrio = irq, p.priority[irq]
		}
	}
	return bestIRQ
}

// update recomputes the external interrupt line of every hart. The caller
// holds the lock.
func (p *PLIC) update() {
	for id, h := range p.harts {
		if p.best(id) != 0 {
			h.Raise(cpu.SieSEIE)
		} else {
			h.Clear(cpu.SieSEIE)
		}
	}
}

// DriverName returns the name of this driver.
func (*PLIC) DriverName() string {
	return "plic"
}

// DriverVersion returns the version of this driver.
func (*PLIC) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit initializes this driver.
func (p *PLIC) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "%d sources routed to %d harts\n", NumSources-1, len(p.harts))
	return nil
}
