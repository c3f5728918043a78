// Package clint models the core-local interruptor: one timer per hart that
// raises the supervisor timer interrupt at a fixed interval.
package clint

import (
	"io"
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"sync"
	"sync/atomic"
	"time"
)

var errBadInterval = &kernel.Error{Module: "clint", Message: "timer interval must be positive"}

// CLINT is the timer block. It implements trap.Timer and device.Driver.
type CLINT struct {
	harts    []*cpu.Hart
	interval time.Duration

	// fired counts timer interrupts raised per hart.
	fired []uint64

	wg sync.WaitGroup
}

// New returns a stopped timer block for harts.
func New(harts []*cpu.Hart, interval time.Duration) *CLINT {
	return &CLINT{
		harts:    harts,
		interval: interval,
		fired:    make([]uint64, len(harts)),
	}
}

// Start arms the timer of every hart. The timers stop when pw is switched
// off.
func (c *CLINT) Start(pw *cpu.Power) {
	for id := range c.harts {
		c.wg.Add(1)
		go c.run(id, pw)
	}
}

func (c *CLINT) run(id int, pw *cpu.Power) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			atomic.AddUint64(&c.fired[id], 1)
			c.harts[id].Raise(cpu.SieSTIE)
		case <-pw.Done():
			return
		}
	}
}

// Wait blocks until every timer has stopped.
func (c *CLINT) Wait() {
	c.wg.Wait()
}

// Ack acknowledges the timer interrupt of hart, which stays quiet until the
// next interval elapses.
func (c *CLINT) Ack(hart int) {
	c.harts[hart].Clear(cpu.SieSTIE)
}

// Fired returns the number of timer interrupts raised on hart.
func (c *CLINT) Fired(hart int) uint64 {
	return atomic.LoadUint64(&c.fired[hart])
}

// DriverName returns the name of this driver.
func (*CLINT) DriverName() string {
	return "clint"
}

// DriverVersion returns the version of this driver.
func (*CLINT) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit initializes this driver.
func (c *CLINT) DriverInit(w io.Writer) *kernel.Error {
	if c.interval <= 0 {
		return errBadInterval
	}
	kfmt.Fprintf(w, "%d timers, interval %d us\n", len(c.harts), int64(c.interval/time.Microsecond))
	return nil
}
