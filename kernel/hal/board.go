package hal

import (
	"io"
	"octox/device"
	"octox/device/clint"
	"octox/device/plic"
	"octox/device/uart"
	vdev "octox/device/virtio"
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/driver/console"
	"octox/kernel/driver/virtio"
	"octox/kernel/mm"
	"octox/kernel/proc"
	"sync"
	"time"
)

var (
	errHartCount = &kernel.Error{Module: "hal", Message: "hart count must be between 1 and NCPU"}
	errRAMSize   = &kernel.Error{Module: "hal", Message: "RAM must hold the kernel image and a page-aligned heap"}
)

// Config describes the board.
type Config struct {
	// Harts is the number of harts, at most proc.NCPU.
	Harts int

	// RAMSize is the amount of physical memory starting at mm.KernBase.
	RAMSize uint64

	// TickInterval is the period of each hart's timer interrupt.
	TickInterval time.Duration

	// Disk is the image backing the virtio block device. Writes go
	// straight to it.
	Disk []byte

	// Input feeds the UART receive line. It may be nil.
	Input io.Reader

	// Output receives everything transmitted on the UART. It may be nil.
	Output io.Writer
}

// DefaultConfig returns the configuration of a 3-hart board with 16M of RAM,
// a 100Hz timer and an empty 1M disk.
func DefaultConfig() Config {
	return Config{
		Harts:        3,
		RAMSize:      16 << 20,
		TickInterval: 10 * time.Millisecond,
		Disk:         make([]byte, 1<<20),
	}
}

// Board is a powered-off virt machine.
type Board struct {
	cfg Config

	Power *cpu.Power
	Harts []*cpu.Hart

	PLIC  *plic.PLIC
	CLINT *clint.CLINT
	UART  *uart.UART
	Disk  *vdev.Disk

	// Drivers of the UART and the disk.
	Console    *console.Console
	DiskDriver *virtio.Driver

	activeDrivers []device.Driver

	harts sync.WaitGroup
}

// NewBoard builds the board described by cfg.
func NewBoard(cfg Config) (*Board, *kernel.Error) {
	if cfg.Harts < 1 || cfg.Harts > proc.NCPU {
		return nil, errHartCount
	}
	if cfg.RAMSize%mm.PageSize != 0 || mm.KernBase+cfg.RAMSize <= mm.KernelEnd {
		return nil, errRAMSize
	}

	b := &Board{cfg: cfg, Power: cpu.NewPower()}

	b.Harts = make([]*cpu.Hart, cfg.Harts)
	for i := range b.Harts {
		b.Harts[i] = cpu.NewHart(i, b.Power)
	}

	b.PLIC = plic.New(b.Harts)
	b.CLINT = clint.New(b.Harts, cfg.TickInterval)
	b.UART = uart.New(cfg.Output, b.PLIC.Raise)

	var err *kernel.Error
	if b.Disk, err = vdev.New(cfg.Disk, b.PLIC.Raise); err != nil {
		return nil, err
	}

	b.Console = console.New(b.UART)
	b.DiskDriver = virtio.New(b.Disk)
	return b, nil
}

// Config returns the board configuration.
func (b *Board) Config() Config { return b.cfg }

// driverInfo lists the board's drivers.
func (b *Board) driverInfo() device.DriverInfoList {
	return device.DriverInfoList{
		{Order: device.DetectOrderStorage, Probe: func() device.Driver { return b.Disk }},
		{Order: device.DetectOrderStorage, Probe: func() device.Driver { return b.DiskDriver }},
		{Order: device.DetectOrderConsole, Probe: func() device.Driver { return b.UART }},
		{Order: device.DetectOrderConsole, Probe: func() device.Driver { return b.Console }},
		{Order: device.DetectOrderInterrupts, Probe: func() device.Driver { return b.PLIC }},
		{Order: device.DetectOrderEarly, Probe: func() device.Driver { return b.CLINT }},
	}
}

// PowerOn starts the devices and runs entry on every hart, each in its own
// execution stream. A kernel panic powers the board off.
func (b *Board) PowerOn(entry func(b *Board, h *cpu.Hart)) {
	cpu.SetHaltHook(b.PowerOff)

	b.CLINT.Start(b.Power)
	b.Disk.Start(b.Power)
	if b.cfg.Input != nil {
		// the pump outlives the board if Input never returns.
		go b.UART.Pump(b.cfg.Input)
	}

	for _, h := range b.Harts {
		b.harts.Add(1)
		go func(h *cpu.Hart) {
			defer b.harts.Done()
			entry(b, h)
		}(h)
	}
}

// PowerOff cuts power. Every hart and process stream unwinds.
func (b *Board) PowerOff() {
	b.Power.Off()
}

// Wait blocks until the board is powered off and every hart, timer and
// process stream has stopped.
func (b *Board) Wait() {
	<-b.Power.Done()
	b.harts.Wait()
	b.CLINT.Wait()
	proc.WaitStreams()
}
