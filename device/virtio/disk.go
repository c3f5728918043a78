// Package virtio models the virtio block device of the virt board. Requests
// are served asynchronously by the device; completions are collected from
// the used ring after the device raises its interrupt.
package virtio

import (
	"io"
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"octox/kernel/sync"
)

const (
	// IRQ is the interrupt source the device is wired to.
	IRQ = 1

	// SectorSize is the unit of disk addressing.
	SectorSize = 512

	// QueueSize is the number of requests the device accepts at once.
	QueueSize = 8
)

// Request status codes written by the device.
const (
	StatusOK    = 0
	StatusIOErr = 1
	StatusUnsup = 2
)

var (
	errBadImage  = &kernel.Error{Module: "virtio", Message: "disk image is not a whole number of sectors"}
	errQueueFull = &kernel.Error{Module: "virtio", Message: "request queue full"}
)

// Request is a block transfer. Data must be a whole number of sectors.
type Request struct {
	Write  bool
	Sector uint64
	Data   []byte

	// Status is set by the device before the request shows up in the used
	// ring.
	Status uint8
}

// Disk is the block device. It implements device.Driver.
type Disk struct {
	image []byte
	raise func(irq uint32)
	avail chan *Request

	lock     sync.Spinlock
	used     []*Request
	failNext int
	served   uint64
}

// New returns a disk backed by image. raise asserts the device's interrupt
// line on the interrupt controller.
func New(image []byte, raise func(irq uint32)) (*Disk, *kernel.Error) {
	if len(image)%SectorSize != 0 {
		return nil, errBadImage
	}
	return &Disk{
		image: image,
		raise: raise,
		avail: make(chan *Request, QueueSize),
	}, nil
}

// Capacity returns the disk size in sectors.
func (d *Disk) Capacity() uint64 {
	return uint64(len(d.image) / SectorSize)
}

// Start runs the device until pw is switched off.
func (d *Disk) Start(pw *cpu.Power) {
	go func() {
		for {
			select {
			case req := <-d.avail:
				d.serve(req)
			case <-pw.Done():
				return
			}
		}
	}()
}

// Submit places req in the available ring. It fails if QueueSize requests
// are already outstanding.
func (d *Disk) Submit(req *Request) *kernel.Error {
	select {
	case d.avail <- req:
		return nil
	default:
		return errQueueFull
	}
}

// Used removes and returns the completed requests in completion order.
func (d *Disk) Used() []*Request {
	d.lock.Acquire()
	used := d.used
	d.used = nil
	d.lock.Release()
	return used
}

// InjectErrors makes the next n requests fail with StatusIOErr.
func (d *Disk) InjectErrors(n int) {
	d.lock.Acquire()
	d.failNext = n
	d.lock.Release()
}

// Served returns the number of requests completed so far.
func (d *Disk) Served() uint64 {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.served
}

func (d *Disk) serve(req *Request) {
	d.lock.Acquire()
	fail := d.failNext > 0
	if fail {
		d.failNext--
	}
	d.lock.Release()

	off := req.Sector * SectorSize
	switch {
	case fail:
		req.Status = StatusIOErr
	case len(req.Data)%SectorSize != 0 || off+uint64(len(req.Data)) > uint64(len(d.image)):
		req.Status = StatusUnsup
	case req.Write:
		copy(d.image[off:], req.Data)
		req.Status = StatusOK
	default:
		copy(req.Data, d.image[off:off+uint64(len(req.Data))])
		req.Status = StatusOK
	}

	d.lock.Acquire()
	d.used = append(d.used, req)
	d.served++
	d.lock.Release()

	d.raise(IRQ)
}

// DriverName returns the name of this driver.
func (*Disk) DriverName() string {
	return "virtio-blk"
}

// DriverVersion returns the version of this driver.
func (*Disk) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit initializes this driver.
func (d *Disk) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "%d sectors, queue size %d, irq %d\n", d.Capacity(), QueueSize, IRQ)
	return nil
}
