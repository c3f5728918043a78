// Package virtio drives the virtio block device. A process issuing a
// transfer sleeps until the completion interrupt wakes it.
package virtio

import (
	"io"
	vdev "octox/device/virtio"
	"octox/kernel"
	"octox/kernel/irq"
	"octox/kernel/kfmt"
	"octox/kernel/proc"
)

// maxRetries is the number of times a failed transfer is reissued before
// the error reaches the caller.
const maxRetries = 3

var (
	// ErrIO is returned when the device keeps failing a transfer.
	ErrIO = &kernel.Error{Module: "virtio_disk", Message: "i/o error"}

	errBadLength = &kernel.Error{Module: "virtio_disk", Message: "transfer is not a whole number of sectors"}
)

// transfer tracks a request from submission to completion. The sleeping
// process waits on it.
type transfer struct {
	req  vdev.Request
	done bool
}

// Driver is the block driver. It implements device.Driver.
type Driver struct {
	disk *vdev.Disk
	lock *proc.Spinlock

	// free counts request slots not in use. Processes wait on &free for
	// a slot.
	free int

	inflight map[*vdev.Request]*transfer
}

// New returns a driver for disk.
func New(disk *vdev.Disk) *Driver {
	return &Driver{
		disk:     disk,
		lock:     proc.NewSpinlock("virtio_disk"),
		free:     vdev.QueueSize,
		inflight: make(map[*vdev.Request]*transfer),
	}
}

// BlockSize returns the transfer granularity.
func (d *Driver) BlockSize() int { return vdev.SectorSize }

// Rw reads or writes data at block blockno, where a block is len(data)
// bytes. p sleeps until the transfer completes.
func (d *Driver) Rw(p *proc.Proc, blockno uint32, data []byte, write bool) *kernel.Error {
	if len(data) == 0 || len(data)%vdev.SectorSize != 0 {
		return errBadLength
	}
	sector := uint64(blockno) * uint64(len(data)/vdev.SectorSize)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		status, err := d.transfer(p, sector, data, write)
		if err != nil {
			return err
		}
		if status == vdev.StatusOK {
			return nil
		}
		kfmt.Printf("virtio_disk: sector %d status %d, attempt %d\n", sector, int(status), attempt+1)
	}
	return ErrIO
}

// transfer issues a single request and returns the device status.
func (d *Driver) transfer(p *proc.Proc, sector uint64, data []byte, write bool) (uint8, *kernel.Error) {
	t := &transfer{req: vdev.Request{Write: write, Sector: sector, Data: data}}

	d.lock.Acquire(p.Cpu())
	for d.free == 0 {
		proc.Sleep(p, &d.free, d.lock)
	}
	d.free--
	d.inflight[&t.req] = t

	if err := d.disk.Submit(&t.req); err != nil {
		delete(d.inflight, &t.req)
		d.free++
		d.lock.Release(p.Cpu())
		return 0, err
	}

	for !t.done {
		proc.Sleep(p, t, d.lock)
	}
	d.lock.Release(p.Cpu())

	return t.req.Status, nil
}

// Intr collects completed requests and wakes their processes.
func (d *Driver) Intr(c *proc.Cpu) {
	d.lock.Acquire(c)
	for _, req := range d.disk.Used() {
		t, ok := d.inflight[req]
		if !ok {
			kfmt.Printf("virtio_disk: unknown completion for sector %d\n", req.Sector)
			continue
		}
		delete(d.inflight, req)
		d.free++
		t.done = true
		proc.Wakeup(c, t)
	}
	proc.Wakeup(c, &d.free)
	d.lock.Release(c)
}

// DriverName returns the name of this driver.
func (*Driver) DriverName() string {
	return "virtio_disk"
}

// DriverVersion returns the version of this driver.
func (*Driver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit registers the completion interrupt handler.
func (d *Driver) DriverInit(w io.Writer) *kernel.Error {
	irq.HandleInterrupt(vdev.IRQ, d.Intr)
	kfmt.Fprintf(w, "%d slots\n", d.free)
	return nil
}
