// Package bio is the buffer cache: a fixed set of block buffers kept in a
// most-recently-used list. At most one buffer holds a given block, and a
// buffer is used by one process at a time through its sleep lock.
package bio

import (
	"octox/kernel"
	"octox/kernel/kfmt"
	"octox/kernel/proc"
)

const (
	// NBuf is the number of buffers in the cache.
	NBuf = 30

	// BSize is the block size in bytes.
	BSize = 1024
)

// Device transfers whole blocks on behalf of a process.
type Device interface {
	Rw(p *proc.Proc, blockno uint32, data []byte, write bool) *kernel.Error
}

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errNoBuffers = &kernel.Error{Module: "bio", Message: "bget: no buffers"}
	errNotLocked = &kernel.Error{Module: "bio", Message: "buffer not locked by caller"}
	errNoDevice  = &kernel.Error{Module: "bio", Message: "no such device"}
	errRefcnt    = &kernel.Error{Module: "bio", Message: "unpin of unreferenced buffer"}
)

// Buf is a cached disk block.
type Buf struct {
	// valid is set once Data holds the block contents.
	valid bool

	dev     uint32
	blockno uint32
	lock    *proc.Sleeplock
	refcnt  int

	// MRU list links, protected by the cache lock.
	prev, next *Buf

	Data [BSize]byte
}

// Dev returns the device number of the cached block.
func (b *Buf) Dev() uint32 { return b.dev }

// BlockNo returns the number of the cached block.
func (b *Buf) BlockNo() uint32 { return b.blockno }

var (
	lock    = proc.NewSpinlock("bcache")
	buf     [NBuf]Buf
	devices = map[uint32]Device{}

	// head.next is the most recently used buffer, head.prev the least.
	head Buf
)

// Init empties the cache and attaches the devices by number.
func Init(devs map[uint32]Device) {
	devices = devs

	head.prev, head.next = &head, &head
	for i := range buf {
		b := &buf[i]
		*b = Buf{lock: proc.NewSleeplock("buffer")}
		b.next = head.next
		b.prev = &head
		head.next.prev = b
		head.next = b
	}
}

// get returns a locked buffer for the block, recycling the least recently
// used unreferenced buffer on a miss.
func get(p *proc.Proc, dev, blockno uint32) *Buf {
	lock.Acquire(p.Cpu())

	for b := head.next; b != &head; b = b.next {
		if b.dev == dev && b.blockno == blockno {
			b.refcnt++
			lock.Release(p.Cpu())
			b.lock.Acquire(p)
			return b
		}
	}

	for b := head.prev; b != &head; b = b.prev {
		if b.refcnt == 0 {
			b.dev = dev
			b.blockno = blockno
			b.valid = false
			b.refcnt = 1
			lock.Release(p.Cpu())
			b.lock.Acquire(p)
			return b
		}
	}

	lock.Release(p.Cpu())
	panicFn(errNoBuffers)
	return nil
}

// Read returns a locked buffer with the contents of the block. The caller
// must Release it.
func Read(p *proc.Proc, dev, blockno uint32) (*Buf, *kernel.Error) {
	d, ok := devices[dev]
	if !ok {
		return nil, errNoDevice
	}

	b := get(p, dev, blockno)
	if b == nil {
		return nil, errNoBuffers
	}
	if !b.valid {
		if err := d.Rw(p, blockno, b.Data[:], false); err != nil {
			Release(p, b)
			return nil, err
		}
		b.valid = true
	}
	return b, nil
}

// Write writes the buffer contents to disk. The caller must hold b.
func Write(p *proc.Proc, b *Buf) *kernel.Error {
	if !b.lock.Holding(p) {
		panicFn(errNotLocked)
		return errNotLocked
	}
	return devices[b.dev].Rw(p, b.blockno, b.Data[:], true)
}

// Release unlocks b and makes it the most recently used buffer once no
// one references it.
func Release(p *proc.Proc, b *Buf) {
	if !b.lock.Holding(p) {
		panicFn(errNotLocked)
		return
	}
	b.lock.Release(p)

	lock.Acquire(p.Cpu())
	b.refcnt--
	if b.refcnt == 0 {
		b.next.prev = b.prev
		b.prev.next = b.next
		b.next = head.next
		b.prev = &head
		head.next.prev = b
		head.next = b
	}
	lock.Release(p.Cpu())
}

// Pin keeps b in the cache after it is released.
func Pin(p *proc.Proc, b *Buf) {
	lock.Acquire(p.Cpu())
	b.refcnt++
	lock.Release(p.Cpu())
}

// Unpin drops a reference taken by Pin.
func Unpin(p *proc.Proc, b *Buf) {
	lock.Acquire(p.Cpu())
	if b.refcnt == 0 {
		lock.Release(p.Cpu())
		panicFn(errRefcnt)
		return
	}
	b.refcnt--
	lock.Release(p.Cpu())
}
