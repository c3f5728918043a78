package virtio

import (
	"bytes"
	"fmt"
	vdev "octox/device/virtio"
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"octox/kernel/ktest"
	"octox/kernel/proc"
	"testing"
)

const testBlockSize = 1024

// bootDisk boots a machine with a disk backed by image. The first failures
// requests fail.
func bootDisk(t *testing.T, nharts int, image []byte, failures int, body func(p *proc.Proc, d *Driver)) (*ktest.Machine, *vdev.Disk) {
	var (
		disk *vdev.Disk
		drv  *Driver
	)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	m := ktest.Boot(t, nharts,
		func(m *ktest.Machine) {
			var err *kernel.Error
			if disk, err = vdev.New(image, m.PLIC.Raise); err != nil {
				t.Fatal(err)
			}
			disk.InjectErrors(failures)
			disk.Start(m.Power)
			drv = New(disk)
			if err = drv.DriverInit(&buf); err != nil {
				t.Fatal(err)
			}
		},
		func(p *proc.Proc) { body(p, drv) },
	)
	return m, disk
}

func TestReadWrite(t *testing.T) {
	image := make([]byte, 16*testBlockSize)
	copy(image[testBlockSize:], "block one")

	var (
		done    = make(chan struct{})
		results = make(map[string]*kernel.Error)
		data    = make([]byte, testBlockSize)
		back    = make([]byte, testBlockSize)
	)

	m, _ := bootDisk(t, 2, image, 0, func(p *proc.Proc, d *Driver) {
		defer close(done)

		results["read"] = d.Rw(p, 1, data, false)

		wr := bytes.Repeat([]byte{0x5a}, testBlockSize)
		results["write"] = d.Rw(p, 7, wr, true)
		results["readback"] = d.Rw(p, 7, back, false)
		results["short"] = d.Rw(p, 0, make([]byte, 10), false)
	})
	m.Await(t, done)

	for _, name := range []string{"read", "write", "readback"} {
		if err := results[name]; err != nil {
			t.Errorf("%s: unexpected error %v", name, err)
		}
	}
	if err := results["short"]; err != errBadLength {
		t.Errorf("expected errBadLength for a partial sector; got %v", err)
	}

	if exp := "block one"; string(data[:len(exp)]) != exp {
		t.Errorf("expected block 1 to start with %q; got %q", exp, data[:len(exp)])
	}
	if !bytes.Equal(back, bytes.Repeat([]byte{0x5a}, testBlockSize)) {
		t.Error("expected to read back the written block")
	}
	if !bytes.Equal(image[7*testBlockSize:8*testBlockSize], back) {
		t.Error("expected the write to reach the disk image")
	}
}

func TestRetries(t *testing.T) {
	specs := []struct {
		failures int
		expErr   *kernel.Error
		expTries uint64
	}{
		{0, nil, 1},
		{2, nil, 3},
		{maxRetries, nil, maxRetries + 1},
		{maxRetries + 1, ErrIO, maxRetries + 1},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprintf("failures=%d", spec.failures), func(t *testing.T) {
			var (
				done = make(chan struct{})
				err  *kernel.Error
			)

			m, disk := bootDisk(t, 1, make([]byte, 4*testBlockSize), spec.failures, func(p *proc.Proc, d *Driver) {
				defer close(done)
				err = d.Rw(p, 2, make([]byte, testBlockSize), false)
			})
			m.Await(t, done)

			if err != spec.expErr {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}
			if got := disk.Served(); got != spec.expTries {
				t.Errorf("[spec %d] expected %d attempts; got %d", specIndex, spec.expTries, got)
			}
		})
	}
}

func TestConcurrentTransfers(t *testing.T) {
	const nproc = 12

	image := make([]byte, 32*testBlockSize)
	for blk := 0; blk < 32; blk++ {
		image[blk*testBlockSize] = byte(blk)
	}

	done := make(chan int, nproc)
	m, disk := bootDisk(t, 3, image, 0, func(p *proc.Proc, d *Driver) {
		if p.Pid() == 1 {
			for i := 0; i < nproc; i++ {
				p.Trapframe().X[cpu.RegA1] = uint64(i)
				if _, err := proc.Fork(p); err != nil {
					t.Errorf("fork: %v", err)
				}
			}
			return
		}

		blk := int(p.Trapframe().X[cpu.RegA1]) + 10
		buf := make([]byte, testBlockSize)
		if err := d.Rw(p, uint32(blk), buf, false); err != nil || buf[0] != byte(blk) {
			done <- -1
			return
		}
		done <- blk
	})

	seen := make(map[int]bool)
	for len(seen) < nproc {
		select {
		case blk := <-done:
			if blk < 0 {
				t.Fatal("transfer failed")
			}
			seen[blk] = true
		case <-m.Power.Done():
			t.Fatal("machine halted")
		}
	}

	if got := disk.Served(); got != nproc {
		t.Fatalf("expected %d requests; got %d", nproc, got)
	}
}
