package trap

import (
	"octox/kernel"
	"octox/kernel/proc"
)

// Device is a character device reachable through the standard file
// descriptors. addr is a user virtual address in the address space of p.
type Device interface {
	Read(p *proc.Proc, addr uint64, n int) (int, *kernel.Error)
	Write(p *proc.Proc, addr uint64, n int) (int, *kernel.Error)
}

// nofile is the number of file descriptors every process has. 0, 1 and 2
// refer to the console, 3 to the null device.
const (
	nofile = 4
	nullFd = 3
)

var devices [nofile]Device

// SetConsole attaches the device behind file descriptors 0, 1 and 2.
func SetConsole(dev Device) {
	for fd := 0; fd < nullFd; fd++ {
		devices[fd] = dev
	}
}

// SetNull attaches the device behind file descriptor 3.
func SetNull(dev Device) {
	devices[nullFd] = dev
}

// argFd returns the device behind the file descriptor in argument n.
func argFd(p *proc.Proc, n int) Device {
	fd := argInt(p, n)
	if fd < 0 || fd >= nofile {
		return nil
	}
	return devices[fd]
}

func sysRead(p *proc.Proc) int64 {
	dev, addr, n := argFd(p, 0), argAddr(p, 1), argInt(p, 2)
	if dev == nil || n < 0 {
		return -1
	}

	got, err := dev.Read(p, addr, n)
	if err != nil {
		return -1
	}
	return int64(got)
}

func sysWrite(p *proc.Proc) int64 {
	dev, addr, n := argFd(p, 0), argAddr(p, 1), argInt(p, 2)
	if dev == nil || n < 0 {
		return -1
	}

	put, err := dev.Write(p, addr, n)
	if err != nil {
		return -1
	}
	return int64(put)
}
