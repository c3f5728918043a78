// Package device defines the interface shared by the drivers of the board's
// memory-mapped devices and the order in which they are probed.
package device

import (
	"io"
	"octox/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it, or nil if the hardware is
// absent.
type ProbeFn func() Driver

// DetectOrder specifies when a driver is probed relative to the others.
type DetectOrder int

const (
	// DetectOrderEarly is used by drivers that others depend on.
	DetectOrderEarly DetectOrder = iota - 128

	// DetectOrderInterrupts is used by interrupt controllers. Drivers of
	// devices that raise interrupts must be probed after it.
	DetectOrderInterrupts = -64

	// DetectOrderConsole is used by console devices.
	DetectOrderConsole = -32

	// DetectOrderStorage is used by block devices.
	DetectOrderStorage = 0

	// DetectOrderLast is used by drivers that require every other driver
	// to be initialized.
	DetectOrderLast = 127
)

// DriverInfo is a driver entry in a board's probe list.
type DriverInfo struct {
	// Order specifies at which stage the driver is probed.
	Order DetectOrder

	// Probe returns the driver or nil.
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering entries by detection
// order. Entries with the same order keep their relative position when
// sorted with sort.Stable.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less reports whether entry i must be probed before entry j.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
