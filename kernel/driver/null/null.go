// Package null implements the null character device: reads hit end of file
// immediately and writes are discarded.
package null

import (
	"octox/kernel"
	"octox/kernel/proc"
)

// Device is the null device.
type Device struct{}

// Read always returns 0 bytes.
func (Device) Read(_ *proc.Proc, _ uint64, _ int) (int, *kernel.Error) {
	return 0, nil
}

// Write accepts and drops n bytes.
func (Device) Write(_ *proc.Proc, _ uint64, n int) (int, *kernel.Error) {
	return n, nil
}
