// Package hal assembles the hosted virt board: harts, RAM size, power rail
// and devices. It also probes the board's drivers and keeps track of the
// ones that initialized.
package hal

import (
	"bytes"
	"octox/device"
	"octox/kernel/kfmt"
	"sort"
)

// DetectHardware probes the board's drivers in detection order and
// initializes the ones whose hardware is present.
func (b *Board) DetectHardware() {
	drivers := b.driverInfo()
	sort.Stable(drivers)

	b.probe(drivers)
}

// probe executes the probe function for each driver and records each
// successfully initialized driver. Driver output is prefixed with the
// driver name and version.
func (b *Board) probe(driverInfoList device.DriverInfoList) {
	var (
		out    bytes.Buffer
		prefix bytes.Buffer
		w      = kfmt.PrefixWriter{Sink: &out}
	)

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		prefix.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&prefix, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = prefix.Bytes()
		w.Reset()
		out.Reset()

		err := drv.DriverInit(&w)
		if err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
		} else {
			kfmt.Fprintf(&w, "initialized\n")
			b.activeDrivers = append(b.activeDrivers, drv)
		}

		// a driver may switch the output sink during init.
		kfmt.Printf("%s", out.Bytes())
	}
}

// ActiveDrivers returns the drivers initialized by DetectHardware in
// initialization order.
func (b *Board) ActiveDrivers() []device.Driver {
	return b.activeDrivers
}
