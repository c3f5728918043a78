package main

import (
	"octox/kernel/bio"
	"octox/kernel/hal"
	"octox/kernel/kmain"
	"os"
)

// main powers on a default board wired to the terminal and runs the kernel
// until it halts. The console reads from stdin and writes to stdout.
func main() {
	cfg := hal.DefaultConfig()
	cfg.Disk = kmain.DiskImage(len(cfg.Disk) / bio.BSize)
	cfg.Input = os.Stdin
	cfg.Output = os.Stdout

	b, err := hal.NewBoard(cfg)
	if err != nil {
		os.Stderr.WriteString("octox: " + err.Error() + "\n")
		os.Exit(1)
	}

	b.PowerOn(kmain.Main)
	b.Wait()
}
