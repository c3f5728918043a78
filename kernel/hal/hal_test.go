package hal

import (
	"bytes"
	"octox/kernel/cpu"
	"octox/kernel/irq"
	"octox/kernel/kfmt"
	"octox/kernel/proc"
	"sync"
	"testing"
	"time"
)

func TestNewBoard(t *testing.T) {
	specs := []struct {
		mutate func(*Config)
		expErr bool
	}{
		{func(*Config) {}, false},
		{func(c *Config) { c.Harts = 0 }, true},
		{func(c *Config) { c.Harts = proc.NCPU + 1 }, true},
		{func(c *Config) { c.RAMSize = 4096 }, true},
		{func(c *Config) { c.RAMSize = 1<<20 + 1 }, true},
		{func(c *Config) { c.Disk = make([]byte, 100) }, true},
	}

	for specIndex, spec := range specs {
		cfg := DefaultConfig()
		spec.mutate(&cfg)

		b, err := NewBoard(cfg)
		if gotErr := err != nil; gotErr != spec.expErr {
			t.Errorf("[spec %d] expected error: %t; got %v", specIndex, spec.expErr, err)
			continue
		}
		if err == nil && len(b.Harts) != cfg.Harts {
			t.Errorf("[spec %d] expected %d harts; got %d", specIndex, cfg.Harts, len(b.Harts))
		}
	}
}

func TestDetectHardware(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		irq.Reset()
	}()

	var out bytes.Buffer
	cfg := DefaultConfig()
	cfg.Harts = 1
	cfg.Output = &out
	cfg.TickInterval = 0

	b, err := NewBoard(cfg)
	if err != nil {
		t.Fatal(err)
	}
	kfmt.SetOutputSink(b.UART)
	b.DetectHardware()

	exp := "[hal] clint(0.1.0): init failed: timer interval must be positive\n" +
		"[hal] plic(0.1.0): 63 sources routed to 1 harts\n" +
		"[hal] plic(0.1.0): initialized\n" +
		"[hal] uart16550(0.1.0): irq 10, 256 byte rx fifo\n" +
		"[hal] uart16550(0.1.0): initialized\n" +
		"[hal] console(0.1.0): 128 byte input buffer\n" +
		"[hal] console(0.1.0): initialized\n" +
		"[hal] virtio-blk(0.1.0): 2048 sectors, queue size 8, irq 1\n" +
		"[hal] virtio-blk(0.1.0): initialized\n" +
		"[hal] virtio_disk(0.1.0): 8 slots\n" +
		"[hal] virtio_disk(0.1.0): initialized\n"
	if got := out.String(); got != exp {
		t.Fatalf("expected probe output:\n%s\ngot:\n%s", exp, got)
	}

	var names []string
	for _, drv := range b.ActiveDrivers() {
		names = append(names, drv.DriverName())
	}
	expNames := []string{"plic", "uart16550", "console", "virtio-blk", "virtio_disk"}
	if len(names) != len(expNames) {
		t.Fatalf("expected active drivers %v; got %v", expNames, names)
	}
	for i := range expNames {
		if names[i] != expNames[i] {
			t.Fatalf("expected active drivers %v; got %v", expNames, names)
		}
	}
}

func TestPowerCycle(t *testing.T) {
	defer cpu.SetHaltHook(nil)

	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond
	b, err := NewBoard(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu      sync.Mutex
		started []int
	)
	b.PowerOn(func(b *Board, h *cpu.Hart) {
		mu.Lock()
		started = append(started, h.ID())
		mu.Unlock()

		if h.ID() == 2 {
			// a halting hart takes the board down with it.
			cpu.Halt()
		}
		<-b.Power.Done()
	})

	waited := make(chan struct{})
	go func() {
		b.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the board to power off")
	}

	if len(started) != cfg.Harts {
		t.Fatalf("expected %d harts to start; got %d", cfg.Harts, len(started))
	}
}
