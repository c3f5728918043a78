package pmm

import (
	"octox/kernel/kfmt"
	"octox/kernel/mm"
	"testing"
)

const (
	testRAMSize   = 64 * mm.PageSize
	testKernelEnd = mm.KernBase + 4*mm.PageSize
)

func TestInit(t *testing.T) {
	if err := Init(mm.KernBase, testRAMSize, testKernelEnd); err != nil {
		t.Fatal(err)
	}

	if exp := uint32(60); FreeCount() != exp {
		t.Fatalf("expected %d free frames; got %d", exp, FreeCount())
	}

	if exp := mm.KernBase + testRAMSize; Top() != exp {
		t.Fatalf("expected top of RAM 0x%x; got 0x%x", exp, Top())
	}

	if err := Init(mm.KernBase, testRAMSize, mm.KernBase+testRAMSize); err == nil {
		t.Fatal("expected Init to reject a kernel image that fills RAM")
	}
}

func TestAllocFrame(t *testing.T) {
	if err := Init(mm.KernBase, testRAMSize, testKernelEnd); err != nil {
		t.Fatal(err)
	}

	seen := make(map[mm.Frame]bool)
	for i := 0; i < 60; i++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}
		if seen[frame] {
			t.Fatalf("[alloc %d] frame %x handed out twice", i, frame)
		}
		seen[frame] = true

		if frame.Address() < testKernelEnd || frame.Address() >= Top() {
			t.Fatalf("[alloc %d] frame %x outside managed range", i, frame)
		}

		for _, b := range FrameData(frame) {
			if b != allocJunk {
				t.Fatalf("[alloc %d] expected frame to be filled with junk", i)
			}
		}
	}

	if _, err := mm.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	for frame := range seen {
		mm.FreeFrame(frame)
	}

	if exp := uint32(60); FreeCount() != exp {
		t.Fatalf("expected all %d frames to be free again; got %d", exp, FreeCount())
	}
}

func TestFreeFrameErrors(t *testing.T) {
	defer func() {
		panicFn = kfmt.Panic
	}()

	if err := Init(mm.KernBase, testRAMSize, testKernelEnd); err != nil {
		t.Fatal(err)
	}

	var panicErr interface{}
	panicFn = func(e interface{}) {
		panicErr = e
	}

	t.Run("double free", func(t *testing.T) {
		panicErr = nil
		frame, err := mm.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		mm.FreeFrame(frame)
		mm.FreeFrame(frame)
		if panicErr != errDoubleFree {
			t.Fatalf("expected errDoubleFree; got %v", panicErr)
		}
	})

	t.Run("kernel image frame", func(t *testing.T) {
		panicErr = nil
		mm.FreeFrame(mm.FrameFromAddress(mm.KernBase))
		if panicErr != errFreeOutOfRange {
			t.Fatalf("expected errFreeOutOfRange; got %v", panicErr)
		}
	})

	t.Run("frame above RAM", func(t *testing.T) {
		panicErr = nil
		mm.FreeFrame(mm.FrameFromAddress(Top()))
		if panicErr != errFreeOutOfRange {
			t.Fatalf("expected errFreeOutOfRange; got %v", panicErr)
		}
	})

	if exp := uint32(60); FreeCount() != exp {
		t.Fatalf("expected rejected frees to leave the count at %d; got %d", exp, FreeCount())
	}
}

func TestBytes(t *testing.T) {
	if err := Init(mm.KernBase, testRAMSize, testKernelEnd); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		pa, n  uint64
		expNil bool
	}{
		{mm.KernBase, 8, false},
		{Top() - 8, 8, false},
		{Top() - 4, 8, true},
		{mm.KernBase - 1, 2, true},
		{mm.UART0, 1, true},
	}

	for specIndex, spec := range specs {
		if got := Bytes(spec.pa, spec.n); (got == nil) != spec.expNil {
			t.Errorf("[spec %d] expected nil=%t; got %v", specIndex, spec.expNil, got == nil)
		}
	}

	// writes through one view are visible through another
	frame, _ := mm.AllocFrame()
	copy(FrameData(frame), "octox")
	if got := string(Bytes(frame.Address(), 5)); got != "octox" {
		t.Fatalf("expected RAM contents %q; got %q", "octox", got)
	}
}
