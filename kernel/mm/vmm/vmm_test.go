package vmm

import (
	"bytes"
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"octox/kernel/mm"
	"octox/kernel/mm/pmm"
	"testing"
)

const testRAMSize = 512 * mm.PageSize

func setupRAM(t *testing.T) {
	t.Helper()
	if err := pmm.Init(mm.KernBase, testRAMSize, mm.KernelEnd); err != nil {
		t.Fatal(err)
	}
}

func allocFrame(t *testing.T) mm.Frame {
	t.Helper()
	f, err := mm.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// failingAllocator lets the first n allocations through and fails the rest.
func failingAllocator(n int) mm.FrameAllocatorFn {
	return func() (mm.Frame, *kernel.Error) {
		if n == 0 {
			return mm.InvalidFrame, pmm.ErrOutOfMemory
		}
		n--
		return pmm.FrameAllocator.AllocFrame()
	}
}

func restoreAllocator() {
	mm.SetFrameAllocator(pmm.FrameAllocator.AllocFrame)
}

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 3)
		flag2 = PageTableEntryFlag(1 << 4)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.SetFrame(mm.Frame(0x80123))
	if got := pte.Frame(); got != mm.Frame(0x80123) {
		t.Fatalf("expected frame 0x80123; got 0x%x", got)
	}
	if exp := uint64(0x80123)<<10 | uint64(flag2); uint64(pte) != exp {
		t.Fatalf("expected raw entry 0x%x; got 0x%x", exp, uint64(pte))
	}
	if pte.IsLeaf() {
		t.Fatal("expected entry without R/W/X to be a table pointer")
	}
}

func TestWalkVisitsEveryLevel(t *testing.T) {
	defer func(orig func(mm.Frame, uint64) *pageTableEntry) { ptePtrFn = orig }(ptePtrFn)

	var tables [pageLevels][entriesPerTable]pageTableEntry
	tables[0][1] = pageTableEntry(1 << ptePPNShift)
	tables[1][2] = pageTableEntry(2 << ptePPNShift)

	var visited []uint64
	ptePtrFn = func(tableFrame mm.Frame, index uint64) *pageTableEntry {
		visited = append(visited, index)
		return &tables[tableFrame][index]
	}

	va := uint64(1)<<30 | uint64(2)<<21 | uint64(3)<<12
	levels := 0
	walk(0, va, func(level uint8, _ *pageTableEntry) bool {
		levels++
		return true
	})

	if levels != pageLevels {
		t.Fatalf("expected walk to visit %d levels; got %d", pageLevels, levels)
	}
	exp := []uint64{1, 2, 3}
	for i := range exp {
		if visited[i] != exp[i] {
			t.Errorf("level %d: expected index %d; got %d", i, exp[i], visited[i])
		}
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	setupRAM(t)
	startFree := pmm.FreeCount()

	pt, err := New()
	if err != nil {
		t.Fatal(err)
	}

	f1, f2 := allocFrame(t), allocFrame(t)
	if err = pt.Map(0x1000, mm.PageSize, f1.Address(), FlagRead|FlagUser); err != nil {
		t.Fatal(err)
	}
	if err = pt.Map(0x2000, mm.PageSize, f2.Address(), FlagRead|FlagWrite); err != nil {
		t.Fatal(err)
	}

	t.Run("translate", func(t *testing.T) {
		pa, err := pt.Translate(0x1004)
		if err != nil {
			t.Fatal(err)
		}
		if exp := f1.Address() + 4; pa != exp {
			t.Fatalf("expected 0x%x; got 0x%x", exp, pa)
		}

		if _, err = pt.TranslateUser(0x2000); err != ErrUnmapped {
			t.Fatalf("expected kernel-only page to be rejected; got %v", err)
		}
		if _, err = pt.Translate(0x3000); err != ErrUnmapped {
			t.Fatalf("expected ErrUnmapped; got %v", err)
		}
		if _, err = pt.Translate(mm.MaxVA); err != ErrUnmapped {
			t.Fatalf("expected ErrUnmapped above MaxVA; got %v", err)
		}
	})

	t.Run("remap is rejected and undone", func(t *testing.T) {
		f3 := allocFrame(t)
		if err := pt.Map(0, 2*mm.PageSize, f3.Address(), FlagRead); err != ErrRemap {
			t.Fatalf("expected ErrRemap; got %v", err)
		}
		if _, err := pt.Translate(0); err != ErrUnmapped {
			t.Fatal("expected the partial mapping of page 0 to be undone")
		}
		mm.FreeFrame(f3)
	})

	t.Run("unmap of a hole changes nothing", func(t *testing.T) {
		if err := pt.Unmap(0x1000, 3, true); err != ErrUnmapped {
			t.Fatalf("expected ErrUnmapped; got %v", err)
		}
		if _, err := pt.Translate(0x1000); err != nil {
			t.Fatal("expected page 0x1000 to still be mapped")
		}
	})

	if err = pt.Unmap(0x1000, 2, true); err != nil {
		t.Fatal(err)
	}
	if _, err = pt.Translate(0x2000); err != ErrUnmapped {
		t.Fatal("expected page 0x2000 to be unmapped")
	}

	pt.Free(0)
	if got := pmm.FreeCount(); got != startFree {
		t.Fatalf("expected %d free frames after teardown; got %d", startFree, got)
	}
}

func TestMapOutOfMemory(t *testing.T) {
	setupRAM(t)
	defer restoreAllocator()

	pt, err := New()
	if err != nil {
		t.Fatal(err)
	}
	startFree := pmm.FreeCount()

	// two intermediate tables for the first page, nothing after that
	mm.SetFrameAllocator(failingAllocator(2))
	if err = pt.Map(0x1ff000, 2*mm.PageSize, mm.KernelEnd, FlagRead); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	restoreAllocator()

	if _, err = pt.Translate(0x1ff000); err != ErrUnmapped {
		t.Fatal("expected the first page mapping to be undone")
	}

	pt.Free(0)
	if exp := startFree + 1; pmm.FreeCount() != exp {
		t.Fatalf("expected %d free frames; got %d", exp, pmm.FreeCount())
	}
}

func TestMapArgumentChecks(t *testing.T) {
	setupRAM(t)
	defer func() { panicFn = kfmt.Panic }()

	var panicErr interface{}
	panicFn = func(e interface{}) { panicErr = e }

	pt, _ := New()
	if pt.Map(0x1001, mm.PageSize, mm.KernelEnd, FlagRead); panicErr != errMisaligned {
		t.Fatalf("expected errMisaligned; got %v", panicErr)
	}
	if pt.Map(0x1000, 0, mm.KernelEnd, FlagRead); panicErr != errEmptyRange {
		t.Fatalf("expected errEmptyRange; got %v", panicErr)
	}
}

func TestUserMemoryLifecycle(t *testing.T) {
	setupRAM(t)
	startFree := pmm.FreeCount()

	src, _ := New()
	dst, _ := New()

	size, err := src.Grow(0, 3*mm.PageSize+10, FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	if size != 3*mm.PageSize+10 {
		t.Fatalf("unexpected size 0x%x", size)
	}

	payload := bytes.Repeat([]byte("octox!"), 1000)
	if err = src.CopyOut(100, payload); err != nil {
		t.Fatal(err)
	}

	// fresh pages are zeroed
	tail := make([]byte, 16)
	if err = src.CopyIn(tail, 3*mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tail, make([]byte, 16)) {
		t.Fatal("expected grown memory to be zeroed")
	}

	if err = src.Copy(dst, size); err != nil {
		t.Fatal(err)
	}

	// the copy is independent of the original
	if err = src.CopyOut(100, []byte("XXXX")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if err = dst.CopyIn(got, 100); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("expected child copy to keep the original contents")
	}

	flags, err := dst.Flags(0)
	if err != nil {
		t.Fatal(err)
	}
	if !flags.hasAll(FlagRead | FlagWrite | FlagUser) {
		t.Fatalf("expected copied flags to be preserved; got 0x%x", flags)
	}

	if size = src.Shrink(size, mm.PageSize); size != mm.PageSize {
		t.Fatalf("expected shrink to return 0x%x; got 0x%x", mm.PageSize, size)
	}
	if _, err = src.Translate(mm.PageSize); err != ErrUnmapped {
		t.Fatal("expected shrunk pages to be unmapped")
	}

	src.Free(size)
	dst.Free(3*mm.PageSize + 10)

	if got := pmm.FreeCount(); got != startFree {
		t.Fatalf("expected no frame leaks: %d free before, %d after", startFree, got)
	}
}

func TestGrowOutOfMemory(t *testing.T) {
	setupRAM(t)
	defer restoreAllocator()

	pt, _ := New()
	size, err := pt.Grow(0, mm.PageSize, FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	startFree := pmm.FreeCount()

	mm.SetFrameAllocator(failingAllocator(3))
	newSize, err := pt.Grow(size, 10*mm.PageSize, FlagWrite)
	restoreAllocator()

	if err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	if newSize != size {
		t.Fatalf("expected size to stay 0x%x; got 0x%x", size, newSize)
	}
	if _, err = pt.Translate(mm.PageSize); err != ErrUnmapped {
		t.Fatal("expected partially grown pages to be released")
	}

	// page table pages allocated during the failed grow stay attached
	if got := pmm.FreeCount(); got > startFree {
		t.Fatalf("free count grew from %d to %d", startFree, got)
	}
}

func TestCopyOutOfMemory(t *testing.T) {
	setupRAM(t)
	defer restoreAllocator()

	src, _ := New()
	size, _ := src.Grow(0, 4*mm.PageSize, FlagWrite)
	dst, _ := New()
	startFree := pmm.FreeCount()

	mm.SetFrameAllocator(failingAllocator(4))
	err := src.Copy(dst, size)
	restoreAllocator()

	if err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	for va := uint64(0); va < size; va += mm.PageSize {
		if _, err := dst.Translate(va); err != ErrUnmapped {
			t.Fatalf("expected page 0x%x to be released from the failed copy", va)
		}
	}

	// the failed copy released its pages; freeing dst returns its tables
	// and its root
	dst.Free(0)
	if exp := startFree + 1; pmm.FreeCount() != exp {
		t.Fatalf("expected %d free frames; got %d", exp, pmm.FreeCount())
	}
}

func TestCopyPermissions(t *testing.T) {
	setupRAM(t)

	pt, _ := New()
	ro, rw, kern := allocFrame(t), allocFrame(t), allocFrame(t)
	pt.Map(0, mm.PageSize, ro.Address(), FlagRead|FlagUser)
	pt.Map(mm.PageSize, mm.PageSize, rw.Address(), FlagRead|FlagWrite|FlagUser)
	pt.Map(2*mm.PageSize, mm.PageSize, kern.Address(), FlagRead|FlagWrite)

	if err := pt.CopyOut(8, []byte("x")); err != ErrFault {
		t.Fatalf("expected write to read-only page to fail; got %v", err)
	}
	if err := pt.CopyOut(mm.PageSize-2, []byte("abcd")); err != ErrFault {
		t.Fatalf("expected write starting in a read-only page to fail; got %v", err)
	}
	if err := pt.CopyOut(2*mm.PageSize-2, []byte("abcd")); err != ErrFault {
		t.Fatalf("expected write into kernel page to fail; got %v", err)
	}
	if err := pt.CopyOut(mm.MaxVA+8, []byte("x")); err != ErrFault {
		t.Fatalf("expected write above MaxVA to fail; got %v", err)
	}

	if err := pt.CopyOut(2*mm.PageSize-6, []byte("hi\x00")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := pt.CopyInStr(buf, 2*mm.PageSize-6)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("expected %q; got %q", "hi", buf[:n])
	}

	if _, err = pt.CopyInStr(buf[:2], 2*mm.PageSize-6); err != ErrFault {
		t.Fatalf("expected unterminated string to fail; got %v", err)
	}
}

func TestUserBytes(t *testing.T) {
	setupRAM(t)

	pt, _ := New()
	text, data := allocFrame(t), allocFrame(t)
	pt.Map(0, mm.PageSize, text.Address(), FlagRead|FlagExec|FlagUser)
	pt.Map(mm.PageSize, mm.PageSize, data.Address(), FlagRead|FlagWrite|FlagUser)

	specs := []struct {
		va     uint64
		n      uint64
		access cpu.Access
		expOK  bool
	}{
		{0, 4, cpu.AccessExec, true},
		{0, 4, cpu.AccessWrite, false},
		{mm.PageSize, 8, cpu.AccessWrite, true},
		{mm.PageSize, 4, cpu.AccessExec, false},
		{mm.PageSize - 4, 8, cpu.AccessRead, false},
		{2 * mm.PageSize, 1, cpu.AccessRead, false},
	}

	for specIndex, spec := range specs {
		b, ok := pt.UserBytes(spec.va, spec.n, spec.access)
		if ok != spec.expOK {
			t.Errorf("[spec %d] expected ok=%t; got %t", specIndex, spec.expOK, ok)
			continue
		}
		if ok && uint64(len(b)) != spec.n {
			t.Errorf("[spec %d] expected %d bytes; got %d", specIndex, spec.n, len(b))
		}
	}

	flags, _ := pt.Flags(mm.PageSize)
	if !flags.hasAll(FlagAccessed | FlagDirty) {
		t.Fatal("expected a write to set the accessed and dirty bits")
	}
}

func TestClearUser(t *testing.T) {
	setupRAM(t)
	defer func() { panicFn = kfmt.Panic }()

	pt, _ := New()
	pt.Grow(0, 2*mm.PageSize, FlagWrite)
	pt.ClearUser(0)

	if _, ok := pt.UserBytes(0, 8, cpu.AccessRead); ok {
		t.Fatal("expected guard page to be inaccessible from user mode")
	}
	if _, err := pt.Translate(0); err != nil {
		t.Fatal("expected guard page to stay mapped for the kernel")
	}

	var panicErr interface{}
	panicFn = func(e interface{}) { panicErr = e }
	pt.ClearUser(5 * mm.PageSize)
	if panicErr != errClearUnmapped {
		t.Fatalf("expected errClearUnmapped; got %v", panicErr)
	}
}

func TestFreeRejectsStrayLeaf(t *testing.T) {
	setupRAM(t)
	defer func() { panicFn = kfmt.Panic }()

	var panicErr interface{}
	panicFn = func(e interface{}) { panicErr = e }

	pt, _ := New()
	if err := MapTrampoline(pt); err != nil {
		t.Fatal(err)
	}
	pt.Free(0)
	if panicErr != errLeafInTable {
		t.Fatalf("expected errLeafInTable; got %v", panicErr)
	}
}

func TestKernelTable(t *testing.T) {
	setupRAM(t)
	defer func() {
		sfenceVMAFn = (*cpu.Hart).SfenceVMA
		writeSATPFn = (*cpu.Hart).SetSATP
		panicFn = kfmt.Panic
	}()

	if err := InitKernel(); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		va, expPA uint64
	}{
		{mm.UART0, mm.UART0},
		{mm.VIRTIO0 + 8, mm.VIRTIO0 + 8},
		{mm.PLIC + 0x201000, mm.PLIC + 0x201000},
		{mm.KernBase + 0x1234, mm.KernBase + 0x1234},
		{pmm.Top() - 1, pmm.Top() - 1},
		{mm.Trampoline + 4, mm.TrampolineFrame + 4},
	}
	for specIndex, spec := range specs {
		pa, err := KernelTable().Translate(spec.va)
		if err != nil || pa != spec.expPA {
			t.Errorf("[spec %d] expected 0x%x -> 0x%x; got 0x%x (%v)", specIndex, spec.va, spec.expPA, pa, err)
		}
	}

	if flags, _ := KernelTable().Flags(mm.KernBase); flags.hasAll(FlagWrite) {
		t.Error("expected kernel text to be read-only")
	}

	t.Run("init hart", func(t *testing.T) {
		var calls []string
		sfenceVMAFn = func(*cpu.Hart) { calls = append(calls, "sfence") }
		writeSATPFn = func(h *cpu.Hart, v uint64) {
			calls = append(calls, "satp")
			h.SetSATP(v)
		}

		h := cpu.NewHart(1, cpu.NewPower())
		InitHart(h)

		if exp := "sfence,satp,sfence"; joined(calls) != exp {
			t.Fatalf("expected call order %s; got %s", exp, joined(calls))
		}
		if h.SATP() != KernelTable().SATP() {
			t.Fatal("expected hart satp to select the kernel table")
		}
	})

	t.Run("refuses to enable paging without kernel text", func(t *testing.T) {
		var panicErr interface{}
		panicFn = func(e interface{}) { panicErr = e }

		satpWritten := false
		writeSATPFn = func(*cpu.Hart, uint64) { satpWritten = true }

		orig := kernelTable
		kernelTable, _ = New()
		InitHart(cpu.NewHart(2, cpu.NewPower()))
		kernelTable = orig

		if panicErr != errKernelTextUnmapped || satpWritten {
			t.Fatalf("expected errKernelTextUnmapped without a satp write; got %v, written=%t", panicErr, satpWritten)
		}
	})

	t.Run("kernel stacks", func(t *testing.T) {
		f := allocFrame(t)
		if err := MapKernelStack(3, f); err != nil {
			t.Fatal(err)
		}
		if pa, err := KernelTable().Translate(mm.KStack(3)); err != nil || pa != f.Address() {
			t.Fatalf("expected kernel stack to map frame 0x%x; got 0x%x (%v)", f.Address(), pa, err)
		}
		if _, err := KernelTable().Translate(mm.KStack(3) + mm.PageSize); err != ErrUnmapped {
			t.Fatal("expected guard page above the kernel stack")
		}
		if err := MapKernelStack(3, f); err != ErrRemap {
			t.Fatalf("expected ErrRemap for a second stack in the same slot; got %v", err)
		}
	})
}

func (f PageTableEntryFlag) hasAll(flags PageTableEntryFlag) bool {
	return f&flags == flags
}

func joined(s []string) string {
	var buf bytes.Buffer
	for i, v := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(v)
	}
	return buf.String()
}
