package vmm

import (
	"bytes"
	"lazyos/kernel"
	"lazyos/kernel/cpu"
	"lazyos/kernel/mm"
	"lazyos/kernel/mm/pmm"
	"testing"
)

const (
	testFrames      = 256
	testKernelPages = 4
)

var errTestOOM = &kernel.Error{Module: "test", Message: "out of frames", Kind: kernel.KindOutOfMemory}

// limitedMemory fails allocations once allocsLeft reaches zero. A negative
// allocsLeft disables the limit.
type limitedMemory struct {
	*pmm.Memory
	allocsLeft int
}

func (m *limitedMemory) AllocFrame() (mm.Frame, *kernel.Error) {
	if m.allocsLeft == 0 {
		return mm.InvalidFrame, errTestOOM
	}
	if m.allocsLeft > 0 {
		m.allocsLeft--
	}
	return m.Memory.AllocFrame()
}

func newTestSpace(t *testing.T) (*AddressSpace, *limitedMemory) {
	t.Helper()

	mem := &limitedMemory{Memory: pmm.New(testFrames, testKernelPages), allocsLeft: -1}
	as, err := New(mem, KernelImage{FirstFrame: mem.KernelFrame(0), Pages: testKernelPages})
	if err != nil {
		t.Fatal(err)
	}
	return as, mem
}

func expPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		if err, ok := recover().(*kernel.Error); !ok || err != expErr {
			t.Errorf("expected panic with %v; got %v", expErr, err)
		}
	}()
	fn()
}

func TestNewInstallsKernelMapping(t *testing.T) {
	as, mem := newTestSpace(t)

	for i := 0; i < testKernelPages; i++ {
		addr := mm.KernBase + uintptr(i)<<mm.PageShift
		pte, err := as.Lookup(addr, false)
		if err != nil {
			t.Fatalf("[page %d] unexpected error: %v", i, err)
		}

		entry := pte.Load()
		if !entry.HasFlags(FlagPresent | FlagRW | FlagGlobal) {
			t.Errorf("[page %d] expected kernel entry to be present, writable and global; got flags %x", i, entry.Flags())
		}
		if entry.HasAnyFlag(FlagUserAccessible) {
			t.Errorf("[page %d] expected kernel entry to be inaccessible from user mode", i)
		}
		if exp, got := mem.KernelFrame(i), entry.Frame(); got != exp {
			t.Errorf("[page %d] expected entry to point to frame %d; got %d", i, exp, got)
		}
	}

	// The kernel frames are never released.
	before := mem.FreeCount()
	as.Destroy()
	if exp, got := before+2, mem.FreeCount(); got != exp {
		t.Fatalf("expected destroy to release the directory and one table (%d free); got %d", exp, got)
	}
}

func TestNewOutOfMemory(t *testing.T) {
	mem := &limitedMemory{Memory: pmm.New(testFrames, testKernelPages)}
	freeBefore := mem.FreeCount()

	for allocs := 0; allocs < 2; allocs++ {
		mem.allocsLeft = allocs
		if _, err := New(mem, KernelImage{FirstFrame: mem.KernelFrame(0), Pages: testKernelPages}); err != errTestOOM {
			t.Errorf("[allocs %d] expected errTestOOM; got %v", allocs, err)
		}

		if got := mem.FreeCount(); got != freeBefore {
			t.Errorf("[allocs %d] expected no leaked frames (%d free); got %d", allocs, freeBefore, got)
		}
	}
}

func TestMapAndUnmap(t *testing.T) {
	as, mem := newTestSpace(t)

	var flushed []uintptr
	defer func(orig func(*cpu.TLB, uintptr)) { flushTLBEntryFn = orig }(flushTLBEntryFn)
	flushTLBEntryFn = func(tlb *cpu.TLB, virtAddr uintptr) {
		flushed = append(flushed, virtAddr)
		tlb.FlushEntry(virtAddr)
	}

	frame, _ := mem.AllocFrame()
	page := mm.PageFromAddress(0x400000)
	if err := as.Map(page, frame, FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	pte, err := as.Lookup(page.Address(), false)
	if err != nil {
		t.Fatal(err)
	}
	if entry := pte.Load(); !entry.HasFlags(FlagPresent|FlagRW|FlagUserAccessible) || entry.Frame() != frame {
		t.Fatalf("unexpected entry after map: %x", uint32(entry))
	}

	t.Run("remap", func(t *testing.T) {
		expPanic(t, errRemap, func() {
			_ = as.Map(page, frame, FlagRW)
		})
	})

	got, err := as.Unmap(page)
	if err != nil || got != frame {
		t.Fatalf("expected unmap to return (%d, nil); got (%d, %v)", frame, got, err)
	}
	if _, err = as.Unmap(page); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}

	if exp := []uintptr{page.Address(), page.Address()}; len(flushed) != len(exp) || flushed[0] != exp[0] || flushed[1] != exp[1] {
		t.Fatalf("expected TLB flushes for %x; got %x", exp, flushed)
	}
}

func TestMapRange(t *testing.T) {
	as, mem := newTestSpace(t)

	frames := make([]mm.Frame, 3)
	for i := range frames {
		frames[i], _ = mem.AllocFrame()
	}

	specs := []struct {
		addr   uintptr
		expErr *kernel.Error
	}{
		{0x1001, errMisalignedAddress},
		{mm.KernBase - mm.PageSize, errKernelAddress},
		{0x3fe000, nil},
	}

	for specIndex, spec := range specs {
		if err := as.MapRange(spec.addr, frames, FlagRW|FlagUserAccessible); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	// The range straddles a page table boundary.
	for i, frame := range frames {
		pte, err := as.Lookup(0x3fe000+uintptr(i)<<mm.PageShift, false)
		if err != nil {
			t.Fatalf("[page %d] unexpected error: %v", i, err)
		}
		if entry := pte.Load(); !entry.HasFlags(FlagPresent) || entry.Frame() != frame {
			t.Errorf("[page %d] expected present entry for frame %d; got %x", i, frame, uint32(entry))
		}
	}
}

func TestMapRangeRollback(t *testing.T) {
	as, mem := newTestSpace(t)

	frames := make([]mm.Frame, 3)
	for i := range frames {
		frames[i], _ = mem.AllocFrame()
	}

	// The first two pages fit in an existing table; the third needs a new one.
	if _, err := as.Lookup(0x7fe000, true); err != nil {
		t.Fatal(err)
	}

	mem.allocsLeft = 0
	if err := as.MapRange(0x7fe000, frames, FlagRW|FlagUserAccessible); err != errTestOOM {
		t.Fatalf("expected errTestOOM; got %v", err)
	}

	for i := 0; i < 2; i++ {
		pte, err := as.Lookup(0x7fe000+uintptr(i)<<mm.PageShift, false)
		if err != nil {
			t.Fatal(err)
		}
		if pte.Load().HasFlags(FlagPresent) {
			t.Errorf("[page %d] expected mapping to be rolled back", i)
		}
	}
}

func TestLookup(t *testing.T) {
	as, mem := newTestSpace(t)

	if _, err := as.Lookup(0x10000000, false); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}

	before := mem.FreeCount()
	pte, err := as.Lookup(0x10000000, true)
	if err != nil {
		t.Fatal(err)
	}
	if pte.Load().HasFlags(FlagPresent) {
		t.Fatal("expected lookup with alloc to return a non-present entry")
	}
	if exp, got := before-1, mem.FreeCount(); got != exp {
		t.Fatalf("expected lookup to allocate one page table (%d free); got %d", exp, got)
	}

	mem.allocsLeft = 0
	if _, err = as.Lookup(0x20000000, true); err != errTestOOM {
		t.Fatalf("expected errTestOOM; got %v", err)
	}
}

func TestGrowShrinkRoundTrip(t *testing.T) {
	as, mem := newTestSpace(t)

	specs := []struct {
		start uintptr
		delta uintptr
	}{
		{0, mm.PageSize},
		{0, 3*mm.PageSize + 10},
		{100, 5000},
		{0x3ff000, 2 * mm.PageSize},
	}

	for specIndex, spec := range specs {
		before := mem.FreeCount()

		size, err := as.Grow(spec.start, spec.start+spec.delta)
		if err != nil || size != spec.start+spec.delta {
			t.Errorf("[spec %d] expected grow to return (%d, nil); got (%d, %v)", specIndex, spec.start+spec.delta, size, err)
			continue
		}

		for addr := mm.PageRoundUp(spec.start); addr < size; addr += mm.PageSize {
			data := make([]byte, 4)
			if err := as.ReadUser(addr, data, nil); err != nil || !bytes.Equal(data, make([]byte, 4)) {
				t.Errorf("[spec %d] expected zero-filled page at %x; got % x (err %v)", specIndex, addr, data, err)
			}
		}

		if got := as.Shrink(size, spec.start); got != spec.start {
			t.Errorf("[spec %d] expected shrink to return %d; got %d", specIndex, spec.start, got)
		}

		for addr := mm.PageRoundUp(spec.start); addr < spec.start+spec.delta; addr += mm.PageSize {
			if pte, err := as.Lookup(addr, false); err == nil && pte.Load().HasFlags(FlagPresent) {
				t.Errorf("[spec %d] expected page %x to be unmapped after shrink", specIndex, addr)
			}
		}

		// Only page tables may remain allocated.
		if got := mem.FreeCount(); got < before-2 {
			t.Errorf("[spec %d] expected at most 2 page tables to stay allocated; free count went from %d to %d", specIndex, before, got)
		}
	}

	if got, err := as.Grow(0, mm.KernBase+mm.PageSize); err != errAddressSpaceFull || got != 0 {
		t.Fatalf("expected (0, errAddressSpaceFull); got (%d, %v)", got, err)
	}

	if got, err := as.Grow(2*mm.PageSize, mm.PageSize); err != nil || got != 2*mm.PageSize {
		t.Fatalf("expected growing to a smaller size to be a no-op; got (%d, %v)", got, err)
	}
}

func TestGrowRollback(t *testing.T) {
	as, mem := newTestSpace(t)

	if _, err := as.Grow(0, mm.PageSize); err != nil {
		t.Fatal(err)
	}

	before := mem.FreeCount()
	mem.allocsLeft = 3
	got, err := as.Grow(mm.PageSize, 8*mm.PageSize)
	if err != errTestOOM || got != mm.PageSize {
		t.Fatalf("expected (%d, errTestOOM); got (%d, %v)", mm.PageSize, got, err)
	}

	if exp := before; mem.FreeCount() != exp {
		t.Fatalf("expected rollback to release every frame (%d free); got %d", exp, mem.FreeCount())
	}

	pte, _ := as.Lookup(0, false)
	if !pte.Load().HasFlags(FlagPresent) {
		t.Fatal("expected pre-existing page to survive the rollback")
	}
	for addr := mm.PageSize; addr < 8*mm.PageSize; addr += mm.PageSize {
		if pte, _ := as.Lookup(addr, false); pte.Load().HasFlags(FlagPresent) {
			t.Errorf("expected page %x to be unmapped", addr)
		}
	}
}

func TestShrinkSkipsHoles(t *testing.T) {
	as, mem := newTestSpace(t)

	// Sparse pages in two page tables that are far apart.
	for _, addr := range []uintptr{0x1000, 0x5000, 0x40000000} {
		frame, _ := mem.AllocFrame()
		if err := as.Map(mm.PageFromAddress(addr), frame, FlagRW|FlagUserAccessible); err != nil {
			t.Fatal(err)
		}
	}

	before := mem.FreeCount()
	if got := as.Shrink(0x40001000, 0); got != 0 {
		t.Fatalf("expected shrink to return 0; got %d", got)
	}
	if exp, got := before+3, mem.FreeCount(); got != exp {
		t.Fatalf("expected 3 frames to be released (%d free); got %d", exp, got)
	}

	if got := as.Shrink(0, mm.PageSize); got != 0 {
		t.Fatalf("expected shrinking to a larger size to be a no-op; got %d", got)
	}
}

func TestCopy(t *testing.T) {
	as, mem := newTestSpace(t)

	if _, err := as.Grow(0, 2*mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := as.ClearUser(0); err != nil {
		t.Fatal(err)
	}
	if err := as.WriteUser(mm.PageSize, []byte("parent"), nil); err != nil {
		t.Fatal(err)
	}

	// A lazily absent page inside size is not copied.
	size := uintptr(4 * mm.PageSize)

	child, err := as.Copy(size)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 6)
	if err = child.ReadUser(mm.PageSize, buf, nil); err != nil || string(buf) != "parent" {
		t.Fatalf("expected child to observe parent data; got %q (err %v)", buf, err)
	}

	if err = child.WriteUser(mm.PageSize, []byte("child!"), nil); err != nil {
		t.Fatal(err)
	}
	if err = as.ReadUser(mm.PageSize, buf, nil); err != nil || string(buf) != "parent" {
		t.Fatalf("expected parent to be unaffected by child writes; got %q", buf)
	}

	parentGuard, _ := as.Lookup(0, false)
	childGuard, _ := child.Lookup(0, false)
	if parentGuard.Load().Flags() != childGuard.Load().Flags() {
		t.Fatalf("expected identical flags; parent %x child %x", parentGuard.Load().Flags(), childGuard.Load().Flags())
	}
	if parentGuard.Load().Frame() == childGuard.Load().Frame() {
		t.Fatal("expected child to get a private frame")
	}

	if pte, _ := child.Lookup(2*mm.PageSize, false); pte.Load().HasFlags(FlagPresent) {
		t.Fatal("expected absent parent page to stay absent in the child")
	}

	child.Destroy()

	// Fail once the child's directory, kernel table, first page and its
	// table have been allocated.
	before := mem.FreeCount()
	mem.allocsLeft = 4
	if _, err = as.Copy(size); err != errTestOOM {
		t.Fatalf("expected errTestOOM; got %v", err)
	}
	if got := mem.FreeCount(); got != before {
		t.Fatalf("expected partial copy to be destroyed (%d free); got %d", before, got)
	}
}

func TestDestroyReleasesEverything(t *testing.T) {
	mem := &limitedMemory{Memory: pmm.New(testFrames, testKernelPages), allocsLeft: -1}
	before := mem.FreeCount()

	as, err := New(mem, KernelImage{FirstFrame: mem.KernelFrame(0), Pages: testKernelPages})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = as.Grow(0, 10*mm.PageSize); err != nil {
		t.Fatal(err)
	}
	frame, _ := mem.AllocFrame()
	if err = as.Map(mm.PageFromAddress(mm.KernBase-mm.PageSize), frame, FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	as.Destroy()
	if got := mem.FreeCount(); got != before {
		t.Fatalf("expected every frame to be released (%d free); got %d", before, got)
	}

	expPanic(t, errDestroyed, func() {
		_, _ = as.Lookup(0, false)
	})
}
