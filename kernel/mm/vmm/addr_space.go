// Package vmm implements per-process address spaces on top of two-level page
// tables that live inside simulated physical memory.
package vmm

import (
	"lazyos/kernel"
	"lazyos/kernel/cpu"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm"
	"lazyos/kernel/sync"
	"unsafe"
)

var (
	// flushTLBEntryFn is used by tests to observe TLB invalidations.
	flushTLBEntryFn = (*cpu.TLB).FlushEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindNotFound}

	errMisalignedAddress = &kernel.Error{Module: "vmm", Message: "virtual address is not page-aligned", Kind: kernel.KindInvalidArgument}
	errKernelAddress     = &kernel.Error{Module: "vmm", Message: "virtual address belongs to the kernel region", Kind: kernel.KindInvalidArgument}
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.KindInvariant}
	errRemap             = &kernel.Error{Module: "vmm", Message: "remap of a present page", Kind: kernel.KindInvariant}
	errFreeFrameZero     = &kernel.Error{Module: "vmm", Message: "present entry points to frame 0", Kind: kernel.KindInvariant}
	errDestroyed         = &kernel.Error{Module: "vmm", Message: "address space has been destroyed", Kind: kernel.KindInvariant}
)

// KernelImage describes the physical frames holding the kernel. Every
// address space maps them, without user access, starting at mm.KernBase.
type KernelImage struct {
	FirstFrame mm.Frame
	Pages      int
}

// AddressSpace owns a page directory and the page tables it references.
//
// Each page table walk and edit is serialized by an internal lock. Callers
// that perform a check followed by an edit (fault handling, unmapping a
// memory-mapped region, exec) must additionally hold the address space lock
// returned by Lock so that sibling threads sharing the address space cannot
// interleave with them.
type AddressSpace struct {
	mem    mm.PhysicalMemory
	kernel KernelImage
	root   mm.Frame

	editLock  sync.Spinlock
	tableLock sync.Spinlock

	// tlb caches translations for this address space and is guarded
	// by tableLock.
	tlb cpu.TLB
}

// New allocates a page directory and installs the kernel mapping into it.
func New(mem mm.PhysicalMemory, kimg KernelImage) (*AddressSpace, *kernel.Error) {
	root, err := mem.AllocFrame()
	if err != nil {
		return nil, err
	}
	mm.ZeroFrame(mem, root)

	as := &AddressSpace{mem: mem, kernel: kimg, root: root}
	for i := 0; i < kimg.Pages; i++ {
		page := mm.PageFromAddress(mm.KernBase) + mm.Page(i)
		if err = as.Map(page, kimg.FirstFrame+mm.Frame(i), FlagPresent|FlagRW|FlagGlobal); err != nil {
			as.freeTables()
			return nil, err
		}
	}

	return as, nil
}

// Lock acquires the address space lock. See AddressSpace.
func (as *AddressSpace) Lock() { as.editLock.Acquire() }

// Unlock releases the address space lock.
func (as *AddressSpace) Unlock() { as.editLock.Release() }

// Root returns the frame holding the page directory.
func (as *AddressSpace) Root() mm.Frame { return as.root }

// Memory returns the physical memory backing this address space.
func (as *AddressSpace) Memory() mm.PhysicalMemory { return as.mem }

// table returns a view of the page table stored in frame.
func (as *AddressSpace) table(frame mm.Frame) *[entriesPerTable]PageTableEntry {
	return (*[entriesPerTable]PageTableEntry)(unsafe.Pointer(&as.mem.FrameData(frame)[0]))
}

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted. walkFn must
// ensure that a non-final entry is present before returning true. walk must
// be called with tableLock held.
func (as *AddressSpace) walk(virtAddr uintptr, walkFn func(pteLevel uint8, pte *PageTableEntry) bool) {
	tableFrame := as.root
	for level := uint8(0); level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &as.table(tableFrame)[index]

		if !walkFn(level, pte) || level == pageLevels-1 {
			return
		}

		tableFrame = pte.Load().Frame()
	}
}

// lookupLocked returns the final page table entry for virtAddr. When alloc
// is set, missing page tables are allocated and cleared. Otherwise a missing
// page table yields ErrInvalidMapping.
func (as *AddressSpace) lookupLocked(virtAddr uintptr, alloc bool) (*PageTableEntry, *kernel.Error) {
	var (
		entry *PageTableEntry
		err   *kernel.Error
	)

	if as.root == mm.InvalidFrame {
		kfmt.Panic(errDestroyed)
	}

	as.walk(virtAddr, func(pteLevel uint8, pte *PageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		cur := pte.Load()
		if cur.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if cur.HasFlags(FlagPresent) {
			return true
		}

		if !alloc {
			err = ErrInvalidMapping
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		var newTableFrame mm.Frame
		if newTableFrame, err = as.mem.AllocFrame(); err != nil {
			return false
		}
		mm.ZeroFrame(as.mem, newTableFrame)
		pte.Set(newTableFrame, FlagPresent|FlagRW|FlagUserAccessible)
		return true
	})

	return entry, err
}

// Lookup returns the final page table entry that corresponds to virtAddr
// without asserting anything about its presence. If alloc is set, missing
// intermediate page tables are allocated.
func (as *AddressSpace) Lookup(virtAddr uintptr, alloc bool) (*PageTableEntry, *kernel.Error) {
	as.tableLock.Acquire()
	defer as.tableLock.Release()

	return as.lookupLocked(virtAddr, alloc)
}

// mapLocked installs a mapping for a single page. Mapping over a present
// entry halts the kernel.
func (as *AddressSpace) mapLocked(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pte, err := as.lookupLocked(virtAddr, true)
	if err != nil {
		return err
	}

	if pte.Load().HasFlags(FlagPresent) {
		kfmt.Panic(errRemap)
	}

	pte.Set(frame, flags|FlagPresent)
	flushTLBEntryFn(&as.tlb, virtAddr)
	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are allocated on demand.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	as.tableLock.Acquire()
	defer as.tableLock.Release()

	return as.mapLocked(page.Address(), frame, flags)
}

// MapRange maps frames to consecutive pages starting at virtAddr. If a page
// table cannot be allocated the pages mapped by this call are unmapped again;
// the frames themselves remain owned by the caller.
func (as *AddressSpace) MapRange(virtAddr uintptr, frames []mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if !mm.PageAligned(virtAddr) {
		return errMisalignedAddress
	}
	if end := virtAddr + uintptr(len(frames))<<mm.PageShift; end > mm.KernBase || end < virtAddr {
		return errKernelAddress
	}

	as.tableLock.Acquire()
	defer as.tableLock.Release()

	for index, frame := range frames {
		if err := as.mapLocked(virtAddr+uintptr(index)<<mm.PageShift, frame, flags); err != nil {
			for undo := 0; undo < index; undo++ {
				as.unmapLocked(virtAddr + uintptr(undo)<<mm.PageShift)
			}
			return err
		}
	}

	return nil
}

func (as *AddressSpace) unmapLocked(virtAddr uintptr) (mm.Frame, *kernel.Error) {
	pte, err := as.lookupLocked(virtAddr, false)
	if err != nil {
		return mm.InvalidFrame, err
	}

	entry := pte.Load()
	if !entry.HasFlags(FlagPresent) {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	pte.Clear()
	flushTLBEntryFn(&as.tlb, virtAddr)
	return entry.Frame(), nil
}

// Unmap removes the mapping for page and returns the frame it pointed to.
// The frame is not freed.
func (as *AddressSpace) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	as.tableLock.Acquire()
	defer as.tableLock.Release()

	return as.unmapLocked(page.Address())
}

// ClearUser removes user access from the present page at virtAddr. It is used
// to turn the page below the user stack into a guard page.
func (as *AddressSpace) ClearUser(virtAddr uintptr) *kernel.Error {
	if !mm.PageAligned(virtAddr) {
		return errMisalignedAddress
	}

	as.tableLock.Acquire()
	defer as.tableLock.Release()

	pte, err := as.lookupLocked(virtAddr, false)
	if err != nil {
		return err
	}
	if !pte.Load().HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	pte.ClearFlags(FlagUserAccessible)
	flushTLBEntryFn(&as.tlb, virtAddr)
	return nil
}

// FlushTLBEntry invalidates the cached translation for virtAddr. It must be
// called after modifying an entry obtained through Lookup.
func (as *AddressSpace) FlushTLBEntry(virtAddr uintptr) {
	as.tableLock.Acquire()
	flushTLBEntryFn(&as.tlb, virtAddr)
	as.tableLock.Release()
}

// Destroy frees every user page, every page table and the page directory.
// The kernel image frames are shared and stay reserved.
func (as *AddressSpace) Destroy() {
	as.Shrink(mm.KernBase, 0)
	as.freeTables()
}

func (as *AddressSpace) freeTables() {
	as.tableLock.Acquire()
	defer as.tableLock.Release()

	if as.root == mm.InvalidFrame {
		kfmt.Panic(errDestroyed)
	}

	dir := as.table(as.root)
	for index := range dir {
		if entry := dir[index].Load(); entry.HasFlags(FlagPresent) {
			as.mem.FreeFrame(entry.Frame())
			dir[index].Clear()
		}
	}

	as.mem.FreeFrame(as.root)
	as.root = mm.InvalidFrame
	as.tlb.FlushAll()
}
