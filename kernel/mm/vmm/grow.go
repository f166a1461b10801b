package vmm

import (
	"lazyos/kernel"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm"
)

var errAddressSpaceFull = &kernel.Error{Module: "vmm", Message: "requested size overlaps the kernel region", Kind: kernel.KindOutOfMemory}

// tableSpan is the number of bytes of address space covered by one page table.
const tableSpan = uintptr(1) << 22

// Grow allocates zero-filled user pages for the range [oldSize, newSize) and
// returns the new size. If any allocation fails the pages added by this call
// are released and oldSize is returned together with the error.
func (as *AddressSpace) Grow(oldSize, newSize uintptr) (uintptr, *kernel.Error) {
	if newSize > mm.KernBase {
		return oldSize, errAddressSpaceFull
	}
	if newSize < oldSize {
		return oldSize, nil
	}

	for addr := mm.PageRoundUp(oldSize); addr < newSize; addr += mm.PageSize {
		frame, err := as.mem.AllocFrame()
		if err != nil {
			as.Shrink(newSize, oldSize)
			return oldSize, err
		}
		mm.ZeroFrame(as.mem, frame)

		if err = as.Map(mm.PageFromAddress(addr), frame, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
			as.mem.FreeFrame(frame)
			as.Shrink(newSize, oldSize)
			return oldSize, err
		}
	}

	return newSize, nil
}

// Shrink frees the user pages in [newSize, oldSize) and returns newSize.
// Holes are skipped, as are whole page tables that were never allocated. If
// newSize is not smaller than oldSize, Shrink does nothing and returns
// oldSize.
func (as *AddressSpace) Shrink(oldSize, newSize uintptr) uintptr {
	if newSize >= oldSize {
		return oldSize
	}

	as.tableLock.Acquire()
	defer as.tableLock.Release()

	for addr := mm.PageRoundUp(newSize); addr < oldSize; {
		pte, err := as.lookupLocked(addr, false)
		if err != nil {
			// No page table; continue at the next table boundary.
			addr = (addr + tableSpan) &^ (tableSpan - 1)
			continue
		}

		if entry := pte.Load(); entry.HasFlags(FlagPresent) {
			if entry.Frame() == 0 {
				kfmt.Panic(errFreeFrameZero)
			}
			as.mem.FreeFrame(entry.Frame())
			pte.Clear()
			flushTLBEntryFn(&as.tlb, addr)
		}
		addr += mm.PageSize
	}

	return newSize
}

// Copy returns a new address space that holds a private copy of every present
// page below size, mapped with identical permissions. Pages that were never
// materialized stay absent in the copy. On failure the partial copy is
// destroyed.
func (as *AddressSpace) Copy(size uintptr) (*AddressSpace, *kernel.Error) {
	child, err := New(as.mem, as.kernel)
	if err != nil {
		return nil, err
	}

	as.tableLock.Acquire()
	defer as.tableLock.Release()

	for addr := uintptr(0); addr < size; {
		pte, lookupErr := as.lookupLocked(addr, false)
		if lookupErr != nil {
			addr = (addr + tableSpan) &^ (tableSpan - 1)
			continue
		}

		if entry := pte.Load(); entry.HasFlags(FlagPresent) {
			frame, err := as.mem.AllocFrame()
			if err != nil {
				child.Destroy()
				return nil, err
			}
			copy(as.mem.FrameData(frame), as.mem.FrameData(entry.Frame()))

			if err = child.Map(mm.PageFromAddress(addr), frame, entry.Flags()); err != nil {
				as.mem.FreeFrame(frame)
				child.Destroy()
				return nil, err
			}
		}
		addr += mm.PageSize
	}

	return child, nil
}
