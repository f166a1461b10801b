package vmm

import (
	"io"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm"
)

// layoutFlags are the entry flags that distinguish regions in a layout dump.
const layoutFlags = FlagPresent | FlagRW | FlagUserAccessible

// Region describes a run of contiguous present pages that share the same
// permissions.
type Region struct {
	Start uintptr
	End   uintptr
	Flags PageTableEntryFlag
}

// Regions returns the present pages below the kernel region grouped into
// regions.
func (as *AddressSpace) Regions() []Region {
	var regions []Region

	as.tableLock.Acquire()
	defer as.tableLock.Release()

	for addr := uintptr(0); addr < mm.KernBase; {
		pte, err := as.lookupLocked(addr, false)
		if err != nil {
			addr = (addr + tableSpan) &^ (tableSpan - 1)
			continue
		}

		if entry := pte.Load(); entry.HasFlags(FlagPresent) {
			flags := entry.Flags() & layoutFlags
			if last := len(regions) - 1; last >= 0 && regions[last].End == addr && regions[last].Flags == flags {
				regions[last].End += mm.PageSize
			} else {
				regions = append(regions, Region{Start: addr, End: addr + mm.PageSize, Flags: flags})
			}
		}
		addr += mm.PageSize
	}

	return regions
}

// DumpLayout writes one line per region returned by Regions to w.
func (as *AddressSpace) DumpLayout(w io.Writer) {
	for _, region := range as.Regions() {
		perm := [3]byte{'r', '-', '-'}
		if region.Flags&FlagRW != 0 {
			perm[1] = 'w'
		}
		if region.Flags&FlagUserAccessible != 0 {
			perm[2] = 'u'
		}

		kfmt.Fprintf(w, "%08x-%08x %s %d pages\n", region.Start, region.End, perm[:], (region.End-region.Start)>>mm.PageShift)
	}
}
