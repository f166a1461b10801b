// Package trap implements the page fault policy: it decides whether a fault
// is fatal to the faulting process and, if not, materializes the missing
// page.
package trap

import (
	"lazyos/kernel"
	"lazyos/kernel/exec"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm"
	"lazyos/kernel/mm/vmm"
	"lazyos/kernel/mmap"
)

// ErrorCode mirrors the error code pushed by an x86 page fault.
type ErrorCode uint8

const (
	// CodePresent is set if the fault was caused by a protection
	// violation on a present page.
	CodePresent ErrorCode = 1 << iota

	// CodeWrite is set for faulting writes.
	CodeWrite

	// CodeUser is set for faults raised in user mode.
	CodeUser
)

var (
	errProtection        = &kernel.Error{Module: "trap", Message: "page protection violation", Kind: kernel.KindPermissionDenied}
	errOutOfBounds       = &kernel.Error{Module: "trap", Message: "access above the process size", Kind: kernel.KindPermissionDenied}
	errMappingProtection = &kernel.Error{Module: "trap", Message: "access not permitted by the mapping", Kind: kernel.KindPermissionDenied}
)

// Process describes the process whose address space faulted.
type Process interface {
	AddressSpace() *vmm.AddressSpace

	// Size returns the end of the heap.
	Size() uintptr

	Mappings() *mmap.Table

	// Image returns the executable image or nil.
	Image() *exec.Image
}

// HandlePageFault resolves a user-mode page fault at faultAddr. A nil return
// value means the access can be retried. Any error is fatal to the process.
//
// The address space lock is held for the whole operation so that threads
// sharing the address space never install the same page twice.
func HandlePageFault(proc Process, faultAddr uintptr, write bool) *kernel.Error {
	as := proc.AddressSpace()
	as.Lock()
	defer as.Unlock()

	code := CodeUser
	if write {
		code |= CodeWrite
	}

	pageAddr := mm.PageRoundDown(faultAddr)
	if pte, err := as.Lookup(pageAddr, false); err == nil {
		if entry := pte.Load(); entry.HasFlags(vmm.FlagPresent) {
			if !entry.HasFlags(vmm.FlagUserAccessible) || (write && !entry.HasFlags(vmm.FlagRW)) {
				return nonRecoverablePageFault(faultAddr, code|CodePresent, errProtection)
			}

			// Another thread installed the page after the access
			// missed; retry it.
			return nil
		}
	}

	rec, mapped := proc.Mappings().Lookup(faultAddr)
	switch {
	case !mapped && faultAddr >= proc.Size():
		return nonRecoverablePageFault(faultAddr, code, errOutOfBounds)
	case mapped && !rec.Prot.Allows(write):
		return nonRecoverablePageFault(faultAddr, code, errMappingProtection)
	}

	mem := as.Memory()
	frame, err := mem.AllocFrame()
	if err != nil {
		return nonRecoverablePageFault(faultAddr, code, err)
	}
	mm.ZeroFrame(mem, frame)

	flags := vmm.FlagRW | vmm.FlagUserAccessible
	switch img := proc.Image(); {
	case mapped:
		err = rec.ReadPage(pageAddr, mem.FrameData(frame))
		if rec.Prot&mmap.ProtWrite == 0 {
			flags &^= vmm.FlagRW
		}
	case img != nil && pageAddr < img.Bound:
		err = img.LoadPage(pageAddr, mem.FrameData(frame))
	}

	// The frame is filled before it becomes visible so the dirty bit only
	// tracks stores made through the mapping.
	if err == nil {
		err = as.Map(mm.PageFromAddress(pageAddr), frame, flags)
	}
	if err != nil {
		mem.FreeFrame(frame)
		return nonRecoverablePageFault(faultAddr, code, err)
	}

	as.FlushTLBEntry(pageAddr)
	return nil
}

func nonRecoverablePageFault(faultAddr uintptr, code ErrorCode, err *kernel.Error) *kernel.Error {
	kfmt.Printf("\nPage fault while accessing address: 0x%08x\nReason: ", faultAddr)
	switch code &^ CodeUser {
	case 0:
		kfmt.Printf("read from non-present page")
	case CodePresent:
		kfmt.Printf("page protection violation (read)")
	case CodeWrite:
		kfmt.Printf("write to non-present page")
	case CodePresent | CodeWrite:
		kfmt.Printf("page protection violation (write)")
	}
	kfmt.Printf(" (%s)\n", err.Message)

	return err
}
