package vmm

import (
	"lazyos/kernel"
	"lazyos/kernel/mm"
	"sync/atomic"
	"unsafe"
)

// maxFaultRetries bounds the number of times a single page access is retried
// after the fault handler reported success.
const maxFaultRetries = 3

var (
	errBadUserAddress  = &kernel.Error{Module: "vmm", Message: "address is not mapped for user access", Kind: kernel.KindPermissionDenied}
	errUnresolvedFault = &kernel.Error{Module: "vmm", Message: "page fault was not resolved by the handler", Kind: kernel.KindPermissionDenied}
	errUnalignedWord   = &kernel.Error{Module: "vmm", Message: "word access is not 4-byte aligned", Kind: kernel.KindInvalidArgument}
)

// FaultHandler is invoked by the MMU when a user access to virtAddr cannot be
// translated. A nil return value means that the mapping was fixed and the
// access should be retried.
type FaultHandler func(virtAddr uintptr, write bool) *kernel.Error

// userAccessible reports whether entry permits a user access of the given kind.
func userAccessible(entry PageTableEntry, write bool) bool {
	if !entry.HasFlags(FlagPresent | FlagUserAccessible) {
		return false
	}
	return !write || entry.HasFlags(FlagRW)
}

// translate emulates the MMU for a user access. On success it updates the
// accessed and dirty bits of the entry and returns the backing frame.
func (as *AddressSpace) translate(virtAddr uintptr, write bool) (mm.Frame, bool) {
	if virtAddr >= mm.KernBase {
		return mm.InvalidFrame, false
	}

	as.tableLock.Acquire()
	defer as.tableLock.Release()

	if cached, hit := as.tlb.Lookup(virtAddr); hit {
		entry := PageTableEntry(cached)
		if userAccessible(entry, write) && (!write || entry.HasFlags(FlagDirty)) {
			return entry.Frame(), true
		}
	}

	pte, err := as.lookupLocked(virtAddr, false)
	if err != nil {
		return mm.InvalidFrame, false
	}

	entry := pte.Load()
	if !userAccessible(entry, write) {
		return mm.InvalidFrame, false
	}

	flags := FlagAccessed
	if write {
		flags |= FlagDirty
	}
	pte.SetFlags(flags)
	as.tlb.Insert(virtAddr, uint32(pte.Load()))

	return entry.Frame(), true
}

// userPage translates virtAddr, invoking fault until the access succeeds or
// the handler gives up.
func (as *AddressSpace) userPage(virtAddr uintptr, write bool, fault FaultHandler) ([]byte, *kernel.Error) {
	for attempt := 0; ; attempt++ {
		if frame, ok := as.translate(virtAddr, write); ok {
			return as.mem.FrameData(frame)[virtAddr&(mm.PageSize-1):], nil
		}

		switch {
		case fault == nil:
			return nil, errBadUserAddress
		case attempt == maxFaultRetries:
			return nil, errUnresolvedFault
		}

		if err := fault(virtAddr, write); err != nil {
			return nil, err
		}
	}
}

// ReadUser copies len(dst) bytes starting at the user address virtAddr into
// dst as a user-mode load would.
func (as *AddressSpace) ReadUser(virtAddr uintptr, dst []byte, fault FaultHandler) *kernel.Error {
	for len(dst) > 0 {
		src, err := as.userPage(virtAddr, false, fault)
		if err != nil {
			return err
		}

		n := copy(dst, src)
		dst, virtAddr = dst[n:], virtAddr+uintptr(n)
	}
	return nil
}

// WriteUser copies src to the user address virtAddr as a user-mode store
// would, marking the touched pages dirty.
func (as *AddressSpace) WriteUser(virtAddr uintptr, src []byte, fault FaultHandler) *kernel.Error {
	for len(src) > 0 {
		dst, err := as.userPage(virtAddr, true, fault)
		if err != nil {
			return err
		}

		n := copy(dst, src)
		src, virtAddr = src[n:], virtAddr+uintptr(n)
	}
	return nil
}

// Swap32 atomically stores val into the 32-bit word at virtAddr and returns
// its previous value.
func (as *AddressSpace) Swap32(virtAddr uintptr, val uint32, fault FaultHandler) (uint32, *kernel.Error) {
	if virtAddr&3 != 0 {
		return 0, errUnalignedWord
	}

	data, err := as.userPage(virtAddr, true, fault)
	if err != nil {
		return 0, err
	}

	return atomic.SwapUint32((*uint32)(unsafe.Pointer(&data[0])), val), nil
}

// CopyOut copies src into this address space at virtAddr. Unlike WriteUser
// it does not go through the MMU: it writes through the physical frames of
// present user pages and fails on the first page that is not mapped. It is
// used to populate an address space that is not running yet.
func (as *AddressSpace) CopyOut(virtAddr uintptr, src []byte) *kernel.Error {
	for len(src) > 0 {
		pageAddr := mm.PageRoundDown(virtAddr)

		pte, err := as.Lookup(pageAddr, false)
		if err != nil {
			return errBadUserAddress
		}

		entry := pte.Load()
		if !entry.HasFlags(FlagPresent | FlagUserAccessible) {
			return errBadUserAddress
		}

		n := copy(as.mem.FrameData(entry.Frame())[virtAddr-pageAddr:], src)
		src, virtAddr = src[n:], virtAddr+uintptr(n)
	}
	return nil
}
