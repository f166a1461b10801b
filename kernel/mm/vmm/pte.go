package vmm

import (
	"lazyos/kernel/mm"
	"sync/atomic"
	"unsafe"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint32

// PageTableEntry describes a page table entry. These entries encode a
// physical frame address and a set of flags.
//
// Entries live inside simulated physical memory and the MMU updates the
// accessed and dirty bits of live entries concurrently with the kernel, so
// code holding a *PageTableEntry must read it with Load and modify it with
// the pointer methods, which are atomic.
type PageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// Flags returns the flag bits of this entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint32(pte) & pteFlagMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

func (pte *PageTableEntry) word() *uint32 {
	return (*uint32)(unsafe.Pointer(pte))
}

// Load returns a snapshot of the entry.
func (pte *PageTableEntry) Load() PageTableEntry {
	return PageTableEntry(atomic.LoadUint32(pte.word()))
}

// Set points the entry to frame and replaces its flags.
func (pte *PageTableEntry) Set(frame mm.Frame, flags PageTableEntryFlag) {
	atomic.StoreUint32(pte.word(), uint32(frame.Address())&ptePhysPageMask|uint32(flags)&pteFlagMask)
}

// Clear zeroes the entry.
func (pte *PageTableEntry) Clear() {
	atomic.StoreUint32(pte.word(), 0)
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	pte.update(func(old uint32) uint32 { return old | uint32(flags) })
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	pte.update(func(old uint32) uint32 { return old &^ uint32(flags) })
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	pte.update(func(old uint32) uint32 {
		return (old &^ ptePhysPageMask) | uint32(frame.Address())&ptePhysPageMask
	})
}

func (pte *PageTableEntry) update(fn func(uint32) uint32) {
	for {
		old := atomic.LoadUint32(pte.word())
		if atomic.CompareAndSwapUint32(pte.word(), old, fn(old)) {
			return
		}
	}
}
