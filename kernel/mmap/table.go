package mmap

import (
	"lazyos/kernel"
	"lazyos/kernel/fs"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm"
	"lazyos/kernel/mm/vmm"
	"lazyos/kernel/sync"
)

var (
	errBadLength       = &kernel.Error{Module: "mmap", Message: "mapping length must be positive", Kind: kernel.KindInvalidArgument}
	errBadOffset       = &kernel.Error{Module: "mmap", Message: "mapping exceeds the file size", Kind: kernel.KindInvalidArgument}
	errNotReadable     = &kernel.Error{Module: "mmap", Message: "file is not open for reading", Kind: kernel.KindPermissionDenied}
	errProcessQuota    = &kernel.Error{Module: "mmap", Message: "process mapping limit reached", Kind: kernel.KindQuotaExceeded}
	errSystemQuota     = &kernel.Error{Module: "mmap", Message: "system mapping limit reached", Kind: kernel.KindQuotaExceeded}
	errNoSpace         = &kernel.Error{Module: "mmap", Message: "no address range large enough for the mapping", Kind: kernel.KindOutOfMemory}
	errMisaligned      = &kernel.Error{Module: "mmap", Message: "mapping address is not page-aligned", Kind: kernel.KindInvalidArgument}
	errNoMapping       = &kernel.Error{Module: "mmap", Message: "no mapping starts at this address", Kind: kernel.KindNotFound}
	errLengthMismatch  = &kernel.Error{Module: "mmap", Message: "length does not match the mapping", Kind: kernel.KindInvalidArgument}
	errSlotBookkeeping = &kernel.Error{Module: "mmap", Message: "mapping slot accounting is corrupt", Kind: kernel.KindInvariant}
)

// Quota limits the number of mappings that may be active across the system.
type Quota struct {
	lock   sync.Spinlock
	active int
	limit  int
}

// NewQuota returns a quota that allows limit active mappings.
func NewQuota(limit int) *Quota {
	return &Quota{limit: limit}
}

func (q *Quota) reserve() bool {
	q.lock.Acquire()
	defer q.lock.Release()

	if q.active >= q.limit {
		return false
	}
	q.active++
	return true
}

func (q *Quota) release() {
	q.lock.Acquire()
	defer q.lock.Release()

	if q.active == 0 {
		kfmt.Panic(errSlotBookkeeping)
	}
	q.active--
}

// Active returns the number of active mappings in the system.
func (q *Quota) Active() int {
	q.lock.Acquire()
	defer q.lock.Release()
	return q.active
}

// Table holds the mappings of one process. Records live in a fixed number of
// slots; order lists the occupied slots by descending address.
//
// The table lock only guards the bookkeeping. Tearing down the pages of a
// mapping is done while holding the address space lock, which is also held
// by the page fault handler, so a fault can never observe a half-removed
// mapping.
type Table struct {
	lock  sync.Spinlock
	quota *Quota
	slots []Record
	order []int
}

// NewTable returns an empty table with room for limit mappings.
func NewTable(limit int, quota *Quota) *Table {
	return &Table{
		quota: quota,
		slots: make([]Record, limit),
		order: make([]int, 0, limit),
	}
}

// Create registers a mapping of length bytes of f starting at offset and
// returns its page-aligned start address. The mapping is placed at the top
// of the highest gap, scanning down from the kernel boundary, that can hold
// it without reaching size. No page is mapped; the page fault handler
// materializes pages on first access.
func (t *Table) Create(f *fs.File, offset, length int64, prot Prot, size uintptr) (uintptr, *kernel.Error) {
	switch {
	case length <= 0:
		return 0, errBadLength
	case offset < 0 || length > f.Inode().Size()-offset:
		return 0, errBadOffset
	case !f.Readable():
		return 0, errNotReadable
	}

	t.lock.Acquire()
	defer t.lock.Release()

	if len(t.order) == len(t.slots) {
		return 0, errProcessQuota
	}

	rounded := mm.PageRoundUp(uintptr(length))
	pos, low, ok := t.findGap(rounded, size)
	if !ok {
		return 0, errNoSpace
	}

	if !t.quota.reserve() {
		return 0, errSystemQuota
	}

	slot := t.freeSlot()
	t.slots[slot] = Record{
		Low:    low,
		High:   low + rounded,
		Length: uintptr(length),
		Offset: offset,
		Prot:   prot,
		File:   f.Dup(),
	}

	t.order = append(t.order, 0)
	copy(t.order[pos+1:], t.order[pos:])
	t.order[pos] = slot

	return low, nil
}

// findGap returns the insertion position and start address for a mapping of
// rounded bytes.
func (t *Table) findGap(rounded, size uintptr) (int, uintptr, bool) {
	prevLow := mm.KernBase
	for pos, slot := range t.order {
		if prevLow-t.slots[slot].High >= rounded {
			return pos, prevLow - rounded, true
		}
		prevLow = t.slots[slot].Low
	}

	if prevLow > size && prevLow-size >= rounded {
		return len(t.order), prevLow - rounded, true
	}
	return 0, 0, false
}

func (t *Table) freeSlot() int {
	for slot := range t.slots {
		if t.slots[slot].File == nil {
			return slot
		}
	}

	kfmt.Panic(errSlotBookkeeping)
	return -1
}

// Lookup returns the mapping that contains addr.
func (t *Table) Lookup(addr uintptr) (Record, bool) {
	t.lock.Acquire()
	defer t.lock.Release()

	for _, slot := range t.order {
		if t.slots[slot].Contains(addr) {
			return t.slots[slot], true
		}
	}
	return Record{}, false
}

// Records returns the active mappings by descending address.
func (t *Table) Records() []Record {
	t.lock.Acquire()
	defer t.lock.Release()

	records := make([]Record, len(t.order))
	for pos, slot := range t.order {
		records[pos] = t.slots[slot]
	}
	return records
}

// Lowest returns the start of the lowest mapping or mm.KernBase if there
// are no mappings.
func (t *Table) Lowest() uintptr {
	t.lock.Acquire()
	defer t.lock.Release()

	if len(t.order) == 0 {
		return mm.KernBase
	}
	return t.slots[t.order[len(t.order)-1]].Low
}

// Len returns the number of active mappings.
func (t *Table) Len() int {
	t.lock.Acquire()
	defer t.lock.Release()
	return len(t.order)
}

// Destroy removes the mapping that starts at addr. length must equal the
// length the mapping was created with. Dirty pages are written back to the
// file before their frames are freed.
func (t *Table) Destroy(as *vmm.AddressSpace, addr uintptr, length int64) *kernel.Error {
	if !mm.PageAligned(addr) {
		return errMisaligned
	}

	as.Lock()
	defer as.Unlock()

	t.lock.Acquire()
	pos := t.indexOf(addr)
	if pos < 0 {
		t.lock.Release()
		return errNoMapping
	}
	slot := t.order[pos]
	rec := t.slots[slot]
	t.lock.Release()

	if length < 0 || uintptr(length) != rec.Length {
		return errLengthMismatch
	}

	return t.teardown(as, slot, &rec)
}

// indexOf returns the position in order of the mapping that starts at addr
// or -1.
func (t *Table) indexOf(addr uintptr) int {
	for pos, slot := range t.order {
		if t.slots[slot].Low == addr {
			return pos
		}
	}
	return -1
}

// teardown writes back and unmaps the pages of rec and then releases slot,
// which the caller captured together with rec before anything was cleared.
// The caller must hold the address space lock.
func (t *Table) teardown(as *vmm.AddressSpace, slot int, rec *Record) *kernel.Error {
	var firstErr *kernel.Error

	for pageAddr := rec.Low; pageAddr < rec.High; pageAddr += mm.PageSize {
		pte, err := as.Lookup(pageAddr, false)
		if err != nil {
			continue
		}

		entry := pte.Load()
		if !entry.HasFlags(vmm.FlagPresent) {
			continue
		}

		if entry.HasFlags(vmm.FlagDirty) {
			if err = rec.WritePage(pageAddr, as.Memory().FrameData(entry.Frame())); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		frame, _ := as.Unmap(mm.PageFromAddress(pageAddr))
		as.Memory().FreeFrame(frame)
	}

	t.lock.Acquire()
	pos := 0
	for t.order[pos] != slot {
		pos++
	}
	copy(t.order[pos:], t.order[pos+1:])
	t.order = t.order[:len(t.order)-1]
	t.slots[slot] = Record{}
	t.lock.Release()

	t.quota.release()
	rec.File.Close()

	return firstErr
}

// CloseFile destroys every mapping backed by f. It is called when a file
// descriptor referring to f is closed.
func (t *Table) CloseFile(as *vmm.AddressSpace, f *fs.File) *kernel.Error {
	return t.destroyMatching(as, func(rec *Record) bool { return rec.File == f })
}

// UnmapAll destroys every mapping. It is called when the owning process
// exits or replaces its image.
func (t *Table) UnmapAll(as *vmm.AddressSpace) *kernel.Error {
	return t.destroyMatching(as, func(*Record) bool { return true })
}

func (t *Table) destroyMatching(as *vmm.AddressSpace, match func(*Record) bool) *kernel.Error {
	var firstErr *kernel.Error

	as.Lock()
	defer as.Unlock()

	for {
		t.lock.Acquire()
		pos := -1
		for p, slot := range t.order {
			if match(&t.slots[slot]) {
				pos = p
				break
			}
		}
		if pos < 0 {
			t.lock.Release()
			return firstErr
		}
		slot := t.order[pos]
		rec := t.slots[slot]
		t.lock.Release()

		if err := t.teardown(as, slot, &rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}
