// Package cpu models the translation lookaside buffer of the simulated
// machine.
package cpu

const pageShift = 12

// TLB caches page table entries by virtual page number. Each address space
// carries its own TLB so switching address spaces never requires a global
// flush. A TLB is not safe for concurrent use; callers guard it with the
// lock that protects the page tables it caches.
type TLB struct {
	entries map[uintptr]uint32
	flushes uint64
}

// Lookup returns the cached entry for the page containing virtAddr.
func (t *TLB) Lookup(virtAddr uintptr) (uint32, bool) {
	entry, ok := t.entries[virtAddr>>pageShift]
	return entry, ok
}

// Insert caches entry for the page containing virtAddr.
func (t *TLB) Insert(virtAddr uintptr, entry uint32) {
	if t.entries == nil {
		t.entries = make(map[uintptr]uint32)
	}
	t.entries[virtAddr>>pageShift] = entry
}

// FlushEntry flushes the TLB entry for a particular virtual address.
func (t *TLB) FlushEntry(virtAddr uintptr) {
	delete(t.entries, virtAddr>>pageShift)
	t.flushes++
}

// FlushAll drops every cached entry.
func (t *TLB) FlushAll() {
	clear(t.entries)
	t.flushes++
}

// Len returns the number of cached entries.
func (t *TLB) Len() int {
	return len(t.entries)
}

// Flushes returns the number of flush operations performed on this TLB.
func (t *TLB) Flushes() uint64 {
	return t.flushes
}
