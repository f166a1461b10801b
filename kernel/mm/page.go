package mm

import (
	"lazyos/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte of this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PageRoundUp rounds addr up to the next page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) & ^(PageSize - 1)
}

// PageRoundDown rounds addr down to the page boundary that contains it.
func PageRoundDown(addr uintptr) uintptr {
	return addr & ^(PageSize - 1)
}

// PageAligned returns true if addr is a multiple of PageSize.
func PageAligned(addr uintptr) bool {
	return addr&(PageSize-1) == 0
}

// PhysicalMemory is implemented by the physical frame allocator. The memory
// core only ever asks it for single frames and for a view of a frame's
// contents.
type PhysicalMemory interface {
	// AllocFrame reserves a free frame. The frame contents are
	// unspecified.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame to the allocator. Freeing frame 0 or a
	// frame that is not allocated is an invariant violation.
	FreeFrame(Frame)

	// FrameData returns a PageSize byte view of the frame contents. The
	// view is 4-byte aligned.
	FrameData(Frame) []byte
}

// ZeroFrame clears the contents of f.
func ZeroFrame(pm PhysicalMemory, f Frame) {
	clear(pm.FrameData(f))
}
