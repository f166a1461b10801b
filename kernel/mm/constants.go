package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uint32)). Page table
	// entries of the simulated machine are 32 bits wide.
	PointerShift = 2

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// KernBase is the first virtual address of the kernel region that is
	// shared by every address space. User memory lives in [0, KernBase).
	KernBase = uintptr(0x80000000)
)
