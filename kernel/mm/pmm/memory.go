// Package pmm simulates the machine's physical memory and hands out page
// frames from it using a bitmap allocator.
package pmm

import (
	"lazyos/kernel"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm"
	"lazyos/kernel/sync"
	"unsafe"
)

const (
	wordsPerFrame = int(mm.PageSize >> mm.PointerShift)

	// junkByte is written over freed frames so that stale references
	// read garbage instead of the previous owner's data.
	junkByte = 0x01
)

var (
	errOutOfMemory    = &kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindOutOfMemory}
	errFreeZeroFrame  = &kernel.Error{Module: "pmm", Message: "attempt to free frame 0", Kind: kernel.KindInvariant}
	errFreeReserved   = &kernel.Error{Module: "pmm", Message: "attempt to free a reserved frame", Kind: kernel.KindInvariant}
	errFreeOutOfRange = &kernel.Error{Module: "pmm", Message: "attempt to free a frame outside physical memory", Kind: kernel.KindInvariant}
	errDoubleFree     = &kernel.Error{Module: "pmm", Message: "frame is already free", Kind: kernel.KindInvariant}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// Memory is a slab of simulated RAM split into page frames. Frame 0 and the
// frames holding the kernel image are reserved when the memory is created and
// can never be allocated or freed.
type Memory struct {
	mutex sync.Spinlock

	// words backs every frame. Using uint32 storage keeps each frame
	// aligned for atomic word access.
	words []uint32

	totalFrames uint32

	// reservedFrames counts frame 0 plus the kernel image frames.
	reservedFrames uint32

	// freeCount tracks the available frames so that allocation can fail
	// fast without scanning the bitmap.
	freeCount uint32

	// freeBitmap tracks used/free frames. A set bit marks a frame as
	// in use.
	freeBitmap []uint64
}

// New creates a physical memory with totalFrames frames. Frames
// [1, 1+kernelPages) are reserved for the kernel image.
func New(totalFrames, kernelPages int) *Memory {
	if totalFrames < kernelPages+2 {
		kfmt.Panic("pmm: not enough frames for the kernel image")
	}

	mem := &Memory{
		words:          make([]uint32, totalFrames*wordsPerFrame),
		totalFrames:    uint32(totalFrames),
		reservedFrames: uint32(kernelPages + 1),
		freeBitmap:     make([]uint64, (totalFrames+63)>>6),
	}

	for frame := mm.Frame(0); frame < mm.Frame(totalFrames); frame++ {
		mem.markFrame(frame, markFree)
	}

	mem.freeCount = uint32(totalFrames)
	for frame := mm.Frame(0); frame < mm.Frame(mem.reservedFrames); frame++ {
		mem.markFrame(frame, markReserved)
		mem.freeCount--
	}

	return mem
}

// markFrame updates the bitmap entry for the specified frame.
func (mem *Memory) markFrame(frame mm.Frame, flag markAs) {
	block := frame >> 6
	mask := uint64(1 << (63 - (frame - block<<6)))

	switch flag {
	case markFree:
		mem.freeBitmap[block] &^= mask
	case markReserved:
		mem.freeBitmap[block] |= mask
	}
}

func (mem *Memory) inUse(frame mm.Frame) bool {
	block := frame >> 6
	mask := uint64(1 << (63 - (frame - block<<6)))
	return mem.freeBitmap[block]&mask != 0
}

// KernelFrame returns the frame that holds page index of the kernel image.
func (mem *Memory) KernelFrame(index int) mm.Frame {
	return mm.Frame(1 + index)
}

// KernelPages returns the number of frames reserved for the kernel image.
func (mem *Memory) KernelPages() int {
	return int(mem.reservedFrames) - 1
}

// AllocFrame reserves and returns the first free frame. The contents of the
// returned frame are unspecified.
func (mem *Memory) AllocFrame() (mm.Frame, *kernel.Error) {
	mem.mutex.Acquire()
	defer mem.mutex.Release()

	if mem.freeCount == 0 {
		return mm.InvalidFrame, errOutOfMemory
	}

	for blockIndex, block := range mem.freeBitmap {
		if block == ^uint64(0) {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			if block&(1<<uint(63-bit)) != 0 {
				continue
			}

			frame := mm.Frame(blockIndex<<6 + bit)
			if frame >= mm.Frame(mem.totalFrames) {
				break
			}

			mem.markFrame(frame, markReserved)
			mem.freeCount--
			return frame, nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame and fills it
// with junk. Freeing frame 0, a kernel image frame or a frame that is
// already free halts the kernel.
func (mem *Memory) FreeFrame(frame mm.Frame) {
	switch {
	case frame == 0:
		kfmt.Panic(errFreeZeroFrame)
	case frame >= mm.Frame(mem.totalFrames):
		kfmt.Panic(errFreeOutOfRange)
	case frame < mm.Frame(mem.reservedFrames):
		kfmt.Panic(errFreeReserved)
	}

	mem.mutex.Acquire()
	if !mem.inUse(frame) {
		mem.mutex.Release()
		kfmt.Panic(errDoubleFree)
		return
	}
	mem.markFrame(frame, markFree)
	mem.freeCount++
	mem.mutex.Release()

	data := mem.FrameData(frame)
	for i := range data {
		data[i] = junkByte
	}
}

// FrameData returns a byte view of the frame contents.
func (mem *Memory) FrameData(frame mm.Frame) []byte {
	words := mem.FrameWords(frame)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), mm.PageSize)
}

// FrameWords returns a 32-bit word view of the frame contents.
func (mem *Memory) FrameWords(frame mm.Frame) []uint32 {
	start := int(frame) * wordsPerFrame
	return mem.words[start : start+wordsPerFrame : start+wordsPerFrame]
}

// FreeCount returns the number of frames that can still be allocated.
func (mem *Memory) FreeCount() int {
	mem.mutex.Acquire()
	defer mem.mutex.Release()
	return int(mem.freeCount)
}

// TotalFrames returns the number of frames in the physical memory.
func (mem *Memory) TotalFrames() int {
	return int(mem.totalFrames)
}

// PrintStats outputs the allocator's frame usage to the console.
func (mem *Memory) PrintStats() {
	free := mem.FreeCount()
	kfmt.Printf("[pmm] frames: %d total, %d reserved, %d used, %d free\n",
		mem.totalFrames,
		mem.reservedFrames,
		int(mem.totalFrames)-int(mem.reservedFrames)-free,
		free,
	)
}
