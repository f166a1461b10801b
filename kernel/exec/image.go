// Package exec validates ELF executables, builds the address space a program
// starts in and loads program segments one page at a time when they are first
// touched.
package exec

import (
	"debug/elf"
	"io"
	"lazyos/kernel"
	"lazyos/kernel/fs"
	"lazyos/kernel/mm"
)

var (
	errBadFormat      = &kernel.Error{Module: "exec", Message: "not a 32-bit ELF executable", Kind: kernel.KindInvalidArgument}
	errBadSegment     = &kernel.Error{Module: "exec", Message: "malformed program segment", Kind: kernel.KindInvalidArgument}
	errSegmentAlign   = &kernel.Error{Module: "exec", Message: "program segment is not page-aligned", Kind: kernel.KindInvalidArgument}
	errImageTooLarge  = &kernel.Error{Module: "exec", Message: "program image overlaps the kernel region", Kind: kernel.KindOutOfMemory}
	errSegmentRead    = &kernel.Error{Module: "exec", Message: "failed to read program segment", Kind: kernel.KindReadFailed}
	errNotAnImageAddr = &kernel.Error{Module: "exec", Message: "address is outside the program image", Kind: kernel.KindInvalidArgument}
)

// Segment describes a loadable program segment.
type Segment struct {
	Vaddr  uintptr
	Offset int64
	Filesz uintptr
	Memsz  uintptr
}

// Image records what the page fault handler needs to load program segments
// on demand.
type Image struct {
	// Inode is a counted reference to the executable.
	Inode fs.Inode

	// Entry is the program entry point.
	Entry uintptr

	Segments []Segment

	// Bound is the end of the highest segment. Pages starting below it
	// are served from the executable.
	Bound uintptr
}

// Dup returns a copy of the image holding its own reference to the
// executable.
func (img *Image) Dup() *Image {
	if img == nil {
		return nil
	}

	dup := *img
	dup.Inode = img.Inode.Dup()
	return &dup
}

// Release drops the image's reference to the executable.
func (img *Image) Release() {
	if img != nil && img.Inode != nil {
		img.Inode.Put()
		img.Inode = nil
	}
}

// Validate checks that ip holds a 32-bit little-endian ELF executable and
// returns its parsed header. It does not modify any process state.
func Validate(ip fs.Inode) (*elf.File, *kernel.Error) {
	ip.Lock()
	defer ip.Unlock()

	file, err := elf.NewFile(io.NewSectionReader(ip, 0, ip.Size()))
	if err != nil {
		return nil, errBadFormat
	}

	if file.Class != elf.ELFCLASS32 || file.Data != elf.ELFDATA2LSB || file.Type != elf.ET_EXEC {
		return nil, errBadFormat
	}

	return file, nil
}

// loadSegments checks the loadable segments of file and returns them
// together with the image bound.
func loadSegments(file *elf.File) ([]Segment, uintptr, *kernel.Error) {
	var (
		segments []Segment
		bound    uint64
	)

	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		switch {
		case prog.Memsz < prog.Filesz:
			return nil, 0, errBadSegment
		case uint32(prog.Vaddr+prog.Memsz) < uint32(prog.Vaddr):
			return nil, 0, errBadSegment
		case prog.Vaddr+prog.Memsz >= uint64(mm.KernBase):
			return nil, 0, errImageTooLarge
		case !mm.PageAligned(uintptr(prog.Vaddr)):
			return nil, 0, errSegmentAlign
		}

		segments = append(segments, Segment{
			Vaddr:  uintptr(prog.Vaddr),
			Offset: int64(prog.Off),
			Filesz: uintptr(prog.Filesz),
			Memsz:  uintptr(prog.Memsz),
		})

		if end := prog.Vaddr + prog.Memsz; end > bound {
			bound = end
		}
	}

	return segments, uintptr(bound), nil
}

// LoadPage fills page, the contents of the page at pageAddr, with the bytes
// of every segment that overlaps it. Bytes that are not backed by the file
// are left untouched so a zero-filled page satisfies bss semantics.
func (img *Image) LoadPage(pageAddr uintptr, page []byte) *kernel.Error {
	pageAddr = mm.PageRoundDown(pageAddr)
	if pageAddr >= img.Bound {
		return errNotAnImageAddr
	}

	img.Inode.Lock()
	defer img.Inode.Unlock()

	pageEnd := pageAddr + mm.PageSize
	for _, seg := range img.Segments {
		if pageAddr >= seg.Vaddr+seg.Memsz || pageEnd <= seg.Vaddr {
			continue
		}

		loadStart := max(pageAddr, seg.Vaddr)
		loadEnd := min(pageEnd, seg.Vaddr+seg.Filesz)
		if loadEnd <= loadStart {
			continue
		}

		dst := page[loadStart-pageAddr : loadEnd-pageAddr]
		n, err := img.Inode.ReadAt(dst, seg.Offset+int64(loadStart-seg.Vaddr))
		if n != len(dst) || (err != nil && err != io.EOF) {
			return errSegmentRead
		}
	}

	return nil
}
