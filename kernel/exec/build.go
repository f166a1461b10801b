package exec

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"lazyos/kernel/mm"
)

const (
	elfHeaderSize  = 52
	progHeaderSize = 32
)

// ImageSegment describes a program segment for BuildImage. A zero Type
// selects PT_LOAD.
type ImageSegment struct {
	Type  elf.ProgType
	Vaddr uint32
	Memsz uint32
	Data  []byte
}

// BuildImage returns a 32-bit i386 executable with one program header per
// segment and no section headers. The segment contents follow the program
// headers in order. It is used to populate the file system with programs.
func BuildImage(entry uint32, segments []ImageSegment) []byte {
	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_386),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     elfHeaderSize,
		Ehsize:    elfHeaderSize,
		Phentsize: progHeaderSize,
		Phnum:     uint16(len(segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, hdr)

	off := uint32(elfHeaderSize + progHeaderSize*len(segments))
	for _, seg := range segments {
		progType := seg.Type
		if progType == 0 {
			progType = elf.PT_LOAD
		}

		_ = binary.Write(&buf, binary.LittleEndian, elf.Prog32{
			Type:   uint32(progType),
			Off:    off,
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint32(len(seg.Data)),
			Memsz:  seg.Memsz,
			Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
			Align:  uint32(mm.PageSize),
		})
		off += uint32(len(seg.Data))
	}

	for _, seg := range segments {
		buf.Write(seg.Data)
	}

	return buf.Bytes()
}
