package exec

import (
	"encoding/binary"
	"lazyos/kernel"
	"lazyos/kernel/fs"
	"lazyos/kernel/mm"
	"lazyos/kernel/mm/vmm"
	"path"
)

// fakeReturnPC is pushed below argc so that main appears to have been called.
const fakeReturnPC = 0xffffffff

var errTooManyArgs = &kernel.Error{Module: "exec", Message: "too many arguments", Kind: kernel.KindInvalidArgument}

// Limits bounds the resources that Prepare may consume.
type Limits struct {
	// MaxArgs is the maximum number of argument strings.
	MaxArgs int

	// StackPages is the size of the user stack in pages.
	StackPages int
}

// Program is a fully built program image that has not been committed to a
// process yet.
type Program struct {
	Space *vmm.AddressSpace
	Image *Image

	// Size is the process size: the image rounded up to a page, the
	// guard page and the stack.
	Size uintptr

	// StackPointer points at the fake return PC on the new stack.
	StackPointer uintptr

	// Guard is the address of the inaccessible page below the stack.
	Guard uintptr

	// Name is the last element of the executable path.
	Name string
}

// Discard destroys an uncommitted program.
func (p *Program) Discard() {
	p.Space.Destroy()
	p.Image.Release()
}

// Prepare validates the executable at name and builds the address space it
// will run in. Program segments are not loaded; the returned image lets the
// page fault handler load them on demand. The argument strings and the
// argument vector are written to the top of the new stack.
//
// On failure nothing that Prepare allocated survives.
func Prepare(ns *fs.Namespace, name string, argv []string, mem mm.PhysicalMemory, kimg vmm.KernelImage, limits Limits) (*Program, *kernel.Error) {
	if len(argv) > limits.MaxArgs {
		return nil, errTooManyArgs
	}

	ip, err := ns.Lookup(name)
	if err != nil {
		return nil, err
	}

	// rollback undoes everything acquired so far.
	rollback := func() { ip.Put() }

	file, err := Validate(ip)
	if err != nil {
		rollback()
		return nil, err
	}

	segments, bound, err := loadSegments(file)
	if err != nil {
		rollback()
		return nil, err
	}

	space, err := vmm.New(mem, kimg)
	if err != nil {
		rollback()
		return nil, err
	}
	rollback = func() {
		space.Destroy()
		ip.Put()
	}

	// An inaccessible guard page followed by the stack.
	guard := mm.PageRoundUp(bound)
	size, err := space.Grow(guard, guard+uintptr(1+limits.StackPages)*mm.PageSize)
	if err != nil {
		rollback()
		return nil, err
	}
	if err = space.ClearUser(guard); err != nil {
		rollback()
		return nil, err
	}

	sp, err := pushArgs(space, size, argv)
	if err != nil {
		rollback()
		return nil, err
	}

	return &Program{
		Space: space,
		Image: &Image{
			Inode:    ip,
			Entry:    uintptr(file.Entry),
			Segments: segments,
			Bound:    bound,
		},
		Size:         size,
		StackPointer: sp,
		Guard:        guard,
		Name:         path.Base(path.Clean("/" + name)),
	}, nil
}

// pushArgs copies the argument strings below sp followed by the vector
//
//	[fake return PC, argc, argv, argv[0], ..., argv[argc-1], 0]
//
// and returns the new stack pointer.
func pushArgs(space *vmm.AddressSpace, sp uintptr, argv []string) (uintptr, *kernel.Error) {
	ustack := make([]uint32, 3+len(argv)+1)

	for i, arg := range argv {
		sp = (sp - uintptr(len(arg)+1)) &^ 3
		if err := space.CopyOut(sp, append([]byte(arg), 0)); err != nil {
			return 0, err
		}
		ustack[3+i] = uint32(sp)
	}

	ustack[0] = fakeReturnPC
	ustack[1] = uint32(len(argv))
	ustack[2] = uint32(sp - uintptr(len(argv)+1)*4)

	sp -= uintptr(len(ustack)) * 4
	buf := make([]byte, len(ustack)*4)
	for i, word := range ustack {
		binary.LittleEndian.PutUint32(buf[i*4:], word)
	}
	if err := space.CopyOut(sp, buf); err != nil {
		return 0, err
	}

	return sp, nil
}
