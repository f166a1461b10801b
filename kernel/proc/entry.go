package proc

import (
	"lazyos/kernel/exec"
	"lazyos/kernel/fs"
	"lazyos/kernel/mm"
	"lazyos/kernel/mm/vmm"
	"lazyos/kernel/mmap"
)

// Kind tags a table entry as the primary thread of a process or as one of
// its secondary threads.
type Kind uint8

const (
	// KindProcess entries own their Process and are reclaimed by wait.
	KindProcess Kind = iota

	// KindThread entries share the Process of their thread parent and
	// are reclaimed by join.
	KindThread
)

// noEntry is the parent index of entries that have no parent.
const noEntry = -1

// TrapFrame holds the user registers saved on entry to the kernel.
type TrapFrame struct {
	// EAX carries system call return values.
	EAX uint32
	EIP uint32
	ESP uint32
	EBP uint32
}

// Process holds the resources that the threads of a process share. The
// primary thread owns it; secondary threads hold a non-owning reference.
//
// The size is only changed with the address space lock held, which is also
// held by the page fault handler while it reads it.
type Process struct {
	space *vmm.AddressSpace
	size  uintptr
	maps  *mmap.Table
	image *exec.Image
}

// AddressSpace returns the page tables of the process.
func (p *Process) AddressSpace() *vmm.AddressSpace { return p.space }

// Size returns the end of the process heap.
func (p *Process) Size() uintptr { return p.size }

// Mappings returns the memory-mapped file registry of the process.
func (p *Process) Mappings() *mmap.Table { return p.maps }

// Image returns the executable the process runs.
func (p *Process) Image() *exec.Image { return p.image }

// release frees everything the process owns. The mappings must have been
// torn down already.
func (p *Process) release() {
	p.space.Destroy()
	p.image.Release()
	p.space, p.image, p.size = nil, nil, 0
}

// Entry is a slot of the process/thread table. All fields are guarded by the
// table lock unless noted otherwise.
type Entry struct {
	index int
	state State
	kind  Kind

	pid int

	// tid equals pid for primary threads.
	tid int

	// parent is the table index of the process that waits for this
	// entry. For threads it is the thread parent.
	parent int

	// liveThreads counts the secondary threads of a primary thread that
	// have not exited yet.
	liveThreads int

	nice   int
	killed bool
	name   string

	// sleepKey identifies what a sleeping entry waits for.
	sleepKey interface{}

	// sleepPCs holds the return addresses captured when the entry went
	// to sleep.
	sleepPCs []uintptr

	proc *Process

	// files and cwd are only touched by the goroutine backing the
	// entry, or by the allocator before the entry becomes runnable.
	files []*fs.File
	cwd   fs.Inode
	tf    *TrapFrame

	// kstack is the frame backing the kernel stack of the entry.
	kstack mm.Frame

	// program is the code the entry runs the next time it starts.
	program Program

	// resume hands a CPU (and the table lock) to the entry.
	resume chan struct{}

	// cpu is the CPU the entry was last scheduled on.
	cpu *CPU
}

// Index returns the table slot of the entry.
func (e *Entry) Index() int { return e.index }

// State returns the scheduling state of the entry.
func (e *Entry) State() State { return e.state }

// Nice returns the scheduling weight of the entry.
func (e *Entry) Nice() int { return e.nice }

// reset returns the entry to the Unused state.
func (e *Entry) reset() {
	*e = Entry{index: e.index, parent: noEntry, kstack: mm.InvalidFrame}
}
