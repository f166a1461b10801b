package proc

import (
	"lazyos/kernel"
	"lazyos/kernel/exec"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm"
	ksync "lazyos/kernel/sync"
	"unsafe"
)

var (
	errTableFull    = &kernel.Error{Module: "proc", Message: "process table is full", Kind: kernel.KindQuotaExceeded}
	errFreeInUse    = &kernel.Error{Module: "proc", Message: "freeing an entry that is still in use", Kind: kernel.KindInvariant}
	errFreeNoKstack = &kernel.Error{Module: "proc", Message: "freeing an entry without a kernel stack", Kind: kernel.KindInvariant}
)

// Table is the fixed-size process/thread table. Every state transition and
// every scan of the table happens with its lock held.
//
// Embryo entries belong to the goroutine that allocated them; scans skip
// them until they are published by a transition to Runnable.
type Table struct {
	lock    ksync.Spinlock
	entries []Entry
	nextID  int
}

func newTable(size int) *Table {
	t := &Table{entries: make([]Entry, size), nextID: 1}
	for i := range t.entries {
		t.entries[i].index = i
		t.entries[i].reset()
	}
	return t
}

// allocate reserves an Unused entry and gives it a kernel stack. The table
// lock is not held while the stack is allocated.
func (t *Table) allocate(mem mm.PhysicalMemory) (*Entry, *kernel.Error) {
	t.lock.Acquire()

	var e *Entry
	for i := range t.entries {
		if t.entries[i].state == Unused {
			e = &t.entries[i]
			break
		}
	}
	if e == nil {
		t.lock.Release()
		return nil, errTableFull
	}

	e.state = Embryo
	e.pid = t.nextID
	t.nextID++
	t.lock.Release()

	frame, err := mem.AllocFrame()
	if err != nil {
		t.lock.Acquire()
		e.reset()
		t.lock.Release()
		return nil, err
	}
	mm.ZeroFrame(mem, frame)

	e.kstack = frame
	e.tf = trapFrameAt(mem, frame)
	e.resume = make(chan struct{})
	return e, nil
}

// trapFrameAt returns the trap frame stored at the top of the kernel stack
// backed by frame.
func trapFrameAt(mem mm.PhysicalMemory, frame mm.Frame) *TrapFrame {
	stack := mem.FrameData(frame)
	return (*TrapFrame)(unsafe.Pointer(&stack[len(stack)-int(unsafe.Sizeof(TrapFrame{}))]))
}

// free releases the kernel stack of an Embryo or Zombie entry and marks it
// Unused. The table lock must be held.
func (t *Table) free(e *Entry, mem mm.PhysicalMemory) {
	switch {
	case e.state != Embryo && e.state != Zombie:
		kfmt.Panic(errFreeInUse)
	case !e.kstack.Valid():
		kfmt.Panic(errFreeNoKstack)
	}

	mem.FreeFrame(e.kstack)
	e.reset()
}

// find returns the published entries whose pid matches.
func (t *Table) find(pid int, fn func(e *Entry)) bool {
	var found bool
	for i := range t.entries {
		e := &t.entries[i]
		if e.state == Unused || e.state == Embryo || e.pid != pid {
			continue
		}
		found = true
		fn(e)
	}
	return found
}

// setEntryPoint points the trap frame at the entry point and initial stack
// of prog.
func (e *Entry) setEntryPoint(prog *exec.Program) {
	*e.tf = TrapFrame{
		EIP: uint32(prog.Image.Entry),
		ESP: uint32(prog.StackPointer),
	}
}
