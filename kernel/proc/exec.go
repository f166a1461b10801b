package proc

import (
	"lazyos/kernel"
	"lazyos/kernel/exec"
	"lazyos/kernel/mm"
)

var (
	errExecBusy     = &kernel.Error{Module: "proc", Message: "process has live threads", Kind: kernel.KindBusy}
	errSbrkOverlap  = &kernel.Error{Module: "proc", Message: "heap would overlap the memory mappings", Kind: kernel.KindOutOfMemory}
	errSbrkNegative = &kernel.Error{Module: "proc", Message: "heap size would become negative", Kind: kernel.KindInvalidArgument}
)

// Exec replaces the program of the calling process with the executable at
// name, passing it argv. On success Exec does not return: the thread
// continues in the registered program with its registers pointing at the
// entry point and the new stack. On failure the caller's address space is
// left untouched.
func (t *Task) Exec(name string, argv ...string) *kernel.Error {
	t.boundary()

	k, e := t.kernel, t.entry

	k.table.lock.Acquire()
	busy := e.kind != KindProcess || e.liveThreads > 0
	k.table.lock.Release()
	if busy {
		return errExecBusy
	}

	body, err := k.program(name)
	if err != nil {
		return err
	}

	prog, err := exec.Prepare(k.ns, name, argv, k.mem, k.kimg, k.execLimits())
	if err != nil {
		return err
	}

	// Commit.
	proc := e.proc
	if err := proc.maps.UnmapAll(proc.space); err != nil {
		k.log.Warn("writeback failed during exec", "pid", e.pid, "err", err)
	}

	oldSpace, oldImage := proc.space, proc.image
	k.table.lock.Acquire()
	proc.space, proc.size, proc.image = prog.Space, prog.Size, prog.Image
	e.name = prog.Name
	k.table.lock.Release()

	oldSpace.Destroy()
	oldImage.Release()

	e.setEntryPoint(prog)
	k.log.Debug("exec", "pid", e.pid, "name", prog.Name, "size", prog.Size)

	panic(execSignal{prog: body})
}

// Sbrk grows or shrinks the heap by n bytes and returns the previous heap
// end. Growing only reserves address space; the pages are allocated when
// they are first touched. Shrinking frees the pages immediately.
func (t *Task) Sbrk(n int) (uintptr, *kernel.Error) {
	t.boundary()

	proc := t.entry.proc
	space := proc.space
	space.Lock()
	defer space.Unlock()

	old := proc.size
	switch {
	case n > 0:
		limit := min(proc.maps.Lowest(), mm.KernBase)
		if uintptr(n) > limit-old {
			return old, errSbrkOverlap
		}
		proc.size = old + uintptr(n)
	case n < 0:
		if uintptr(-n) > old {
			return old, errSbrkNegative
		}
		proc.size = space.Shrink(old, old-uintptr(-n))
	}

	return old, nil
}
