package proc

import (
	"lazyos/kernel"
	"lazyos/kernel/fs"
	"lazyos/kernel/mm"
	"lazyos/kernel/mmap"
)

var (
	errNotPrimary      = &kernel.Error{Module: "proc", Message: "only the primary thread of a process may fork", Kind: kernel.KindInvalidArgument}
	errNoChildren      = &kernel.Error{Module: "proc", Message: "no child processes", Kind: kernel.KindNotFound}
	errNotThreadParent = &kernel.Error{Module: "proc", Message: "caller is not a thread parent", Kind: kernel.KindInvalidArgument}
	errNoThreads       = &kernel.Error{Module: "proc", Message: "no threads to join", Kind: kernel.KindNotFound}
	errNoProcess       = &kernel.Error{Module: "proc", Message: "no such process", Kind: kernel.KindNotFound}
	errBadStack        = &kernel.Error{Module: "proc", Message: "invalid thread stack", Kind: kernel.KindInvalidArgument}
)

// Fork creates a child process with a copy of the caller's address space and
// open files and returns its pid. The child runs child; its registers are a
// copy of the caller's with EAX cleared. The memory mappings of the caller
// are not inherited.
func (t *Task) Fork(child Program) (int, *kernel.Error) {
	t.boundary()

	k, parent := t.kernel, t.entry
	if parent.kind != KindProcess {
		return 0, errNotPrimary
	}

	e, err := k.table.allocate(k.mem)
	if err != nil {
		return 0, err
	}

	proc := parent.proc
	proc.space.Lock()
	space, err := proc.space.Copy(proc.size)
	size := proc.size
	proc.space.Unlock()
	if err != nil {
		k.table.lock.Acquire()
		k.table.free(e, k.mem)
		k.table.lock.Release()
		return 0, err
	}

	e.kind = KindProcess
	e.tid = e.pid
	e.parent = parent.index
	e.proc = &Process{
		space: space,
		size:  size,
		maps:  mmap.NewTable(k.cfg.MaxProcMmaps, k.mmaps),
		image: proc.image.Dup(),
	}
	*e.tf = *parent.tf
	e.tf.EAX = 0
	e.files = dupFiles(parent.files)
	e.cwd = parent.cwd.Dup()
	e.program = child

	k.table.lock.Acquire()
	e.nice = parent.nice
	e.name = parent.name
	k.table.lock.Release()

	pid := e.pid
	k.start(e)
	return pid, nil
}

func dupFiles(files []*fs.File) []*fs.File {
	dup := make([]*fs.File, len(files))
	for fd, f := range files {
		if f != nil {
			dup[fd] = f.Dup()
		}
	}
	return dup
}

// Clone creates a thread that shares the caller's address space and pid and
// runs body. stack is the page-aligned base of a one-page stack for the new
// thread. The part of the caller's user stack between ESP and its page
// rounded frame pointer is copied to the top of stack, and the new thread's
// ESP and EBP are moved by the same offset so that it resumes at the same
// call depth. Clone returns the tid of the new thread.
func (t *Task) Clone(stack uintptr, body Program) (int, *kernel.Error) {
	t.boundary()

	k, caller := t.kernel, t.entry
	top := stack + mm.PageSize
	if !mm.PageAligned(stack) || top > mm.KernBase || top < stack {
		return 0, errBadStack
	}

	// Relocate the current frame.
	var (
		frame []byte
		tf    = *caller.tf
	)
	if esp, ebp := uintptr(tf.ESP), uintptr(tf.EBP); ebp >= esp && ebp != 0 {
		frameTop := mm.PageRoundUp(ebp)
		if frameTop-esp > mm.PageSize {
			return 0, errBadStack
		}
		frame = make([]byte, frameTop-esp)
		t.Load(esp, frame)

		delta := uint32(top - frameTop)
		tf.ESP += delta
		tf.EBP += delta
	} else {
		tf.ESP, tf.EBP = uint32(top), uint32(top)
	}
	t.Store(uintptr(tf.ESP), frame)

	e, err := k.table.allocate(k.mem)
	if err != nil {
		return 0, err
	}

	primary := caller
	if caller.kind == KindThread {
		primary = &k.table.entries[caller.parent]
	}

	e.kind = KindThread
	e.tid = e.pid
	e.proc = caller.proc
	*e.tf = tf
	e.tf.EAX = 0
	e.files = dupFiles(caller.files)
	e.cwd = caller.cwd.Dup()
	e.program = body

	k.table.lock.Acquire()
	e.pid = caller.pid
	e.parent = primary.index
	e.nice = caller.nice
	e.name = caller.name
	primary.liveThreads++
	k.table.lock.Release()

	tid := e.tid
	k.start(e)
	return tid, nil
}

// Wait blocks until a child process has exited together with all of its
// threads, reclaims it and returns its pid.
func (t *Task) Wait() (int, *kernel.Error) {
	t.boundary()

	k, e := t.kernel, t.entry
	k.table.lock.Acquire()
	for {
		var haveKids bool
		for i := range k.table.entries {
			child := &k.table.entries[i]
			if !published(child) || child.kind != KindProcess || child.parent != e.index {
				continue
			}

			haveKids = true
			if child.state == Zombie && child.liveThreads == 0 {
				pid := child.pid
				k.reclaimLocked(child)
				k.table.lock.Release()
				return pid, nil
			}
		}

		if !haveKids {
			k.table.lock.Release()
			return 0, errNoChildren
		}
		if e.killed {
			k.table.lock.Release()
			panic(exitSignal{})
		}

		k.sleep(e, e, &k.table.lock)
	}
}

// Join blocks until a thread of the calling process has exited, reclaims it
// and returns its tid. Only the primary thread may join.
func (t *Task) Join() (int, *kernel.Error) {
	t.boundary()

	k, e := t.kernel, t.entry
	if e.kind != KindProcess {
		return 0, errNotThreadParent
	}

	k.table.lock.Acquire()
	for {
		var haveThreads bool
		for i := range k.table.entries {
			thread := &k.table.entries[i]
			if !published(thread) || thread.kind != KindThread || thread.parent != e.index {
				continue
			}

			haveThreads = true
			if thread.state == Zombie {
				tid := thread.tid
				k.table.free(thread, k.mem)
				k.table.lock.Release()
				return tid, nil
			}
		}

		if !haveThreads {
			k.table.lock.Release()
			return 0, errNoThreads
		}
		if e.killed {
			k.table.lock.Release()
			panic(exitSignal{})
		}

		k.sleep(e, e, &k.table.lock)
	}
}

// Kill marks every thread of the process pid for termination. Sleeping
// threads are woken so that they notice.
func (t *Task) Kill(pid int) *kernel.Error {
	t.boundary()
	return t.kernel.Kill(pid)
}

// Kill marks every thread of the process pid for termination.
func (k *Kernel) Kill(pid int) *kernel.Error {
	k.table.lock.Acquire()
	defer k.table.lock.Release()

	found := k.table.find(pid, func(e *Entry) {
		e.killed = true
		if e.state == Sleeping {
			k.makeRunnableLocked(e)
		}
	})
	if !found {
		return errNoProcess
	}
	return nil
}

func published(e *Entry) bool {
	return e.state != Unused && e.state != Embryo
}

// reclaimLocked frees a zombie process together with the zombie entries of
// its threads. The table lock must be held.
func (k *Kernel) reclaimLocked(e *Entry) {
	for i := range k.table.entries {
		if thread := &k.table.entries[i]; thread.kind == KindThread && thread.parent == e.index && thread.state == Zombie {
			k.table.free(thread, k.mem)
		}
	}

	// Threads may have mapped files after the primary thread exited.
	if err := e.proc.maps.UnmapAll(e.proc.space); err != nil {
		k.log.Warn("writeback failed while reclaiming process", "pid", e.pid, "err", err)
	}
	e.proc.release()
	k.table.free(e, k.mem)
}

// exit tears the thread down and switches away from it for the last time.
// It runs on the goroutine backing the entry once its program has returned.
func (k *Kernel) exit(t *Task) {
	e := t.entry
	proc := e.proc

	for fd, f := range e.files {
		if f == nil {
			continue
		}
		if e.kind == KindProcess {
			if err := proc.maps.CloseFile(proc.space, f); err != nil {
				k.log.Warn("writeback failed on exit", "pid", e.pid, "err", err)
			}
		}
		f.Close()
		e.files[fd] = nil
	}
	if e.kind == KindProcess {
		if err := proc.maps.UnmapAll(proc.space); err != nil {
			k.log.Warn("writeback failed on exit", "pid", e.pid, "err", err)
		}
	}

	e.cwd.Put()
	e.cwd = nil

	k.table.lock.Acquire()

	if e.parent != noEntry {
		parent := &k.table.entries[e.parent]
		k.wakeupLocked(parent)

		if e.kind == KindThread {
			parent.liveThreads--

			// A zombie primary thread becomes reclaimable
			// once its last thread is gone.
			if parent.state == Zombie && parent.liveThreads == 0 && parent.parent != noEntry {
				k.wakeupLocked(&k.table.entries[parent.parent])
			}
		}
	}

	if e.kind == KindProcess {
		for i := range k.table.entries {
			other := &k.table.entries[i]
			if !published(other) || other == e || other.parent != e.index {
				continue
			}

			switch {
			case other.kind == KindThread:
				other.killed = true
				if other.state == Sleeping {
					k.makeRunnableLocked(other)
				}
			case k.root != nil && e != k.root:
				other.parent = k.root.index
				if other.state == Zombie {
					k.wakeupLocked(k.root)
				}
			}
		}
	}

	e.state = Zombie
	k.log.Debug("exit", "pid", e.pid, "tid", e.tid, "name", e.name)

	if e == k.root {
		k.Halt()
	}

	// The scheduler releases the table lock.
	e.cpu.yield <- struct{}{}
}
