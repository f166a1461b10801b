package proc

import (
	"encoding/binary"
	"lazyos/kernel"
	"lazyos/kernel/mm/vmm"
	"lazyos/kernel/trap"
)

// maxArgLen bounds the argument strings read back by Args.
const maxArgLen = 4096

// exitSignal unwinds a program when its thread exits.
type exitSignal struct{}

// execSignal unwinds a program after exec replaced it.
type execSignal struct {
	prog Program
}

// Task is the system call interface of one execution context. Each program
// receives the Task of the thread running it; a Task must not be used from
// any other goroutine.
//
// Every system call is a kernel/user boundary: a pending kill terminates the
// thread and a pending timer preemption yields the CPU before the call
// returns. Programs must not recover the panics used to unwind them.
type Task struct {
	kernel *Kernel
	entry  *Entry
}

// run executes prog and returns the program installed by exec, if any.
func (t *Task) run(prog Program) (next Program) {
	defer func() {
		switch sig := recover().(type) {
		case nil, exitSignal:
		case execSignal:
			next = sig.prog
		default:
			panic(sig)
		}
	}()

	prog(t)
	return nil
}

// boundary is called when crossing between user and kernel mode.
func (t *Task) boundary() {
	t.checkKilled()
	if t.entry.cpu.needResched.CompareAndSwap(true, false) {
		t.kernel.yield(t.entry)
		t.checkKilled()
	}
}

func (t *Task) killed() bool {
	t.kernel.table.lock.Acquire()
	defer t.kernel.table.lock.Release()
	return t.entry.killed
}

func (t *Task) checkKilled() {
	if t.killed() {
		panic(exitSignal{})
	}
}

// kill marks the thread killed and terminates it. It is used when the
// thread causes a fatal fault.
func (t *Task) kill() {
	t.kernel.table.lock.Acquire()
	t.entry.killed = true
	t.kernel.table.lock.Release()
	panic(exitSignal{})
}

// Exit terminates the calling thread. It does not return.
func (t *Task) Exit() {
	panic(exitSignal{})
}

// Getpid returns the process id.
func (t *Task) Getpid() int {
	t.boundary()
	return t.entry.pid
}

// Gettid returns the thread id. The primary thread's id is the process id.
func (t *Task) Gettid() int {
	t.boundary()
	return t.entry.tid
}

// Registers returns the user registers of the thread.
func (t *Task) Registers() *TrapFrame {
	return t.entry.tf
}

// Yield gives up the CPU.
func (t *Task) Yield() {
	t.checkKilled()
	t.kernel.yield(t.entry)
	t.checkKilled()
}

// Uptime returns the number of timer ticks since boot.
func (t *Task) Uptime() uint64 {
	t.boundary()
	return t.kernel.Uptime()
}

// Sleep blocks for the given number of timer ticks.
func (t *Task) Sleep(ticks uint64) {
	t.boundary()

	k := t.kernel
	k.tickLock.Acquire()
	for start := k.ticks; k.ticks-start < ticks; {
		if t.killed() {
			k.tickLock.Release()
			panic(exitSignal{})
		}
		k.sleep(t.entry, &k.ticks, &k.tickLock)
	}
	k.tickLock.Release()
}

// Nice adds delta to the scheduling weight of the thread, clamping the
// result to the configured range, and returns the new weight.
func (t *Task) Nice(delta int) int {
	t.boundary()

	k := t.kernel
	k.table.lock.Acquire()
	defer k.table.lock.Release()

	nice := t.entry.nice
	switch {
	case delta > k.cfg.NiceMax-nice:
		nice = k.cfg.NiceMax
	case delta < k.cfg.NiceMin-nice:
		nice = k.cfg.NiceMin
	default:
		nice += delta
	}
	t.entry.nice = nice
	return nice
}

// space returns the address space the thread runs in.
func (t *Task) space() *vmm.AddressSpace {
	return t.entry.proc.space
}

// fault resolves page faults raised by user accesses of the thread.
func (t *Task) fault(addr uintptr, write bool) *kernel.Error {
	return trap.HandlePageFault(t.entry.proc, addr, write)
}

// Args returns the argument vector that exec placed on the initial stack.
func (t *Task) Args() []string {
	sp := uintptr(t.entry.tf.ESP)
	argc := t.LoadUint32(sp + 4)
	argv := uintptr(t.LoadUint32(sp + 8))

	args := make([]string, 0, argc)
	for i := uintptr(0); i < uintptr(argc); i++ {
		args = append(args, t.loadString(uintptr(t.LoadUint32(argv+i*4))))
	}
	return args
}

// loadString reads a NUL-terminated string from user memory. Longer strings
// are truncated to maxArgLen bytes.
func (t *Task) loadString(addr uintptr) string {
	var (
		buf []byte
		b   [1]byte
	)
	for len(buf) < maxArgLen {
		t.Load(addr+uintptr(len(buf)), b[:])
		if b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf)
}

// word encodes v the way user memory stores it.
func word(v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return buf[:]
}
