// Package proc implements the process/thread table, the per-CPU scheduler
// loops and the system calls that create, run and reclaim execution
// contexts.
//
// Every table entry is backed by a goroutine that only runs while a
// scheduler loop has handed it a CPU. Control moves between a scheduler
// loop and an entry through unbuffered channels, and the table lock is held
// across every such switch exactly as a kernel holds its process table lock
// across a context switch.
package proc

import (
	"context"
	"lazyos/kernel"
	"lazyos/kernel/config"
	"lazyos/kernel/exec"
	"lazyos/kernel/fs"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm"
	"lazyos/kernel/mm/vmm"
	"lazyos/kernel/mmap"
	ksync "lazyos/kernel/sync"
	"log/slog"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	errNoProgram = &kernel.Error{Module: "proc", Message: "no program is registered for this path", Kind: kernel.KindNotFound}
)

// Program is the code run by an execution context. It is invoked on the
// goroutine backing the context and interacts with the kernel through t.
// Returning from a program exits the calling thread.
type Program func(t *Task)

// Kernel ties the process table, the scheduler loops and the shared kernel
// resources together.
type Kernel struct {
	cfg  *config.Config
	mem  mm.PhysicalMemory
	kimg vmm.KernelImage
	ns   *fs.Namespace

	files *fs.FileTable
	mmaps *mmap.Quota

	table  *Table
	policy Policy
	cpus   []*CPU

	// root is the first process. Orphans are reparented to it and the
	// machine halts when it exits.
	root *Entry

	progLock ksync.Spinlock
	programs map[string]Program

	tickLock ksync.Spinlock
	ticks    uint64

	// mutexLock serializes the user mutex operations.
	mutexLock ksync.Spinlock

	// kick wakes idle scheduler loops when an entry becomes runnable.
	kick chan struct{}

	halt     chan struct{}
	haltOnce sync.Once

	log *slog.Logger
}

// New returns a kernel that manages mem and runs programs from ns. kimg
// describes the kernel mapping shared by every address space.
func New(cfg *config.Config, mem mm.PhysicalMemory, kimg vmm.KernelImage, ns *fs.Namespace) *Kernel {
	k := &Kernel{
		cfg:      cfg,
		mem:      mem,
		kimg:     kimg,
		ns:       ns,
		files:    fs.NewFileTable(cfg.MaxSystemFiles),
		mmaps:    mmap.NewQuota(cfg.MaxSystemMmaps),
		table:    newTable(cfg.MaxProcs),
		policy:   NewPolicy(cfg.Scheduler),
		programs: make(map[string]Program),
		kick:     make(chan struct{}, cfg.CPUs),
		halt:     make(chan struct{}),
		log:      kfmt.Logger("proc"),
	}

	for id := 0; id < cfg.CPUs; id++ {
		k.cpus = append(k.cpus, &CPU{id: id, kernel: k, yield: make(chan struct{})})
	}
	return k
}

// Register binds the executable at path to the code that runs when a
// process executes it.
func (k *Kernel) Register(name string, prog Program) {
	k.progLock.Acquire()
	defer k.progLock.Release()

	k.programs[path.Clean("/"+name)] = prog
}

func (k *Kernel) program(name string) (Program, *kernel.Error) {
	k.progLock.Acquire()
	defer k.progLock.Release()

	prog, ok := k.programs[path.Clean("/"+name)]
	if !ok {
		return nil, errNoProgram
	}
	return prog, nil
}

// Files returns the system-wide open file table.
func (k *Kernel) Files() *fs.FileTable { return k.files }

// MappingQuota returns the system-wide mapping quota.
func (k *Kernel) MappingQuota() *mmap.Quota { return k.mmaps }

// Halted returns a channel that is closed when the machine halts.
func (k *Kernel) Halted() <-chan struct{} { return k.halt }

// Halt stops the scheduler loops after the entries they currently run give
// up their CPU.
func (k *Kernel) Halt() {
	k.haltOnce.Do(func() { close(k.halt) })
}

// Run creates the first process from the executable at name and runs the
// scheduler loops and the timer until the first process exits, Halt is
// called or ctx is cancelled.
func (k *Kernel) Run(ctx context.Context, name string, argv ...string) error {
	if err := k.userinit(name, argv); err != nil {
		return err
	}

	k.log.Info("starting scheduler", "cpus", len(k.cpus), "policy", k.cfg.Scheduler)

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range k.cpus {
		c := c
		g.Go(func() error { return c.scheduler(ctx) })
	}
	g.Go(func() error { return k.clock(ctx) })

	return g.Wait()
}

// userinit builds the first process.
func (k *Kernel) userinit(name string, argv []string) *kernel.Error {
	body, err := k.program(name)
	if err != nil {
		return err
	}

	e, err := k.table.allocate(k.mem)
	if err != nil {
		return err
	}

	prog, err := exec.Prepare(k.ns, name, argv, k.mem, k.kimg, k.execLimits())
	if err != nil {
		k.table.lock.Acquire()
		k.table.free(e, k.mem)
		k.table.lock.Release()
		return err
	}

	e.kind = KindProcess
	e.tid = e.pid
	e.nice = k.cfg.NiceDefault
	e.files = make([]*fs.File, k.cfg.MaxOpenFiles)
	e.cwd = k.ns.Root()
	e.proc = &Process{
		space: prog.Space,
		size:  prog.Size,
		maps:  mmap.NewTable(k.cfg.MaxProcMmaps, k.mmaps),
		image: prog.Image,
	}
	e.name = prog.Name
	e.setEntryPoint(prog)
	e.program = body

	k.root = e
	k.start(e)
	return nil
}

func (k *Kernel) execLimits() exec.Limits {
	return exec.Limits{MaxArgs: k.cfg.MaxExecArgs, StackPages: k.cfg.StackPages}
}

// clock drives the timer tick: it advances the uptime, wakes entries
// sleeping on it and asks every CPU to reschedule.
func (k *Kernel) clock(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.TimerInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.halt:
			return nil
		case <-ticker.C:
		}

		k.tickLock.Acquire()
		k.ticks++
		k.table.lock.Acquire()
		k.wakeupLocked(&k.ticks)
		k.table.lock.Release()
		k.tickLock.Release()

		for _, c := range k.cpus {
			c.needResched.Store(true)
		}
	}
}

// Uptime returns the number of timer ticks since boot.
func (k *Kernel) Uptime() uint64 {
	k.tickLock.Acquire()
	defer k.tickLock.Release()
	return k.ticks
}
