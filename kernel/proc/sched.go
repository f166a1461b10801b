package proc

import (
	"context"
	"lazyos/kernel"
	"lazyos/kernel/kfmt"
	ksync "lazyos/kernel/sync"
	"runtime"
	"sync/atomic"
	"time"
)

// maxSleepPCs bounds the call stack recorded for the process listing.
const maxSleepPCs = 10

var (
	errSchedUnlocked   = &kernel.Error{Module: "proc", Message: "sched called without the table lock", Kind: kernel.KindInvariant}
	errSchedRunning    = &kernel.Error{Module: "proc", Message: "sched called by a running entry", Kind: kernel.KindInvariant}
	errPickNotRunnable = &kernel.Error{Module: "proc", Message: "scheduling an entry that is not runnable", Kind: kernel.KindInvariant}
)

// CPU is an execution unit running one scheduler loop.
type CPU struct {
	id     int
	kernel *Kernel

	// current is the entry running on this CPU. Guarded by the table
	// lock.
	current *Entry

	// yield receives control back from the running entry.
	yield chan struct{}

	// needResched is set by the timer and consumed by the running entry
	// at its next kernel/user boundary.
	needResched atomic.Bool
}

// ID returns the CPU number.
func (c *CPU) ID() int { return c.id }

// scheduler repeatedly picks a runnable entry and switches to it. The entry
// returns control, with the table lock held, when it yields, sleeps or
// exits.
func (c *CPU) scheduler(ctx context.Context) error {
	k := c.kernel
	log := k.log.With("cpu", c.id)
	log.Debug("scheduler loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.halt:
			log.Debug("scheduler loop halted")
			return nil
		default:
		}

		k.table.lock.Acquire()
		e := k.policy.Pick(k.table.entries)
		if e != nil {
			if e.state != Runnable {
				kfmt.Panic(errPickNotRunnable)
			}

			e.state = Running
			e.cpu = c
			c.current = e
			c.needResched.Store(false)

			// The entry releases the table lock and takes it
			// again before it switches back.
			e.resume <- struct{}{}
			<-c.yield

			c.current = nil
		}
		k.table.lock.Release()

		if e == nil {
			c.idle(ctx)
		}
	}
}

// idle waits until an entry may have become runnable.
func (c *CPU) idle(ctx context.Context) {
	timer := time.NewTimer(c.kernel.cfg.TimerInterval())
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-c.kernel.halt:
	case <-c.kernel.kick:
	case <-timer.C:
	}
}

// start creates the goroutine backing e and publishes it as Runnable. The
// goroutine blocks until a scheduler loop picks the entry.
func (k *Kernel) start(e *Entry) {
	t := &Task{kernel: k, entry: e}

	go func() {
		<-e.resume

		// Still holding the table lock from the scheduler.
		k.table.lock.Release()

		for prog := e.program; prog != nil; {
			prog = t.run(prog)
		}
		k.exit(t)
	}()

	k.table.lock.Acquire()
	k.makeRunnableLocked(e)
	k.table.lock.Release()
}

func (k *Kernel) makeRunnableLocked(e *Entry) {
	e.state = Runnable

	select {
	case k.kick <- struct{}{}:
	default:
	}
}

// sched switches from e back to the scheduler loop of its CPU. The caller
// must hold the table lock and must have changed the state of e. When sched
// returns, e runs again and the table lock is held.
func (k *Kernel) sched(e *Entry) {
	switch {
	case !k.table.lock.Held():
		kfmt.Panic(errSchedUnlocked)
	case e.state == Running:
		kfmt.Panic(errSchedRunning)
	}

	e.cpu.yield <- struct{}{}
	<-e.resume
}

// yield gives up the CPU for one scheduling round.
func (k *Kernel) yield(e *Entry) {
	k.table.lock.Acquire()
	e.state = Runnable
	k.sched(e)
	k.table.lock.Release()
}

// sleep atomically releases lk and suspends e until a wakeup for key. lk is
// held again when sleep returns.
func (k *Kernel) sleep(e *Entry, key interface{}, lk *ksync.Spinlock) {
	// Once the table lock is held no wakeup can be missed, since wakeup
	// runs with the table lock held.
	if lk != &k.table.lock {
		k.table.lock.Acquire()
		lk.Release()
	}

	pcs := make([]uintptr, maxSleepPCs)
	e.sleepPCs = pcs[:runtime.Callers(2, pcs)]
	e.sleepKey = key
	e.state = Sleeping

	k.sched(e)

	e.sleepKey = nil
	e.sleepPCs = nil

	if lk != &k.table.lock {
		k.table.lock.Release()
		lk.Acquire()
	}
}

// wakeupLocked makes every entry sleeping on key runnable. The table lock
// must be held.
func (k *Kernel) wakeupLocked(key interface{}) {
	for i := range k.table.entries {
		if e := &k.table.entries[i]; e.state == Sleeping && e.sleepKey == key {
			k.makeRunnableLocked(e)
		}
	}
}

// wakeup is like wakeupLocked but acquires the table lock.
func (k *Kernel) wakeup(key interface{}) {
	k.table.lock.Acquire()
	k.wakeupLocked(key)
	k.table.lock.Release()
}
