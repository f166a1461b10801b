package proc

import (
	"lazyos/kernel"
	"lazyos/kernel/config"
	"lazyos/kernel/fs"
	"lazyos/kernel/mm"
	"lazyos/kernel/mm/pmm"
	"lazyos/kernel/mm/vmm"
	"sync/atomic"
	"testing"
)

func TestForkWait(t *testing.T) {
	m := newTestMachine(t, nil)

	var childEAX, childPid atomic.Int64
	childEAX.Store(-1)

	m.boot(t, func(tk *Task) {
		tk.Registers().EAX = 42
		pid, err := tk.Fork(func(child *Task) {
			childEAX.Store(int64(child.Registers().EAX))
			childPid.Store(int64(child.Getpid()))
		})
		if err != nil {
			t.Errorf("fork failed: %v", err)
			return
		}

		got, err := tk.Wait()
		if err != nil || got != pid {
			t.Errorf("expected first wait to return %d; got %d, %v", pid, got, err)
		}

		_, err = tk.Wait()
		expectError(t, "second wait", err, errNoChildren)

		if int64(pid) != childPid.Load() {
			t.Errorf("expected child to observe pid %d; got %d", pid, childPid.Load())
		}
	})

	if got := childEAX.Load(); got != 0 {
		t.Fatalf("expected the child to see a zero return register; got %d", got)
	}
}

func TestForkCopiesMemory(t *testing.T) {
	m := newTestMachine(t, nil)

	m.boot(t, func(tk *Task) {
		heap, _ := tk.Sbrk(int(mm.PageSize))
		tk.StoreUint32(heap, 0xcafe)

		_, err := tk.Fork(func(child *Task) {
			if got := child.LoadUint32(heap); got != 0xcafe {
				t.Errorf("expected child to see parent memory; got %x", got)
			}
			child.StoreUint32(heap, 0xbeef)
		})
		if err != nil {
			t.Errorf("fork failed: %v", err)
			return
		}
		_, _ = tk.Wait()

		if got := tk.LoadUint32(heap); got != 0xcafe {
			t.Errorf("expected the child's store to stay private; got %x", got)
		}
	})
}

func TestForkFromThread(t *testing.T) {
	m := newTestMachine(t, nil)

	m.boot(t, func(tk *Task) {
		stack, _ := tk.Sbrk(int(mm.PageSize))

		_, err := tk.Clone(stack, func(thread *Task) {
			_, err := thread.Fork(func(*Task) {})
			expectError(t, "fork from a thread", err, errNotPrimary)

			_, err = thread.Join()
			expectError(t, "join from a thread", err, errNotThreadParent)

			expectError(t, "exec from a thread", thread.Exec("/init"), errExecBusy)
		})
		if err != nil {
			t.Errorf("clone failed: %v", err)
			return
		}

		if _, err := tk.Join(); err != nil {
			t.Errorf("join failed: %v", err)
		}
		_, err = tk.Join()
		expectError(t, "second join", err, errNoThreads)
	})
}

func TestKill(t *testing.T) {
	m := newTestMachine(t, nil)

	var reached atomic.Bool
	m.boot(t, func(tk *Task) {
		pid, err := tk.Fork(func(child *Task) {
			for i := 0; i < 1e6; i++ {
				child.Yield()
			}
			reached.Store(true)
		})
		if err != nil {
			t.Errorf("fork failed: %v", err)
			return
		}

		if err := tk.Kill(pid); err != nil {
			t.Errorf("kill failed: %v", err)
		}
		if got, err := tk.Wait(); got != pid || err != nil {
			t.Errorf("expected wait to reclaim %d; got %d, %v", pid, got, err)
		}

		expectError(t, "kill of unknown pid", tk.Kill(pid), errNoProcess)
	})

	if reached.Load() {
		t.Fatal("expected the killed child to stop")
	}
}

func TestKillWakesSleeper(t *testing.T) {
	m := newTestMachine(t, func(cfg *config.Config) { cfg.TimerIntervalMs = 1000 })

	m.boot(t, func(tk *Task) {
		pid, _ := tk.Fork(func(child *Task) {
			child.Sleep(1 << 30)
			t.Error("expected the sleeping child to be killed")
		})

		waitForState(tk, pid, Sleeping)
		if err := tk.Kill(pid); err != nil {
			t.Errorf("kill failed: %v", err)
		}
		if got, _ := tk.Wait(); got != pid {
			t.Errorf("expected wait to reclaim %d; got %d", pid, got)
		}
	})
}

// waitForState yields until the primary thread of pid reaches state.
func waitForState(tk *Task, pid int, state State) {
	for {
		for _, info := range tk.kernel.Snapshot() {
			if info.Pid == pid && info.Kind == KindProcess && info.State == state {
				return
			}
		}
		tk.Yield()
	}
}

func TestOrphansAreReparented(t *testing.T) {
	m := newTestMachine(t, nil)

	var grandchild atomic.Int64
	m.boot(t, func(tk *Task) {
		pid, _ := tk.Fork(func(child *Task) {
			gpid, err := child.Fork(func(g *Task) {
				g.Sleep(5)
			})
			if err != nil {
				t.Errorf("fork failed: %v", err)
			}
			grandchild.Store(int64(gpid))
		})

		if got, _ := tk.Wait(); got != pid {
			t.Errorf("expected wait to reclaim the child %d; got %d", pid, got)
		}
		if got, err := tk.Wait(); int64(got) != grandchild.Load() || err != nil {
			t.Errorf("expected wait to reclaim the orphan %d; got %d, %v", grandchild.Load(), got, err)
		}
	})
}

func TestPrimaryExitKillsThreads(t *testing.T) {
	m := newTestMachine(t, nil)

	m.boot(t, func(tk *Task) {
		pid, _ := tk.Fork(func(child *Task) {
			stack, _ := child.Sbrk(int(mm.PageSize))
			_, err := child.Clone(stack, func(thread *Task) {
				for {
					thread.Yield()
				}
			})
			if err != nil {
				t.Errorf("clone failed: %v", err)
			}
		})

		if got, _ := tk.Wait(); got != pid {
			t.Errorf("expected wait to reclaim %d; got %d", pid, got)
		}
		for _, info := range tk.kernel.Snapshot() {
			if info.Pid == pid {
				t.Errorf("expected every entry of %d to be reclaimed; found %+v", pid, info)
			}
		}
	})

	if open := m.k.files.InUse(); open != 0 {
		t.Fatalf("expected no open files; got %d", open)
	}
}

func TestWaitWithoutChildren(t *testing.T) {
	m := newTestMachine(t, nil)

	m.boot(t, func(tk *Task) {
		_, err := tk.Wait()
		expectError(t, "wait", err, errNoChildren)

		_, err = tk.Join()
		expectError(t, "join", err, errNoThreads)
	})
}

func TestTableFull(t *testing.T) {
	m := newTestMachine(t, func(cfg *config.Config) { cfg.MaxProcs = 2 })

	m.boot(t, func(tk *Task) {
		pid, err := tk.Fork(func(child *Task) { child.Sleep(2) })
		if err != nil {
			t.Errorf("fork failed: %v", err)
			return
		}

		_, err = tk.Fork(func(*Task) {})
		if !kernel.Is(err, kernel.KindQuotaExceeded) {
			t.Errorf("expected a quota error; got %v", err)
		}

		if got, _ := tk.Wait(); got != pid {
			t.Errorf("expected wait to reclaim %d; got %d", pid, got)
		}
	})
}

func TestForkCopyFailureReleasesSlot(t *testing.T) {
	cfg := config.Default()
	cfg.RAMFrames = 256
	cfg.KernelPages = 4
	cfg.MaxProcs = 4
	cfg.TimerIntervalMs = 1

	mem := &limitedMemory{Memory: pmm.New(cfg.RAMFrames, cfg.KernelPages), allocsLeft: -1}
	ns := fs.NewNamespace()
	kimg := vmm.KernelImage{FirstFrame: mem.KernelFrame(0), Pages: cfg.KernelPages}
	m := &testMachine{k: New(cfg, mem, kimg, ns), mem: mem.Memory, ns: ns}

	m.boot(t, func(tk *Task) {
		freeBefore := mem.FreeCount()

		// Only the kernel stack of the child can be allocated.
		mem.allocsLeft = 1
		_, err := tk.Fork(func(*Task) {})
		mem.allocsLeft = -1
		expectError(t, "fork", err, errTestOOM)

		if got := len(tk.kernel.Snapshot()); got != 1 {
			t.Errorf("expected only init in the table; got %d entries", got)
		}

		tk.kernel.table.lock.Acquire()
		var used int
		for i := range tk.kernel.table.entries {
			if tk.kernel.table.entries[i].state != Unused {
				used++
			}
		}
		tk.kernel.table.lock.Release()
		if used != 1 {
			t.Errorf("expected the child slot to be released; %d slots in use", used)
		}

		if got := mem.FreeCount(); got != freeBefore {
			t.Errorf("expected %d free frames after the failed fork; got %d", freeBefore, got)
		}
	})
}

func TestWaitDuringConcurrentFork(t *testing.T) {
	const grandchildren = 50

	m := newTestMachine(t, func(cfg *config.Config) { cfg.CPUs = 4 })

	var reaped atomic.Int64
	m.boot(t, func(tk *Task) {
		pid, err := tk.Fork(func(child *Task) {
			for i := 0; i < grandchildren; i++ {
				if _, err := child.Fork(func(*Task) {}); err != nil {
					t.Errorf("fork failed: %v", err)
					return
				}
				if _, err := child.Wait(); err != nil {
					t.Errorf("wait failed: %v", err)
					return
				}
				reaped.Add(1)
			}
		})
		if err != nil {
			t.Errorf("fork failed: %v", err)
			return
		}

		// Scans the table while the child keeps allocating entries.
		if got, err := tk.Wait(); err != nil || got != pid {
			t.Errorf("expected wait to return %d; got %d, %v", pid, got, err)
		}
	})

	if got := reaped.Load(); got != grandchildren {
		t.Fatalf("expected %d grandchildren to be reaped; got %d", grandchildren, got)
	}
}
