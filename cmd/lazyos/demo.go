package main

import (
	"bytes"
	"lazyos/kernel/exec"
	"lazyos/kernel/fs"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm"
	"lazyos/kernel/mmap"
	"lazyos/kernel/proc"
	"strconv"
)

const (
	initPath    = "/init"
	upcasePath  = "/bin/upcase"
	counterPath = "/bin/counter"
	motdPath    = "/motd"

	motd = "pages are loaded on first touch\n"
)

// demoImage is the executable installed for every demo program: one page of
// text and one page of bss.
var demoImage = exec.BuildImage(0x10, []exec.ImageSegment{
	{Vaddr: 0, Memsz: 2 * uint32(mm.PageSize), Data: bytes.Repeat([]byte{0x90}, 32)},
})

func installDemo(k *proc.Kernel, ns *fs.Namespace) {
	ns.Create(motdPath, []byte(motd))

	for path, prog := range map[string]proc.Program{
		initPath:    initMain,
		upcasePath:  upcaseMain,
		counterPath: counterMain,
	} {
		ns.Create(path, demoImage)
		k.Register(path, prog)
	}
}

func initMain(t *proc.Task) {
	kfmt.Printf("init: pid %d\n", t.Getpid())

	spawn(t, upcasePath, "upcase", motdPath)
	spawn(t, counterPath, "counter", "4")

	for {
		pid, err := t.Wait()
		if err != nil {
			break
		}
		kfmt.Printf("init: reaped %d\n", pid)
	}

	fd, err := t.Open(motdPath, fs.OpenReadOnly)
	if err != nil {
		kfmt.Printf("init: open %s: %s\n", motdPath, err.Error())
		return
	}
	defer t.Close(fd)

	buf, _ := t.Sbrk(int(mm.PageSize))
	n, _ := t.Read(fd, buf, int(mm.PageSize))
	data := make([]byte, n)
	t.Load(buf, data)
	kfmt.Printf("init: %s", data)
}

func spawn(t *proc.Task, path string, argv ...string) {
	_, err := t.Fork(func(child *proc.Task) {
		if err := child.Exec(path, argv...); err != nil {
			kfmt.Printf("exec %s: %s\n", path, err.Error())
		}
	})
	if err != nil {
		kfmt.Printf("init: fork: %s\n", err.Error())
	}
}

// upcaseMain maps the file named by its argument and upper-cases it in place.
// The file is expected to hold the message of the day.
func upcaseMain(t *proc.Task) {
	args := t.Args()
	if len(args) < 2 {
		return
	}

	fd, err := t.Open(args[1], fs.OpenReadWrite)
	if err != nil {
		kfmt.Printf("upcase: %s\n", err.Error())
		return
	}
	defer t.Close(fd)

	const length = int64(len(motd))
	addr, err := t.Mmap(fd, 0, length, mmap.ProtRead|mmap.ProtWrite)
	if err != nil {
		kfmt.Printf("upcase: mmap: %s\n", err.Error())
		return
	}

	page := make([]byte, length)
	t.Load(addr, page)
	t.Store(addr, bytes.ToUpper(page))

	if err := t.Munmap(addr, length); err != nil {
		kfmt.Printf("upcase: munmap: %s\n", err.Error())
	}
}

// counterMain starts n threads that bump a shared counter under a user mutex.
func counterMain(t *proc.Task) {
	args := t.Args()
	threads := 2
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
			threads = n
		}
	}

	heap, err := t.Sbrk(int(mm.PageSize) * (threads + 1))
	if err != nil {
		kfmt.Printf("counter: sbrk: %s\n", err.Error())
		return
	}
	lockAddr, counterAddr := heap, heap+4

	started := 0
	for i := 0; i < threads; i++ {
		stack := heap + uintptr(i+1)*mm.PageSize
		_, err := t.Clone(stack, func(thread *proc.Task) {
			for n := 0; n < 100; n++ {
				thread.MutexLock(lockAddr)
				thread.StoreUint32(counterAddr, thread.LoadUint32(counterAddr)+1)
				thread.MutexUnlock(lockAddr)
				if n%10 == 0 {
					thread.Yield()
				}
			}
		})
		if err != nil {
			kfmt.Printf("counter: clone: %s\n", err.Error())
			break
		}
		started++
	}

	for ; started > 0; started-- {
		if _, err := t.Join(); err != nil {
			break
		}
	}
	kfmt.Printf("counter: %d\n", t.LoadUint32(counterAddr))
}
