package proc

import (
	"io"
	"lazyos/kernel"
	"lazyos/kernel/kfmt"
	"lazyos/kernel/mm/vmm"
)

// EntryInfo is a snapshot of a published table entry.
type EntryInfo struct {
	Pid   int
	Tid   int
	Kind  Kind
	Nice  int
	State State
	Name  string

	// PCs holds the return addresses captured when a sleeping entry
	// went to sleep.
	PCs []uintptr
}

// Snapshot returns the published entries in table order.
func (k *Kernel) Snapshot() []EntryInfo {
	k.table.lock.Acquire()
	defer k.table.lock.Release()

	var infos []EntryInfo
	for i := range k.table.entries {
		e := &k.table.entries[i]
		if !published(e) {
			continue
		}

		infos = append(infos, EntryInfo{
			Pid:   e.pid,
			Tid:   e.tid,
			Kind:  e.kind,
			Nice:  e.nice,
			State: e.state,
			Name:  e.name,
			PCs:   append([]uintptr(nil), e.sleepPCs...),
		})
	}
	return infos
}

// Procdump writes one line per live entry to w: pid, nice value, state and
// name, followed by the call stack of sleeping entries. A nil w selects the
// console.
func (k *Kernel) Procdump(w io.Writer) {
	for _, info := range k.Snapshot() {
		kfmt.Fprintf(w, "%d %d %s %s", info.Pid, info.Nice, info.State, info.Name)
		if info.Kind == KindThread {
			kfmt.Fprintf(w, " (tid %d)", info.Tid)
		}
		if info.State == Sleeping {
			for _, pc := range info.PCs {
				kfmt.Fprintf(w, " %#x", pc)
			}
		}
		kfmt.Fprintf(w, "\n")
	}
}

// DumpLayout writes the present user pages of process pid to w.
func (k *Kernel) DumpLayout(pid int, w io.Writer) *kernel.Error {
	k.table.lock.Acquire()
	var space *vmm.AddressSpace
	k.table.find(pid, func(e *Entry) {
		if e.kind == KindProcess && e.state != Zombie {
			space = e.proc.space
		}
	})
	k.table.lock.Release()

	if space == nil {
		return errNoProcess
	}

	space.Lock()
	defer space.Unlock()
	space.DumpLayout(w)
	return nil
}
