package proc

import (
	"encoding/binary"
	"lazyos/kernel/mm/vmm"
)

// mutexKey is the sleep key of threads blocked on a user mutex.
type mutexKey struct {
	space *vmm.AddressSpace
	addr  uintptr
}

// Load copies len(buf) bytes of user memory at addr into buf, as a user-mode
// load would. Missing pages are faulted in; a fatal fault kills the thread.
func (t *Task) Load(addr uintptr, buf []byte) {
	if err := t.space().ReadUser(addr, buf, t.fault); err != nil {
		t.kill()
	}
}

// Store copies data to user memory at addr, as a user-mode store would.
func (t *Task) Store(addr uintptr, data []byte) {
	if err := t.space().WriteUser(addr, data, t.fault); err != nil {
		t.kill()
	}
}

// LoadUint32 loads the 32-bit word at addr.
func (t *Task) LoadUint32(addr uintptr) uint32 {
	var buf [4]byte
	t.Load(addr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// StoreUint32 stores v at addr.
func (t *Task) StoreUint32(addr uintptr, v uint32) {
	t.Store(addr, word(v))
}

// MutexLock acquires the user mutex whose lock word is at addr, sleeping
// while another thread holds it.
func (t *Task) MutexLock(addr uintptr) {
	t.boundary()

	k := t.kernel
	key := mutexKey{space: t.space(), addr: addr}

	k.mutexLock.Acquire()
	for {
		old, err := t.space().Swap32(addr, 1, t.fault)
		if err != nil {
			k.mutexLock.Release()
			t.kill()
		}
		if old == 0 {
			break
		}

		if t.killed() {
			k.mutexLock.Release()
			panic(exitSignal{})
		}
		k.sleep(t.entry, key, &k.mutexLock)
	}
	k.mutexLock.Release()
}

// MutexUnlock releases the user mutex at addr and wakes its waiters.
func (t *Task) MutexUnlock(addr uintptr) {
	t.boundary()

	k := t.kernel
	k.mutexLock.Acquire()
	k.wakeup(mutexKey{space: t.space(), addr: addr})
	_, err := t.space().Swap32(addr, 0, t.fault)
	k.mutexLock.Release()

	if err != nil {
		t.kill()
	}
}
