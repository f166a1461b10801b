package proc

import (
	"lazyos/kernel"
	"lazyos/kernel/fs"
	"lazyos/kernel/mmap"
)

var (
	errBadFd        = &kernel.Error{Module: "proc", Message: "bad file descriptor", Kind: kernel.KindInvalidArgument}
	errTooManyFiles = &kernel.Error{Module: "proc", Message: "too many open files", Kind: kernel.KindQuotaExceeded}
	errBadCount     = &kernel.Error{Module: "proc", Message: "negative byte count", Kind: kernel.KindInvalidArgument}
)

func (t *Task) file(fd int) (*fs.File, *kernel.Error) {
	if fd < 0 || fd >= len(t.entry.files) || t.entry.files[fd] == nil {
		return nil, errBadFd
	}
	return t.entry.files[fd], nil
}

func (t *Task) allocFd(f *fs.File) (int, *kernel.Error) {
	for fd := range t.entry.files {
		if t.entry.files[fd] == nil {
			t.entry.files[fd] = f
			return fd, nil
		}
	}
	return 0, errTooManyFiles
}

// Open opens the file at name and returns a descriptor for it.
func (t *Task) Open(name string, mode fs.OpenMode) (int, *kernel.Error) {
	t.boundary()

	ip, err := t.kernel.ns.Open(name, mode)
	if err != nil {
		return 0, err
	}

	f, err := t.kernel.files.Alloc(ip, mode)
	if err != nil {
		ip.Put()
		return 0, err
	}

	fd, err := t.allocFd(f)
	if err != nil {
		f.Close()
		return 0, err
	}
	return fd, nil
}

// Dup returns a new descriptor for the file open at fd.
func (t *Task) Dup(fd int) (int, *kernel.Error) {
	t.boundary()

	f, err := t.file(fd)
	if err != nil {
		return 0, err
	}

	f = f.Dup()
	nfd, err := t.allocFd(f)
	if err != nil {
		f.Close()
		return 0, err
	}
	return nfd, nil
}

// Read reads up to n bytes from fd into user memory at addr and returns the
// number of bytes read. The destination pages are faulted in as needed.
func (t *Task) Read(fd int, addr uintptr, n int) (int, *kernel.Error) {
	t.boundary()

	f, err := t.file(fd)
	switch {
	case err != nil:
		return 0, err
	case n < 0:
		return 0, errBadCount
	}

	buf := make([]byte, n)
	read, err := f.Read(buf)
	if err != nil {
		return 0, err
	}

	t.Store(addr, buf[:read])
	return read, nil
}

// Write writes n bytes of user memory at addr to fd.
func (t *Task) Write(fd int, addr uintptr, n int) (int, *kernel.Error) {
	t.boundary()

	f, err := t.file(fd)
	switch {
	case err != nil:
		return 0, err
	case n < 0:
		return 0, errBadCount
	}

	buf := make([]byte, n)
	t.Load(addr, buf)
	return f.Write(buf)
}

// Close releases fd. Mappings of the process backed by the same open file
// are written back and removed.
func (t *Task) Close(fd int) *kernel.Error {
	t.boundary()

	f, err := t.file(fd)
	if err != nil {
		return err
	}
	t.entry.files[fd] = nil

	proc := t.entry.proc
	err = proc.maps.CloseFile(proc.space, f)
	f.Close()
	return err
}

// Mmap maps length bytes of the file open at fd, starting at offset, and
// returns the address of the mapping. Pages are loaded when first touched.
func (t *Task) Mmap(fd int, offset, length int64, prot mmap.Prot) (uintptr, *kernel.Error) {
	t.boundary()

	f, err := t.file(fd)
	if err != nil {
		return 0, err
	}

	proc := t.entry.proc
	proc.space.Lock()
	defer proc.space.Unlock()

	return proc.maps.Create(f, offset, length, prot, proc.size)
}

// Munmap removes the mapping that starts at addr. length must equal the
// length the mapping was created with. Dirty pages are written back to the
// file.
func (t *Task) Munmap(addr uintptr, length int64) *kernel.Error {
	t.boundary()

	proc := t.entry.proc
	return proc.maps.Destroy(proc.space, addr, length)
}
