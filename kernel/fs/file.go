package fs

import (
	"io"
	"lazyos/kernel"
	"lazyos/kernel/kfmt"
	ksync "lazyos/kernel/sync"
)

// OpenMode selects the access mode of an open file.
type OpenMode uint32

const (
	OpenReadOnly  OpenMode = 0x000
	OpenWriteOnly OpenMode = 0x001
	OpenReadWrite OpenMode = 0x002
	OpenCreate    OpenMode = 0x200
)

// Readable returns true if the mode allows reading.
func (m OpenMode) Readable() bool { return m&OpenWriteOnly == 0 }

// Writable returns true if the mode allows writing.
func (m OpenMode) Writable() bool { return m&(OpenWriteOnly|OpenReadWrite) != 0 }

var (
	errFileTableFull = &kernel.Error{Module: "fs", Message: "file table is full", Kind: kernel.KindQuotaExceeded}
	errNotReadable   = &kernel.Error{Module: "fs", Message: "file is not open for reading", Kind: kernel.KindPermissionDenied}
	errNotWritable   = &kernel.Error{Module: "fs", Message: "file is not open for writing", Kind: kernel.KindPermissionDenied}
	errIOFailed      = &kernel.Error{Module: "fs", Message: "i/o error", Kind: kernel.KindReadFailed}
	errClosedFile    = &kernel.Error{Module: "fs", Message: "use of a closed file", Kind: kernel.KindInvariant}
)

// File is an open file description. Files are shared by reference between
// the descriptor tables of forked processes and threads.
type File struct {
	table *FileTable

	// ref is guarded by the table lock.
	ref int

	readable bool
	writable bool
	inode    Inode

	// off is guarded by the inode lock.
	off int64
}

// Inode returns the inode backing the file.
func (f *File) Inode() Inode { return f.inode }

// Readable returns true if the file was opened for reading.
func (f *File) Readable() bool { return f.readable }

// Writable returns true if the file was opened for writing.
func (f *File) Writable() bool { return f.writable }

// Read reads up to len(p) bytes at the current offset and advances it. It
// returns 0 at end of file.
func (f *File) Read(p []byte) (int, *kernel.Error) {
	if !f.readable {
		return 0, errNotReadable
	}

	f.inode.Lock()
	defer f.inode.Unlock()

	n, err := f.inode.ReadAt(p, f.off)
	if err != nil && err != io.EOF {
		return 0, errIOFailed
	}
	f.off += int64(n)
	return n, nil
}

// Write writes p at the current offset and advances it.
func (f *File) Write(p []byte) (int, *kernel.Error) {
	if !f.writable {
		return 0, errNotWritable
	}

	f.inode.Lock()
	defer f.inode.Unlock()

	n, err := f.inode.WriteAt(p, f.off)
	f.off += int64(n)
	if err != nil {
		return n, errIOFailed
	}
	return n, nil
}

// Dup increments the reference count of f and returns it.
func (f *File) Dup() *File {
	f.table.lock.Acquire()
	defer f.table.lock.Release()

	if f.ref < 1 {
		kfmt.Panic(errClosedFile)
	}
	f.ref++
	return f
}

// Close drops a reference to f. The last reference releases the inode and
// the table slot.
func (f *File) Close() {
	t := f.table

	t.lock.Acquire()
	if f.ref < 1 {
		t.lock.Release()
		kfmt.Panic(errClosedFile)
	}
	f.ref--
	if f.ref > 0 {
		t.lock.Release()
		return
	}

	ip := f.inode
	*f = File{table: t}
	t.lock.Release()

	ip.Put()
}

// FileTable is the system-wide table of open files.
type FileTable struct {
	lock  ksync.Spinlock
	files []File
}

// NewFileTable returns a table with room for size open files.
func NewFileTable(size int) *FileTable {
	t := &FileTable{files: make([]File, size)}
	for i := range t.files {
		t.files[i].table = t
	}
	return t
}

// Alloc returns a new file for ip with a reference count of 1. The file
// takes over the caller's reference to ip.
func (t *FileTable) Alloc(ip Inode, mode OpenMode) (*File, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	for i := range t.files {
		if f := &t.files[i]; f.ref == 0 {
			f.ref = 1
			f.inode = ip
			f.readable = mode.Readable()
			f.writable = mode.Writable()
			f.off = 0
			return f, nil
		}
	}

	return nil, errFileTableFull
}

// InUse returns the number of open files.
func (t *FileTable) InUse() int {
	t.lock.Acquire()
	defer t.lock.Release()

	var count int
	for i := range t.files {
		if t.files[i].ref > 0 {
			count++
		}
	}
	return count
}
