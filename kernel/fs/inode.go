// Package fs provides the file contract consumed by the memory core: inodes
// that can be locked, read and written at an offset, a flat in-memory
// namespace and the system-wide open file table.
package fs

import (
	"io"
	"sync"
)

// Inode is implemented by file system objects. ReadAt and WriteAt follow the
// io.ReaderAt and io.WriterAt contracts; callers serialize them with
// Lock/Unlock. Dup and Put maintain the in-memory reference count.
type Inode interface {
	io.ReaderAt
	io.WriterAt

	// ID returns the inode number.
	ID() uint32

	// Size returns the current file size in bytes.
	Size() int64

	// IsDir returns true for directories.
	IsDir() bool

	Lock()
	Unlock()

	// Dup increments the reference count and returns the inode.
	Dup() Inode

	// Put drops a reference.
	Put()
}

// MemInode is an Inode whose contents live in memory.
type MemInode struct {
	id    uint32
	dir   bool
	mutex sync.Mutex

	// refs and data are guarded by refLock; ReadAt/WriteAt also take
	// it so that Size observes complete writes.
	refLock sync.Mutex
	refs    int
	data    []byte

	// failReads makes ReadAt fail. It lets tests exercise read errors.
	failReads bool
}

// NewMemInode returns a regular file inode holding a copy of data.
func NewMemInode(id uint32, data []byte) *MemInode {
	return &MemInode{id: id, data: append([]byte(nil), data...)}
}

// ID implements Inode.
func (ip *MemInode) ID() uint32 { return ip.id }

// IsDir implements Inode.
func (ip *MemInode) IsDir() bool { return ip.dir }

// Lock implements Inode.
func (ip *MemInode) Lock() { ip.mutex.Lock() }

// Unlock implements Inode.
func (ip *MemInode) Unlock() { ip.mutex.Unlock() }

// Dup implements Inode.
func (ip *MemInode) Dup() Inode {
	ip.refLock.Lock()
	ip.refs++
	ip.refLock.Unlock()
	return ip
}

// Put implements Inode.
func (ip *MemInode) Put() {
	ip.refLock.Lock()
	if ip.refs > 0 {
		ip.refs--
	}
	ip.refLock.Unlock()
}

// Refs returns the number of outstanding references.
func (ip *MemInode) Refs() int {
	ip.refLock.Lock()
	defer ip.refLock.Unlock()
	return ip.refs
}

// Size implements Inode.
func (ip *MemInode) Size() int64 {
	ip.refLock.Lock()
	defer ip.refLock.Unlock()
	return int64(len(ip.data))
}

// Bytes returns a copy of the file contents.
func (ip *MemInode) Bytes() []byte {
	ip.refLock.Lock()
	defer ip.refLock.Unlock()
	return append([]byte(nil), ip.data...)
}

// SetFailReads controls whether subsequent reads fail.
func (ip *MemInode) SetFailReads(fail bool) {
	ip.refLock.Lock()
	ip.failReads = fail
	ip.refLock.Unlock()
}

// ReadAt implements io.ReaderAt.
func (ip *MemInode) ReadAt(p []byte, off int64) (int, error) {
	ip.refLock.Lock()
	defer ip.refLock.Unlock()

	if ip.failReads {
		return 0, io.ErrUnexpectedEOF
	}
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if off >= int64(len(ip.data)) {
		return 0, io.EOF
	}

	n := copy(p, ip.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writing past the end of the file extends
// it; any gap is zero-filled.
func (ip *MemInode) WriteAt(p []byte, off int64) (int, error) {
	ip.refLock.Lock()
	defer ip.refLock.Unlock()

	if off < 0 {
		return 0, io.ErrShortWrite
	}
	if end := off + int64(len(p)); end > int64(len(ip.data)) {
		ip.data = append(ip.data, make([]byte, end-int64(len(ip.data)))...)
	}
	return copy(ip.data[off:], p), nil
}
