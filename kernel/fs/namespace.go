package fs

import (
	"lazyos/kernel"
	"path"
	"sync"
)

var (
	errNoSuchFile  = &kernel.Error{Module: "fs", Message: "no such file", Kind: kernel.KindNotFound}
	errIsDirectory = &kernel.Error{Module: "fs", Message: "is a directory", Kind: kernel.KindInvalidArgument}
)

// Namespace is a flat in-memory file system with a single root directory.
// Paths are cleaned before lookup so "a", "/a" and "./a" name the same file.
type Namespace struct {
	mutex  sync.Mutex
	root   *MemInode
	files  map[string]*MemInode
	nextID uint32
}

// NewNamespace returns an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{
		root:   &MemInode{id: 1, dir: true},
		files:  make(map[string]*MemInode),
		nextID: 2,
	}
}

func cleanPath(name string) string {
	return path.Clean("/" + name)
}

// Root returns a new reference to the root directory.
func (ns *Namespace) Root() Inode {
	return ns.root.Dup()
}

// Create adds a regular file holding data, replacing any file with the same
// name, and returns it.
func (ns *Namespace) Create(name string, data []byte) *MemInode {
	ns.mutex.Lock()
	defer ns.mutex.Unlock()

	ip := NewMemInode(ns.nextID, data)
	ns.nextID++
	ns.files[cleanPath(name)] = ip
	return ip
}

// Lookup resolves name and returns a new reference to its inode.
func (ns *Namespace) Lookup(name string) (Inode, *kernel.Error) {
	name = cleanPath(name)
	if name == "/" {
		return ns.Root(), nil
	}

	ns.mutex.Lock()
	ip, ok := ns.files[name]
	ns.mutex.Unlock()

	if !ok {
		return nil, errNoSuchFile
	}
	return ip.Dup(), nil
}

// Open resolves name for a file open request. If the file does not exist and
// mode includes OpenCreate, an empty file is created.
func (ns *Namespace) Open(name string, mode OpenMode) (Inode, *kernel.Error) {
	ip, err := ns.Lookup(name)
	switch {
	case err == errNoSuchFile && mode&OpenCreate != 0:
		return ns.Create(name, nil).Dup(), nil
	case err != nil:
		return nil, err
	case ip.IsDir() && mode.Writable():
		ip.Put()
		return nil, errIsDirectory
	}
	return ip, nil
}
