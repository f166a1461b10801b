// Package mmap implements the per-process registry of file-backed memory
// mappings. Mappings are carved downwards from the kernel boundary and their
// pages are only materialized by the page fault handler.
package mmap

import (
	"io"
	"lazyos/kernel"
	"lazyos/kernel/fs"
	"lazyos/kernel/mm"
)

// Prot describes the access permitted to a mapping.
type Prot uint32

const (
	// ProtRead allows loads from the mapping.
	ProtRead Prot = 1 << iota

	// ProtWrite allows stores to the mapping.
	ProtWrite
)

// Allows returns true if an access of the given kind is permitted.
func (p Prot) Allows(write bool) bool {
	if write {
		return p&ProtWrite != 0
	}
	return p&ProtRead != 0
}

var (
	errPageRead  = &kernel.Error{Module: "mmap", Message: "failed to read mapped page", Kind: kernel.KindReadFailed}
	errPageWrite = &kernel.Error{Module: "mmap", Message: "failed to write back mapped page", Kind: kernel.KindReadFailed}
)

// Record describes an active mapping.
type Record struct {
	// Low is the page-aligned start of the mapping.
	Low uintptr

	// High is the first address past the mapping. It is page-aligned.
	High uintptr

	// Length is the content length requested by mmap.
	Length uintptr

	Offset int64
	Prot   Prot

	// File is the record's own reference to the backing file.
	File *fs.File
}

// Contains returns true if addr lies inside the mapping.
func (r *Record) Contains(addr uintptr) bool {
	return r.Low <= addr && addr < r.High
}

// pageSpan returns the file offset and content length backing the page at
// pageAddr. The last page of a mapping is truncated to the content length.
func (r *Record) pageSpan(pageAddr uintptr) (int64, int) {
	delta := mm.PageRoundDown(pageAddr) - r.Low
	if delta >= r.Length {
		return 0, 0
	}
	return r.Offset + int64(delta), int(min(mm.PageSize, r.Length-delta))
}

// ReadPage fills page with the file contents backing the page at pageAddr.
func (r *Record) ReadPage(pageAddr uintptr, page []byte) *kernel.Error {
	off, n := r.pageSpan(pageAddr)
	if n == 0 {
		return nil
	}

	ip := r.File.Inode()
	ip.Lock()
	defer ip.Unlock()

	if got, err := ip.ReadAt(page[:n], off); got != n || (err != nil && err != io.EOF) {
		return errPageRead
	}
	return nil
}

// WritePage writes the contents of the page at pageAddr back to the file.
func (r *Record) WritePage(pageAddr uintptr, page []byte) *kernel.Error {
	off, n := r.pageSpan(pageAddr)
	if n == 0 {
		return nil
	}

	ip := r.File.Inode()
	ip.Lock()
	defer ip.Unlock()

	if got, err := ip.WriteAt(page[:n], off); got != n || err != nil {
		return errPageWrite
	}
	return nil
}
