// Package mmap implements memory-mapped files (spec §4.H): a user-
// initiated mapping of a file into an aligned virtual range, expressed as a
// run of Mmap-typed SPT entries, one per page.
//
// It is grounded on the original kernel's vm/mmap.c: mmap_file_create's
// file_reopen + load_segment(..., writable=true) sequence and
// mmap_file_destroy's per-page supp_destroy loop, adapted from Pintos'
// load_segment (which is out of this spec's scope, §1) to direct
// spt.Table.InsertMmap calls.
package mmap

import (
	"errors"

	"github.com/pintosgo/kernel/inode"
	"github.com/pintosgo/kernel/memlayout"
	"github.com/pintosgo/kernel/spt"
	"github.com/pintosgo/kernel/util"
)

// ErrNotAligned is returned when Create is asked to map at a non-page
// aligned or null address (spec §4.H: "require uaddr page-aligned and
// non-null").
var ErrNotAligned = errors.New("mmap: uaddr is null or not page-aligned")

// Mapping is one live memory mapping: the file it was reopened from and the
// contiguous run of SPT entries backing it.
type Mapping struct {
	file   *inode.Handle
	inodes *inode.Store
	uaddr  uintptr
	pages  []*spt.Entry
}

func (m *Mapping) Uaddr() uintptr      { return m.uaddr }
func (m *Mapping) PageCount() int      { return len(m.pages) }
func (m *Mapping) File() *inode.Handle { return m.file }

// Create implements spec §4.H's mmap_file_create: reopen file (an
// independent open-count reference, per spec §3.5/§4.D.6 "at most one
// in-memory handle per disk sector" -- reopening bumps the same handle's
// count rather than creating a second one), compute the page count from
// the file's length, and insert one Mmap SPT entry per page. Any
// overlapping insertion unwinds every entry inserted so far and fails the
// whole mapping.
func Create(inodes *inode.Store, spts *spt.Table, file *inode.Handle, uaddr uintptr) (*Mapping, error) {
	if uaddr == 0 || !memlayout.PageAlign(uaddr) {
		return nil, ErrNotAligned
	}

	reopened, err := inodes.Open(file.Sector())
	if err != nil {
		return nil, err
	}

	length := reopened.Length()
	// page_cnt = ceil(length/page_size), per spec §4.H and the original
	// kernel's mmap_file_create -- zero for an empty file, with no forced
	// minimum of one page.
	pageCount := int(util.RoundDiv(length, memlayout.PageSize))

	m := &Mapping{file: reopened, inodes: inodes, uaddr: uaddr}
	for p := 0; p < pageCount; p++ {
		offset := uint64(p) * memlayout.PageSize
		readBytes := uint64(0)
		if offset < length {
			readBytes = util.Min(memlayout.PageSize, length-offset)
		}
		zeroBytes := memlayout.PageSize - readBytes

		entry, err := spts.InsertMmap(uaddr+uintptr(p)*memlayout.PageSize, reopened, offset, readBytes, zeroBytes)
		if err != nil {
			m.unwind(spts)
			inodes.Close(reopened)
			return nil, err
		}
		m.pages = append(m.pages, entry)
	}

	return m, nil
}

// unwind destroys every page inserted so far, used when a later page's
// insertion overlaps an existing entry (spec §4.H: "the mapping is
// rejected (unwinding prior inserts)").
func (m *Mapping) unwind(spts *spt.Table) {
	for _, e := range m.pages {
		spts.Destroy(e)
	}
	m.pages = nil
}

// Destroy implements spec §4.H's mmap_file_destroy: destroy every page
// (which writes back dirty contents on the way, per spt.Table.Destroy ->
// Unload) and close the file handle.
func (m *Mapping) Destroy(spts *spt.Table) error {
	for _, e := range m.pages {
		if err := spts.Destroy(e); err != nil {
			return err
		}
	}
	m.pages = nil
	return m.inodes.Close(m.file)
}
