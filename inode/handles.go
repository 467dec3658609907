package inode

import (
	"sync"

	"github.com/pintosgo/kernel/util"
)

// handleSlot holds the single in-memory Handle for one disk sector, plus a
// reference count of open()s against it. The slot's mu guards the slot itself
// (in particular, the window in which the first opener is still loading h
// from disk and every later opener must block on the very same load rather
// than racing a second one) -- Handle's own mu only ever guards fields that
// exist once h is non-nil.
type handleSlot struct {
	mu  sync.Mutex
	h   *Handle
	ref uint32
}

// handleTable is the store's "at most one in-memory handle per disk
// sector" invariant (spec §3.5, §4.D.6), bounded to cacheSize concurrently
// open sectors. It replaces a generic reference-counted slot cache with one
// keyed and typed directly on inode sectors and *Handle: there is exactly
// one caller of this bookkeeping in the whole module, so the sector-to-
// Handle mapping is a first-class part of Store rather than an instance of
// a reusable abstraction.
type handleTable struct {
	mu      sync.Mutex
	slots   map[uint64]*handleSlot
	maxOpen uint64
}

func newHandleTable(maxOpen uint64) *handleTable {
	return &handleTable{
		slots:   make(map[uint64]*handleSlot, maxOpen),
		maxOpen: maxOpen,
	}
}

// evictLocked drops one closed (ref == 0) slot to make room for a new
// sector, if any exists. Reports whether a slot was freed.
func (t *handleTable) evictLocked() bool {
	for sector, slot := range t.slots {
		if slot.ref == 0 {
			delete(t.slots, sector)
			util.DPrintf(5, "inode: evicted handle for sector %d\n", sector)
			return true
		}
	}
	return false
}

// acquire returns the slot for sector, creating it (with ref 1) if the
// sector has no resident handle and the table has room. It returns nil if
// the table is full of still-open handles; the caller must close an
// outstanding one and retry.
func (t *handleTable) acquire(sector uint64) *handleSlot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slot, ok := t.slots[sector]; ok {
		slot.ref++
		return slot
	}
	if uint64(len(t.slots)) >= t.maxOpen && !t.evictLocked() {
		return nil
	}
	slot := &handleSlot{}
	slot.ref = 1
	t.slots[sector] = slot
	return slot
}

// release drops one reference to sector's slot. Panics on a double-release,
// which indicates a Store.Close with no matching Open -- the same
// unrecoverable-invariant-violation policy spec §7 gives every other
// asserted invariant in this module.
func (t *handleTable) release(sector uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slots[sector]
	util.Assert(ok && slot.ref > 0, "inode: release of sector %d with no outstanding reference", sector)
	slot.ref--
}

// len reports the number of resident handles, for tests.
func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
