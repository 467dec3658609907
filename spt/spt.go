// Package spt implements the per-process supplemental page table (spec
// §3.7, §4.G): the state x type matrix governing NotLoaded/Loaded/Swapped
// pages of type Normal/Zero/Code/Mmap, the page-fault handler, dirty/
// accessed sensing, and process-exit teardown.
//
// It is grounded on the original kernel's vm/page.c (supp_entry as a
// upage-keyed hash table entry with state/type/pinned/dirty fields,
// supp_unload/supp_handle_page_fault/supp_remove_all) and vm/frame.c's
// frame_evict dispatch (write back if Mmap, else swap out). The pintos
// hash table keyed by upage becomes a plain Go map, resolving spec §9's
// open question about frame_lookup's asymptotics on the frame side and
// mirroring it here for the SPT side, which the original also walked as a
// hash table.
//
// One Table exists per process; the frame.Table, swap.Swap, and inode.Store
// it is built over are process-wide singletons shared by every Table.
package spt

import (
	"errors"
	"sync"

	"github.com/pintosgo/kernel/frame"
	"github.com/pintosgo/kernel/inode"
	"github.com/pintosgo/kernel/memlayout"
	"github.com/pintosgo/kernel/swap"
	"github.com/pintosgo/kernel/util"
)

// State is an SPT entry's residency state (spec §3.7).
type State int

const (
	NotLoaded State = iota
	Loaded
	Swapped
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "NotLoaded"
	case Loaded:
		return "Loaded"
	case Swapped:
		return "Swapped"
	default:
		return "Unknown"
	}
}

// Type is an SPT entry's content kind (spec §3.7).
type Type int

const (
	Normal Type = iota
	Zero
	Code
	Mmap
)

func (t Type) String() string {
	switch t {
	case Normal:
		return "Normal"
	case Zero:
		return "Zero"
	case Code:
		return "Code"
	case Mmap:
		return "Mmap"
	default:
		return "Unknown"
	}
}

var (
	ErrOverlap   = errors.New("spt: an entry already exists at this address")
	ErrWrongType = errors.New("spt: operation not valid for the entry's type")
)

// Entry is one SPT record: spec §3.7's state x type record plus the
// bookkeeping frame eviction needs cross-process (spec §5: "cross-process
// SPT access is not allowed except via the frame eviction path, which
// inspects only fields it has locked read access to" -- the entry's mu is
// exactly that lock).
type Entry struct {
	mu    sync.Mutex
	table *Table
	upage uintptr

	typ   Type
	state State

	kpage    []byte
	writable bool
	pinned   bool

	dirtyOverride bool // e.g. Code pages the process wrote to
	mappingDirty  bool // simulated per-mapping dirty bit, set by Touch
	accessed      bool // simulated per-mapping accessed bit

	slot swap.Slot

	file       *inode.Handle
	fileOffset uint64
	readBytes  uint64
	zeroBytes  uint64
}

var _ frame.Entry = (*Entry)(nil)

func (e *Entry) Upage() uintptr { return e.upage }
func (e *Entry) Type() Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typ
}
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
func (e *Entry) Writable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writable
}

// Pinned reports whether e may currently be evicted; implements
// frame.Entry.
func (e *Entry) Pinned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pinned
}

// Pin/Unpin bracket an operation (e.g. a syscall touching user memory) that
// must not have its page evicted out from under it -- spec §4.G's "pinning
// hint (from syscall boundary)".
func (e *Entry) Pin() {
	e.mu.Lock()
	e.pinned = true
	e.mu.Unlock()
}

func (e *Entry) Unpin() {
	e.mu.Lock()
	e.pinned = false
	e.mu.Unlock()
}

// Accessed implements frame.Entry, reading the simulated per-mapping
// accessed bit (spec §4.G.4: "Accessed is read directly from the
// mapping").
func (e *Entry) Accessed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accessed
}

func (e *Entry) ClearAccessed() {
	e.mu.Lock()
	e.accessed = false
	e.mu.Unlock()
}

// Touch simulates a user access to e's page for tests and callers that
// don't have a real MMU to source accessed/dirty bits from: it sets the
// accessed bit, and the per-mapping dirty bit if write is true.
func (e *Entry) Touch(write bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accessed = true
	if write {
		e.mappingDirty = true
	}
}

// SetDirty forces the dirty-override flag, e.g. for a Code page the loader
// marks writable and the process has modified (spec §3.7: "dirty Code
// pages may be swapped; they do not write back to the executable").
func (e *Entry) SetDirty(v bool) {
	e.mu.Lock()
	e.dirtyOverride = v
	e.mu.Unlock()
}

// Dirty implements spec §4.G.4: the logical OR of the dirty-override flag
// and the per-mapping dirty bit.
func (e *Entry) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirtyOverride || e.mappingDirty
}

// Data returns the resident page's contents. Valid only while Loaded; the
// caller is expected to have paged the entry in first (e.g. via the fault
// handler) and to call Touch to record the access.
func (e *Entry) Data() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kpage
}

// Table is one process's supplemental page table.
type Table struct {
	mu    sync.Mutex
	pages map[uintptr]*Entry

	frames *frame.Table
	swap   *swap.Swap
	inodes *inode.Store

	stackLimit uintptr // lowest address the stack-growth heuristic may extend to
}

// New creates an empty Table over the shared frame table, swap area, and
// inode store. stackTop and maxStackSize bound the stack-growth heuristic
// of spec §4.G.3; pass memlayout.StackTop and memlayout.MaxStackSize for
// the reference configuration.
func New(frames *frame.Table, sw *swap.Swap, inodes *inode.Store, stackTop uintptr, maxStackSize uintptr) *Table {
	return &Table{
		pages:      make(map[uintptr]*Entry),
		frames:     frames,
		swap:       sw,
		inodes:     inodes,
		stackLimit: stackTop - maxStackSize,
	}
}

func (t *Table) insert(e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pages[e.upage]; exists {
		return ErrOverlap
	}
	t.pages[e.upage] = e
	return nil
}

// Lookup returns the entry for upage, if any (spec §4.G.1).
func (t *Table) Lookup(upage uintptr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pages[upage]
	return e, ok
}

// InsertNormal inserts a NotLoaded Normal entry at upage.
func (t *Table) InsertNormal(upage uintptr, writable bool) (*Entry, error) {
	return t.insertBase(upage, Normal, writable)
}

// InsertZero inserts a NotLoaded Zero entry at upage: it loads as a
// zero-filled page (spec §3.7).
func (t *Table) InsertZero(upage uintptr, writable bool) (*Entry, error) {
	return t.insertBase(upage, Zero, writable)
}

// InsertCode inserts a NotLoaded Code entry backed by (file, offset,
// readBytes, zeroBytes): read-only unless writable is explicitly set (spec
// §3.7).
func (t *Table) InsertCode(upage uintptr, file *inode.Handle, offset, readBytes, zeroBytes uint64, writable bool) (*Entry, error) {
	e, err := t.insertBase(upage, Code, writable)
	if err != nil {
		return nil, err
	}
	e.file, e.fileOffset, e.readBytes, e.zeroBytes = file, offset, readBytes, zeroBytes
	return e, nil
}

// InsertMmap inserts a NotLoaded Mmap entry backed by (file, offset,
// readBytes, zeroBytes); always writable (spec §4.H).
func (t *Table) InsertMmap(upage uintptr, file *inode.Handle, offset, readBytes, zeroBytes uint64) (*Entry, error) {
	e, err := t.insertBase(upage, Mmap, true)
	if err != nil {
		return nil, err
	}
	e.file, e.fileOffset, e.readBytes, e.zeroBytes = file, offset, readBytes, zeroBytes
	return e, nil
}

func (t *Table) insertBase(upage uintptr, typ Type, writable bool) (*Entry, error) {
	util.Assert(memlayout.PageAlign(upage), "spt: upage %#x is not page-aligned", upage)
	e := &Entry{table: t, upage: upage, typ: typ, state: NotLoaded, writable: writable, slot: swap.NoSlot}
	if err := t.insert(e); err != nil {
		return nil, err
	}
	return e, nil
}

// allocateFrame is the shared allocate-with-eviction path used by Load and
// Unswap.
func (t *Table) allocateFrame(e *Entry) ([]byte, error) {
	return t.frames.AllocateWithEviction(e, evict)
}

// evict is the callback frame.AllocateWithEviction invokes on whatever
// victim it chooses, which -- because the frame table is a single global
// structure shared by every process's Table -- may belong to a different
// process than the one currently allocating. It is a package-level
// function, not a Table method, so it can dispatch through the victim's
// own owning Table regardless of which Table triggered the eviction; this
// is the resolution to spec §9's "cyclic references" note: the frame table
// holds only the non-owning Entry reference, and the owning Table is
// reached from the entry itself.
func evict(victim frame.Entry) error {
	ve := victim.(*Entry)
	ve.mu.Lock()
	defer ve.mu.Unlock()

	util.Assert(ve.state == Loaded, "spt: eviction victim %#x is not Loaded", ve.upage)

	if ve.typ == Mmap {
		if ve.dirtyOverride || ve.mappingDirty {
			if _, err := ve.table.inodes.WriteAt(ve.file, ve.kpage[:ve.readBytes], ve.fileOffset); err != nil {
				return err
			}
		}
		ve.table.frames.Uninstall(ve)
		ve.table.frames.Free(ve)
		ve.kpage = nil
		ve.state = NotLoaded
		return nil
	}

	slot := ve.table.swap.Install(ve.kpage)
	ve.table.frames.Uninstall(ve)
	ve.table.frames.Free(ve)
	ve.slot = slot
	ve.kpage = nil
	ve.state = Swapped
	ve.mappingDirty = false
	return nil
}

// Load implements the NotLoaded->Loaded transition of spec §4.G.2 for
// every type: allocate a frame (evicting if necessary), fill its contents
// per type, and install it into the frame set.
func (t *Table) Load(e *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	util.Assert(e.state == NotLoaded, "spt: Load on entry in state %s", e.state)

	kpage, err := t.allocateFrame(e)
	if err != nil {
		return err
	}

	switch e.typ {
	case Normal, Zero:
		// make() already zero-fills; Normal pages start zeroed the same
		// as Zero ones and are distinguished only by not being backed by
		// a stack-growth heuristic default.
	case Code, Mmap:
		if e.readBytes > 0 {
			if _, err := t.inodes.ReadAt(e.file, kpage[:e.readBytes], e.fileOffset); err != nil {
				t.frames.Free(e)
				return err
			}
		}
		for i := e.readBytes; i < uint64(len(kpage)); i++ {
			kpage[i] = 0
		}
	}

	t.frames.Install(e, kpage)
	e.kpage = kpage
	e.state = Loaded
	e.accessed = false
	e.mappingDirty = false
	return nil
}

// Unload implements the Loaded->NotLoaded transition: write back if Mmap
// and dirty, then uninstall and free the frame.
func (t *Table) Unload(e *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	util.Assert(e.state == Loaded, "spt: Unload on entry in state %s", e.state)

	if e.typ == Mmap && (e.dirtyOverride || e.mappingDirty) {
		if _, err := t.inodes.WriteAt(e.file, e.kpage[:e.readBytes], e.fileOffset); err != nil {
			return err
		}
	}
	t.frames.Uninstall(e)
	t.frames.Free(e)
	e.kpage = nil
	e.state = NotLoaded
	return nil
}

// SwapOut implements the Loaded->Swapped transition: not valid for Mmap or
// pinned entries (spec §3.7, §4.G.2).
func (t *Table) SwapOut(e *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	util.Assert(e.state == Loaded, "spt: SwapOut on entry in state %s", e.state)
	if e.typ == Mmap {
		return ErrWrongType
	}
	if e.pinned {
		return errors.New("spt: cannot swap a pinned entry")
	}

	slot := t.swap.Install(e.kpage)
	t.frames.Uninstall(e)
	t.frames.Free(e)
	e.slot = slot
	e.kpage = nil
	e.state = Swapped
	e.mappingDirty = false
	return nil
}

// Unswap implements the Swapped->Loaded transition: not valid for Mmap
// (spec §3.7 says Mmap entries never reach Swapped in the first place).
func (t *Table) Unswap(e *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	util.Assert(e.state == Swapped, "spt: Unswap on entry in state %s", e.state)
	if e.typ == Mmap {
		return ErrWrongType
	}

	kpage, err := t.allocateFrame(e)
	if err != nil {
		return err
	}
	slot := e.slot
	if err := t.swap.Uninstall(slot, kpage); err != nil {
		t.frames.Free(e)
		return err
	}
	t.frames.Install(e, kpage)
	e.kpage = kpage
	e.slot = swap.NoSlot
	e.state = Loaded
	e.accessed = false
	return nil
}

// Destroy implements the any->gone transition of spec §4.G.2: unload if
// Loaded, release the swap slot if Swapped, then drop the entry.
func (t *Table) Destroy(e *Entry) error {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	switch state {
	case Loaded:
		if err := t.Unload(e); err != nil {
			return err
		}
	case Swapped:
		e.mu.Lock()
		slot := e.slot
		e.mu.Unlock()
		if err := t.swap.Remove(slot); err != nil {
			return err
		}
	}

	t.mu.Lock()
	delete(t.pages, e.upage)
	t.mu.Unlock()
	return nil
}

// stackGrowthSlack is the maximum distance below the stack pointer a fault
// may occur at and still be treated as a stack-growth request, matching
// the reference kernel's tolerance for a PUSHA instruction faulting 32
// bytes below the pointer it is about to use.
const stackGrowthSlack = 32

func (t *Table) isStackGrowth(faultAddr, esp uintptr) bool {
	if faultAddr+stackGrowthSlack < esp {
		return false
	}
	if faultAddr < t.stackLimit {
		return false
	}
	return faultAddr < memlayout.StackTop
}

// HandleFault implements spec §4.G.3's page-fault handler. faultAddr may be
// any user address; HandleFault rounds it down to its page before using it
// as a key. esp is the user stack pointer at fault time, used only for the
// stack-growth heuristic. pin is spec §4.G's "pinning hint (from syscall
// boundary)": when true and the fault is satisfied, the entry is pinned
// before HandleFault returns, so the caller (e.g. a syscall about to copy
// through the freshly faulted-in page) can rely on it staying resident
// without a separate Pin() call racing the frame table's eviction scan.
// The caller is responsible for a matching Unpin() once done with the page.
// It returns true if the fault was satisfied.
func (t *Table) HandleFault(faultAddr, esp uintptr, pin bool) bool {
	if !memlayout.IsUserAddress(faultAddr) {
		return false
	}
	upage := memlayout.PageRound(faultAddr)

	e, ok := t.Lookup(upage)
	if !ok {
		if !t.isStackGrowth(faultAddr, esp) {
			return false
		}
		var err error
		e, err = t.InsertZero(upage, true)
		if err != nil {
			return false
		}
	}

	switch e.State() {
	case NotLoaded:
		if err := t.Load(e); err != nil {
			return false
		}
	case Swapped:
		if err := t.Unswap(e); err != nil {
			return false
		}
	default:
		// Already resident: not a page fault this handler should have
		// been asked to service.
		return false
	}

	if pin {
		e.Pin()
	}
	return true
}

// Teardown implements spec §4.G.5: walk every entry, write back Mmap-dirty
// pages, release swap slots, remove Loaded pages from the frame set, and
// free each entry. Ported from supp_remove_all's hash_clear pass.
func (t *Table) Teardown() {
	t.mu.Lock()
	entries := make([]*Entry, 0, len(t.pages))
	for _, e := range t.pages {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	for _, e := range entries {
		if err := t.Destroy(e); err != nil {
			util.DPrintf(0, "spt: Teardown: destroying %#x failed: %v\n", e.upage, err)
		}
	}
}

// Len reports the number of live entries, for tests and metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pages)
}
