// Package frame implements the global frame table (spec §3.8, §4.F): the
// set of currently-resident user frames, allocation with clock (or random)
// eviction, and install/uninstall of the owning process's mapping.
//
// It is grounded on the original kernel's vm/frame.c: frame_table as a
// list of owning supp_entry pointers guarded by one frame_lock,
// frame_choose_victim_second_chance's pop-front/inspect/push-back scan, and
// frame_choose_victim_random's fallback. The pintos list is replaced with a
// slice plus a lookup map so Uninstall/Free are O(1) instead of a linear
// scan -- the exact hash-indexed secondary structure spec §9's open
// question anticipates.
//
// The frame table never imports the spt package: an SPT entry is admitted
// as an Entry through the small interface below, so frame and spt can
// refer to each other's data without a package cycle (spec §9, "cyclic
// references (SPT entry <-> frame table)").
package frame

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/pintosgo/kernel/memlayout"
	"github.com/pintosgo/kernel/util"
)

// Entry is the subset of an SPT entry's behavior the frame table needs in
// order to run eviction: whether it may be selected as a victim, and the
// clock algorithm's accessed-bit sensing. It is implemented by *spt.Entry.
type Entry interface {
	Pinned() bool
	Accessed() bool
	ClearAccessed()
}

// ErrExhausted is returned by AllocateWithEviction when every resident
// frame is pinned and no victim can be chosen -- spec §8: "implementations
// must ensure they never enter this state (pinning is always transient)."
var ErrExhausted = errors.New("frame: no evictable frame (table fully pinned)")

type slot struct {
	owner    Entry
	kpage    []byte
	evicting bool
}

// Table is the global frame table. One Table is shared by every process in
// the kernel; per spec §5 it is a module-scoped singleton reached only
// through this API, which hides its lock.
type Table struct {
	mu       sync.Mutex
	capacity int
	used     int
	slots    []*slot
	lookup   map[Entry]int
	hand     int
	picker   Picker
}

// New creates a frame table with room for capacity resident pages, using
// picker to choose eviction victims (Clock() if picker is nil).
func New(capacity int, picker Picker) *Table {
	if picker == nil {
		picker = Clock()
	}
	return &Table{
		capacity: capacity,
		picker:   picker,
		lookup:   make(map[Entry]int),
	}
}

// Capacity reports the frame table's fixed size, in pages.
func (t *Table) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacity
}

// Len reports the number of frames currently installed (member of the
// eviction pool), not merely reserved.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Allocate reserves one page of frame-pool capacity for owner and returns a
// freshly zeroed kernel page. It returns ok=false, per spec §4.F, if the
// pool is exhausted; the caller is not yet a member of the frame set -- it
// must call Install once the page's contents are ready.
func (t *Table) Allocate(owner Entry) (kpage []byte, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.used >= t.capacity {
		return nil, false
	}
	t.used++
	return make([]byte, memlayout.PageSize), true
}

// AllocateWithEviction implements spec §4.F's allocate_with_eviction: retry
// Allocate, evicting a victim through evict on failure, until it succeeds
// or the table is fully pinned (ErrExhausted; a condition the caller must
// never actually reach). evict is responsible for performing the
// type-specific write-back/swap dance and then calling Uninstall and Free
// on the victim -- see spt.evict for the dispatch site.
func (t *Table) AllocateWithEviction(owner Entry, evict func(victim Entry) error) ([]byte, error) {
	for {
		if kpage, ok := t.Allocate(owner); ok {
			return kpage, nil
		}
		victim, ok := t.pickVictim()
		if !ok {
			return nil, ErrExhausted
		}
		if err := evict(victim); err != nil {
			return nil, err
		}
	}
}

// pickVictim runs the configured Picker under the frame lock and marks the
// chosen slot as evicting so a second, concurrent eviction search can't
// pick it again while its write-back/swap-out runs unlocked.
func (t *Table) pickVictim() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.picker.pick(t)
	if idx < 0 {
		return nil, false
	}
	t.slots[idx].evicting = true
	return t.slots[idx].owner, true
}

// Install records kpage as owner's resident frame and makes it visible to
// eviction, mirroring frame_install: "record frame in the owning process's
// page mapping ... and register in the global frame set." The page-mapping
// half is the owning spt.Entry's own state (state==Loaded); this call is
// the frame-set half.
func (t *Table) Install(owner Entry, kpage []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.lookup[owner]; exists {
		panic("frame: Install called twice for the same entry")
	}
	t.slots = append(t.slots, &slot{owner: owner, kpage: kpage})
	t.lookup[owner] = len(t.slots) - 1
}

// Uninstall removes owner from the frame set, the inverse of Install. It is
// a no-op if owner is not currently installed.
func (t *Table) Uninstall(owner Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.lookup[owner]
	if !ok {
		return
	}
	delete(t.lookup, owner)
	last := len(t.slots) - 1
	if idx != last {
		t.slots[idx] = t.slots[last]
		t.lookup[t.slots[idx].owner] = idx
	}
	t.slots[last] = nil
	t.slots = t.slots[:last]
	if t.hand > last {
		t.hand = 0
	}
}

// Free returns owner's reserved frame-pool capacity, the inverse of
// Allocate. Call after Uninstall (or instead of Install, if the page was
// never installed).
func (t *Table) Free(owner Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	util.Assert(t.used > 0, "frame: Free with no outstanding allocation")
	t.used--
}

// Contains reports whether owner currently holds an installed frame,
// exercised by tests asserting spec §8 invariant 1.
func (t *Table) Contains(owner Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lookup[owner]
	return ok
}

// Picker selects an eviction victim among a Table's installed slots.
type Picker interface {
	pick(t *Table) int
}

type clockPicker struct{}

// Clock is the default eviction policy (spec §4.F): a circular
// second-chance scan that clears accessed bits before finally choosing a
// victim, ported from frame_choose_victim_second_chance.
func Clock() Picker { return clockPicker{} }

func (clockPicker) pick(t *Table) int {
	n := len(t.slots)
	if n == 0 {
		return -1
	}
	for steps := 0; steps < 2*n; steps++ {
		idx := t.hand
		t.hand = (t.hand + 1) % n
		s := t.slots[idx]
		if s.evicting {
			continue
		}
		if s.owner.Pinned() {
			continue
		}
		if s.owner.Accessed() {
			s.owner.ClearAccessed()
			continue
		}
		return idx
	}
	return -1
}

type randomPicker struct {
	rnd *rand.Rand
}

// Random is the simpler fallback picker named in spec §4.F ("also defined
// as a simpler fallback for testing"), ported from
// frame_choose_victim_random: pick a uniformly random starting slot, then
// scan forward for the first unpinned one.
func Random(seed int64) Picker {
	return &randomPicker{rnd: rand.New(rand.NewSource(seed))}
}

func (p *randomPicker) pick(t *Table) int {
	n := len(t.slots)
	if n == 0 {
		return -1
	}
	start := p.rnd.Intn(n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := t.slots[idx]
		if !s.evicting && !s.owner.Pinned() {
			return idx
		}
	}
	return -1
}
