package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeEntry is a minimal frame.Entry for exercising the table in isolation
// from the spt package.
type fakeEntry struct {
	name     string
	pinned   bool
	accessed bool
}

func (f *fakeEntry) Pinned() bool     { return f.pinned }
func (f *fakeEntry) Accessed() bool   { return f.accessed }
func (f *fakeEntry) ClearAccessed()   { f.accessed = false }

func TestAllocateExhaustsCapacity(t *testing.T) {
	tbl := New(2, nil)
	e1, e2, e3 := &fakeEntry{name: "a"}, &fakeEntry{name: "b"}, &fakeEntry{name: "c"}

	_, ok := tbl.Allocate(e1)
	assert.True(t, ok)
	_, ok = tbl.Allocate(e2)
	assert.True(t, ok)
	_, ok = tbl.Allocate(e3)
	assert.False(t, ok, "capacity 2 should reject a third allocation")
}

func TestInstallUninstallMembership(t *testing.T) {
	tbl := New(4, nil)
	e := &fakeEntry{name: "a"}
	kpage, ok := tbl.Allocate(e)
	assert.True(t, ok)

	assert.False(t, tbl.Contains(e))
	tbl.Install(e, kpage)
	assert.True(t, tbl.Contains(e))
	assert.Equal(t, 1, tbl.Len())

	tbl.Uninstall(e)
	assert.False(t, tbl.Contains(e))
	tbl.Free(e)
}

func TestAllocateWithEvictionSkipsPinned(t *testing.T) {
	tbl := New(2, Clock())
	pinnedEntry := &fakeEntry{name: "pinned", pinned: true}
	victimEntry := &fakeEntry{name: "victim", accessed: false}

	for _, e := range []*fakeEntry{pinnedEntry, victimEntry} {
		kpage, ok := tbl.Allocate(e)
		assert.True(t, ok)
		tbl.Install(e, kpage)
	}

	var evicted Entry
	newOwner := &fakeEntry{name: "new"}
	_, err := tbl.AllocateWithEviction(newOwner, func(victim Entry) error {
		evicted = victim
		tbl.Uninstall(victim)
		tbl.Free(victim)
		return nil
	})
	assert.NoError(t, err)
	assert.Same(t, victimEntry, evicted, "pinned entry must never be chosen as a victim")
}

func TestAllocateWithEvictionFullyPinnedFails(t *testing.T) {
	tbl := New(1, Clock())
	pinnedEntry := &fakeEntry{name: "pinned", pinned: true}
	kpage, ok := tbl.Allocate(pinnedEntry)
	assert.True(t, ok)
	tbl.Install(pinnedEntry, kpage)

	_, err := tbl.AllocateWithEviction(&fakeEntry{name: "new"}, func(Entry) error {
		t.Fatal("evict should not be called when no victim exists")
		return nil
	})
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestClockGivesAccessedEntriesASecondChance(t *testing.T) {
	tbl := New(2, Clock())
	first := &fakeEntry{name: "first", accessed: true}
	second := &fakeEntry{name: "second", accessed: false}
	for _, e := range []*fakeEntry{first, second} {
		kpage, ok := tbl.Allocate(e)
		assert.True(t, ok)
		tbl.Install(e, kpage)
	}

	var evicted Entry
	_, err := tbl.AllocateWithEviction(&fakeEntry{name: "new"}, func(victim Entry) error {
		evicted = victim
		tbl.Uninstall(victim)
		tbl.Free(victim)
		return nil
	})
	assert.NoError(t, err)
	assert.Same(t, second, evicted)
	assert.False(t, first.accessed, "clock must clear the accessed bit on the first pass")
}

func TestRandomPickerSkipsPinned(t *testing.T) {
	tbl := New(2, Random(1))
	pinnedEntry := &fakeEntry{name: "pinned", pinned: true}
	victimEntry := &fakeEntry{name: "victim"}
	for _, e := range []*fakeEntry{pinnedEntry, victimEntry} {
		kpage, ok := tbl.Allocate(e)
		assert.True(t, ok)
		tbl.Install(e, kpage)
	}

	victim, ok := tbl.pickVictim()
	assert.True(t, ok)
	assert.Same(t, victimEntry, victim)
}
