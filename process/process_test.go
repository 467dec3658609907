package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pintosgo/kernel/bcache"
	"github.com/pintosgo/kernel/blockdev"
	"github.com/pintosgo/kernel/dir"
	"github.com/pintosgo/kernel/frame"
	"github.com/pintosgo/kernel/inode"
	"github.com/pintosgo/kernel/memlayout"
	"github.com/pintosgo/kernel/mmap"
	"github.com/pintosgo/kernel/spt"
	"github.com/pintosgo/kernel/super"
	"github.com/pintosgo/kernel/swap"
	"github.com/stretchr/testify/assert"
)

// stack builds a small filesystem+VM stack shared by every test process,
// mirroring the harnesses in spt_test.go and mmap_test.go.
type stack struct {
	inodes *inode.Store
	dirs   *dir.Store
	frames *frame.Table
	swap   *swap.Swap
}

func newStack(t *testing.T) *stack {
	t.Helper()
	fsDev := blockdev.NewMemDevice(4096)
	bc := bcache.New(fsDev, 64)
	sup, err := super.New(bc, fsDev.SectorCount(), true)
	assert.NoError(t, err)
	inodes := inode.New(bc, sup, 32)
	dirs := dir.New(inodes, sup)

	swapDev := blockdev.NewMemDevice(memlayout.PageSectorCount * 8)
	return &stack{
		inodes: inodes,
		dirs:   dirs,
		frames: frame.New(8, frame.Clock()),
		swap:   swap.New(swapDev),
	}
}

func (s *stack) newProcess(t *testing.T, pid int, name string) *Process {
	t.Helper()
	root, err := s.dirs.OpenRoot()
	assert.NoError(t, err)
	spts := spt.New(s.frames, s.swap, s.inodes, memlayout.StackTop, memlayout.MaxStackSize)
	return New(pid, name, s.inodes, s.dirs, spts, root)
}

func TestAllocateFDSkipsReservedSlotsAndGrows(t *testing.T) {
	s := newStack(t)
	p := s.newProcess(t, 1, "child")

	ih, err := s.inodes.CreateInode(false)
	assert.NoError(t, err)

	fd1 := p.AllocateFD(ih)
	assert.Equal(t, 2, fd1, "fd 0 and 1 are reserved for stdin/stdout")

	fd2 := p.AllocateFD(ih)
	assert.Equal(t, 3, fd2, "the table must double past its initial reserved-only size")

	got, err := p.GetFD(fd2)
	assert.NoError(t, err)
	assert.Equal(t, ih, got)
}

func TestGetFDRejectsReservedAndUnknown(t *testing.T) {
	s := newStack(t)
	p := s.newProcess(t, 1, "child")

	_, err := p.GetFD(0)
	assert.ErrorIs(t, err, ErrReservedFD)

	_, err = p.GetFD(9)
	assert.ErrorIs(t, err, ErrNoSuchFD)
}

func TestFreeFDClearsSlotWithoutClosing(t *testing.T) {
	s := newStack(t)
	p := s.newProcess(t, 1, "child")
	ih, err := s.inodes.CreateInode(false)
	assert.NoError(t, err)

	fd := p.AllocateFD(ih)
	assert.NoError(t, p.FreeFD(fd))
	_, err = p.GetFD(fd)
	assert.ErrorIs(t, err, ErrNoSuchFD)
}

func TestAllocateMmapIDReusesFreedSlots(t *testing.T) {
	s := newStack(t)
	p := s.newProcess(t, 1, "child")
	ih, err := s.inodes.CreateInode(false)
	assert.NoError(t, err)
	_, err = s.inodes.WriteAt(ih, make([]byte, memlayout.PageSize), 0)
	assert.NoError(t, err)

	m1, err := mmap.Create(s.inodes, p.SPT(), ih, 0x40000000)
	assert.NoError(t, err)
	id1 := p.AllocateMmapID(m1)
	assert.Equal(t, 0, id1)

	assert.NoError(t, p.FreeMmapID(id1))

	m2, err := mmap.Create(s.inodes, p.SPT(), ih, 0x40000000)
	assert.NoError(t, err)
	id2 := p.AllocateMmapID(m2)
	assert.Equal(t, 0, id2, "a freed slot must be reused rather than growing the table")
}

func TestLoadSignalWakesWaiter(t *testing.T) {
	s := newStack(t)
	p := s.newProcess(t, 1, "child")

	var wg sync.WaitGroup
	var ok bool
	var waitErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		ok, waitErr = p.WaitLoaded(context.Background())
	}()

	p.SignalLoaded(true)
	wg.Wait()
	assert.NoError(t, waitErr)
	assert.True(t, ok)
}

func TestExitWithoutParentDoesNotBlock(t *testing.T) {
	s := newStack(t)
	p := s.newProcess(t, 1, "solo")

	done := make(chan struct{})
	go func() {
		assert.NoError(t, p.Exit(7))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Exit blocked with no parent to signal")
	}
	assert.Equal(t, 7, p.ExitCode())
}

func TestParentWaitReceivesChildExitCode(t *testing.T) {
	s := newStack(t)
	parent := s.newProcess(t, 1, "parent")
	child := s.newProcess(t, 2, "child")
	parent.AddChild(child)

	go func() {
		assert.NoError(t, child.Exit(42))
	}()

	code, err := parent.Wait(context.Background(), child)
	assert.NoError(t, err)
	assert.Equal(t, 42, code)
}

func TestExitClosesFDsAndUnmapsMappings(t *testing.T) {
	s := newStack(t)
	p := s.newProcess(t, 1, "child")

	ih, err := s.inodes.CreateInode(false)
	assert.NoError(t, err)
	_, err = s.inodes.WriteAt(ih, make([]byte, memlayout.PageSize), 0)
	assert.NoError(t, err)
	fd := p.AllocateFD(ih)
	assert.NotZero(t, fd)

	mih, err := s.inodes.CreateInode(false)
	assert.NoError(t, err)
	_, err = s.inodes.WriteAt(mih, make([]byte, memlayout.PageSize), 0)
	assert.NoError(t, err)
	m, err := mmap.Create(s.inodes, p.SPT(), mih, 0x40000000)
	assert.NoError(t, err)
	p.AllocateMmapID(m)

	assert.NoError(t, p.Exit(0))
	assert.Equal(t, 0, p.SPT().Len())
}

func TestExitReparentsChildrenToNil(t *testing.T) {
	s := newStack(t)
	grandparent := s.newProcess(t, 1, "grandparent")
	parent := s.newProcess(t, 2, "parent")
	child := s.newProcess(t, 3, "child")
	grandparent.AddChild(parent)
	parent.AddChild(child)

	go func() {
		assert.NoError(t, parent.Exit(0))
	}()
	_, err := grandparent.Wait(context.Background(), parent)
	assert.NoError(t, err)

	child.mu.Lock()
	orphaned := child.parent
	child.mu.Unlock()
	assert.Nil(t, orphaned)
}
