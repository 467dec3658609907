package mmap

import (
	"bytes"
	"testing"

	"github.com/pintosgo/kernel/bcache"
	"github.com/pintosgo/kernel/blockdev"
	"github.com/pintosgo/kernel/frame"
	"github.com/pintosgo/kernel/inode"
	"github.com/pintosgo/kernel/memlayout"
	"github.com/pintosgo/kernel/spt"
	"github.com/pintosgo/kernel/super"
	"github.com/pintosgo/kernel/swap"
	"github.com/stretchr/testify/assert"
)

func newStack(t *testing.T, frameCapacity int) (*inode.Store, *spt.Table) {
	t.Helper()
	fsDev := blockdev.NewMemDevice(4096)
	bc := bcache.New(fsDev, 64)
	sup, err := super.New(bc, fsDev.SectorCount(), true)
	assert.NoError(t, err)
	inodes := inode.New(bc, sup, 32)

	swapDev := blockdev.NewMemDevice(memlayout.PageSectorCount * 8)
	sw := swap.New(swapDev)
	frames := frame.New(frameCapacity, frame.Clock())
	spts := spt.New(frames, sw, inodes, memlayout.StackTop, memlayout.MaxStackSize)
	return inodes, spts
}

func TestCreateInsertsOnePagePerFilePage(t *testing.T) {
	inodes, spts := newStack(t, 8)

	ih, err := inodes.CreateInode(false)
	assert.NoError(t, err)
	content := bytes.Repeat([]byte{0x5}, memlayout.PageSize+100)
	_, err = inodes.WriteAt(ih, content, 0)
	assert.NoError(t, err)

	m, err := Create(inodes, spts, ih, 0x40000000)
	assert.NoError(t, err)
	assert.Equal(t, 2, m.PageCount())
}

func TestCreateOfEmptyFileInsertsNoPages(t *testing.T) {
	inodes, spts := newStack(t, 8)

	ih, err := inodes.CreateInode(false)
	assert.NoError(t, err)

	m, err := Create(inodes, spts, ih, 0x40000000)
	assert.NoError(t, err)
	assert.Equal(t, 0, m.PageCount(), "page_cnt = ceil(length/page_size) is 0 for an empty file, no forced minimum of one page")
}

func TestCreateRejectsUnalignedAddress(t *testing.T) {
	inodes, spts := newStack(t, 8)
	ih, err := inodes.CreateInode(false)
	assert.NoError(t, err)

	_, err = Create(inodes, spts, ih, 0x40000001)
	assert.ErrorIs(t, err, ErrNotAligned)
}

func TestWriteThroughMappingWritesBackOnDestroy(t *testing.T) {
	inodes, spts := newStack(t, 8)
	ih, err := inodes.CreateInode(false)
	assert.NoError(t, err)
	_, err = inodes.WriteAt(ih, make([]byte, memlayout.PageSize), 0)
	assert.NoError(t, err)

	m, err := Create(inodes, spts, ih, 0x40000000)
	assert.NoError(t, err)
	assert.NoError(t, spts.Load(m.pages[0]))

	copy(m.pages[0].Data(), bytes.Repeat([]byte{0xab}, memlayout.PageSize))
	m.pages[0].Touch(true)

	assert.NoError(t, m.Destroy(spts))

	back := make([]byte, memlayout.PageSize)
	_, err = inodes.ReadAt(ih, back, 0)
	assert.NoError(t, err)
	assert.Equal(t, byte(0xab), back[0])
}

func TestOverlappingMappingIsRejectedAndUnwound(t *testing.T) {
	inodes, spts := newStack(t, 8)
	ih, err := inodes.CreateInode(false)
	assert.NoError(t, err)
	_, err = inodes.WriteAt(ih, make([]byte, memlayout.PageSize+1), 0)
	assert.NoError(t, err)

	_, err = spts.InsertZero(0x40000000+memlayout.PageSize, true)
	assert.NoError(t, err)

	before := 1
	assert.Equal(t, before, spts.Len())

	_, err = Create(inodes, spts, ih, 0x40000000)
	assert.Error(t, err)
	// The mapping's first page succeeded and must have been unwound; only
	// the pre-existing zero page remains.
	assert.Equal(t, 1, spts.Len())
}
