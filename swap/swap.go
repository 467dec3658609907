// Package swap implements the swap area (spec §3.2, §4.C): a flat array of
// page-sized slots over a raw block region, with free/used status tracked
// in an in-memory bitmap only -- swap contents never need to survive a
// restart (spec §6). It is grounded on the same bitmap-over-blocks idea as
// the teacher's free-space allocator, but indexes whole pages instead of
// single sectors and has no on-disk metadata at all.
package swap

import (
	"fmt"
	"log"
	"sync"

	"github.com/pintosgo/kernel/blockdev"
	"github.com/pintosgo/kernel/memlayout"
	"github.com/pintosgo/kernel/util"
)

// Slot identifies one page-sized region of the swap device.
type Slot uint64

const NoSlot Slot = ^Slot(0)

// Swap manages the free-slot bitmap over a block device dedicated to swap.
type Swap struct {
	mu     sync.Mutex
	dev    blockdev.Device
	used   []bool
	nslots uint64
}

// New creates a Swap area over dev, which must hold an exact multiple of
// memlayout.PageSectorCount sectors.
func New(dev blockdev.Device) *Swap {
	n := dev.SectorCount() / memlayout.PageSectorCount
	return &Swap{
		dev:    dev,
		used:   make([]bool, n),
		nslots: n,
	}
}

func (s *Swap) SlotCount() uint64 { return s.nslots }

// Install writes page (exactly memlayout.PageSize bytes) into a freshly
// claimed slot and returns it. Running out of swap is an unrecoverable
// resource-exhaustion error per spec §7 ("out of swap is fatal"): there is
// no path for the caller to keep running with a dirty page it cannot park
// anywhere.
func (s *Swap) Install(page []byte) Slot {
	if len(page) != memlayout.PageSize {
		panic(fmt.Sprintf("swap: page is %d bytes, want %d", len(page), memlayout.PageSize))
	}

	s.mu.Lock()
	slot := Slot(NoSlot)
	for i, used := range s.used {
		if !used {
			s.used[i] = true
			slot = Slot(i)
			break
		}
	}
	s.mu.Unlock()

	if slot == NoSlot {
		log.Panicf("swap: out of swap space (%d slots all in use)", s.nslots)
	}

	base := uint64(slot) * memlayout.PageSectorCount
	for i := uint64(0); i < memlayout.PageSectorCount; i++ {
		off := i * blockdev.SectorSize
		if err := s.dev.WriteSector(base+i, page[off:off+blockdev.SectorSize]); err != nil {
			log.Panicf("swap: write to slot %d failed: %v", slot, err)
		}
	}
	util.DPrintf(2, "swap: installed slot %d\n", slot)
	return slot
}

// Uninstall reads slot's contents into page and frees the slot.
func (s *Swap) Uninstall(slot Slot, page []byte) error {
	if len(page) != memlayout.PageSize {
		return fmt.Errorf("swap: page buffer is %d bytes, want %d", len(page), memlayout.PageSize)
	}
	if !s.slotInUse(slot) {
		return fmt.Errorf("swap: slot %d is not in use", slot)
	}

	base := uint64(slot) * memlayout.PageSectorCount
	for i := uint64(0); i < memlayout.PageSectorCount; i++ {
		off := i * blockdev.SectorSize
		if err := s.dev.ReadSector(base+i, page[off:off+blockdev.SectorSize]); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.used[slot] = false
	s.mu.Unlock()
	util.DPrintf(2, "swap: uninstalled slot %d\n", slot)
	return nil
}

// Remove frees slot without reading it back, used during process teardown
// when the swapped page's contents are no longer wanted.
func (s *Swap) Remove(slot Slot) error {
	if !s.slotInUse(slot) {
		return fmt.Errorf("swap: slot %d is not in use", slot)
	}
	s.mu.Lock()
	s.used[slot] = false
	s.mu.Unlock()
	return nil
}

func (s *Swap) slotInUse(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(slot) < s.nslots && s.used[slot]
}
