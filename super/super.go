// Package super lays out the filesystem on the block device and owns the
// free-sector bitmap (spec §6: "a single bitmap inode at a known root
// sector; one bit per sector"). It is grounded on the teacher's FsSuper,
// which computed a similar fixed layout (log area, block bitmap, inode
// bitmap, inode table, data) from the device size; this version drops the
// log area (no journaling, per spec Non-goals) and the inode/block bitmap
// split, since this filesystem allocates inodes and data extents from the
// very same sector pool.
package super

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pintosgo/kernel/bcache"
	"github.com/pintosgo/kernel/util"
)

// BootSector is reserved for a future boot record; it is never allocated.
const BootSector = 0

// Super describes where on disk the free-sector bitmap and the root
// directory inode live, and owns the in-memory mirror of the bitmap.
type Super struct {
	mu sync.Mutex // protects only the in-memory bitmap and its on-disk mirror

	// fsMu is the coarse-grained filesystem-wide mutex spec §5's resource
	// table calls for: it serializes "Inode open-list" and "Free sector
	// map" mutation across all of Create/CreateDir/Remove, distinct from
	// mu so that a directory operation can hold it across an AllocSector/
	// FreeSector call (which independently takes mu for the bitmap) without
	// self-deadlocking on a non-reentrant mutex.
	fsMu sync.Mutex

	bc           *bcache.Cache
	totalSectors uint64

	bitmapStart   uint64
	bitmapSectors uint64
	rootDirSector uint64

	free []bool // true = free; mirrors the on-disk bitmap
}

const bitsPerSector = 512 * 8

// New computes the on-disk layout for a device of totalSectors sectors and
// loads (or, if fresh is true, initializes) the free-sector bitmap. A fresh
// layout also gets an empty root directory inode at RootDirSector.
func New(bc *bcache.Cache, totalSectors uint64, fresh bool) (*Super, error) {
	bitmapSectors := util.RoundDiv(totalSectors, bitsPerSector)
	s := &Super{
		bc:            bc,
		totalSectors:  totalSectors,
		bitmapStart:   BootSector + 1,
		bitmapSectors: bitmapSectors,
		free:          make([]bool, totalSectors),
	}
	s.rootDirSector = s.bitmapStart + s.bitmapSectors

	if fresh {
		for i := range s.free {
			s.free[i] = true
		}
		// The boot sector, the bitmap itself, and the root directory
		// inode are never handed out by AllocSector.
		for sec := uint64(0); sec < s.rootDirSector+1; sec++ {
			s.free[sec] = false
		}
		if err := s.writeBitmap(); err != nil {
			return nil, err
		}
		// Format the root directory as an empty directory inode in the
		// on-disk inode layout: length 0, depth 0, is_dir 1, no blocks, and
		// the inode magic ("INOD") in the sector's last word.
		root := make([]byte, 512)
		binary.LittleEndian.PutUint32(root[8:12], 1)
		binary.LittleEndian.PutUint32(root[508:512], 0x494e4f44)
		if err := bc.WriteSector(s.rootDirSector, root); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := s.readBitmap(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Super) RootDirSector() uint64 { return s.rootDirSector }
func (s *Super) TotalSectors() uint64  { return s.totalSectors }

// AllocSector claims and returns the lowest-numbered free sector, or false
// if the device is full. Out-of-disk is a propagated failure, not a panic
// (spec §7: "out of disk" propagates as operation failure).
func (s *Super) AllocSector() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, free := range s.free {
		if free {
			s.free[i] = false
			if err := s.writeBitmap(); err != nil {
				s.free[i] = true
				util.DPrintf(0, "super: AllocSector bitmap write failed: %v\n", err)
				return 0, false
			}
			return uint64(i), true
		}
	}
	return 0, false
}

// FreeSector returns sector to the pool.
func (s *Super) FreeSector(sector uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sector >= s.totalSectors {
		panic(fmt.Sprintf("super: FreeSector %d out of range", sector))
	}
	if s.free[sector] {
		panic(fmt.Sprintf("super: double free of sector %d", sector))
	}
	s.free[sector] = true
	if err := s.writeBitmap(); err != nil {
		util.DPrintf(0, "super: FreeSector bitmap write failed: %v\n", err)
	}
}

// Lock/Unlock expose the single filesystem-wide mutex that serializes
// mutating directory/inode operations (spec §5): callers hold it across an
// entire multi-step mutation (duplicate-name check, inode allocate,
// directory-entry write, rollback-on-failure), not just the bitmap update
// that AllocSector/FreeSector already serialize on their own.
func (s *Super) Lock()   { s.fsMu.Lock() }
func (s *Super) Unlock() { s.fsMu.Unlock() }

func (s *Super) writeBitmap() error {
	buf := make([]byte, 512)
	for sec := uint64(0); sec < s.bitmapSectors; sec++ {
		for b := range buf {
			buf[b] = 0
		}
		for bit := 0; bit < bitsPerSector; bit++ {
			idx := sec*bitsPerSector + uint64(bit)
			if idx >= s.totalSectors {
				break
			}
			if !s.free[idx] {
				buf[bit/8] |= 1 << uint(bit%8)
			}
		}
		if err := s.bc.WriteSector(s.bitmapStart+sec, buf); err != nil {
			return err
		}
	}
	return nil
}

func (s *Super) readBitmap() error {
	buf := make([]byte, 512)
	for sec := uint64(0); sec < s.bitmapSectors; sec++ {
		if err := s.bc.ReadSector(s.bitmapStart+sec, buf); err != nil {
			return err
		}
		for bit := 0; bit < bitsPerSector; bit++ {
			idx := sec*bitsPerSector + uint64(bit)
			if idx >= s.totalSectors {
				break
			}
			used := buf[bit/8]&(1<<uint(bit%8)) != 0
			s.free[idx] = !used
		}
	}
	return nil
}
