// Package inode implements the in-memory inode store (spec §3.5, §4.D):
// open/close with reference counting over handles.go's handleTable,
// recursive-descent read/write over the depth-growing tree described in
// disk.go, and depth/length growth on demand. It is grounded on the
// teacher's inode package, which walked a similar (if shallower, two-level
// fixed) indirect-block tree via bmap/indbmap and tracked open_cnt/removed
// exactly as spec §3.5 requires; the descent here generalizes that to the
// uniform N^(d+1) tree and threads every disk access through the block
// cache (spec §2: "D depends on B").
package inode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pintosgo/kernel/bcache"
	"github.com/pintosgo/kernel/blockdev"
	"github.com/pintosgo/kernel/super"
	"github.com/pintosgo/kernel/util"
)

const sectorSize = blockdev.SectorSize

// ErrNoSpace is returned when the free-sector pool is exhausted while
// growing a tree. Per spec §7 this is a propagated failure, not a panic
// ("out of disk" propagates as operation failure).
var ErrNoSpace = errors.New("inode: out of disk space")

// ErrBadMagic is returned when a sector does not hold a valid on-disk
// inode.
var ErrBadMagic = errors.New("inode: bad magic number")

// Handle is the in-memory inode handle of spec §3.5: a cached copy of the
// disk inode plus open/deny-write bookkeeping. At most one Handle exists
// per disk sector at a time, enforced by routing every Open through the
// Store's handleTable keyed by sector.
type Handle struct {
	mu        sync.Mutex
	store     *Store
	sector    uint64
	disk      DiskInode
	openCount int
	denyWrite int
	removed   bool
}

func (h *Handle) Sector() uint64 { return h.sector }
func (h *Handle) IsDir() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disk.IsDirectory()
}
func (h *Handle) Length() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint64(h.disk.Length)
}
func (h *Handle) Removed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removed
}

// DenyWrite increments the deny-write count, maintaining the invariant
// deny_write_cnt <= open_cnt (spec §3.5, §4.D.6).
func (h *Handle) DenyWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denyWrite++
	util.Assert(h.denyWrite <= h.openCount, "inode: deny_write_cnt %d > open_cnt %d", h.denyWrite, h.openCount)
}

// AllowWrite reverses a prior DenyWrite.
func (h *Handle) AllowWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	util.Assert(h.denyWrite > 0, "inode: AllowWrite with no outstanding deny")
	h.denyWrite--
}

func (h *Handle) writesDenied() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.denyWrite > 0
}

// Store is the process-wide (module-scoped) collection of open inode
// handles, backed by a block cache and the free-sector allocator. Per the
// design notes' "global mutable state" strategy, it is a singleton created
// once and handed to every caller that needs inode access.
type Store struct {
	bc      *bcache.Cache
	super   *super.Super
	handles *handleTable
}

// New creates a Store with room for cacheSize concurrently open handles.
func New(bc *bcache.Cache, sup *super.Super, cacheSize uint64) *Store {
	return &Store{bc: bc, super: sup, handles: newHandleTable(cacheSize)}
}

func (s *Store) readSector(sector uint64) (*DiskInode, error) {
	buf := make([]byte, sectorSize)
	if err := s.bc.ReadSector(sector, buf); err != nil {
		return nil, err
	}
	d := DecodeDisk(buf)
	if d.Magic != Magic {
		return nil, fmt.Errorf("%w: sector %d", ErrBadMagic, sector)
	}
	return d, nil
}

func (s *Store) writeSector(sector uint64, d *DiskInode) error {
	return s.bc.WriteSector(sector, d.Encode())
}

// CreateInode allocates a fresh sector, initializes an empty inode of the
// given kind on it, and returns an opened Handle with open_count 1.
func (s *Store) CreateInode(isDir bool) (*Handle, error) {
	sector, ok := s.super.AllocSector()
	if !ok {
		return nil, ErrNoSpace
	}
	d := &DiskInode{Length: 0, Depth: 0, IsDir: boolToWord(isDir), Magic: Magic}
	if err := s.writeSector(sector, d); err != nil {
		s.super.FreeSector(sector)
		return nil, err
	}
	return s.Open(sector)
}

// Open returns the Handle for sector, loading it from disk on first
// reference. Per spec §3.5, concurrent Opens of the same sector share one
// Handle and bump its open_count.
func (s *Store) Open(sector uint64) (*Handle, error) {
	slot := s.handles.acquire(sector)
	if slot == nil {
		return nil, errors.New("inode: handle cache exhausted")
	}
	slot.mu.Lock()
	if slot.h == nil {
		d, err := s.readSector(sector)
		if err != nil {
			slot.mu.Unlock()
			s.handles.release(sector)
			return nil, err
		}
		slot.h = &Handle{store: s, sector: sector, disk: *d}
	}
	h := slot.h
	slot.mu.Unlock()

	h.mu.Lock()
	h.openCount++
	h.mu.Unlock()
	return h, nil
}

// Close drops one reference to h. When the last reference closes a handle
// marked Removed, the whole tree (data sectors innermost-first, then the
// inode sector itself) is released back to the free-sector pool, per spec
// §3.5 and §4.D.5.
func (s *Store) Close(h *Handle) error {
	h.mu.Lock()
	h.openCount--
	util.Assert(h.openCount >= 0, "inode: Close with no outstanding reference")
	shouldFree := h.removed && h.openCount == 0
	disk := h.disk
	sector := h.sector
	h.mu.Unlock()

	if shouldFree {
		s.freeTree(&disk)
		s.super.FreeSector(sector)
	}
	s.handles.release(h.sector)
	return nil
}

// Remove marks h for deletion; the data is released when the last opener
// closes it (spec §3.5, §4.D.5).
func (h *Handle) Remove() {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
}

// ReadAt copies up to len(buf) bytes starting at offset into buf. It
// returns the number of bytes actually copied; n < len(buf) signals
// end-of-file (spec §4.D.1).
func (s *Store) ReadAt(h *Handle, buf []byte, offset uint64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	length := uint64(h.disk.Length)
	if offset >= length {
		return 0, nil
	}
	n := uint64(len(buf))
	if offset+n > length {
		n = length - offset
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.readData(&h.disk, buf[:n], offset); err != nil {
		return 0, err
	}
	return int(n), nil
}

// readData copies exactly len(buf) bytes from disk's tree at offset; the
// caller guarantees offset+len(buf) <= disk.Length.
func (s *Store) readData(disk *DiskInode, buf []byte, offset uint64) error {
	if disk.Depth == 0 {
		pos := offset
		out := buf
		for len(out) > 0 {
			sectorIdx := pos / sectorSize
			sectorOff := int(pos % sectorSize)
			n := sectorSize - sectorOff
			if n > len(out) {
				n = len(out)
			}
			if err := s.bc.ReadBytes(uint64(disk.Blocks[sectorIdx]), out[:n], sectorOff, n); err != nil {
				return err
			}
			out = out[n:]
			pos += uint64(n)
		}
		return nil
	}

	span := blockSpan(disk.Depth)
	pos := offset
	out := buf
	for len(out) > 0 {
		blockIndex := pos / span
		blockOff := pos % span
		n := span - blockOff
		if uint64(len(out)) < n {
			n = uint64(len(out))
		}
		sub, err := s.readSector(uint64(disk.Blocks[blockIndex]))
		if err != nil {
			return err
		}
		if err := s.readData(sub, out[:n], blockOff); err != nil {
			return err
		}
		out = out[n:]
		pos += n
	}
	return nil
}

// WriteAt writes len(buf) bytes at offset, growing depth and length as
// needed per spec §4.D.2. Returns the number of bytes written.
func (s *Store) WriteAt(h *Handle, buf []byte, offset uint64) (int, error) {
	if h.writesDenied() {
		return 0, errors.New("inode: writes denied")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	size := uint64(len(buf))
	if util.SumOverflows(offset, size) {
		return 0, errors.New("inode: offset+size overflows")
	}
	need := offset + size
	if need > MaxFileSize() {
		return 0, errors.New("inode: exceeds maximum inode size")
	}

	reqDepth := requiredDepth(need)
	if reqDepth > h.disk.Depth {
		if err := s.growDepth(&h.disk, h.sector, reqDepth); err != nil {
			return 0, err
		}
	}
	if offset > uint64(h.disk.Length) {
		if err := s.growLength(&h.disk, offset, true); err != nil {
			return 0, err
		}
	}
	if need > uint64(h.disk.Length) {
		if err := s.growLength(&h.disk, need, false); err != nil {
			return 0, err
		}
	}
	if size > 0 {
		if err := s.writeData(&h.disk, buf, offset); err != nil {
			return 0, err
		}
	}
	if err := s.writeSector(h.sector, &h.disk); err != nil {
		return 0, err
	}
	return int(size), nil
}

func (s *Store) writeData(disk *DiskInode, buf []byte, offset uint64) error {
	if disk.Depth == 0 {
		pos := offset
		in := buf
		for len(in) > 0 {
			sectorIdx := pos / sectorSize
			sectorOff := int(pos % sectorSize)
			n := sectorSize - sectorOff
			if n > len(in) {
				n = len(in)
			}
			if err := s.bc.WriteBytes(uint64(disk.Blocks[sectorIdx]), in[:n], sectorOff, n); err != nil {
				return err
			}
			in = in[n:]
			pos += uint64(n)
		}
		return nil
	}

	span := blockSpan(disk.Depth)
	pos := offset
	in := buf
	for len(in) > 0 {
		blockIndex := pos / span
		blockOff := pos % span
		n := span - blockOff
		if uint64(len(in)) < n {
			n = uint64(len(in))
		}
		sub, err := s.readSector(uint64(disk.Blocks[blockIndex]))
		if err != nil {
			return err
		}
		if err := s.writeData(sub, in[:n], blockOff); err != nil {
			return err
		}
		if err := s.writeSector(uint64(disk.Blocks[blockIndex]), sub); err != nil {
			return err
		}
		in = in[n:]
		pos += n
	}
	return nil
}

// growDepth implements spec §4.D.3: repeatedly push the current tree down
// one level until it reaches want. Each iteration fully commits before the
// next, so a failure partway through leaves a consistent, increased-depth
// tree the caller may retry.
func (s *Store) growDepth(disk *DiskInode, sector uint64, want uint32) error {
	for disk.Depth < want {
		child, ok := s.super.AllocSector()
		if !ok {
			return ErrNoSpace
		}
		if err := s.writeSector(child, disk); err != nil {
			s.super.FreeSector(child)
			return err
		}
		next := DiskInode{Length: disk.Length, Depth: disk.Depth + 1, IsDir: disk.IsDir, Magic: Magic}
		next.Blocks[0] = uint32(child)
		if err := s.writeSector(sector, &next); err != nil {
			return err
		}
		*disk = next
	}
	return nil
}

// growLength implements spec §4.D.4: extend disk's length to newLen,
// allocating one sector per newly-touched block and, below the leaf level,
// recursively initializing and extending a fresh sub-inode for it.
func (s *Store) growLength(disk *DiskInode, newLen uint64, zero bool) error {
	if disk.Depth == 0 {
		return s.growLengthDirect(disk, newLen, zero)
	}
	if newLen < uint64(disk.Length) {
		return errors.New("inode: growLength to a smaller length")
	}
	if newLen == uint64(disk.Length) {
		return nil
	}

	span := blockSpan(disk.Depth)
	for uint64(disk.Length) != newLen {
		blockIndex := uint64(disk.Length) / span
		blockLen := uint64(disk.Length) % span
		newBlockLen := blockLen + (newLen - uint64(disk.Length))
		if newBlockLen > span {
			newBlockLen = span
		}

		allocatedHere := false
		if blockLen == 0 && disk.Blocks[blockIndex] == 0 {
			// Nothing occupies this slot yet: growDepth only ever fills
			// Blocks[0], so a growDepth immediately preceding this call
			// (spec §4.D.2 step 1) already placed a live child sector here
			// when blockIndex == 0. Only allocate a fresh one when that
			// didn't happen.
			child, ok := s.super.AllocSector()
			if !ok {
				break
			}
			allocatedHere = true
			empty := &DiskInode{Length: 0, Depth: disk.Depth - 1, IsDir: 0, Magic: Magic}
			if err := s.writeSector(child, empty); err != nil {
				s.super.FreeSector(child)
				break
			}
			disk.Blocks[blockIndex] = uint32(child)
		}

		sub, err := s.readSector(uint64(disk.Blocks[blockIndex]))
		if err != nil {
			if allocatedHere {
				s.super.FreeSector(uint64(disk.Blocks[blockIndex]))
			}
			break
		}
		if err := s.growLength(sub, newBlockLen, zero); err != nil {
			if allocatedHere {
				s.super.FreeSector(uint64(disk.Blocks[blockIndex]))
			}
			break
		}
		if err := s.writeSector(uint64(disk.Blocks[blockIndex]), sub); err != nil {
			break
		}

		disk.Length += int32(newBlockLen - blockLen)
		allocatedHere = false
	}

	if uint64(disk.Length) != newLen {
		return ErrNoSpace
	}
	return nil
}

// growLengthDirect implements the depth-0 base case of §4.D.4: one data
// sector per 512-byte increment, optionally zero-filled.
func (s *Store) growLengthDirect(disk *DiskInode, newLen uint64, zero bool) error {
	if newLen < uint64(disk.Length) {
		return errors.New("inode: growLength to a smaller length")
	}
	if newLen == uint64(disk.Length) {
		return nil
	}
	if newLen > NDirect*sectorSize {
		return ErrNoSpace
	}

	oldSectors := (uint64(disk.Length) + sectorSize - 1) / sectorSize
	newSectors := (newLen + sectorSize - 1) / sectorSize

	var zeros [sectorSize]byte
	i := oldSectors
	for ; i < newSectors; i++ {
		sec, ok := s.super.AllocSector()
		if !ok {
			break
		}
		disk.Blocks[i] = uint32(sec)
		if zero {
			if err := s.bc.WriteSector(sec, zeros[:]); err != nil {
				s.super.FreeSector(sec)
				break
			}
		}
	}
	if i != newSectors {
		for j := oldSectors; j < i; j++ {
			s.super.FreeSector(uint64(disk.Blocks[j]))
		}
		return ErrNoSpace
	}
	disk.Length = int32(newLen)
	return nil
}

// freeTree releases every sector disk's tree owns, innermost first (spec
// §4.D.5).
func (s *Store) freeTree(disk *DiskInode) {
	if disk.Depth == 0 {
		n := (uint64(disk.Length) + sectorSize - 1) / sectorSize
		for i := uint64(0); i < n; i++ {
			s.super.FreeSector(uint64(disk.Blocks[i]))
		}
		return
	}
	span := blockSpan(disk.Depth)
	n := (uint64(disk.Length) + span - 1) / span
	for i := uint64(0); i < n; i++ {
		sub, err := s.readSector(uint64(disk.Blocks[i]))
		if err != nil {
			util.DPrintf(0, "inode: freeTree: read %d failed: %v\n", disk.Blocks[i], err)
			continue
		}
		s.freeTree(sub)
		s.super.FreeSector(uint64(disk.Blocks[i]))
	}
}
