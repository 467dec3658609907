// Package inode implements the on-disk inode (spec §3.4) and the
// in-memory inode store (spec §3.5, §4.D): a depth-growing multi-level
// block index, with recursive descent for read/write and lazy growth of
// both depth and length. It is grounded on the teacher's inode package
// (inode/inode.go), which walked a similar indirect-block tree via
// bmap/indbmap; this version generalizes that fixed two-level NFS layout
// into the spec's uniform N^(d+1)-capacity tree, where every indirection
// level reuses the very same one-sector on-disk struct as a sub-inode.
package inode

import (
	"github.com/tchajed/marshal"

	"github.com/pintosgo/kernel/blockdev"
)

// NDirect is N from spec §3.4: chosen so the on-disk inode struct exactly
// fills one 512-byte sector. Four 4-byte scalar fields (length, depth,
// is_dir, magic) leave 496 bytes, i.e. 124 direct pointers.
const NDirect = (blockdev.SectorSize - 4*4) / 4

// Magic identifies a sector as holding a valid on-disk inode ("INOD").
const Magic uint32 = 0x494e4f44

// MaxDepth caps how deep the indirect tree is allowed to grow. The
// reference kernel never needs more than about 3 for the device sizes it
// targets (spec §9 open question); we adopt that cap rather than leaving
// depth unbounded.
const MaxDepth = 3

// DiskInode is the on-disk layout of a single sector: exactly the struct
// described in spec §3.4 and §6, reused unchanged at every level of
// indirection (an indirect block is, bit for bit, a sub-inode of
// depth-1; only the top-level Length/IsDir are semantically meaningful).
type DiskInode struct {
	Length int32
	Depth  uint32
	IsDir  uint32
	Blocks [NDirect]uint32
	Magic  uint32
}

func boolToWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Encode serializes d to exactly one sector.
func (d *DiskInode) Encode() []byte {
	enc := marshal.NewEnc(blockdev.SectorSize)
	enc.PutInt32(uint32(d.Length))
	enc.PutInt32(d.Depth)
	enc.PutInt32(d.IsDir)
	for _, b := range d.Blocks {
		enc.PutInt32(b)
	}
	enc.PutInt32(d.Magic)
	return enc.Finish()
}

// DecodeDisk parses a one-sector buffer into a DiskInode.
func DecodeDisk(buf []byte) *DiskInode {
	dec := marshal.NewDec(buf)
	d := &DiskInode{}
	d.Length = int32(dec.GetInt32())
	d.Depth = dec.GetInt32()
	d.IsDir = dec.GetInt32()
	for i := range d.Blocks {
		d.Blocks[i] = dec.GetInt32()
	}
	d.Magic = dec.GetInt32()
	return d
}

func (d *DiskInode) IsDirectory() bool { return d.IsDir != 0 }

// pow computes base^exp using plain integer exponentiation; exp is always
// small (<= MaxDepth) in practice.
func pow(base, exp uint64) uint64 {
	r := uint64(1)
	for i := uint64(0); i < exp; i++ {
		r *= base
	}
	return r
}

// capacity returns the maximum number of data bytes a tree of the given
// depth can address.
func capacity(depth uint32) uint64 {
	return pow(NDirect, uint64(depth)+1) * blockdev.SectorSize
}

// blockSpan returns the number of data bytes addressed by a single pointer
// at the given depth, i.e. spec §4.D.1's "max_block_size" for an indirect
// inode of that depth: depth 0 is meaningless here (callers only call this
// for depth >= 1), depth 1 spans NDirect sectors, depth 2 spans NDirect^2
// sectors, and so on.
func blockSpan(depth uint32) uint64 {
	return pow(NDirect, uint64(depth)) * blockdev.SectorSize
}

// MaxFileSize is the largest offset+size this inode format can address.
func MaxFileSize() uint64 {
	return capacity(MaxDepth)
}

// requiredDepth returns the smallest depth whose capacity can hold `need`
// bytes, per spec §4.D.2 step 1.
func requiredDepth(need uint64) uint32 {
	var d uint32
	for capacity(d) < need {
		d++
		if d > MaxDepth {
			panic("inode: requested size exceeds MaxDepth capacity")
		}
	}
	return d
}
