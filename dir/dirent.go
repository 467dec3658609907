package dir

import (
	"github.com/tchajed/marshal"
)

// NameMax is the longest name a directory entry can hold, per spec §3.6 /
// §6 ("NAME_MAX = 14 recommended").
const NameMax = 14

// entrySize is the on-disk size of one directory entry:
// inode_sector:u32, name:[u8; NameMax+1], in_use:u8 (spec §6).
const entrySize = 4 + (NameMax + 1) + 1

const dot = "."
const dotdot = ".."

// dirEntry is the in-memory form of one on-disk directory slot.
type dirEntry struct {
	sector uint64
	name   string
	inUse  bool
}

func illegalName(name string) bool {
	return name == dot || name == dotdot
}

func validName(name string) bool {
	return len(name) > 0 && len(name) <= NameMax
}

// encodeEntry serializes e to exactly entrySize bytes, mirroring the
// teacher's raw-buffer dirEnt encoding (fixed scalar fields via marshal.Enc,
// the name copied in with marshal.PutBytes).
func encodeEntry(e *dirEntry) []byte {
	buf := make([]byte, entrySize)

	enc := marshal.NewEnc(4)
	enc.PutInt32(uint32(e.sector))
	copy(buf[0:4], enc.Finish())

	copy(buf[4:4+NameMax+1], []byte(e.name))

	if e.inUse {
		buf[entrySize-1] = 1
	}
	return buf
}

func decodeEntry(buf []byte) *dirEntry {
	dec := marshal.NewDec(buf[0:4])
	sector := uint64(dec.GetInt32())

	nameBuf := buf[4 : 4+NameMax+1]
	end := 0
	for end < len(nameBuf) && nameBuf[end] != 0 {
		end++
	}

	return &dirEntry{
		sector: sector,
		name:   string(nameBuf[:end]),
		inUse:  buf[entrySize-1] != 0,
	}
}
