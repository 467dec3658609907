// Package blockdev provides the raw block-device primitive the rest of the
// filesystem core is handed as an external collaborator (spec §6): fixed
// sector-size read/write, with no caching or buffering of its own. Real
// device drivers and the BIOS/boot path are out of scope; this package
// supplies the two concrete Device implementations a test harness or a demo
// binary actually needs: a file-backed device and an in-memory one.
package blockdev

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// SectorSize is the fixed sector size assumed throughout this module,
// matching the reference kernel's 512-byte disk sectors.
const SectorSize = 512

// Device is the block_read/block_write contract every higher layer (the
// cache, swap, inode store) is built against.
type Device interface {
	// ReadSector fills buf (len(buf) == SectorSize) with the contents of
	// sector.
	ReadSector(sector uint64, buf []byte) error
	// WriteSector persists buf (len(buf) == SectorSize) to sector.
	WriteSector(sector uint64, buf []byte) error
	// SectorCount reports the device's fixed size in sectors.
	SectorCount() uint64
	Close() error
}

// FileDevice is a Device backed by a regular file, memory-mapped with
// mmap(2) so sector reads and writes are plain memory copies instead of
// syscalls on every access.
type FileDevice struct {
	f       *os.File
	mu      sync.Mutex
	mapping []byte
	sectors uint64
}

// OpenFile opens (creating if needed) a file of exactly sectors*SectorSize
// bytes and maps it for use as a block device.
func OpenFile(path string, sectors uint64) (*FileDevice, error) {
	size := int64(sectors * SectorSize)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
	}
	m, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: mmap %s: %w", path, err)
	}
	return &FileDevice{f: f, mapping: m, sectors: sectors}, nil
}

func (d *FileDevice) checkBounds(sector uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("blockdev: buffer size %d != sector size %d", len(buf), SectorSize)
	}
	if sector >= d.sectors {
		return fmt.Errorf("blockdev: sector %d out of range (%d sectors)", sector, d.sectors)
	}
	return nil
}

func (d *FileDevice) ReadSector(sector uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBounds(sector, buf); err != nil {
		return err
	}
	off := sector * SectorSize
	copy(buf, d.mapping[off:off+SectorSize])
	return nil
}

func (d *FileDevice) WriteSector(sector uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBounds(sector, buf); err != nil {
		return err
	}
	off := sector * SectorSize
	copy(d.mapping[off:off+SectorSize], buf)
	return nil
}

func (d *FileDevice) SectorCount() uint64 { return d.sectors }

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mapping != nil {
		unix.Munmap(d.mapping)
		d.mapping = nil
	}
	return d.f.Close()
}

// MemDevice is a Device backed entirely by process memory, so its contents
// do not survive a restart; the tests use it for both the filesystem and
// the swap device.
type MemDevice struct {
	mu      sync.Mutex
	data    []byte
	sectors uint64
}

func NewMemDevice(sectors uint64) *MemDevice {
	return &MemDevice{data: make([]byte, sectors*SectorSize), sectors: sectors}
}

func (d *MemDevice) ReadSector(sector uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(buf) != SectorSize || sector >= d.sectors {
		return fmt.Errorf("blockdev: bad read sector=%d len=%d", sector, len(buf))
	}
	off := sector * SectorSize
	copy(buf, d.data[off:off+SectorSize])
	return nil
}

func (d *MemDevice) WriteSector(sector uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(buf) != SectorSize || sector >= d.sectors {
		return fmt.Errorf("blockdev: bad write sector=%d len=%d", sector, len(buf))
	}
	off := sector * SectorSize
	copy(d.data[off:off+SectorSize], buf)
	return nil
}

func (d *MemDevice) SectorCount() uint64 { return d.sectors }
func (d *MemDevice) Close() error        { return nil }
