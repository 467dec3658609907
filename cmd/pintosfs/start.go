// Command pintosfs assembles the full VM+FS stack this module implements
// into one running instance: a file-backed filesystem device and a
// file-backed swap device, each wrapped for latency instrumentation,
// feeding the block cache / inode store / directory layer on one side and
// the frame table / supplemental-page-table machinery on the other.
//
// It plays the role the teacher's cmd/simple-nfsd and cmd/fs-smallfile
// binaries play for go-nfsd: a small MakeXxx constructor a demo or a
// benchmark can call, not a full init/shell/syscall dispatch loop (out of
// scope, spec §1).
package main

import (
	"fmt"
	"io"

	"github.com/pintosgo/kernel/bcache"
	"github.com/pintosgo/kernel/blockdev"
	"github.com/pintosgo/kernel/dir"
	"github.com/pintosgo/kernel/frame"
	"github.com/pintosgo/kernel/inode"
	"github.com/pintosgo/kernel/memlayout"
	"github.com/pintosgo/kernel/spt"
	"github.com/pintosgo/kernel/super"
	"github.com/pintosgo/kernel/swap"
	"github.com/pintosgo/kernel/util"
	"github.com/pintosgo/kernel/util/timed_disk"
)

// Config bounds the sizes of everything Make wires up.
type Config struct {
	FSPath        string
	FSSectors     uint64
	SwapPath      string
	SwapPages     uint64
	BlockCacheLen int
	InodeCacheLen uint64
	FrameCount    int
	Fresh         bool
}

// DefaultConfig sizes a small demo instance: 50MiB of filesystem, 8MiB of
// swap, 64 cached blocks, 32 cached inode handles, 16 physical frames.
func DefaultConfig(fsPath, swapPath string) Config {
	return Config{
		FSPath:        fsPath,
		FSSectors:     50 * 1024 * 1024 / blockdev.SectorSize,
		SwapPath:      swapPath,
		SwapPages:     8 * 1024 * 1024 / memlayout.PageSize,
		BlockCacheLen: 64,
		InodeCacheLen: 32,
		FrameCount:    16,
		Fresh:         true,
	}
}

// Kernel is the fully wired instance: everything a process package caller
// needs to open the root directory, service a page fault, or mmap a file.
type Kernel struct {
	FSDisk   *timed_disk.Disk
	SwapDisk *timed_disk.Disk

	BlockCache *bcache.Cache
	Super      *super.Super
	Inodes     *inode.Store
	Dirs       *dir.Store
	Swap       *swap.Swap
	Frames     *frame.Table
}

// Make wires up a Kernel per cfg, formatting a fresh filesystem when
// cfg.Fresh is set (mirroring the teacher's MakeNfs(disk, fresh)).
func Make(cfg Config) (*Kernel, error) {
	fsDev, err := blockdev.OpenFile(cfg.FSPath, cfg.FSSectors)
	if err != nil {
		return nil, fmt.Errorf("pintosfs: opening filesystem device: %w", err)
	}
	fsDisk := timed_disk.New(fsDev)

	swapDev, err := blockdev.OpenFile(cfg.SwapPath, cfg.SwapPages*memlayout.PageSectorCount)
	if err != nil {
		fsDisk.Close()
		return nil, fmt.Errorf("pintosfs: opening swap device: %w", err)
	}
	swapDisk := timed_disk.New(swapDev)

	util.DPrintf(1, "pintosfs: formatting filesystem at %s (fresh=%v)\n", cfg.FSPath, cfg.Fresh)
	bc := bcache.New(fsDisk, cfg.BlockCacheLen)
	sup, err := super.New(bc, fsDisk.SectorCount(), cfg.Fresh)
	if err != nil {
		fsDisk.Close()
		swapDisk.Close()
		return nil, fmt.Errorf("pintosfs: initializing superblock: %w", err)
	}
	inodes := inode.New(bc, sup, cfg.InodeCacheLen)
	dirs := dir.New(inodes, sup)
	sw := swap.New(swapDisk)
	frames := frame.New(cfg.FrameCount, frame.Clock())

	return &Kernel{
		FSDisk:     fsDisk,
		SwapDisk:   swapDisk,
		BlockCache: bc,
		Super:      sup,
		Inodes:     inodes,
		Dirs:       dirs,
		Swap:       sw,
		Frames:     frames,
	}, nil
}

// NewSPT builds a fresh per-process supplemental page table sharing this
// Kernel's frame table, swap area, and inode store.
func (k *Kernel) NewSPT() *spt.Table {
	return spt.New(k.Frames, k.Swap, k.Inodes, memlayout.StackTop, memlayout.MaxStackSize)
}

// WriteStats prints both disks' per-op latency tables and the block
// cache's hit/miss/eviction counts to w.
func (k *Kernel) WriteStats(w io.Writer) {
	fmt.Fprintln(w, "filesystem device:")
	k.FSDisk.WriteStats(w)
	fmt.Fprintln(w, "swap device:")
	k.SwapDisk.WriteStats(w)
	fmt.Fprintln(w, "block cache:")
	k.BlockCache.WriteStats(w)
}

// Close releases both underlying block devices.
func (k *Kernel) Close() error {
	swapErr := k.SwapDisk.Close()
	fsErr := k.FSDisk.Close()
	if fsErr != nil {
		return fsErr
	}
	return swapErr
}

func main() {
	fmt.Println("pintosfs: use Make(DefaultConfig(fsPath, swapPath)) to wire up an instance; this binary is a build-and-wiring smoke target, not an interactive shell.")
}
