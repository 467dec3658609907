// Package memlayout holds the handful of size constants shared by every
// memory-management package (swap, frame, spt, mmap) so none of them has to
// import another just to learn how big a page is.
package memlayout

import "github.com/pintosgo/kernel/blockdev"

// PageSectorCount is PAGE_SECTOR_COUNT from spec §6: the number of disk
// sectors that make up one virtual-memory page.
const PageSectorCount = 8

// PageSize is PGSIZE: the granularity of every user mapping, swap slot, and
// frame.
const PageSize = PageSectorCount * blockdev.SectorSize

// PageAlign reports whether addr falls on a page boundary.
func PageAlign(addr uintptr) bool {
	return addr%PageSize == 0
}

// PageRound rounds addr down to its containing page boundary.
func PageRound(addr uintptr) uintptr {
	return addr - addr%PageSize
}

// KernelBase is PHYS_BASE in the reference kernel: the boundary between user
// and kernel virtual addresses. A fault at or above this address is a fault
// on kernel memory and is never satisfiable by the page-fault handler.
const KernelBase = uintptr(0xC0000000)

// StackTop is the user address the stack grows down from.
const StackTop = KernelBase

// MaxStackSize bounds how far the stack-growth heuristic (spec §4.G.3) will
// extend a process's stack: the lowest permitted stack address is
// StackTop-MaxStackSize.
const MaxStackSize = 8 << 20 // 8 MiB, the reference kernel's PUSHA-friendly default

// IsUserAddress reports whether addr falls in the user half of the address
// space.
func IsUserAddress(addr uintptr) bool {
	return addr != 0 && addr < KernelBase
}
