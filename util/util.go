// Package util holds the small cross-cutting helpers every other package in
// this module pulls in: leveled debug logging, the numeric helpers used by
// the sector and page arithmetic in super/inode/mmap, and an assert that
// halts the process instead of unwinding, matching the "a failed assert
// halts the system" error-handling policy.
package util

import "log"

// Debug controls which DPrintf calls are emitted. Raise it while chasing a
// specific subsystem; 0 keeps the kernel log quiet.
const Debug = 0

func DPrintf(level int, format string, a ...interface{}) {
	if level <= Debug {
		log.Printf(format, a...)
	}
}

// RoundUp rounds n up to the next multiple of sz.
func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz * sz
}

// RoundDiv rounds n up to the nearest multiple of sz and returns the count
// of sz-sized units (ceil(n/sz)).
func RoundDiv(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func Max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Assert halts the system on a broken invariant, mirroring the reference
// kernel's ASSERT macro: there is no recovery path for a violated invariant.
func Assert(cond bool, format string, a ...interface{}) {
	if !cond {
		log.Panicf("assertion failed: "+format, a...)
	}
}

// SumOverflows reports whether a+b overflows a uint64, used to reject
// attacker-controlled offset/length pairs before they're used as an index.
func SumOverflows(a, b uint64) bool {
	return a+b < a
}
