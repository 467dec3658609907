// Package timed_disk wraps a blockdev.Device with per-operation latency
// counters, printed as a table via github.com/rodaine/table. Grounded on
// the teacher's disk-timing wrapper of the same name, which instrumented
// goose's disk.Disk the same way through a shared util/stats.Op helper;
// this version owns its latency counters directly (sector.Read and
// sector.Write are the only two operations a blockdev.Device has, so the
// generic multi-op table the teacher's NFS dispatch table needed would
// only add a slice-and-names indirection this package has no use for).
package timed_disk

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rodaine/table"

	"github.com/pintosgo/kernel/blockdev"
)

// latency accumulates count and total duration for one kind of sector
// operation, read atomically so ReadSector/WriteSector never contend with
// WriteStats/ResetStats.
type latency struct {
	count uint64
	nanos uint64
}

func (l *latency) record(start time.Time) {
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.nanos, uint64(time.Since(start)))
}

func (l *latency) snapshot() (count uint64, microsPerOp float64) {
	count = atomic.LoadUint64(&l.count)
	nanos := atomic.LoadUint64(&l.nanos)
	if count == 0 {
		return 0, 0
	}
	return count, float64(nanos) / float64(count) / 1e3
}

func (l *latency) reset() {
	atomic.StoreUint64(&l.count, 0)
	atomic.StoreUint64(&l.nanos, 0)
}

// Disk instruments a blockdev.Device with read/write latency counters.
type Disk struct {
	d      blockdev.Device
	reads  latency
	writes latency
}

func New(d blockdev.Device) *Disk {
	return &Disk{d: d}
}

var _ blockdev.Device = &Disk{}

func (d *Disk) ReadSector(sector uint64, buf []byte) error {
	defer d.reads.record(time.Now())
	return d.d.ReadSector(sector, buf)
}

func (d *Disk) WriteSector(sector uint64, buf []byte) error {
	defer d.writes.record(time.Now())
	return d.d.WriteSector(sector, buf)
}

func (d *Disk) SectorCount() uint64 { return d.d.SectorCount() }
func (d *Disk) Close() error        { return d.d.Close() }

// WriteStats prints a table of read/write op counts and average latency.
func (d *Disk) WriteStats(w io.Writer) {
	tbl := table.New("op", "count", "us/op")
	readCount, readMicros := d.reads.snapshot()
	writeCount, writeMicros := d.writes.snapshot()
	tbl.AddRow("sector.Read", readCount, fmt.Sprintf("%0.1f", readMicros))
	tbl.AddRow("sector.Write", writeCount, fmt.Sprintf("%0.1f", writeMicros))
	tbl.WithWriter(w)
	tbl.Print()
}

// ResetStats zeroes every counter so a fresh measurement window can start.
func (d *Disk) ResetStats() {
	d.reads.reset()
	d.writes.reset()
}
