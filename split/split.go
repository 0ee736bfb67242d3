// Package split implements the trace splitter: it walks a
// tracefile.File's record stream once, collects each CPU's raw PT
// byte extents and the JVM runtime dump's extents, then re-splits
// each CPU's PT stream at PSB boundaries into work items a bounded
// worker pool can decode independently.
//
// The split grounds on go-perf's perfsession.Ranges idea of sorted,
// non-overlapping extents, generalized here to gather extents before
// slicing rather than to query them after the fact.
package split

import (
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/aclements/go-ptjvm/ptpkt"
	"github.com/aclements/go-ptjvm/tracefile"
)

// DefaultSplitSize is the default number of PSBs per work item.
const DefaultSplitSize = 500

// JVMRuntimeExtent names one chunk of the JVM-emitted runtime dump
// stream, in file order.
type JVMRuntimeExtent struct {
	Offset int64
	Size   uint64
}

// Item is one self-contained unit of PT decode work: a byte-exact
// slice of one CPU's trace beginning at a PSB.
type Item struct {
	CPU       uint32
	PSBCount  int
	StartTime uint64 // first TSC observed in the item, 0 if none
	EndTime   uint64 // last TSC observed in the item, 0 if none
	Data      []byte
	Loss      bool // true if AUX data was dropped in or before this item
}

type byteRange struct {
	start, end int // offsets into the concatenated per-CPU buffer
	loss       bool
}

// Split reads every record in tf once and returns the PT work items
// (sorted by CPU, then by position in that CPU's stream) plus the
// JVM runtime dump extents, in file order.
func Split(tf *tracefile.File, splitSize int) ([]Item, []JVMRuntimeExtent, error) {
	if splitSize <= 0 {
		splitSize = DefaultSplitSize
	}

	type cpuBuf struct {
		data   []byte
		ranges []byteRange
	}
	cpus := map[uint32]*cpuBuf{}
	lossPending := map[uint32]bool{}
	var jvmExtents []JVMRuntimeExtent

	ra := tf.ReaderAt()
	recs := tf.Records()
	for recs.Next() {
		switch r := recs.Record.(type) {
		case tracefile.RecordAuxtrace:
			cb := cpus[r.CPU]
			if cb == nil {
				cb = &cpuBuf{}
				cpus[r.CPU] = cb
			}
			buf := make([]byte, r.Size)
			if _, err := fullReadAt(ra, r.Offset, buf); err != nil {
				return nil, nil, fmt.Errorf("split: reading auxtrace chunk for cpu %d: %w", r.CPU, err)
			}
			loss := lossPending[r.CPU]
			lossPending[r.CPU] = false
			start := len(cb.data)
			cb.data = append(cb.data, buf...)
			cb.ranges = append(cb.ranges, byteRange{start: start, end: len(cb.data), loss: loss})

		case tracefile.RecordAuxAdvance:
			lossPending[r.CPU] = true

		case tracefile.RecordAux:
			if r.Truncated && r.CPU >= 0 {
				lossPending[uint32(r.CPU)] = true
			}

		case tracefile.RecordJVMRuntime:
			jvmExtents = append(jvmExtents, JVMRuntimeExtent{Offset: r.Offset, Size: r.Size})
		}
	}
	if err := recs.Err(); err != nil {
		return nil, nil, fmt.Errorf("split: %w", err)
	}

	cpuIDs := make([]uint32, 0, len(cpus))
	for cpu := range cpus {
		cpuIDs = append(cpuIDs, cpu)
	}
	sort.Slice(cpuIDs, func(i, j int) bool { return cpuIDs[i] < cpuIDs[j] })

	var items []Item
	for _, cpu := range cpuIDs {
		cb := cpus[cpu]
		cpuItems, err := splitOne(cpu, cb.data, cb.ranges, splitSize)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, cpuItems...)
	}
	return items, jvmExtents, nil
}

func fullReadAt(r io.ReaderAt, off int64, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.ReadAt(buf[n:], off+int64(n))
		n += k
		if err != nil {
			if err == io.EOF && n == len(buf) {
				return n, nil
			}
			return n, err
		}
	}
	return n, nil
}

func lossInRange(ranges []byteRange, start, end int) bool {
	for _, r := range ranges {
		if r.start < end && start < r.end && r.loss {
			return true
		}
	}
	return false
}

func splitOne(cpu uint32, data []byte, ranges []byteRange, splitSize int) ([]Item, error) {
	offsets := ptpkt.ScanPSB(data)
	if len(offsets) == 0 {
		return nil, nil
	}

	var items []Item
	for i := 0; i < len(offsets); i += splitSize {
		start := offsets[i]
		end := len(data)
		if i+splitSize < len(offsets) {
			end = offsets[i+splitSize]
		}
		psbCount := len(offsets) - i
		if i+splitSize < len(offsets) {
			psbCount = splitSize
		}
		if psbCount > splitSize+1 {
			log.Printf("split: cpu %d work item at offset %d holds %d PSBs (split size %d)", cpu, start, psbCount, splitSize)
		}

		item := Item{
			CPU:      cpu,
			PSBCount: psbCount,
			Data:     data[start:end],
			Loss:     lossInRange(ranges, start, end),
		}
		item.StartTime, item.EndTime = scanTimes(item.Data)
		items = append(items, item)
	}
	return items, nil
}

// scanTimes returns the first and last TSC values found while
// linearly decoding buf. It tolerates decode errors by treating them
// as "no more packets recognizable here"; the real query decoder is
// responsible for precise error reporting, this is bookkeeping only.
func scanTimes(buf []byte) (first, last uint64) {
	for len(buf) > 0 {
		p, err := ptpkt.Decode(buf)
		if err != nil {
			buf = buf[1:]
			continue
		}
		if p.Kind == ptpkt.KindTSC {
			if first == 0 {
				first = p.TSC
			}
			last = p.TSC
		}
		buf = buf[p.Len:]
	}
	return first, last
}
