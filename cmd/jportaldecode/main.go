// Command jportaldecode reconstructs per-thread Java bytecode traces
// from a JPortalTrace.data container: Intel PT packets plus the
// sideband and JVM-runtime-dump streams the recording JVM emits
// alongside them.
//
// It wires together every stage of the decode pipeline: the trace
// splitter (package split), the PT query driver (package decoder), and
// the frame matcher (package frames), following the same flag-driven
// CLI shape as go-perf's own cmd/dump and cmd/branchstats.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/aclements/go-ptjvm/bcode"
	"github.com/aclements/go-ptjvm/classfile"
	"github.com/aclements/go-ptjvm/codelet"
	"github.com/aclements/go-ptjvm/decoder"
	"github.com/aclements/go-ptjvm/eventlog"
	"github.com/aclements/go-ptjvm/frames"
	"github.com/aclements/go-ptjvm/jitindex"
	"github.com/aclements/go-ptjvm/jvmruntime"
	"github.com/aclements/go-ptjvm/sideband"
	"github.com/aclements/go-ptjvm/split"
	"github.com/aclements/go-ptjvm/tracefile"
)

func main() {
	var classPath stringList
	var (
		flagInput       = flag.String("trace-data", "JPortalTrace.data", "read trace container from `file`")
		flagSplitSize   = flag.Int("split-size", split.DefaultSplitSize, "PSBs per work item")
		flagWorkers     = flag.Int("workers", runtime.NumCPU(), "number of concurrent decode workers")
		flagOutPrefix   = flag.String("out-prefix", "out", "write per-thread bytecode files to `prefix`-thrd<tid>")
		flagStats       = flag.Bool("stats", false, "log a per-thread decode-error histogram at exit")
		flagTimelinePNG = flag.String("timeline-png", "", "render a per-CPU work-item timeline to `file`")
	)
	flag.Var(&classPath, "class-path", "add a class-path `dir` to search for .class files (repeatable)")
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(1)
	}

	tf, err := tracefile.Open(*flagInput)
	if err != nil {
		log.Fatalf("jportaldecode: %v", err)
	}
	defer tf.Close()

	items, jvmExtents, err := split.Split(tf, *flagSplitSize)
	if err != nil {
		log.Fatalf("jportaldecode: %v", err)
	}

	dumpBuf, err := readExtents(tf, jvmExtents)
	if err != nil {
		log.Fatalf("jportaldecode: %v", err)
	}

	sidebandByCPU, auxByCPU, err := collectSideband(tf)
	if err != nil {
		log.Fatalf("jportaldecode: %v", err)
	}

	// One full replay of the dump stream, independent of any item's
	// partial view, purely to harvest the static method-id and
	// sys-tid->java-tid tables the frame matcher needs (see
	// jvmruntime.Timeline.AllMethods/JavaTids).
	snapTimeline := jvmruntime.NewTimeline(dumpBuf, &codelet.Table{}, jitindex.New())
	if err := snapTimeline.AdvanceTo(^uint64(0)); err != nil {
		log.Fatalf("jportaldecode: replaying runtime dump: %v", err)
	}
	methods := make(map[uint64]frames.MethodRef, len(snapTimeline.AllMethods()))
	decMethods := make(map[uint64]decoder.MethodRef, len(snapTimeline.AllMethods()))
	for id, mi := range snapTimeline.AllMethods() {
		methods[id] = frames.MethodRef{Class: mi.Class, Method: mi.Method, Signature: mi.Signature}
		decMethods[id] = decoder.MethodRef{Class: mi.Class, Method: mi.Method, Signature: mi.Signature}
	}
	cache := bcode.NewCache(classfile.Path{Dirs: classPath})

	// A work item's Driver failing is fatal to that item alone, not the
	// run: partial progress is preserved and only surfaced as trailing
	// decode_error/data_loss events, so a failed item is logged and
	// dropped rather than aborting the items that decoded fine. The run
	// still exits non-zero if any item failed.
	results := decodeItems(items, dumpBuf, tf.Header, sidebandByCPU, auxByCPU, *flagWorkers, cache, decMethods)
	failed := false
	for _, r := range results {
		if r.err != nil {
			log.Printf("jportaldecode: cpu %d work item failed, dropping its segments: %v", r.item.CPU, r.err)
			failed = true
			continue
		}
		if r.item.Loss {
			log.Printf("jportaldecode: cpu %d work item (%d PSBs) has upstream AUX data loss", r.item.CPU, r.item.PSBCount)
		}
	}

	var segs []frames.Segment
	for _, r := range results {
		if r.err != nil {
			continue
		}
		for _, s := range r.rec.Segments() {
			segs = append(segs, frames.Segment{Segment: s, Rec: r.rec, JIT: r.jit})
		}
	}

	mm := frames.NewMatcher(cache, methods, snapTimeline.JavaTids(), *flagOutPrefix)
	if err := mm.Run(segs); err != nil {
		log.Fatalf("jportaldecode: %v", err)
	}
	counts, err := mm.Close()
	if err != nil {
		log.Fatalf("jportaldecode: %v", err)
	}

	tids := make([]uint64, 0, len(counts))
	for tid := range counts {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	for _, tid := range tids {
		log.Printf("jportaldecode: thread %d: %d decode errors", tid, counts[tid])
	}

	if *flagStats {
		statsSummary(counts)
	}
	if *flagTimelinePNG != "" {
		if err := renderTimelinePNG(*flagTimelinePNG, items); err != nil {
			log.Printf("jportaldecode: timeline-png: %v", err)
		}
	}

	if failed {
		os.Exit(1)
	}
}

func readExtents(tf *tracefile.File, extents []split.JVMRuntimeExtent) ([]byte, error) {
	ra := tf.ReaderAt()
	var buf []byte
	for _, ext := range extents {
		chunk := make([]byte, ext.Size)
		if _, err := io.ReadFull(io.NewSectionReader(ra, ext.Offset, int64(ext.Size)), chunk); err != nil {
			return nil, fmt.Errorf("reading jvm runtime dump extent at %d: %w", ext.Offset, err)
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// collectSideband re-walks the record stream (split.Split already made
// one pass for AUXTRACE/AUX_ADVANCE/JVM_RUNTIME) to gather every raw
// kernel sideband and PERF_RECORD_AUX record, grouped by CPU, for each
// work item's private sideband.Replayer to draw from.
func collectSideband(tf *tracefile.File) (sb map[uint32][]tracefile.RecordSideband, aux map[uint32][]tracefile.RecordAux, err error) {
	sb = map[uint32][]tracefile.RecordSideband{}
	aux = map[uint32][]tracefile.RecordAux{}
	rs := tf.Records()
	for rs.Next() {
		switch r := rs.Record.(type) {
		case tracefile.RecordSideband:
			if r.CPU >= 0 {
				cpu := uint32(r.CPU)
				sb[cpu] = append(sb[cpu], r)
			}
		case tracefile.RecordAux:
			if r.CPU >= 0 {
				cpu := uint32(r.CPU)
				aux[cpu] = append(aux[cpu], r)
			}
		}
	}
	if rs.Err() != nil {
		return nil, nil, fmt.Errorf("collecting sideband records: %w", rs.Err())
	}
	return sb, aux, nil
}

type itemResult struct {
	item split.Item
	rec  *eventlog.Recorder
	jit  *jitindex.Index
	err  error
}

// decodeItems runs every work item through its own private Driver,
// bounded to workers concurrent decodes at a time: one Driver per item,
// each with its own freshly-reconstructed JIT index and codelet table
// (see decoder.New and jvmruntime.NewTimeline), sharing only the
// read-only cache and method table every item's Driver resolves
// interpreted bytecode CFGs against.
func decodeItems(items []split.Item, dumpBuf []byte, hdr tracefile.Header, sidebandByCPU map[uint32][]tracefile.RecordSideband, auxByCPU map[uint32][]tracefile.RecordAux, workers int, cache *bcode.Cache, methods map[uint64]decoder.MethodRef) []itemResult {
	if workers < 1 {
		workers = 1
	}
	results := make([]itemResult, len(items))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, it := range items {
		i, it := i, it
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = decodeOne(it, dumpBuf, hdr, sidebandByCPU[it.CPU], auxByCPU[it.CPU], cache, methods)
		}()
	}
	wg.Wait()
	return results
}

func decodeOne(it split.Item, dumpBuf []byte, hdr tracefile.Header, sb []tracefile.RecordSideband, aux []tracefile.RecordAux, cache *bcode.Cache, methods map[uint64]decoder.MethodRef) itemResult {
	codelets := &codelet.Table{}
	jit := jitindex.New()
	timeline := jvmruntime.NewTimeline(dumpBuf, codelets, jit)
	replayer, err := sideband.New(hdr, sb, aux)
	if err != nil {
		return itemResult{item: it, err: err}
	}
	d := decoder.New(it.Data, codelets, jit, timeline, replayer, cache, methods)
	rec, err := d.Run()
	if err != nil {
		return itemResult{item: it, err: err}
	}
	return itemResult{item: it, rec: rec, jit: jit}
}
