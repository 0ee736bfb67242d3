// Package frames implements the Frame Matcher & Output stage: it
// consumes eventlog Recorder segments in time order, maintains each
// Java thread's interpreter and JIT frame stacks, matches jit_code PC
// descriptors to bytecode CFG blocks, and writes each thread's
// expanded bytecode sequence to its own output file.
//
// Nothing in go-perf reconstructs program-level control flow from a
// trace — it only ever reports perf's own sample/mmap/comm records —
// so this package's match-tree algorithm is cross-checked against
// original_source's block.cpp/block.hpp, which walks the same "close a
// tree of visited (method, block) pairs into a CFG path" idea this
// package's jit-stack reconciliation implements online rather than as
// a separate build-then-close pass (see DESIGN.md).
package frames

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/aclements/go-ptjvm/bcode"
	"github.com/aclements/go-ptjvm/eventlog"
	"github.com/aclements/go-ptjvm/jitindex"
)

// MethodRef names a method by the same (class, method, signature)
// triple bcode.Cache and jitindex.MethodRef key on.
type MethodRef struct {
	Class, Method, Signature string
}

// Segment is one eventlog Recorder segment to replay, along with the
// context needed to resolve its jit_code events: the work item's own
// private JIT index (recompilation within one item can reuse a
// section's start address, so jit_code lookups must go through the
// exact index that was live when the segment was decoded, not a
// merged global one).
type Segment struct {
	eventlog.Segment
	Rec *eventlog.Recorder
	JIT *jitindex.Index
}

// Matcher replays segments across every Java thread, in
// (start_time, end_time) order, and writes each thread's expanded
// bytecode sequence to "<prefix>-thrd<tid>".
type Matcher struct {
	cache    *bcode.Cache
	methods  map[uint64]MethodRef // dump-stream MethodID -> class/method/signature
	javaTids map[uint64]uint64    // sys tid -> java tid
	prefix   string

	threads map[uint64]*threadState // keyed by java tid (or sys tid, if unmapped)
}

// NewMatcher creates a Matcher. methods and javaTids are built from a
// full replay of the shared JVM dump stream (see jvmruntime.Timeline's
// MethodRef/JavaTids), independent of any one work item's partial
// view of it.
func NewMatcher(cache *bcode.Cache, methods map[uint64]MethodRef, javaTids map[uint64]uint64, outPrefix string) *Matcher {
	return &Matcher{
		cache:    cache,
		methods:  methods,
		javaTids: javaTids,
		prefix:   outPrefix,
		threads:  make(map[uint64]*threadState),
	}
}

type iframe struct {
	method uint64
	cfg    *bcode.CFG // nil if the method couldn't be resolved
	block  int
}

type jitLevel struct {
	methodIdx int
	cfg       *bcode.CFG
	block     int
}

type jitState struct {
	sectionStart uint64
	sec          *jitindex.Section
	levels       []jitLevel // outermost .. innermost
}

type threadState struct {
	tid    uint64
	f      *os.File
	w      *bufio.Writer
	interp []iframe
	jit    *jitState
	errors int

	pendingBCI     int
	havePendingBCI bool
}

func (m *Matcher) thread(sysTid uint64) (*threadState, error) {
	tid := sysTid
	if jt, ok := m.javaTids[sysTid]; ok {
		tid = jt
	}
	if ts, ok := m.threads[tid]; ok {
		return ts, nil
	}
	name := fmt.Sprintf("%s-thrd%d", m.prefix, tid)
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("frames: creating %s: %w", name, err)
	}
	ts := &threadState{tid: tid, f: f, w: bufio.NewWriter(f)}
	m.threads[tid] = ts
	return ts, nil
}

// Run replays every segment, in increasing TSC order, into their
// threads' output files.
func (m *Matcher) Run(segments []Segment) error {
	sorted := make([]Segment, len(segments))
	copy(sorted, segments)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StartTime != sorted[j].StartTime {
			return sorted[i].StartTime < sorted[j].StartTime
		}
		return sorted[i].EndTime < sorted[j].EndTime
	})

	for _, seg := range sorted {
		ts, err := m.thread(seg.Tid)
		if err != nil {
			return err
		}
		buf := seg.Rec.Bytes()[seg.StartOffset:seg.EndOffset]
		rd := eventlog.NewReader(buf)
		for {
			rec, ok, err := rd.NextTrace()
			if err != nil {
				return fmt.Errorf("frames: thread %d: %w", seg.Tid, err)
			}
			if !ok {
				break
			}
			if err := m.apply(ts, seg.JIT, rec); err != nil {
				return fmt.Errorf("frames: thread %d: %w", seg.Tid, err)
			}
		}
	}
	return nil
}

// Close flushes and closes every thread's output file and returns the
// end-of-run per-thread decode_error count.
func (m *Matcher) Close() (errorCounts map[uint64]int, err error) {
	errorCounts = make(map[uint64]int, len(m.threads))
	for tid, ts := range m.threads {
		errorCounts[tid] = ts.errors
		if ferr := ts.w.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		if cerr := ts.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return errorCounts, err
}

func (ts *threadState) emit(b byte) {
	ts.w.WriteString(strconv.Itoa(int(b)))
	ts.w.WriteByte('\n')
}

func (ts *threadState) emitBlock(cfg *bcode.CFG, blockIdx int) {
	if cfg == nil || blockIdx < 0 || blockIdx >= len(cfg.Blocks) {
		return
	}
	blk := cfg.Blocks[blockIdx]
	ops, err := cfg.Opcodes(blk.Start, blk.End)
	if err != nil {
		ts.errors++
		return
	}
	for _, op := range ops {
		ts.emit(op)
	}
}

// walkTo returns the path of block indices from `from` to `to`
// (exclusive of `from`, inclusive of `to`) via breadth-first search
// over the CFG, preferring at each step the earliest-indexed
// successor — a BFS-with-preference connector. ok is
// false if no path exists (a jump induced by an exception edge or
// some other transfer the static CFG doesn't encode), in which case
// the caller emits only the block being left and jumps straight to
// the target.
func walkTo(cfg *bcode.CFG, from, to int) (path []int, ok bool) {
	if from == to {
		return nil, true
	}
	parent := map[int]int{from: from}
	queue := []int{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, succ := range cfg.Blocks[cur].Successors {
			if _, seen := parent[succ]; seen {
				continue
			}
			parent[succ] = cur
			if succ == to {
				return reconstructPath(parent, from, to), true
			}
			queue = append(queue, succ)
		}
	}
	return nil, false
}

func reconstructPath(parent map[int]int, from, to int) []int {
	var rev []int
	for b := to; b != from; b = parent[b] {
		rev = append(rev, b)
	}
	path := make([]int, len(rev))
	for i, b := range rev {
		path[len(rev)-1-i] = b
	}
	return path
}
