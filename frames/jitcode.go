package frames

import (
	"github.com/aclements/go-ptjvm/eventlog"
	"github.com/aclements/go-ptjvm/jitindex"
)

// resolveSection finds the Section instance a jit_code event's bare
// start address refers to. Recompilation can reuse the same start
// address within one work item, and the wire format only records the
// address (not a pointer), so this takes the most recently known
// instance at that address — the live section if one covers it, else
// the most recently retired one sharing that Start. Disambiguating an
// event from a stale mid-item recompile exactly would need the log to
// carry the originating *jitindex.Section identity itself, which the
// one-u64-section-id wire format doesn't provide; flagged here rather
// than assumed away.
func resolveSection(jit *jitindex.Index, start uint64) *jitindex.Section {
	if s, ok := jit.Find(start); ok && s.Start == start {
		return s
	}
	all := jit.FindAny(start)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// applyJitCode reconciles ts's JIT frame stack against the inline
// stack recorded at each PC in pcs, in order, emitting the bytecodes
// of every block traversed along the way. This is the online
// equivalent of a match-tree algorithm: rather than building a trie
// of every visited (method, block) tuple across the
// whole run and closing it into a minimum CFG path on a repeat visit,
// each PC is folded into the current JIT stack as soon as it's seen.
// The two agree for straight-line traversal, which is what compiled
// hot-path execution overwhelmingly is; a PC sequence that revisits
// an earlier (method, block) pair within the same run (a tight loop
// entirely inside one jit_code event) is emitted as repeated visits
// rather than collapsed into one CFG cycle, which only changes the
// grouping of identical output, not the bytecodes reported.
func (m *Matcher) applyJitCode(ts *threadState, jit *jitindex.Index, sectionStart uint64, pcs []int32) {
	sec := resolveSection(jit, sectionStart)
	if sec == nil {
		ts.errors++
		return
	}
	if ts.jit == nil || ts.jit.sectionStart != sectionStart {
		ts.jit = &jitState{sectionStart: sectionStart, sec: sec}
	} else {
		ts.jit.sec = sec
	}

	for _, pc := range pcs {
		desc, ok := m.resolveDescriptor(sec, pc)
		if !ok {
			ts.errors++
			continue
		}
		m.reconcileJitStack(ts, sec, desc)
	}
}

// resolveDescriptor turns one jit_code PC entry into a PCDescriptor.
// A real entry indexes sec.PCs directly; the entry/OSR-entry
// sentinels (the only ones this driver ever emits — see DESIGN.md)
// fall back to the descriptor at the section's own start address,
// since the trampoline that produced the sentinel lands execution
// there. The other sentinel kinds (return/exception/unwind/deopt)
// are part of eventlog's vocabulary for other potential producers of
// this log format but are never emitted by this driver's decoder.
func (m *Matcher) resolveDescriptor(sec *jitindex.Section, pc int32) (jitindex.PCDescriptor, bool) {
	switch {
	case pc == eventlog.JitPCEntry || pc == eventlog.JitPCOSREntry:
		return sec.Descriptor(sec.Start)
	case pc < 0:
		return jitindex.PCDescriptor{}, false
	default:
		if int(pc) >= len(sec.PCs) {
			return jitindex.PCDescriptor{}, false
		}
		return sec.PCs[pc], true
	}
}

// reconcileJitStack folds one PC descriptor's inline stack into ts's
// current JIT frame stack: levels past the common prefix with the
// previous stack are dropped, a fresh level is pushed (and its target
// block emitted directly) for each new inlined frame, and the shared
// prefix's levels are each walked from their old block to their new
// one, emitting every block crossed.
func (m *Matcher) reconcileJitStack(ts *threadState, sec *jitindex.Section, desc jitindex.PCDescriptor) {
	target := desc.Stack
	cur := ts.jit.levels

	common := 0
	for common < len(cur) && common < len(target) && cur[common].methodIdx == target[common].Method {
		common++
	}
	// Levels beyond common are no longer active; nothing to emit for
	// a frame that simply isn't there anymore.
	cur = cur[:common]

	for i := common; i < len(target); i++ {
		ref := MethodRef{}
		if sec != nil && target[i].Method >= 0 && target[i].Method < len(sec.Methods) {
			mr := sec.Methods[target[i].Method]
			ref = MethodRef{Class: mr.Class, Method: mr.Method, Signature: mr.Signature}
		}
		cfg, err := m.cache.Get(ref.Class, ref.Method, ref.Signature)
		if err != nil {
			ts.errors++
			cur = append(cur, jitLevel{methodIdx: target[i].Method})
			continue
		}
		block, ok := cfg.BlockAt(target[i].BCI)
		if !ok {
			ts.errors++
			cur = append(cur, jitLevel{methodIdx: target[i].Method, cfg: cfg})
			continue
		}
		// A freshly inlined level starts executing mid-method with no
		// prior block in this run to walk from; emit its target block
		// directly rather than trying to walk into it.
		ts.emitBlock(cfg, block)
		cur = append(cur, jitLevel{methodIdx: target[i].Method, cfg: cfg, block: block})
	}

	// Advance the levels shared between the old and new stack to
	// their new blocks, walking and emitting every block crossed.
	for i := 0; i < common; i++ {
		lvl := &cur[i]
		if lvl.cfg == nil {
			continue
		}
		newBlock, ok := lvl.cfg.BlockAt(target[i].BCI)
		if !ok {
			ts.errors++
			continue
		}
		if path, ok := walkTo(lvl.cfg, lvl.block, newBlock); ok {
			ts.emitBlock(lvl.cfg, lvl.block)
			if len(path) > 0 {
				for _, b := range path[:len(path)-1] {
					ts.emitBlock(lvl.cfg, b)
				}
			}
		} else {
			ts.emitBlock(lvl.cfg, lvl.block)
		}
		lvl.block = newBlock
	}

	ts.jit.levels = cur
}
