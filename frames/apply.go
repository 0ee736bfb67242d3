package frames

import (
	"github.com/aclements/go-ptjvm/bcode"
	"github.com/aclements/go-ptjvm/eventlog"
	"github.com/aclements/go-ptjvm/jitindex"
)

// apply dispatches one decoded record against ts's frame stacks,
// resolving jit_code events against jit (the work item's own private
// JIT index).
func (m *Matcher) apply(ts *threadState, jit *jitindex.Index, rec eventlog.Record) error {
	switch rec.Tag {
	case eventlog.TagMethodEntry:
		m.pushInterp(ts, rec.Method)

	case eventlog.TagMethodExit:
		// eventlog's method_exit carries only the method id, not a
		// bci — there's nothing to reposition to, so this always
		// finalizes (unwinds to and pops) the matching frame.
		m.popInterpTo(ts, rec.Method)

	case eventlog.TagMethodPoint:
		m.advanceInterp(ts, rec.Method, int(rec.BCI))

	case eventlog.TagBCI:
		ts.pendingBCI = int(rec.BCI)
		ts.havePendingBCI = true

	case eventlog.TagTaken:
		m.moveSuccessor(ts, 0)
	case eventlog.TagNotTaken:
		m.moveSuccessor(ts, 1)
	case eventlog.TagSwitchCase:
		m.moveSuccessor(ts, 1+int(rec.Index))
	case eventlog.TagSwitchDefault:
		m.moveSuccessor(ts, 0)

	case eventlog.TagRetCode:
		// Driven by a paired bci event naming the subroutine-return
		// target's block; this driver never emits ret_code (a native
		// JIT RET needs no such event, and the interpreter's
		// jsr/ret bytecodes are never disassembled — see DESIGN.md),
		// so this only fires for some other producer of this log
		// format. Handled for completeness: jump the top interpreter
		// frame to the block named by the most recently seen bci.
		if len(ts.interp) > 0 && ts.havePendingBCI {
			top := &ts.interp[len(ts.interp)-1]
			if top.cfg != nil {
				if b, ok := top.cfg.BlockAt(ts.pendingBCI); ok {
					ts.emitBlock(top.cfg, top.block)
					top.block = b
				}
			}
		}
		ts.havePendingBCI = false

	case eventlog.TagThrow, eventlog.TagRethrow:
		// Nothing to do until the paired handle (or a pop past the
		// method) resolves where control actually goes.

	case eventlog.TagHandle:
		m.handle(ts)

	case eventlog.TagPopFrame, eventlog.TagEarlyRet:
		m.popOne(ts)

	case eventlog.TagDeoptimization:
		// Execution continues in the interpreter; the JIT frame
		// stack this level belonged to is gone. The interpreter frame
		// it deoptimizes into arrives via the ordinary method_entry/
		// method_point channel, so there's nothing further to splice
		// here beyond discarding the stale JIT state.
		ts.jit = nil

	case eventlog.TagOSR:
		// The reverse transition; the next jit_code event's PC stack
		// carries the replacing frame's own context, so no attempt is
		// made to correlate it back to the interpreter frame it
		// replaces beyond what that PC stack already encodes.
		ts.jit = nil

	case eventlog.TagCallBegin, eventlog.TagCallEnd, eventlog.TagNonInvokeRet:
		// Frame-transition markers that must not be read as control
		// flow.

	case eventlog.TagDataLoss:
		ts.interp = nil
		ts.jit = nil
		ts.emit(lossMarker)

	case eventlog.TagDecodeError:
		ts.errors++

	case eventlog.TagJitCode:
		m.applyJitCode(ts, jit, rec.JitSection, rec.JitPCs)
	}
	return nil
}

// lossMarker is written as a single output line whenever data_loss
// resets a thread's frames, so a reader of the per-thread bytecode
// file can tell a gap happened instead of silently seeing two
// unrelated stretches of bytecode run together.
const lossMarker = 255

func (m *Matcher) pushInterp(ts *threadState, method uint64) {
	var cfg *bcode.CFG
	if ref, ok := m.methods[method]; ok {
		if g, err := m.cache.Get(ref.Class, ref.Method, ref.Signature); err == nil {
			cfg = g
		} else {
			ts.errors++
		}
	} else {
		ts.errors++
	}
	block := 0
	if cfg != nil {
		if b, ok := cfg.BlockAt(0); ok {
			block = b
		}
	}
	ts.interp = append(ts.interp, iframe{method: method, cfg: cfg, block: block})
}

// popInterpTo unwinds (discarding, without emitting — an abrupt
// unwind has no well-defined "blocks traversed") any interpreter frame
// above the one matching method, emits that frame's current block
// (its final one — typically the return/athrow block that triggered
// the exit, which no taken/not_taken event ever flushes), then pops
// it too.
func (m *Matcher) popInterpTo(ts *threadState, method uint64) {
	for i := len(ts.interp) - 1; i >= 0; i-- {
		if ts.interp[i].method == method {
			ts.emitBlock(ts.interp[i].cfg, ts.interp[i].block)
			ts.interp = ts.interp[:i]
			return
		}
	}
	// No matching frame (entry was missed, e.g. truncated at a
	// work-item boundary); nothing to unwind.
}

func (m *Matcher) advanceInterp(ts *threadState, method uint64, bci int) {
	if len(ts.interp) == 0 {
		return
	}
	top := &ts.interp[len(ts.interp)-1]
	if top.method != method {
		m.popInterpTo(ts, method)
		if len(ts.interp) == 0 {
			return
		}
		top = &ts.interp[len(ts.interp)-1]
	}
	if top.cfg == nil {
		return
	}
	target, ok := top.cfg.BlockAt(bci)
	if !ok {
		ts.errors++
		return
	}
	if path, ok := walkTo(top.cfg, top.block, target); ok {
		ts.emitBlock(top.cfg, top.block)
		if len(path) > 0 {
			for _, b := range path[:len(path)-1] {
				ts.emitBlock(top.cfg, b)
			}
		}
		top.block = target
	} else {
		ts.emitBlock(top.cfg, top.block)
		top.block = target
	}
}

// moveSuccessor emits the top interpreter frame's current block (the
// block being left) and advances it to Successors[idx].
func (m *Matcher) moveSuccessor(ts *threadState, idx int) {
	if len(ts.interp) == 0 {
		return
	}
	top := &ts.interp[len(ts.interp)-1]
	if top.cfg == nil {
		return
	}
	ts.emitBlock(top.cfg, top.block)
	blk := top.cfg.Blocks[top.block]
	if idx < 0 || idx >= len(blk.Successors) {
		ts.errors++
		return
	}
	top.block = blk.Successors[idx]
}

// handle redirects the top interpreter frame to the nearest
// catch-all exception handler covering its current block, falling
// back to propagating (popping the frame) when none covers it.
// eventlog's handle event carries no catch-type/source-pc payload, so
// this can only approximate a matching exception-table entry with a
// catch-all (catchType 0) lookup at the current block.
func (m *Matcher) handle(ts *threadState) {
	for len(ts.interp) > 0 {
		top := &ts.interp[len(ts.interp)-1]
		if top.cfg == nil {
			ts.interp = ts.interp[:len(ts.interp)-1]
			continue
		}
		blk := top.cfg.Blocks[top.block]
		if h, ok := top.cfg.HandlerFor(blk.Start, 0); ok {
			if b, ok := top.cfg.BlockAt(h.HandlerPC); ok {
				top.block = b
				return
			}
		}
		ts.interp = ts.interp[:len(ts.interp)-1]
	}
}

func (m *Matcher) popOne(ts *threadState) {
	if ts.jit != nil && len(ts.jit.levels) > 0 {
		top := ts.jit.levels[len(ts.jit.levels)-1]
		ts.emitBlock(top.cfg, top.block)
		ts.jit.levels = ts.jit.levels[:len(ts.jit.levels)-1]
		return
	}
	if len(ts.interp) > 0 {
		top := ts.interp[len(ts.interp)-1]
		ts.emitBlock(top.cfg, top.block)
		ts.interp = ts.interp[:len(ts.interp)-1]
	}
}
