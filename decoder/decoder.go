// Package decoder implements the PT Query Driver: the per-work-item
// state machine that walks one CPU's Intel PT byte range, consulting
// the codelet classifier, the JIT section index, and the JVM runtime
// timeline as it goes, and writes what it learns into an eventlog
// Recorder.
//
// The shape mirrors go-perf's bufDecoder-over-a-state-machine idiom
// (perffile/bufdecoder.go), generalized to ptquery's query/event
// protocol: pull a branch outcome, drain any event that gets in the
// way, retry. The JIT-mode inner loop (walking compiled machine code
// instruction by instruction between branches) is this decoder's own;
// nothing in go-perf disassembles, so it's built directly from
// x86insn and jitindex.
package decoder

import (
	"errors"
	"fmt"

	"github.com/aclements/go-ptjvm/bcode"
	"github.com/aclements/go-ptjvm/codelet"
	"github.com/aclements/go-ptjvm/eventlog"
	"github.com/aclements/go-ptjvm/jitindex"
	"github.com/aclements/go-ptjvm/jvmruntime"
	"github.com/aclements/go-ptjvm/ptquery"
	"github.com/aclements/go-ptjvm/sideband"
	"github.com/aclements/go-ptjvm/x86insn"
)

// MethodRef names one method by the class/method/signature triple
// bcode.Cache keys on, the same shape frames.MethodRef and
// jvmruntime.MethodInfo use.
type MethodRef struct {
	Class, Method, Signature string
}

// iframe is the driver's own notion of a live interpreter activation:
// which method, which CFG (nil if it couldn't be resolved), and which
// block its bci currently sits in. It exists alongside (and is kept
// in step with) the method_entry/method_exit notifications the
// driver already forwards to the recorder, so that a bytecode
// dispatch row landing on a block's terminator opcode has somewhere
// to look up what kind of branch it is.
type iframe struct {
	method uint64
	cfg    *bcode.CFG
	block  int
}

// Driver replays one work item's PT bytes against a Timeline and
// Replayer shared with nothing else (each work item owns its own
// private copy), producing a single eventlog.Recorder.
type Driver struct {
	q        *ptquery.Decoder
	codelets *codelet.Table
	jit      *jitindex.Index
	timeline *jvmruntime.Timeline
	sb       *sideband.Replayer
	rec      *eventlog.Recorder

	// cache and methods resolve a method id to its bytecode CFG, so
	// the driver can classify interpreted-bytecode terminators the
	// same way the frame matcher later does. Both are read-only and
	// shared across every work item's own Driver.
	cache   *bcode.Cache
	methods map[uint64]MethodRef
	interp  []iframe

	ip       uint64
	retStack []uint64

	curSysTid uint64
	haveTid   bool

	// startTSC is the first TSC this item's own PT bytes produced.
	// Timeline and Replayer both replay from the start of their shared
	// buffers regardless of which item owns them, so their very first
	// AdvanceTo call surfaces every historical switch and notification
	// back to time zero; the switch-event backlog is self-pruning
	// (every intermediate SwitchIn/Out pair brackets zero written
	// bytes, so Recorder discards it as an empty segment), but
	// Notifications() has no such byte-offset signal and must be
	// filtered explicitly against startTSC instead.
	startTSC  uint64
	haveStart bool

	// havePendingEntry/pendingEntry record that the previous step
	// crossed one of the interpreter's jitcode_entry/jitcode_osr_entry
	// trampolines, so the next jitStep's first PC entry should carry
	// this sentinel instead of a real PC-descriptor index.
	havePendingEntry bool
	pendingEntry     int32

	// lastStepIP/haveLastStepIP and firedThisIP track whether step has
	// already taken its one-shot action (a named codelet's event, or a
	// bytecode terminator's branch/call query) for the dispatch row at
	// d.ip: a single dispatch row can take more than one query to
	// actually leave (an internal check before its own threaded-
	// dispatch jump), and step is called again at the same ip while
	// that happens — firedThisIP suppresses firing twice for that same
	// occurrence, without ever suppressing a later, genuine revisit of
	// the same address (a loop back-edge), which always has some other
	// ip intervening since the last time step ran.
	lastStepIP     uint64
	haveLastStepIP bool
	firedThisIP    bool

	jitRun *jitRun
}

type jitRun struct {
	section uint64
	pcs     []int32
}

// New creates a Driver over one CPU's raw PT bytes. codelets and jit
// are shared with the Timeline that replays this same work item's
// runtime dump slice; sb replays the matching sideband/AUX records.
// cache and methods let the driver resolve a method id to its
// bytecode CFG to classify interpreted branches; both come from the
// same full dump-stream replay and class path the frame matcher uses.
func New(ptBytes []byte, codelets *codelet.Table, jit *jitindex.Index, timeline *jvmruntime.Timeline, sb *sideband.Replayer, cache *bcode.Cache, methods map[uint64]MethodRef) *Driver {
	return &Driver{
		q:        ptquery.New(ptBytes),
		codelets: codelets,
		jit:      jit,
		timeline: timeline,
		sb:       sb,
		cache:    cache,
		methods:  methods,
		rec:      &eventlog.Recorder{},
	}
}

// Run decodes the entire PT byte range and returns the populated
// Recorder. It never returns an error for trace-local malformation —
// those become decode_error/data_loss records instead; an error
// return means something outside the trace itself failed (a timeline
// or sideband replay inconsistency, which is treated as fatal).
func (d *Driver) Run() (*eventlog.Recorder, error) {
	for {
		ip, tsc, err := d.q.SyncForward()
		if errors.Is(err, ptquery.ErrEOS) {
			d.flushJitRun()
			if d.haveTid {
				endTSC, _ := d.q.TSC()
				d.rec.SwitchOut(endTSC)
			}
			return d.rec, nil
		}
		if errors.Is(err, ptquery.ErrNoIP) {
			d.rec.DecodeError()
			continue
		}
		if err != nil {
			d.rec.DecodeError()
			continue
		}
		d.ip = ip
		if err := d.onTimeChange(tsc); err != nil {
			return nil, err
		}
		if err := d.drainEvents(); err != nil {
			d.rec.DecodeError()
			continue
		}

		for {
			ok, err := d.step()
			if err != nil {
				d.flushJitRun()
				d.rec.DecodeError()
				break
			}
			if !ok {
				break
			}
			if d.q.TimeAdvanced() {
				tsc, _ := d.q.TSC()
				if err := d.onTimeChange(tsc); err != nil {
					return nil, err
				}
			}
		}
	}
}

// onTimeChange pushes both replayed-state machines forward to tsc and
// turns what they produce into recorder activity: context-switch
// segments, sticky data_loss, and queued method entry/exit
// notifications for whichever thread currently owns the CPU.
func (d *Driver) onTimeChange(tsc uint64) error {
	if !d.haveStart {
		d.startTSC = tsc
		d.haveStart = true
	}
	if err := d.timeline.AdvanceTo(tsc); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	events, err := d.sb.AdvanceTo(tsc)
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	for _, ev := range events {
		switch ev.Kind {
		case sideband.EventSwitchOut:
			d.rec.SwitchOut(ev.Time)
			d.haveTid = false
		case sideband.EventSwitchIn:
			d.flushJitRun()
			d.rec.SwitchIn(uint64(ev.Tid), ev.Time)
			d.curSysTid = uint64(ev.Tid)
			d.haveTid = true
			if ev.Loss {
				d.rec.DataLoss()
			}
		}
	}

	for _, n := range d.timeline.Notifications() {
		if n.Time < d.startTSC {
			// Predates this item's own PT range: some earlier item
			// covering that span already owns it (or nothing does,
			// if this is the first item, in which case there's
			// nothing to correlate it with either way).
			continue
		}
		if !d.haveTid || n.SysTid != d.curSysTid {
			// A notification for a thread not currently owning this
			// CPU can't belong to this work item's segment of the
			// log; drop it rather than attribute it to the wrong
			// thread (see DESIGN.md).
			continue
		}
		switch n.Kind {
		case jvmruntime.NotifyMethodEntry:
			d.rec.MethodEntry(uint64(n.Method))
			d.pushInterp(uint64(n.Method))
		case jvmruntime.NotifyMethodExit:
			d.rec.MethodExit(uint64(n.Method))
			d.popInterpTo(uint64(n.Method))
		}
	}
	return nil
}

// step runs one process_ip iteration at d.ip. ok is false when the
// current sync run should be abandoned in favor of the next
// SyncForward (an unrecoverable decode error at this IP).
func (d *Driver) step() (ok bool, err error) {
	if !d.haveLastStepIP || d.lastStepIP != d.ip {
		d.firedThisIP = false
		d.lastStepIP, d.haveLastStepIP = d.ip, true
	}

	cls := d.codelets.Classify(d.ip)
	switch cls.Kind {
	case codelet.KindIllegal:
		sec, found := d.jit.Find(d.ip)
		if !found {
			return false, fmt.Errorf("decoder: no codelet or jit section covers %#x", d.ip)
		}
		return d.jitStep(sec)

	case codelet.KindBytecode:
		return d.bytecodeStep(cls.Code)

	default:
		d.flushJitRun()
		if !d.firedThisIP {
			d.namedCodeletStep(cls.Kind)
			d.firedThisIP = true
		}
		return d.advanceDispatch()
	}
}

// bytecodeStep runs one dispatch row of the generated, method- and
// bci-agnostic interpreter code. The codelet table only classifies by
// opcode, so whether there's anything to record here depends on the
// interpreter frame this driver tracks alongside the notification
// channel (onTimeChange's method_entry/method_exit handling): only
// once the dispatched opcode matches that frame's current block
// terminator is this the one dispatch row, among however many the
// handler takes, whose outcome decides where bci goes next.
func (d *Driver) bytecodeStep(code byte) (bool, error) {
	d.flushJitRun()
	top := d.interpTop()
	if top == nil || top.cfg == nil {
		return d.advanceDispatch()
	}
	blk := top.cfg.Blocks[top.block]
	if blk.Terminator == bcode.KindFallthrough || code != blk.Opcode {
		return d.advanceDispatch()
	}
	return d.bytecodeTerminator(top, blk)
}

// bytecodeTerminator decides, and records, where the top interpreter
// frame goes from its current block, the interpreted-code counterpart
// of jitStep's per-instruction branch-class switch.
func (d *Driver) bytecodeTerminator(top *iframe, blk bcode.Block) (bool, error) {
	switch blk.Terminator {
	case bcode.KindBranch:
		if d.firedThisIP {
			return d.advanceDispatch()
		}
		d.firedThisIP = true
		taken, err := d.condBranch()
		if err != nil {
			return false, err
		}
		if taken {
			d.rec.Taken()
			top.block = blk.Successors[0]
		} else {
			d.rec.NotTaken()
			top.block = blk.Successors[1]
		}
		return true, nil

	case bcode.KindSwitch:
		if d.firedThisIP {
			return d.advanceDispatch()
		}
		d.firedThisIP = true
		idx, err := d.resolveMultiwaySuccessor(top, blk)
		if err != nil {
			return false, err
		}
		if idx == 0 {
			d.rec.SwitchDefault()
		} else {
			d.rec.SwitchCase(uint32(idx - 1))
		}
		top.block = blk.Successors[idx]
		return true, nil

	case bcode.KindRet, bcode.KindJsr:
		// jsr/ret's target isn't recorded as a CFG successor (it's a
		// runtime local-variable value, not a static branch target —
		// see bcode.CFG's own build-time comment), so there's no
		// successor list to resolve a landing codelet against the way
		// switch's is. Long obsolete in compiled bytecode; recorded as
		// a decode_error rather than guessed.
		if d.firedThisIP {
			return d.advanceDispatch()
		}
		d.firedThisIP = true
		d.rec.DecodeError()
		return d.advanceDispatch()

	case bcode.KindGoto:
		// A goto's successor is static and needs no query, so this runs
		// unguarded: a chain of fallthrough-free single-successor blocks
		// (nested gotos, an empty finally block) all walk forward within
		// the same dispatch row before the next real query is needed.
		if len(blk.Successors) > 0 {
			top.block = blk.Successors[0]
			d.rec.MethodPoint(top.method, uint32(top.cfg.Blocks[top.block].Start))
		}
		return true, nil

	case bcode.KindInvoke:
		// The callee's own method_entry/method_exit notifications
		// (and, on return, the matching KindReturnInvoke* codelet)
		// carry this frame forward; nothing to resolve at the call
		// site itself beyond marking that it happened.
		if d.firedThisIP {
			return d.advanceDispatch()
		}
		d.firedThisIP = true
		d.rec.CallBegin()
		return d.advanceDispatch()

	default: // KindReturn, KindAthrow
		// This frame is leaving one way or another: a pending
		// method_exit notification or a throw/handle sequence, not a
		// CFG successor, decides what happens next.
		return d.advanceDispatch()
	}
}

// resolveMultiwaySuccessor issues the indirect-branch query a switch
// dispatch needs to find its target, then disambiguates which of blk's
// successors it landed in by matching the target dispatch row's opcode
// against each successor block's own leading opcode. The codelet table
// classifies by opcode alone, so two successors that start with the
// same opcode can't be told apart this way; when more than one
// successor matches, or none does, resolveMultiwaySuccessor returns
// index 0 and records a decode_error to flag the lost fidelity.
func (d *Driver) resolveMultiwaySuccessor(top *iframe, blk bcode.Block) (int, error) {
	ip, err := d.indirectBranch()
	if err != nil {
		return 0, err
	}
	d.ip = ip
	landing := d.codelets.Classify(ip)
	match := -1
	if landing.Kind == codelet.KindBytecode {
		for i, succ := range blk.Successors {
			start := top.cfg.Blocks[succ].Start
			if start >= len(top.cfg.Code) {
				continue
			}
			if top.cfg.Code[start] == landing.Code {
				if match >= 0 {
					match = -1
					break
				}
				match = i
			}
		}
	}
	if match < 0 {
		d.rec.DecodeError()
		match = 0
	}
	return match, nil
}

// advanceDispatch issues one cond-or-indirect-branch query to make
// progress through the generated interpreter code from the current
// ip: an internal check the handler makes on its own (a null check, a
// bounds check, the comparison a two-way bytecode itself performs)
// leaves d.ip untouched, so the next call to step reclassifies the
// same dispatch row and this is called again; a threaded-dispatch
// jump to the next handler updates d.ip, so the next call to step
// reclassifies wherever that landed.
func (d *Driver) advanceDispatch() (bool, error) {
	for {
		kind, _, ip, err := d.q.CondOrIndirectBranch()
		if err == nil {
			if kind == ptquery.BranchIndirect {
				d.ip = ip
			}
			return true, nil
		}
		if errors.Is(err, ptquery.ErrEventPending) {
			if err := d.drainEvents(); err != nil {
				return false, err
			}
			continue
		}
		return false, err
	}
}

func (d *Driver) interpTop() *iframe {
	if len(d.interp) == 0 {
		return nil
	}
	return &d.interp[len(d.interp)-1]
}

func (d *Driver) pushInterp(method uint64) {
	var cfg *bcode.CFG
	if ref, ok := d.methods[method]; ok {
		if g, err := d.cache.Get(ref.Class, ref.Method, ref.Signature); err == nil {
			cfg = g
		}
	}
	block := 0
	if cfg != nil {
		if b, ok := cfg.BlockAt(0); ok {
			block = b
		}
	}
	d.interp = append(d.interp, iframe{method: method, cfg: cfg, block: block})
}

func (d *Driver) popInterpTo(method uint64) {
	for i := len(d.interp) - 1; i >= 0; i-- {
		if d.interp[i].method == method {
			d.interp = d.interp[:i]
			return
		}
	}
}

// namedCodeletStep handles IP landing in one of the interpreter's
// fixed, non-repeating codelets.
func (d *Driver) namedCodeletStep(kind codelet.Kind) {
	switch kind {
	case codelet.KindThrowException,
		codelet.KindThrowArithmeticException,
		codelet.KindThrowArrayIndexOutOfBounds,
		codelet.KindThrowArrayStoreException,
		codelet.KindThrowClassCastException,
		codelet.KindThrowNullPointerException,
		codelet.KindThrowStackOverflowError:
		d.rec.Throw()
	case codelet.KindRethrowException:
		d.rec.Rethrow()
	case codelet.KindEarlyRet:
		d.rec.EarlyRet()
	case codelet.KindDeopt, codelet.KindDeoptReexecuteReturn:
		d.rec.Deoptimization()
	case codelet.KindRemoveActivation, codelet.KindRemoveActivationPreservingException:
		d.rec.PopFrame()
	case codelet.KindReturnInvoke, codelet.KindReturnInvokeInterface, codelet.KindReturnInvokeDynamic:
		d.rec.CallEnd()
		if top := d.interpTop(); top != nil && top.cfg != nil {
			blk := top.cfg.Blocks[top.block]
			if blk.Terminator == bcode.KindInvoke && len(blk.Successors) > 0 {
				top.block = blk.Successors[0]
				d.rec.MethodPoint(top.method, uint32(top.cfg.Blocks[top.block].Start))
			}
		}
		d.rec.NonInvokeRet()
	case codelet.KindJitCodeEntry:
		d.havePendingEntry, d.pendingEntry = true, eventlog.JitPCEntry
	case codelet.KindJitCodeOSREntry:
		d.havePendingEntry, d.pendingEntry = true, eventlog.JitPCOSREntry
		d.rec.OSR()
	case codelet.KindJitCode, codelet.KindMethodEntry:
		// method_entry carries no method identity of its own; that
		// arrives through the notification channel onTimeChange
		// already handles. An IP in a jitcode slot records nothing
		// here either: compiled code is replayed through KindIllegal's
		// jitindex lookup instead.
	}
}

// jitStep decodes and replays one instruction of compiled code in
// sec, advancing d.ip past it (or to its resolved transfer target).
func (d *Driver) jitStep(sec *jitindex.Section) (ok bool, err error) {
	code, found := sec.CodeAt(d.ip)
	if !found {
		return false, fmt.Errorf("decoder: %#x not covered by its own jit section", d.ip)
	}
	inst, err := x86insn.Decode(code, d.ip)
	if err != nil {
		return false, fmt.Errorf("decoder: %w", err)
	}

	pcVal := eventlog.JitPCEntry
	if d.havePendingEntry {
		pcVal = d.pendingEntry
		d.havePendingEntry = false
	} else if idx, ok := sec.IndexAt(d.ip); ok {
		pcVal = int32(idx)
	}
	d.startOrAppendJitRun(sec.Start, pcVal)

	switch inst.Class {
	case x86insn.ClassCondJump:
		taken, err := d.condBranch()
		if err != nil {
			return false, err
		}
		if taken && inst.TargetValid {
			d.ip = inst.Target
		} else {
			d.ip += uint64(inst.Len)
		}

	case x86insn.ClassDirectJump:
		if !inst.TargetValid {
			return false, fmt.Errorf("decoder: direct jump at %#x with no static target", d.ip)
		}
		d.ip = inst.Target

	case x86insn.ClassCall:
		next := d.ip + uint64(inst.Len)
		if !(inst.TargetValid && inst.Target == next) {
			d.retStack = append(d.retStack, next)
		}
		if inst.TargetValid {
			d.ip = inst.Target
		} else {
			tgt, err := d.resolveIndirect(sec)
			if err != nil {
				return false, err
			}
			d.ip = tgt
		}

	case x86insn.ClassIndirectCall:
		d.retStack = append(d.retStack, d.ip+uint64(inst.Len))
		tgt, err := d.resolveIndirect(sec)
		if err != nil {
			return false, err
		}
		d.ip = tgt

	case x86insn.ClassReturn:
		// A native return inside compiled code needs no event of its
		// own: the frame matcher recovers return semantics from the
		// jit_code PC sequence's inline-stack descriptors. ret_code is
		// the interpreter-level jsr/ret bytecode construct, not this.
		taken, err := d.condBranch()
		if err != nil {
			return false, err
		}
		if taken {
			if n := len(d.retStack); n > 0 {
				d.ip = d.retStack[n-1]
				d.retStack = d.retStack[:n-1]
			} else {
				return false, fmt.Errorf("decoder: compressed return at %#x with empty return stack", d.ip)
			}
		} else {
			tgt, err := d.indirectBranch()
			if err != nil {
				return false, err
			}
			if n := len(d.retStack); n > 0 {
				d.retStack = d.retStack[:n-1]
			}
			d.ip = tgt
		}

	case x86insn.ClassIndirectJump:
		tgt, err := d.resolveIndirect(sec)
		if err != nil {
			return false, err
		}
		d.ip = tgt

	case x86insn.ClassFarTransfer:
		return false, fmt.Errorf("decoder: far transfer at %#x unsupported", d.ip)

	default: // ClassOther, ClassPtwrite
		d.ip += uint64(inst.Len)
	}
	return true, nil
}

// resolveIndirect consults the inline-cache map before issuing the PT
// query that actually establishes ground truth for an indirect
// transfer. The PT packet is always consumed regardless of what the
// cache says — hardware traces the real target independent of
// software state — so the cache lookup here is informational rather
// than query-skipping (see DESIGN.md).
func (d *Driver) resolveIndirect(sec *jitindex.Section) (uint64, error) {
	if _, ok := d.timeline.InlineCacheTarget(d.ip, sec.Start); ok {
		// A fuller decoder would use this to validate the query result
		// or to resolve call sites PT itself filtered out; this one
		// always queries, so the lookup is unused beyond that intent.
	}
	return d.indirectBranch()
}

// condBranch retries CondBranch across any events it surfaces.
func (d *Driver) condBranch() (bool, error) {
	for {
		taken, err := d.q.CondBranch()
		if err == nil {
			return taken, nil
		}
		if errors.Is(err, ptquery.ErrEventPending) {
			if err := d.drainEvents(); err != nil {
				return false, err
			}
			continue
		}
		return false, err
	}
}

// indirectBranch retries IndirectBranch across any events it surfaces.
func (d *Driver) indirectBranch() (uint64, error) {
	for {
		ip, err := d.q.IndirectBranch()
		if err == nil {
			return ip, nil
		}
		if errors.Is(err, ptquery.ErrEventPending) {
			if err := d.drainEvents(); err != nil {
				return 0, err
			}
			continue
		}
		return 0, err
	}
}

// drainEvents pops every event ptquery has queued, applying each to
// driver state. The driver defers resuming the instruction it was
// decoding until this returns: CondBranch/IndirectBranch callers loop
// back and reissue the same query once events are drained.
func (d *Driver) drainEvents() error {
	for {
		ev, ok := d.q.NextEvent()
		if !ok {
			return nil
		}
		switch ev.Kind {
		case ptquery.EventEnabled, ptquery.EventDisabled, ptquery.EventAsyncBranch, ptquery.EventOverflow:
			if !ev.IPSuppressed {
				d.ip = ev.IP
			}
		case ptquery.EventStop:
			// Nothing further to validate here; tracing has stopped
			// for this range and the outer loop will hit ErrEOS.
		}
		// EventPaging/EventVMCS/EventExecMode/EventTSX/EventPTWrite/
		// EventStatusUpdate carry no information this decoder's output
		// depends on (data-value recovery and cross-mode execution
		// tracking beyond x86-64 are both out of scope here); they're
		// drained for protocol correctness and otherwise ignored.
	}
}

// startOrAppendJitRun accumulates one more PC-descriptor index into
// the in-flight jit_code run, flushing first if sec belongs to a
// different section than the run already open. A single jit_code
// event spans every consecutive JIT-mode step until the walk leaves
// JIT mode or crosses into a different section: one ongoing event
// rather than one event per instruction.
func (d *Driver) startOrAppendJitRun(sectionStart uint64, pc int32) {
	if d.jitRun != nil && d.jitRun.section != sectionStart {
		d.flushJitRun()
	}
	if d.jitRun == nil {
		d.jitRun = &jitRun{section: sectionStart}
	}
	d.jitRun.pcs = append(d.jitRun.pcs, pc)
}

func (d *Driver) flushJitRun() {
	if d.jitRun == nil {
		return
	}
	d.rec.JitCode(d.jitRun.section, d.jitRun.pcs)
	d.jitRun = nil
}
