// Package jvmruntime replays the JVM-emitted runtime dump stream in
// timestamp order, feeding the codelet table (codelet.Table) and the
// JIT section index (jitindex.Index) as it goes, and tracking the
// system-tid↔java-tid map and inline-cache map the PT Query Driver
// consults while decoding.
package jvmruntime

import (
	"encoding/binary"
	"fmt"

	"github.com/aclements/go-ptjvm/codelet"
	"github.com/aclements/go-ptjvm/jitindex"
)

// FrameKind identifies one dump frame's payload shape.
type FrameKind uint32

const (
	FrameCodeletInfo FrameKind = iota
	FrameMethodEntryInitial
	FrameMethodEntry
	FrameMethodExit
	FrameCompiledMethodLoad
	FrameCompiledMethodUnload
	FrameThreadStart
	FrameInlineCacheAdd
	FrameInlineCacheClear
)

// MethodID is the small integer the dump stream uses to refer to a
// method after it's been registered once.
type MethodID uint64

type methodInfo struct {
	class, method, signature string
}

type icKey struct {
	src, sectionStart uint64
}

// NotificationKind distinguishes the two per-invocation notifications
// a Timeline queues for the driver to turn into eventlog records.
type NotificationKind int

const (
	NotifyMethodEntry NotificationKind = iota
	NotifyMethodExit
)

// Notification is a real-time method entry/exit crossing observed by
// the JVM instrumentation, as opposed to method_entry_initial's
// one-time id registration. The driver records it only when SysTid
// is the sys tid currently switched in on its CPU, i.e. the owner of
// the active recorder segment.
type Notification struct {
	Kind   NotificationKind
	Method MethodID
	SysTid uint64
	Time   uint64
}

// Timeline replays one JVM runtime dump buffer. It is owned by a
// single per-work-item Driver, so its JIT index is that Driver's
// private view rather than a shared mutable global.
type Timeline struct {
	buf []byte
	pos int

	haveCalledTime bool
	lastCalledTime uint64

	Codelets *codelet.Table
	JIT      *jitindex.Index

	methods map[MethodID]methodInfo
	tidMap  map[uint64]uint64 // sys tid -> java tid
	icMap   map[icKey]uint64

	notifications []Notification
}

// Notifications drains and returns the method_entry/method_exit
// notifications queued by frames processed since the last call.
func (tl *Timeline) Notifications() []Notification {
	out := tl.notifications
	tl.notifications = nil
	return out
}

// NewTimeline creates a Timeline over a dump buffer, writing installed
// codelets into codelets and compiled sections into jit.
func NewTimeline(buf []byte, codelets *codelet.Table, jit *jitindex.Index) *Timeline {
	return &Timeline{
		buf:      buf,
		Codelets: codelets,
		JIT:      jit,
		methods:  make(map[MethodID]methodInfo),
		tidMap:   make(map[uint64]uint64),
		icMap:    make(map[icKey]uint64),
	}
}

// JavaTid returns the Java thread id mapped to sysTid, if thread_start
// has been replayed for it yet.
func (tl *Timeline) JavaTid(sysTid uint64) (uint64, bool) {
	t, ok := tl.tidMap[sysTid]
	return t, ok
}

// JavaTids returns a snapshot of every sys-tid→java-tid mapping seen so
// far. The frame matcher uses this after a full decode pass to relabel
// a Recorder's segments (keyed by sys tid, since thread_start for a tid
// may arrive after that tid's first switch_in) by their Java tid for
// output grouping.
func (tl *Timeline) JavaTids() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(tl.tidMap))
	for k, v := range tl.tidMap {
		out[k] = v
	}
	return out
}

// MethodRef returns the (class, method, signature) triple registered
// for id by a method_entry_initial frame: a bcode.Cache lookup key,
// the same triple jitindex.MethodRef carries for a JIT section's
// inline table.
func (tl *Timeline) MethodRef(id MethodID) (class, method, signature string, ok bool) {
	mi, ok := tl.methods[id]
	return mi.class, mi.method, mi.signature, ok
}

// MethodInfo is the exported form of a registered method reference.
type MethodInfo struct {
	Class, Method, Signature string
}

// AllMethods returns every method_entry_initial registration replayed
// so far, keyed by MethodID. A per-work-item Timeline only ever sees
// the methods touched by its own item, so cmd/jportaldecode instead
// runs one Timeline over the full dump stream purely to harvest this
// map, then hands it to the frame matcher as a static lookup table
// independent of any one item's partial view.
func (tl *Timeline) AllMethods() map[uint64]MethodInfo {
	out := make(map[uint64]MethodInfo, len(tl.methods))
	for id, mi := range tl.methods {
		out[uint64(id)] = MethodInfo{Class: mi.class, Method: mi.method, Signature: mi.signature}
	}
	return out
}

// InlineCacheTarget returns the cached target of an indirect call site
// at src within the JIT section starting at sectionStart, keyed by
// that (source, enclosing-section) pair.
func (tl *Timeline) InlineCacheTarget(src, sectionStart uint64) (uint64, bool) {
	dst, ok := tl.icMap[icKey{src, sectionStart}]
	return dst, ok
}

type frameHeader struct {
	Kind FrameKind
	Size uint32
	Time uint64
}

func (tl *Timeline) peekHeader() (frameHeader, []byte, error) {
	if len(tl.buf)-tl.pos < 16 {
		return frameHeader{}, nil, nil
	}
	hdr := frameHeader{
		Kind: FrameKind(binary.LittleEndian.Uint32(tl.buf[tl.pos:])),
		Size: binary.LittleEndian.Uint32(tl.buf[tl.pos+4:]),
		Time: binary.LittleEndian.Uint64(tl.buf[tl.pos+8:]),
	}
	start := tl.pos + 16
	if start+int(hdr.Size) > len(tl.buf) {
		return frameHeader{}, nil, fmt.Errorf("jvmruntime: frame at offset %d truncated", tl.pos)
	}
	return hdr, tl.buf[start : start+int(hdr.Size)], nil
}

// AdvanceTo processes every frame with timestamp ≤ t. Calls must be
// monotonically non-decreasing in t; a decreasing call is a fatal
// error.
func (tl *Timeline) AdvanceTo(t uint64) error {
	if tl.haveCalledTime && t < tl.lastCalledTime {
		return fmt.Errorf("jvmruntime: advance_to called with decreasing time %d (last %d)", t, tl.lastCalledTime)
	}
	tl.lastCalledTime = t
	tl.haveCalledTime = true

	for {
		hdr, payload, err := tl.peekHeader()
		if err != nil {
			return err
		}
		if payload == nil || hdr.Time > t {
			return nil
		}
		if err := tl.apply(hdr.Kind, hdr.Time, payload); err != nil {
			return fmt.Errorf("jvmruntime: frame at time %d: %w", hdr.Time, err)
		}
		tl.pos += 16 + int(hdr.Size)
	}
}

func (tl *Timeline) apply(kind FrameKind, time uint64, p []byte) error {
	switch kind {
	case FrameCodeletInfo:
		return tl.applyCodeletInfo(p)
	case FrameMethodEntryInitial:
		return tl.applyMethodRegister(p)
	case FrameMethodEntry:
		return tl.applyMethodNotify(p, time, NotifyMethodEntry)
	case FrameMethodExit:
		return tl.applyMethodNotify(p, time, NotifyMethodExit)
	case FrameCompiledMethodLoad:
		return tl.applyCompiledMethodLoad(p)
	case FrameCompiledMethodUnload:
		if len(p) < 8 {
			return fmt.Errorf("truncated compiled_method_unload")
		}
		addr := binary.LittleEndian.Uint64(p)
		tl.JIT.Remove(addr)
		// Inline caches keyed to a retired section's call sites can
		// never be consulted again; drop them so a reused address
		// range can't be mistaken for a stale IC hit.
		for k := range tl.icMap {
			if k.sectionStart == addr {
				delete(tl.icMap, k)
			}
		}
		return nil
	case FrameThreadStart:
		if len(p) < 16 {
			return fmt.Errorf("truncated thread_start")
		}
		sysTid := binary.LittleEndian.Uint64(p)
		javaTid := binary.LittleEndian.Uint64(p[8:])
		tl.tidMap[sysTid] = javaTid
		return nil
	case FrameInlineCacheAdd:
		if len(p) < 24 {
			return fmt.Errorf("truncated inline_cache_add")
		}
		src := binary.LittleEndian.Uint64(p)
		dst := binary.LittleEndian.Uint64(p[8:])
		section := binary.LittleEndian.Uint64(p[16:])
		tl.icMap[icKey{src, section}] = dst
		return nil
	case FrameInlineCacheClear:
		if len(p) < 16 {
			return fmt.Errorf("truncated inline_cache_clear")
		}
		src := binary.LittleEndian.Uint64(p)
		section := binary.LittleEndian.Uint64(p[8:])
		delete(tl.icMap, icKey{src, section})
		return nil
	}
	return fmt.Errorf("unknown frame kind %d", kind)
}

func readLenString(p []byte, off int) (string, int, error) {
	if off+2 > len(p) {
		return "", 0, fmt.Errorf("truncated string length")
	}
	n := int(binary.LittleEndian.Uint16(p[off:]))
	off += 2
	if off+n > len(p) {
		return "", 0, fmt.Errorf("truncated string body")
	}
	return string(p[off : off+n]), off + n, nil
}

func (tl *Timeline) applyMethodRegister(p []byte) error {
	if len(p) < 8 {
		return fmt.Errorf("truncated method register frame")
	}
	id := MethodID(binary.LittleEndian.Uint64(p))
	off := 8
	class, off, err := readLenString(p, off)
	if err != nil {
		return err
	}
	method, off, err := readLenString(p, off)
	if err != nil {
		return err
	}
	sig, _, err := readLenString(p, off)
	if err != nil {
		return err
	}
	tl.methods[id] = methodInfo{class: class, method: method, signature: sig}
	return nil
}

// applyMethodNotify parses a real-time method_entry/method_exit frame:
//
//	u64 methodID, u64 sysTid
//
// (distinct from method_entry_initial, which carries the method's
// names for one-time registration rather than a per-invocation tid).
func (tl *Timeline) applyMethodNotify(p []byte, time uint64, kind NotificationKind) error {
	if len(p) < 16 {
		return fmt.Errorf("truncated method_entry/method_exit frame")
	}
	id := MethodID(binary.LittleEndian.Uint64(p))
	sysTid := binary.LittleEndian.Uint64(p[8:])
	tl.notifications = append(tl.notifications, Notification{Kind: kind, Method: id, SysTid: sysTid, Time: time})
	return nil
}

// applyCodeletInfo parses:
//
//	u32 namedCount, namedCount x {u32 kind, u64 start, u64 end}
//	u32 dispatchCount, dispatchCount x {u64 start, u64 end, u8 code, [3]pad}
func (tl *Timeline) applyCodeletInfo(p []byte) error {
	raw := append([]byte(nil), p...)
	off := 0
	need := func(n int) error {
		if off+n > len(p) {
			return fmt.Errorf("truncated codelet_info")
		}
		return nil
	}
	if err := need(4); err != nil {
		return err
	}
	namedCount := int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	named := make(map[codelet.Kind][]codelet.Slot)
	for i := 0; i < namedCount; i++ {
		if err := need(20); err != nil {
			return err
		}
		k := codelet.Kind(binary.LittleEndian.Uint32(p[off:]))
		start := binary.LittleEndian.Uint64(p[off+4:])
		end := binary.LittleEndian.Uint64(p[off+12:])
		off += 20
		named[k] = append(named[k], codelet.Slot{Start: start, End: end})
	}
	if err := need(4); err != nil {
		return err
	}
	dispatchCount := int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	dispatch := make([]codelet.DispatchRow, dispatchCount)
	for i := range dispatch {
		if err := need(20); err != nil {
			return err
		}
		dispatch[i] = codelet.DispatchRow{
			Start: binary.LittleEndian.Uint64(p[off:]),
			End:   binary.LittleEndian.Uint64(p[off+8:]),
			Code:  p[off+16],
		}
		off += 20
	}
	return tl.Codelets.Install(raw, codelet.Info{Named: named, Dispatch: dispatch})
}

// applyCompiledMethodLoad parses:
//
//	u64 start, u64 codeSize, u32 inlineMethodCnt, inlineMethodCnt x u64 methodID,
//	codeSize x raw instruction bytes (kept: the JIT-mode instruction walk disassembles from these),
//	u32 pcCount, pcCount x {u64 pc, u32 stackDepth, stackDepth x {u32 methodIdx, u32 bci}},
//	u32 scopesDataLen, scopesDataLen x byte (opaque, unused by this decoder)
func (tl *Timeline) applyCompiledMethodLoad(p []byte) error {
	off := 0
	need := func(n int) error {
		if off+n > len(p) {
			return fmt.Errorf("truncated compiled_method_load")
		}
		return nil
	}
	if err := need(20); err != nil {
		return err
	}
	start := binary.LittleEndian.Uint64(p[off:])
	codeSize := binary.LittleEndian.Uint64(p[off+8:])
	inlineCnt := int(binary.LittleEndian.Uint32(p[off+16:]))
	off += 20

	methods := make([]jitindex.MethodRef, inlineCnt)
	for i := range methods {
		if err := need(8); err != nil {
			return err
		}
		id := MethodID(binary.LittleEndian.Uint64(p[off:]))
		off += 8
		mi := tl.methods[id]
		methods[i] = jitindex.MethodRef{Class: mi.class, Method: mi.method, Signature: mi.signature}
	}

	if err := need(int(codeSize)); err != nil {
		return err
	}
	code := append([]byte(nil), p[off:off+int(codeSize)]...)
	off += int(codeSize)

	if err := need(4); err != nil {
		return err
	}
	pcCount := int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	pcs := make([]jitindex.PCDescriptor, pcCount)
	for i := range pcs {
		if err := need(12); err != nil {
			return err
		}
		pc := binary.LittleEndian.Uint64(p[off:])
		depth := int(binary.LittleEndian.Uint32(p[off+8:]))
		off += 12
		stack := make([]jitindex.InlinedFrame, depth)
		for j := range stack {
			if err := need(8); err != nil {
				return err
			}
			stack[j] = jitindex.InlinedFrame{
				Method: int(binary.LittleEndian.Uint32(p[off:])),
				BCI:    int(binary.LittleEndian.Uint32(p[off+4:])),
			}
			off += 8
		}
		pcs[i] = jitindex.PCDescriptor{PC: pc, Stack: stack}
	}

	if err := need(4); err != nil {
		return err
	}
	scopesDataLen := int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	if err := need(scopesDataLen); err != nil {
		return err
	}

	tl.JIT.Add(&jitindex.Section{
		Start:   start,
		Size:    codeSize,
		Code:    code,
		Methods: methods,
		PCs:     pcs,
	})
	return nil
}
