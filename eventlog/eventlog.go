// Package eventlog is the per-thread Event Recorder: an append-only
// byte log of typed, variable-size decode events, plus the thread
// segmentation list describing which Java tid owned the CPU during
// each span of the log.
//
// Records are one tag byte optionally followed by a fixed payload.
// `jit_code` is the one variable-length exception: a tag, a section
// id, then a run of sub-records that continues until a tag byte that
// isn't a jit pc-index tag is seen — the reader keeps consuming until
// it hits that boundary.
package eventlog

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies one event kind in the byte log.
type Tag byte

const (
	TagCallBegin Tag = iota
	TagCallEnd
	TagMethodEntry
	TagMethodExit
	TagMethodPoint
	TagBCI
	TagTaken
	TagNotTaken
	TagSwitchCase
	TagSwitchDefault
	TagRetCode
	TagDeoptimization
	TagThrow
	TagRethrow
	TagHandle
	TagPopFrame
	TagEarlyRet
	TagNonInvokeRet
	TagOSR
	TagJitCode
	tagJitPCIndex // internal: valid only inside a jit_code run
	TagDataLoss
	TagDecodeError
)

func (t Tag) String() string {
	names := [...]string{
		"call_begin", "call_end", "method_entry", "method_exit", "method_point",
		"bci", "taken", "not_taken", "switch_case", "switch_default", "ret_code",
		"deoptimization", "throw", "rethrow", "handle", "pop_frame", "early_ret",
		"non_invoke_ret", "osr", "jit_code", "jit_pc_index", "data_loss", "decode_error",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// JitPCSentinel values are the negative pc-index slots jit_code uses
// to denote a non-table transfer (entry, exception edge, ...) instead
// of a real PC-descriptor array index.
const (
	JitPCEntry     int32 = -1
	JitPCOSREntry  int32 = -2
	JitPCReturn    int32 = -3
	JitPCException int32 = -4
	JitPCUnwind    int32 = -5
	JitPCDeopt     int32 = -6
	JitPCDeoptMH   int32 = -7
)

// Segment describes a contiguous run of the log during which sysTid's
// owning Java thread had the CPU.
type Segment struct {
	Tid        uint64
	StartOffset, EndOffset int
	StartTime, EndTime     uint64
}

// Recorder is one Driver's private append-only event log.
type Recorder struct {
	buf      []byte
	segments []Segment
	open     *Segment
}

// SwitchIn opens a new thread segment at the log's current end.
// Calling SwitchIn while a segment is already open is a logic error
// in the driver (it must SwitchOut first); it closes the stale
// segment at the same offset, pruning it if empty.
func (r *Recorder) SwitchIn(tid uint64, time uint64) {
	if r.open != nil {
		r.SwitchOut(time)
	}
	r.open = &Segment{Tid: tid, StartOffset: len(r.buf), StartTime: time}
}

// SwitchOut closes the open segment. Zero-length segments (no bytes
// written since SwitchIn) are discarded rather than recorded.
func (r *Recorder) SwitchOut(time uint64) {
	if r.open == nil {
		return
	}
	r.open.EndOffset = len(r.buf)
	r.open.EndTime = time
	if r.open.EndOffset > r.open.StartOffset {
		r.segments = append(r.segments, *r.open)
	}
	r.open = nil
}

// Segments returns the closed thread segments recorded so far, in the
// order they were written.
func (r *Recorder) Segments() []Segment { return r.segments }

// Bytes exposes the raw log for a Reader.
func (r *Recorder) Bytes() []byte { return r.buf }

func (r *Recorder) putTag(t Tag) { r.buf = append(r.buf, byte(t)) }

func (r *Recorder) putU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	r.buf = append(r.buf, b[:]...)
}

func (r *Recorder) putU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	r.buf = append(r.buf, b[:]...)
}

func (r *Recorder) CallBegin()            { r.putTag(TagCallBegin) }
func (r *Recorder) CallEnd()              { r.putTag(TagCallEnd) }
func (r *Recorder) MethodEntry(m uint64)  { r.putTag(TagMethodEntry); r.putU64(m) }
func (r *Recorder) MethodExit(m uint64)   { r.putTag(TagMethodExit); r.putU64(m) }
func (r *Recorder) MethodPoint(m uint64, bci uint32) {
	r.putTag(TagMethodPoint)
	r.putU64(m)
	r.putU32(bci)
}
func (r *Recorder) BCI(i uint32)          { r.putTag(TagBCI); r.putU32(i) }
func (r *Recorder) Taken()                { r.putTag(TagTaken) }
func (r *Recorder) NotTaken()             { r.putTag(TagNotTaken) }
func (r *Recorder) SwitchCase(i uint32)   { r.putTag(TagSwitchCase); r.putU32(i) }
func (r *Recorder) SwitchDefault()        { r.putTag(TagSwitchDefault) }
func (r *Recorder) RetCode()              { r.putTag(TagRetCode) }
func (r *Recorder) Deoptimization()       { r.putTag(TagDeoptimization) }
func (r *Recorder) Throw()                { r.putTag(TagThrow) }
func (r *Recorder) Rethrow()              { r.putTag(TagRethrow) }
func (r *Recorder) Handle()               { r.putTag(TagHandle) }
func (r *Recorder) PopFrame()             { r.putTag(TagPopFrame) }
func (r *Recorder) EarlyRet()             { r.putTag(TagEarlyRet) }
func (r *Recorder) NonInvokeRet()         { r.putTag(TagNonInvokeRet) }
func (r *Recorder) OSR()                  { r.putTag(TagOSR) }
func (r *Recorder) DataLoss()             { r.putTag(TagDataLoss) }
func (r *Recorder) DecodeError()          { r.putTag(TagDecodeError) }

// JitCode records one jit_code event: the section base address and an
// ordered run of PC-descriptor indices (or JitPC* sentinels).
func (r *Recorder) JitCode(section uint64, pcs []int32) {
	r.putTag(TagJitCode)
	r.putU64(section)
	for _, pc := range pcs {
		r.putTag(tagJitPCIndex)
		r.putU32(uint32(pc))
	}
}

// Record is the decoded form of one log entry.
type Record struct {
	Tag        Tag
	Offset     int
	Method     uint64
	BCI        uint32
	Index      int32
	JitSection uint64
	JitPCs     []int32
}

// Reader sequentially decodes a Recorder's byte log.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// CurrentTrace peeks the next tag without advancing. ok is false at
// end of log.
func (rd *Reader) CurrentTrace() (Tag, bool) {
	if rd.pos >= len(rd.buf) {
		return 0, false
	}
	return Tag(rd.buf[rd.pos]), true
}

func (rd *Reader) need(n int) error {
	if rd.pos+n > len(rd.buf) {
		return fmt.Errorf("eventlog: malformed record at offset %d: need %d bytes, have %d", rd.pos, n, len(rd.buf)-rd.pos)
	}
	return nil
}

func (rd *Reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(rd.buf[rd.pos:])
	rd.pos += 4
	return v
}

func (rd *Reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(rd.buf[rd.pos:])
	rd.pos += 8
	return v
}

// NextTrace decodes and advances past one record, returning it along
// with the offset it started at. It returns ok=false at end of log.
func (rd *Reader) NextTrace() (Record, bool, error) {
	if rd.pos >= len(rd.buf) {
		return Record{}, false, nil
	}
	start := rd.pos
	tag := Tag(rd.buf[rd.pos])
	rd.pos++

	rec := Record{Tag: tag, Offset: start}
	switch tag {
	case TagCallBegin, TagCallEnd, TagTaken, TagNotTaken, TagSwitchDefault,
		TagRetCode, TagDeoptimization, TagThrow, TagRethrow, TagHandle,
		TagPopFrame, TagEarlyRet, TagNonInvokeRet, TagOSR, TagDataLoss, TagDecodeError:
		// no payload

	case TagMethodEntry, TagMethodExit:
		if err := rd.need(8); err != nil {
			return Record{}, false, err
		}
		rec.Method = rd.u64()

	case TagMethodPoint:
		if err := rd.need(12); err != nil {
			return Record{}, false, err
		}
		rec.Method = rd.u64()
		rec.BCI = rd.u32()

	case TagBCI:
		if err := rd.need(4); err != nil {
			return Record{}, false, err
		}
		rec.BCI = rd.u32()

	case TagSwitchCase:
		if err := rd.need(4); err != nil {
			return Record{}, false, err
		}
		rec.Index = int32(rd.u32())

	case TagJitCode:
		if err := rd.need(8); err != nil {
			return Record{}, false, err
		}
		rec.JitSection = rd.u64()
		for rd.pos < len(rd.buf) && Tag(rd.buf[rd.pos]) == tagJitPCIndex {
			rd.pos++
			if err := rd.need(4); err != nil {
				return Record{}, false, err
			}
			rec.JitPCs = append(rec.JitPCs, int32(rd.u32()))
		}

	default:
		return Record{}, false, fmt.Errorf("eventlog: malformed record: unknown tag %d at offset %d", tag, start)
	}
	return rec, true, nil
}
