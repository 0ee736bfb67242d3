package tracefile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Record types. AUXTRACE and AUX are real perf_event_header.type
// values (PERF_RECORD_AUXTRACE=71, PERF_RECORD_AUX=11); AuxAdvance and
// JVMRuntime are this container format's own extensions, numbered
// outside the kernel's range so a real perf record can never collide
// with them.
type RecordType uint32

const (
	RecordTypeAux      RecordType = 11
	RecordTypeAuxtrace RecordType = 71

	RecordTypeAuxAdvance RecordType = 1000
	RecordTypeJVMRuntime RecordType = 1001

	auxFlagTruncated = 0x01
)

type recordHeader struct {
	Type RecordType
	Misc uint16
	Size uint16
}

// Record is the union of everything Records.Next can produce.
type Record interface {
	isRecord()
}

// RecordAuxtrace is the file-container marker for a chunk of one
// CPU's raw PT byte stream.
type RecordAuxtrace struct {
	Offset    int64 // file offset of the first PT byte (after the record header)
	Size      uint64
	Reference uint64
	Idx       uint32
	Tid       uint32
	CPU       uint32
}

func (RecordAuxtrace) isRecord() {}

// RecordAuxAdvance marks that the ring-buffer recorder dropped AUX
// bytes for this CPU; no byte range accompanies it.
type RecordAuxAdvance struct {
	CPU uint32
}

func (RecordAuxAdvance) isRecord() {}

// RecordJVMRuntime is a chunk of the JVM-emitted runtime dump stream.
type RecordJVMRuntime struct {
	Offset int64 // file offset of the first dump byte
	Size   uint64
}

func (RecordJVMRuntime) isRecord() {}

// RecordAux is the kernel's own PERF_RECORD_AUX sideband record,
// signalling AUX ring-buffer flush/truncation independent of the
// container-level RecordAuxAdvance.
type RecordAux struct {
	AuxOffset uint64
	AuxSize   uint64
	Truncated bool
	CPU       int32  // -1 if sample format carries no cpu field
	Tid       int32  // -1 if sample format carries no tid field
	Time      uint64 // 0 if sample format carries no time field
}

func (RecordAux) isRecord() {}

// RecordSideband is any other perf sideband record (comm, mmap,
// context switch, sample, ...). The decoder only needs its cpu (for
// splitter routing) and tid (context-switch inference); the payload
// bytes are kept for callers that want more.
type RecordSideband struct {
	Type    RecordType
	CPU     int32
	Tid     int32
	Time    uint64
	Payload []byte
}

func (RecordSideband) isRecord() {}

// Records iterates the record stream following the header.
type Records struct {
	r          *bufferedSectionReader
	sampleType SampleFormat
	buf        []byte
	err        error

	Record Record
}

func newRecords(r io.ReaderAt, start int64, sampleType SampleFormat) *Records {
	return &Records{
		r:          newBufferedSectionReader(r, start),
		sampleType: sampleType,
	}
}

func (rs *Records) Err() error { return rs.err }

// Next decodes the next record into rs.Record. It returns false at
// end of stream or on the first error.
func (rs *Records) Next() bool {
	if rs.err != nil {
		return false
	}
	var hdr recordHeader
	if err := binary.Read(rs.r, binary.LittleEndian, &hdr); err != nil {
		if err != io.EOF {
			rs.err = fmt.Errorf("tracefile: reading record header: %w", err)
		}
		return false
	}
	if hdr.Size < 8 {
		rs.err = fmt.Errorf("tracefile: record size %d smaller than header", hdr.Size)
		return false
	}

	switch hdr.Type {
	case RecordTypeAuxtrace:
		rs.Record = rs.parseAuxtrace()
	case RecordTypeAuxAdvance:
		rs.Record = rs.parseAuxAdvance(&hdr)
	case RecordTypeJVMRuntime:
		rs.Record = rs.parseJVMRuntime()
	default:
		rs.Record = rs.parseSideband(&hdr)
	}
	return rs.err == nil
}

func (rs *Records) read(n int) []byte {
	if cap(rs.buf) < n {
		rs.buf = make([]byte, n)
	}
	buf := rs.buf[:n]
	if _, err := io.ReadFull(rs.r, buf); err != nil {
		rs.err = fmt.Errorf("tracefile: short record: %w", err)
		return nil
	}
	return buf
}

// parseAuxtrace parses the fixed auxtrace_event fields then skips the
// raw PT bytes that follow (callers fetch them separately via
// RecordAuxtrace.Offset/Size through the file's ReaderAt).
func (rs *Records) parseAuxtrace() Record {
	const fixedSize = 8 + 8 + 8 + 4 + 4 + 4 + 4
	buf := rs.read(fixedSize)
	if buf == nil {
		return nil
	}
	bd := &bufDecoder{buf, binary.LittleEndian}
	r := RecordAuxtrace{
		Size: bd.u64(),
	}
	bd.skip(8) // offset field is recorder-internal bookkeeping, not used here
	r.Reference = bd.u64()
	r.Idx = bd.u32()
	r.Tid = bd.u32()
	r.CPU = bd.u32()
	bd.skip(4) // reserved

	off := rs.r.Offset()
	r.Offset = off
	if r.Size > 1<<34 {
		rs.err = fmt.Errorf("tracefile: implausible auxtrace size %d", r.Size)
		return nil
	}
	if err := rs.skipAt(int64(r.Size)); err != nil {
		rs.err = err
		return nil
	}
	return r
}

func (rs *Records) skipAt(n int64) error {
	const chunk = 64 << 10
	var tmp [chunk]byte
	for n > 0 {
		k := n
		if k > chunk {
			k = chunk
		}
		if _, err := io.ReadFull(rs.r, tmp[:k]); err != nil {
			return fmt.Errorf("tracefile: skipping payload: %w", err)
		}
		n -= k
	}
	return nil
}

func (rs *Records) parseAuxAdvance(hdr *recordHeader) Record {
	rlen := int(hdr.Size) - 8
	buf := rs.read(rlen)
	if buf == nil {
		return nil
	}
	if len(buf) < 4 {
		rs.err = fmt.Errorf("tracefile: AUX_ADVANCE record too short")
		return nil
	}
	bd := &bufDecoder{buf, binary.LittleEndian}
	return RecordAuxAdvance{CPU: bd.u32()}
}

func (rs *Records) parseJVMRuntime() Record {
	buf := rs.read(4)
	if buf == nil {
		return nil
	}
	size := binary.LittleEndian.Uint32(buf)
	off := rs.r.Offset()
	if err := rs.skipAt(int64(size)); err != nil {
		rs.err = err
		return nil
	}
	return RecordJVMRuntime{Offset: off, Size: uint64(size)}
}

func (rs *Records) parseSideband(hdr *recordHeader) Record {
	rlen := int(hdr.Size) - 8
	buf := rs.read(rlen)
	if buf == nil {
		return nil
	}

	tidOff, cpuOff, timeOff, trailer := rs.sampleType.trailerOffsets()
	if trailer > len(buf) {
		rs.err = fmt.Errorf("tracefile: sideband record shorter than sample_id trailer")
		return nil
	}
	trailerBuf := buf[len(buf)-trailer:]

	cpu, tid := int32(-1), int32(-1)
	var time uint64
	if cpuOff >= 0 {
		cpu = int32(binary.LittleEndian.Uint32(trailerBuf[cpuOff:]))
	}
	if tidOff >= 0 {
		tid = int32(binary.LittleEndian.Uint32(trailerBuf[tidOff:]))
	}
	if timeOff >= 0 {
		time = binary.LittleEndian.Uint64(trailerBuf[timeOff:])
	}

	if hdr.Type == RecordTypeAux {
		if len(buf) < 20 {
			rs.err = fmt.Errorf("tracefile: PERF_RECORD_AUX too short")
			return nil
		}
		bd := &bufDecoder{buf, binary.LittleEndian}
		auxOff := bd.u64()
		auxSize := bd.u64()
		flags := bd.u64()
		return RecordAux{
			AuxOffset: auxOff,
			AuxSize:   auxSize,
			Truncated: flags&auxFlagTruncated != 0,
			CPU:       cpu,
			Tid:       tid,
			Time:      time,
		}
	}

	if !rs.sampleType.HasCPU() {
		rs.err = fmt.Errorf("tracefile: sideband record type %d has no cpu field", hdr.Type)
		return nil
	}

	payload := make([]byte, len(buf))
	copy(payload, buf)
	return RecordSideband{Type: hdr.Type, CPU: cpu, Tid: tid, Time: time, Payload: payload}
}
