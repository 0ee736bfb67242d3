package tracefile

// SampleFormat is the header's sample_type bitfield: it tells the
// splitter which of the six optional trailer fields a sideband record
// carries, and therefore at what byte offset the record's cpu (and
// tid) fields sit.
//
// Per spec, only these six bits are meaningful here, in this order:
// TID, TIME, ID, STREAM_ID, CPU, IDENTIFIER, each contributing 8
// bytes to the trailer when set. Values match the kernel's
// perf_event_sample_format enum from include/uapi/linux/perf_event.h.
type SampleFormat uint64

const (
	sampleFormatIP SampleFormat = 1 << iota
	SampleFormatTID
	SampleFormatTime
	sampleFormatAddr
	sampleFormatRead
	sampleFormatCallchain
	SampleFormatID
	SampleFormatCPU
	sampleFormatPeriod
	SampleFormatStreamID
	sampleFormatRaw
	sampleFormatBranchStack
	sampleFormatRegsUser
	sampleFormatStackUser
	sampleFormatWeight
	sampleFormatDataSrc
	SampleFormatIdentifier
)

// trailerOffsets walks the six relevant bits in their required order
// and returns the byte offsets (from the start of the trailer) of the
// tid, cpu, and time fields, or -1 if the respective bit isn't set. It
// also returns the total trailer length in bytes.
func (s SampleFormat) trailerOffsets() (tidOff, cpuOff, timeOff, total int) {
	tidOff, cpuOff, timeOff = -1, -1, -1
	off := 0
	order := []struct {
		bit SampleFormat
		out *int
	}{
		{SampleFormatTID, &tidOff},
		{SampleFormatTime, &timeOff},
		{SampleFormatID, nil},
		{SampleFormatStreamID, nil},
		{SampleFormatCPU, &cpuOff},
		{SampleFormatIdentifier, nil},
	}
	for _, f := range order {
		if s&f.bit == 0 {
			continue
		}
		if f.out != nil {
			*f.out = off
		}
		off += 8
	}
	return tidOff, cpuOff, timeOff, off
}

// HasCPU reports whether a sideband record under this sample format
// carries a cpu field at all, which every ordinary sideband record
// this decoder consumes needs.
func (s SampleFormat) HasCPU() bool {
	_, cpuOff, _, _ := s.trailerOffsets()
	return cpuOff >= 0
}
