package tracefile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// addrFilter is the PT IP-range filter configured on the recorder
// side: only instructions in [Low, High) are traced.
type addrFilter struct {
	Low, High uint64
}

// Header is the fixed-size record at offset 0 of the trace container.
// Field layout mirrors struct pt_config plus the perf sample layout
// and time-conversion constants the recorder captured at attach time.
type Header struct {
	HeaderSize uint32

	Filter addrFilter

	Vendor   uint32
	Family   uint16
	Model    uint16
	Stepping uint8

	NrCPUs uint32

	MTCFreq uint32
	NomFreq uint32

	TimeShift    uint16
	CPUID0x15EAX uint32
	CPUID0x15EBX uint32
	TimeMult     uint32

	Addr0A, Addr0B uint64

	TimeZero uint64

	SampleType SampleFormat
	TraceType  uint32
}

// VendorIntel is the only supported Vendor value; PT is x86-only.
const VendorIntel = 0

func readHeader(r io.Reader) (Header, error) {
	var raw struct {
		HeaderSize uint32
		_          uint32 // pad to align Filter
		Filter     addrFilter
		Vendor     uint32
		Family     uint16
		Model      uint16
		Stepping   uint8
		_          [3]uint8
		NrCPUs     uint32
		MTCFreq    uint32
		NomFreq    uint32
		TimeShift  uint16
		_          uint16
		EAX        uint32
		EBX        uint32
		TimeMult   uint32
		Addr0A     uint64
		Addr0B     uint64
		TimeZero   uint64
		SampleType uint64
		TraceType  uint32
		_          uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Header{}, fmt.Errorf("tracefile: reading header: %w", err)
	}
	if raw.HeaderSize == 0 {
		return Header{}, fmt.Errorf("tracefile: bad header_size 0")
	}
	if raw.Vendor != VendorIntel {
		return Header{}, fmt.Errorf("tracefile: unsupported PT vendor %d (only Intel is supported)", raw.Vendor)
	}
	if raw.NrCPUs == 0 {
		return Header{}, fmt.Errorf("tracefile: nr_cpus is 0")
	}
	h := Header{
		HeaderSize:   raw.HeaderSize,
		Filter:       raw.Filter,
		Vendor:       raw.Vendor,
		Family:       raw.Family,
		Model:        raw.Model,
		Stepping:     raw.Stepping,
		NrCPUs:       raw.NrCPUs,
		MTCFreq:      raw.MTCFreq,
		NomFreq:      raw.NomFreq,
		TimeShift:    raw.TimeShift,
		CPUID0x15EAX: raw.EAX,
		CPUID0x15EBX: raw.EBX,
		TimeMult:     raw.TimeMult,
		Addr0A:       raw.Addr0A,
		Addr0B:       raw.Addr0B,
		TimeZero:     raw.TimeZero,
		SampleType:   SampleFormat(raw.SampleType),
		TraceType:    raw.TraceType,
	}
	return h, nil
}
