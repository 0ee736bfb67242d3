// Package ptpkt decodes individual Intel Processor Trace packets from
// a raw byte buffer. It has no notion of queries, events, or
// decode-state beyond what's needed to pull one packet off the
// stream; ptquery builds the stateful query decoder on top of it.
package ptpkt

import "fmt"

// Kind identifies the decoded packet's type.
type Kind int

const (
	KindPad Kind = iota
	KindPSB
	KindPSBEnd
	KindTNT8
	KindTNTLong
	KindTIP     // synchronous/asynchronous indirect transfer, carries an IP
	KindTIPPGE  // TIP.PGE: packet generation enable (tracing turned on)
	KindTIPPGD  // TIP.PGD: packet generation disable (tracing turned off)
	KindFUP     // flow update packet: IP without an implied branch
	KindMode    // MODE.Exec or MODE.TSX
	KindPIP     // paging info packet (CR3)
	KindVMCS    // VMCS base address
	KindOverflow
	KindTSC
	KindMTC
	KindCYC
	KindCBR
	KindTMA
	KindMNT
	KindPTW
	KindExStop
	KindMWait
	KindPwrEntry
	KindPwrExit
	KindTraceStop
)

// IPCompression names the byte-length compression scheme a TIP/FUP/
// TIP.PGE/TIP.PGD packet used to encode its target IP.
type IPCompression int

const (
	IPSuppressed IPCompression = iota // no payload; IP is unknown ("ip_suppressed")
	IPUpdate16
	IPUpdate32
	IPUpdate48SignExt
	IPFull64
)

// ModeKind distinguishes the two MODE packet variants.
type ModeKind int

const (
	ModeExec ModeKind = iota
	ModeTSX
)

// ExecMode is the decoded payload of a MODE.Exec packet.
type ExecMode int

const (
	ExecMode16 ExecMode = iota
	ExecMode32
	ExecMode64
)

// Packet is the decoded form of one PT packet. Only the fields
// relevant to Kind are populated.
type Packet struct {
	Kind Kind
	Len  int // encoded length in bytes, including opcode

	// KindTNT8 / KindTNTLong
	TNT     []bool // oldest to newest; true = taken
	TNTBits int

	// KindTIP / KindFUP / KindTIPPGE / KindTIPPGD
	IPComp IPCompression
	IPVal  uint64 // raw payload bits (not yet combined with last-ip)

	// KindMode
	ModeKind ModeKind
	ExecMode ExecMode
	ExecCSL  bool // CS.L (used to disambiguate 32/64 in some encodings)
	TSXIntx  bool
	TSXAbort bool

	// KindPIP
	CR3             uint64
	NonRoot         bool

	// KindVMCS
	VMCSBase uint64

	// KindOverflow: no payload beyond the following FUP, handled by caller.

	// KindTSC
	TSC uint64

	// KindMTC
	MTC uint8

	// KindCYC
	CYC uint32

	// KindCBR
	CBR uint8

	// KindPTW
	PTWPayload uint64
	PTWBytes   int
	FUPRequired bool
}

// errShort is returned (wrapped) when the buffer is too small to hold
// a complete packet; callers treat it as "need more bytes" rather than
// a hard decode error.
var errShort = fmt.Errorf("ptpkt: truncated packet")

// ErrUnknown is returned for a byte sequence this decoder doesn't
// recognize as any known packet opcode.
var ErrUnknown = fmt.Errorf("ptpkt: unknown packet opcode")
