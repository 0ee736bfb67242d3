// Package ptquery implements the query-level view of a raw Intel PT
// byte stream: synchronization, conditional/indirect branch queries,
// and event draining, built on top of the packet decoder in ptpkt.
//
// This corresponds to the pt_qry_* query API a libipt-based decoder
// would call (sync_forward, cond_branch, indirect_branch, event); we
// implement the same query shape directly over ptpkt.Decode rather
// than linking libipt.
package ptquery

import (
	"errors"
	"fmt"

	"github.com/aclements/go-ptjvm/ptpkt"
)

// ErrEOS is returned when the byte stream is exhausted.
var ErrEOS = errors.New("ptquery: end of stream")

// ErrNoIP is returned by SyncForward when a PSB region never
// establishes an IP (e.g. tracing was disabled at the time).
var ErrNoIP = errors.New("ptquery: no ip available at sync point")

// EventKind enumerates the PT events the driver must handle.
type EventKind int

const (
	EventEnabled EventKind = iota
	EventDisabled
	EventAsyncBranch
	EventPaging
	EventVMCS
	EventOverflow
	EventExecMode
	EventTSX
	EventStop
	EventPTWrite
	EventStatusUpdate // CBR and other diagnostic-only packets
)

// Event is one decoded PT event, queued for the driver to drain via
// NextEvent before it may issue another branch query.
type Event struct {
	Kind EventKind

	IP          uint64
	IPSuppressed bool

	// EventAsyncBranch
	From uint64

	// EventPaging / EventVMCS
	CR3     uint64
	NonRoot bool
	VMCS    uint64

	// EventExecMode
	ExecMode ptpkt.ExecMode

	// EventTSX
	Speculative bool
	Aborted     bool

	// EventPTWrite
	PTWPayload uint64

	StatusUpdate bool
}

// Decoder is a query-level cursor over one contiguous PT byte range.
type Decoder struct {
	buf []byte // remaining undecoded bytes
	off int    // bytes consumed so far, for offset reporting

	lastIP uint64
	haveIP bool

	tntQueue []bool
	pendingFUPIP *uint64

	tsc      uint64
	haveTSC  bool
	tscDirty bool // set when TSC advanced since the last caller-visible query

	events []Event
}

// New creates a query decoder over buf. Offsets reported by the
// decoder are relative to the start of buf.
func New(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Offset returns the number of bytes consumed from the original
// buffer so far.
func (d *Decoder) Offset() int { return d.off }

func (d *Decoder) advance1() (ptpkt.Packet, error) {
	if len(d.buf) == 0 {
		return ptpkt.Packet{}, ErrEOS
	}
	p, err := ptpkt.Decode(d.buf)
	if err != nil {
		// Always make forward progress on a malformed packet, even
		// though we don't know its true length: otherwise a caller
		// that retries past this error (as Driver does after
		// SyncForward fails) would see the same byte and the same
		// error forever.
		d.buf = d.buf[1:]
		d.off++
		return ptpkt.Packet{}, fmt.Errorf("ptquery: %w at offset %d", err, d.off-1)
	}
	d.buf = d.buf[p.Len:]
	d.off += p.Len
	return p, nil
}

// SyncForward scans to the next PSB and processes the synchronization
// run (PSB ... PSBEND), returning the IP and TSC established by it.
// It returns ErrEOS if no further PSB exists.
func (d *Decoder) SyncForward() (ip uint64, tsc uint64, err error) {
	// Scan byte-by-byte for a PSB; packets between syncs that we
	// can't interpret without context are simply skipped.
	for {
		if len(d.buf) == 0 {
			return 0, 0, ErrEOS
		}
		p, err := ptpkt.Decode(d.buf)
		if err != nil {
			// Not a recognizable packet boundary here; slide one byte
			// and keep scanning for the PSB pattern.
			d.buf = d.buf[1:]
			d.off++
			continue
		}
		d.buf = d.buf[p.Len:]
		d.off += p.Len
		if p.Kind == ptpkt.KindPSB {
			break
		}
	}

	d.haveIP = false
	for {
		p, err := d.advance1()
		if err != nil {
			return 0, 0, err
		}
		switch p.Kind {
		case ptpkt.KindPSBEnd:
			if !d.haveIP {
				return 0, d.tsc, ErrNoIP
			}
			return d.lastIP, d.tsc, nil
		case ptpkt.KindTSC:
			d.tsc = p.TSC
			d.haveTSC = true
		case ptpkt.KindFUP, ptpkt.KindTIPPGE:
			newIP, suppressed := ptpkt.ResolveIP(p.IPComp, p.IPVal, d.lastIP)
			if !suppressed {
				d.lastIP = newIP
				d.haveIP = true
			}
		case ptpkt.KindMode, ptpkt.KindPIP, ptpkt.KindVMCS, ptpkt.KindCBR,
			ptpkt.KindMTC, ptpkt.KindCYC, ptpkt.KindTMA, ptpkt.KindMNT, ptpkt.KindPad:
			// Context packets within the PSB run; absorbed silently.
		}
	}
}

// pushTNT queues the branch outcomes from a TNT packet.
func (d *Decoder) pushTNT(p ptpkt.Packet) {
	d.tntQueue = append(d.tntQueue, p.TNT...)
}

// drainTimeAndContext advances past packets that never gate a query
// or produce an event: TSC/MTC/CYC/TMA/MNT/PAD, and FUP (which only
// updates the last IP). A CBR queues a status-update event and is
// returned. It returns the first packet that does require caller
// attention.
func (d *Decoder) drainTimeAndContext() (ptpkt.Packet, error) {
	for {
		p, err := d.advance1()
		if err != nil {
			return ptpkt.Packet{}, err
		}
		switch p.Kind {
		case ptpkt.KindTSC:
			d.tsc = p.TSC
			d.haveTSC = true
			d.tscDirty = true
			continue
		case ptpkt.KindMTC, ptpkt.KindCYC, ptpkt.KindTMA, ptpkt.KindMNT, ptpkt.KindPad:
			continue
		case ptpkt.KindCBR:
			d.events = append(d.events, Event{Kind: EventStatusUpdate, StatusUpdate: true})
			return p, nil
		case ptpkt.KindFUP:
			ip, suppressed := ptpkt.ResolveIP(p.IPComp, p.IPVal, d.lastIP)
			if !suppressed {
				d.lastIP = ip
				d.haveIP = true
			}
			d.pendingFUPIP = &ip
			continue
		}
		return p, nil
	}
}

// resolveOverflowIP consumes an optional FUP/TIP.PGE following an OVF
// packet to recover the resumption IP.
func (d *Decoder) resolveOverflowIP() (ip uint64, suppressed bool) {
	if len(d.buf) == 0 {
		return 0, true
	}
	p, err := ptpkt.Decode(d.buf)
	if err != nil {
		return 0, true
	}
	switch p.Kind {
	case ptpkt.KindFUP, ptpkt.KindTIPPGE, ptpkt.KindTIP:
		d.buf = d.buf[p.Len:]
		d.off += p.Len
		ip, suppressed = ptpkt.ResolveIP(p.IPComp, p.IPVal, d.lastIP)
		if !suppressed {
			d.lastIP = ip
			d.haveIP = true
		}
		return ip, suppressed
	}
	return 0, true
}

// eventPending is the error type behind ErrEventPending.
type eventPending struct{}

func (eventPending) Error() string { return "ptquery: event pending" }

// ErrEventPending is returned by CondBranch/IndirectBranch when an
// event must be drained (via NextEvent) before the query can proceed.
var ErrEventPending error = eventPending{}

func (d *Decoder) handleEventPacket(p ptpkt.Packet) {
	switch p.Kind {
	case ptpkt.KindMode:
		if p.ModeKind == ptpkt.ModeExec {
			d.events = append(d.events, Event{Kind: EventExecMode, ExecMode: p.ExecMode})
		} else {
			d.events = append(d.events, Event{Kind: EventTSX, Speculative: p.TSXIntx, Aborted: p.TSXAbort})
		}
	case ptpkt.KindPIP:
		d.events = append(d.events, Event{Kind: EventPaging, CR3: p.CR3, NonRoot: p.NonRoot})
	case ptpkt.KindVMCS:
		d.events = append(d.events, Event{Kind: EventVMCS, VMCS: p.VMCSBase})
	case ptpkt.KindOverflow:
		ip, suppressed := d.resolveOverflowIP()
		d.events = append(d.events, Event{Kind: EventOverflow, IP: ip, IPSuppressed: suppressed})
	case ptpkt.KindTraceStop:
		d.events = append(d.events, Event{Kind: EventStop})
	case ptpkt.KindExStop:
		d.events = append(d.events, Event{Kind: EventStatusUpdate, StatusUpdate: true})
	case ptpkt.KindPTW:
		ev := Event{Kind: EventPTWrite, PTWPayload: p.PTWPayload}
		if p.FUPRequired {
			ip, suppressed := d.resolveOverflowIP()
			ev.IP, ev.IPSuppressed = ip, suppressed
		}
		d.events = append(d.events, ev)
	case ptpkt.KindTIPPGE:
		ip, suppressed := ptpkt.ResolveIP(p.IPComp, p.IPVal, d.lastIP)
		if !suppressed {
			d.lastIP = ip
			d.haveIP = true
		}
		d.events = append(d.events, Event{Kind: EventEnabled, IP: ip, IPSuppressed: suppressed})
	case ptpkt.KindTIPPGD:
		ip, suppressed := ptpkt.ResolveIP(p.IPComp, p.IPVal, d.lastIP)
		ev := Event{Kind: EventDisabled, IP: d.lastIP}
		if !suppressed {
			ev.IP = ip
			d.lastIP = ip
		}
		d.events = append(d.events, ev)
	case ptpkt.KindTIP:
		// A TIP that nobody asked for via IndirectBranch is an
		// asynchronous transfer (interrupt/exception/NMI).
		from := d.lastIP
		ip, suppressed := ptpkt.ResolveIP(p.IPComp, p.IPVal, d.lastIP)
		if !suppressed {
			d.lastIP = ip
			d.haveIP = true
		}
		d.events = append(d.events, Event{Kind: EventAsyncBranch, From: from, IP: ip, IPSuppressed: suppressed})
	}
}

// CondBranch queries the next conditional branch outcome. If an event
// packet precedes it in the stream, CondBranch queues the event and
// returns ErrEventPending; the caller must drain events (NextEvent)
// and retry.
func (d *Decoder) CondBranch() (taken bool, err error) {
	if len(d.tntQueue) > 0 {
		taken, d.tntQueue = d.tntQueue[0], d.tntQueue[1:]
		return taken, nil
	}
	for {
		p, err := d.drainTimeAndContext()
		if err != nil {
			return false, err
		}
		switch p.Kind {
		case ptpkt.KindTNT8, ptpkt.KindTNTLong:
			d.pushTNT(p)
			if len(d.tntQueue) > 0 {
				taken, d.tntQueue = d.tntQueue[0], d.tntQueue[1:]
				return taken, nil
			}
		case ptpkt.KindPSB:
			return false, fmt.Errorf("ptquery: unexpected PSB mid-query at offset %d", d.off)
		default:
			d.handleEventPacket(p)
			if len(d.events) > 0 {
				return false, ErrEventPending
			}
		}
	}
}

// BranchKind reports which kind of query CondOrIndirectBranch ended
// up resolving.
type BranchKind int

const (
	BranchCond BranchKind = iota
	BranchIndirect
)

// CondOrIndirectBranch queries whichever of a conditional or an
// indirect branch comes next in the stream, without the caller having
// to already know which kind of transfer it's at: it tries the next
// queued TNT bit first and, when the stream instead holds a TIP,
// resolves that as BranchIndirect (every TIP this query meets is taken
// as an indirect branch target; only CondBranch reports a TIP as an
// asynchronous branch event). This is the generated interpreter
// dispatch's query, which (unlike jitStep's x86 disassembly over
// compiled code) has no instruction bytes to classify ahead of time.
func (d *Decoder) CondOrIndirectBranch() (kind BranchKind, taken bool, ip uint64, err error) {
	if len(d.tntQueue) > 0 {
		taken, d.tntQueue = d.tntQueue[0], d.tntQueue[1:]
		return BranchCond, taken, 0, nil
	}
	for {
		p, err := d.drainTimeAndContext()
		if err != nil {
			return 0, false, 0, err
		}
		switch p.Kind {
		case ptpkt.KindTNT8, ptpkt.KindTNTLong:
			d.pushTNT(p)
			if len(d.tntQueue) > 0 {
				taken, d.tntQueue = d.tntQueue[0], d.tntQueue[1:]
				return BranchCond, taken, 0, nil
			}
		case ptpkt.KindTIP:
			newIP, suppressed := ptpkt.ResolveIP(p.IPComp, p.IPVal, d.lastIP)
			if suppressed {
				return 0, false, 0, fmt.Errorf("ptquery: indirect branch target suppressed at offset %d", d.off)
			}
			d.lastIP = newIP
			d.haveIP = true
			return BranchIndirect, false, newIP, nil
		case ptpkt.KindPSB:
			return 0, false, 0, fmt.Errorf("ptquery: unexpected PSB mid-query at offset %d", d.off)
		default:
			d.handleEventPacket(p)
			if len(d.events) > 0 {
				return 0, false, 0, ErrEventPending
			}
		}
	}
}

// IndirectBranch queries the next indirect branch target.
func (d *Decoder) IndirectBranch() (ip uint64, err error) {
	for {
		p, err := d.drainTimeAndContext()
		if err != nil {
			return 0, err
		}
		switch p.Kind {
		case ptpkt.KindTIP:
			newIP, suppressed := ptpkt.ResolveIP(p.IPComp, p.IPVal, d.lastIP)
			if suppressed {
				return 0, fmt.Errorf("ptquery: indirect branch target suppressed at offset %d", d.off)
			}
			d.lastIP = newIP
			d.haveIP = true
			return newIP, nil
		case ptpkt.KindPSB:
			return 0, fmt.Errorf("ptquery: unexpected PSB mid-query at offset %d", d.off)
		default:
			d.handleEventPacket(p)
			if len(d.events) > 0 {
				return 0, ErrEventPending
			}
		}
	}
}

// NextEvent pops the next queued event, if any. ok is false if there
// is nothing pending (the caller may resume issuing branch queries).
func (d *Decoder) NextEvent() (ev Event, ok bool) {
	if len(d.events) == 0 {
		return Event{}, false
	}
	ev, d.events = d.events[0], d.events[1:]
	return ev, true
}

// TSC returns the most recently observed TSC value and whether one
// has been seen yet.
func (d *Decoder) TSC() (uint64, bool) { return d.tsc, d.haveTSC }

// TimeAdvanced reports and clears whether the TSC changed since the
// last call: after every successful query, the caller re-reads the PT
// TSC and calls advance_to on the replayed state machines if it did.
func (d *Decoder) TimeAdvanced() bool {
	v := d.tscDirty
	d.tscDirty = false
	return v
}
