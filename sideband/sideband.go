// Package sideband replays a CPU's kernel perf sideband records,
// timestamped on the PT clock, into context-switch and AUX-loss
// events for the PT Query Driver.
package sideband

import (
	"fmt"
	"sort"

	"github.com/aclements/go-ptjvm/tracefile"
)

// ConvertTime converts a perf sideband record's raw `time` field into
// the PT TSC domain, using the conversion constants perf captured at
// attach time. This decoder resolves the source's "time_zero_adjusted"
// term as simply time_zero (see DESIGN.md); nothing else in the header
// names a second additive constant.
func ConvertTime(h tracefile.Header, time uint64) (uint64, error) {
	if time < h.TimeZero {
		return 0, fmt.Errorf("sideband: time %d precedes time_zero %d", time, h.TimeZero)
	}
	if h.TimeMult == 0 {
		return 0, fmt.Errorf("sideband: time_mult is zero")
	}
	delta := time - h.TimeZero
	tsc := (delta << h.TimeShift) / uint64(h.TimeMult)
	return tsc + h.TimeZero, nil
}

// EventKind distinguishes the two event shapes a Replayer emits.
type EventKind int

const (
	EventSwitchOut EventKind = iota
	EventSwitchIn
)

// Event is one context-switch boundary, on the PT clock.
type Event struct {
	Kind EventKind
	Time uint64
	Tid  int32
	Loss bool // only ever set on EventSwitchIn: a sticky AUX loss was pending
}

type item struct {
	tsc       uint64
	isAux     bool
	truncated bool
	tid       int32
}

// Replayer holds one CPU's sideband+AUX records, time-converted and
// sorted, ready to be drained in PT-clock order.
type Replayer struct {
	items []item
	pos   int

	lastTid     int32
	lossPending bool

	haveCalledTime bool
	lastCalledTime uint64
}

// New builds a Replayer from one CPU's sideband and AUX records. Any
// record whose time fails to convert makes New return that error
// without building a Replayer; the failure is not turned into a
// decode_error record.
func New(h tracefile.Header, sideband []tracefile.RecordSideband, aux []tracefile.RecordAux) (*Replayer, error) {
	r := &Replayer{lastTid: -1}
	for _, s := range sideband {
		if s.Tid < 0 {
			continue // no sample.tid field: not usable for switch inference
		}
		tsc, err := ConvertTime(h, s.Time)
		if err != nil {
			return nil, err
		}
		r.items = append(r.items, item{tsc: tsc, tid: s.Tid})
	}
	for _, a := range aux {
		tsc, err := ConvertTime(h, a.Time)
		if err != nil {
			return nil, err
		}
		r.items = append(r.items, item{tsc: tsc, isAux: true, truncated: a.Truncated})
	}
	sort.SliceStable(r.items, func(i, j int) bool { return r.items[i].tsc < r.items[j].tsc })
	return r, nil
}

// AdvanceTo drains every record with a converted timestamp ≤ t and
// returns the events it produced, in time order. Calls must be
// monotonically non-decreasing in t.
func (r *Replayer) AdvanceTo(t uint64) ([]Event, error) {
	if r.haveCalledTime && t < r.lastCalledTime {
		return nil, fmt.Errorf("sideband: advance_to called with decreasing time %d (last %d)", t, r.lastCalledTime)
	}
	r.lastCalledTime = t
	r.haveCalledTime = true

	var events []Event
	for r.pos < len(r.items) && r.items[r.pos].tsc <= t {
		it := r.items[r.pos]
		r.pos++
		if it.isAux {
			if it.truncated {
				r.lossPending = true
			}
			continue
		}
		if it.tid == r.lastTid {
			continue
		}
		if r.lastTid >= 0 {
			events = append(events, Event{Kind: EventSwitchOut, Time: it.tsc, Tid: r.lastTid})
		}
		in := Event{Kind: EventSwitchIn, Time: it.tsc, Tid: it.tid}
		if r.lossPending {
			in.Loss = true
			r.lossPending = false
		}
		events = append(events, in)
		r.lastTid = it.tid
	}
	return events, nil
}
