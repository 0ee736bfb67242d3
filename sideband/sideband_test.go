package sideband

import (
	"testing"

	"github.com/aclements/go-ptjvm/tracefile"
)

func testHeader() tracefile.Header {
	return tracefile.Header{TimeMult: 1, TimeShift: 0, TimeZero: 1000}
}

func TestConvertTime(t *testing.T) {
	h := testHeader()
	got, err := ConvertTime(h, 1010)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(1010); got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	if _, err := ConvertTime(h, 500); err == nil {
		t.Fatal("want error for time preceding time_zero")
	}
}

func TestSwitchInference(t *testing.T) {
	h := testHeader()
	sideband := []tracefile.RecordSideband{
		{Tid: 5, Time: 1010},
		{Tid: 7, Time: 1020},
	}
	r, err := New(h, sideband, nil)
	if err != nil {
		t.Fatal(err)
	}
	events, err := r.AdvanceTo(1025)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (in(5), out(5), in(7))", len(events))
	}
	if events[0].Kind != EventSwitchIn || events[0].Tid != 5 {
		t.Errorf("event 0: got %+v, want switch-in tid 5", events[0])
	}
	if events[1].Kind != EventSwitchOut || events[1].Tid != 5 {
		t.Errorf("event 1: got %+v, want switch-out tid 5", events[1])
	}
	if events[2].Kind != EventSwitchIn || events[2].Tid != 7 {
		t.Errorf("event 2: got %+v, want switch-in tid 7", events[2])
	}
}

func TestStickyLossConsumedAtSwitchIn(t *testing.T) {
	h := testHeader()
	sideband := []tracefile.RecordSideband{{Tid: 5, Time: 1030}}
	aux := []tracefile.RecordAux{{Truncated: true, Time: 1010}}
	r, err := New(h, sideband, aux)
	if err != nil {
		t.Fatal(err)
	}
	events, err := r.AdvanceTo(1040)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || !events[0].Loss {
		t.Fatalf("got %+v, want one switch-in event carrying the sticky loss flag", events)
	}
}

func TestAdvanceToMonotonicity(t *testing.T) {
	r, err := New(testHeader(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AdvanceTo(100); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AdvanceTo(50); err == nil {
		t.Fatal("want error for decreasing advance_to call")
	}
}
