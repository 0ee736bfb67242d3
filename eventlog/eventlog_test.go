package eventlog

import "testing"

func TestRecordRoundTrip(t *testing.T) {
	var r Recorder
	r.CallBegin()
	r.MethodEntry(42)
	r.BCI(7)
	r.Taken()
	r.SwitchCase(3)
	r.SwitchDefault()
	r.MethodPoint(42, 9)
	r.Handle()
	r.RetCode()
	r.DataLoss()
	r.CallEnd()

	rd := NewReader(r.Bytes())
	want := []Tag{
		TagCallBegin, TagMethodEntry, TagBCI, TagTaken, TagSwitchCase,
		TagSwitchDefault, TagMethodPoint, TagHandle, TagRetCode, TagDataLoss, TagCallEnd,
	}
	for i, w := range want {
		rec, ok, err := rd.NextTrace()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("record %d: unexpected end of log", i)
		}
		if rec.Tag != w {
			t.Errorf("record %d: got tag %v, want %v", i, rec.Tag, w)
		}
	}
	if _, ok, err := rd.NextTrace(); ok || err != nil {
		t.Fatalf("expected end of log, got ok=%v err=%v", ok, err)
	}
}

func TestMethodEntryPayload(t *testing.T) {
	var r Recorder
	r.MethodEntry(0xdeadbeef)
	rd := NewReader(r.Bytes())
	rec, ok, err := rd.NextTrace()
	if err != nil || !ok {
		t.Fatalf("NextTrace() = %v, %v, %v", rec, ok, err)
	}
	if rec.Method != 0xdeadbeef {
		t.Errorf("got method %x, want %x", rec.Method, 0xdeadbeef)
	}
}

func TestJitCodeSubRecordRun(t *testing.T) {
	var r Recorder
	r.JitCode(0x1000, []int32{JitPCEntry, 0, 1, 2, JitPCReturn})
	r.Taken() // next top-level record; must not be consumed as a jit sub-record

	rd := NewReader(r.Bytes())
	rec, ok, err := rd.NextTrace()
	if err != nil || !ok {
		t.Fatalf("NextTrace() = %v, %v, %v", rec, ok, err)
	}
	if rec.Tag != TagJitCode {
		t.Fatalf("got tag %v, want jit_code", rec.Tag)
	}
	if rec.JitSection != 0x1000 {
		t.Errorf("got section %x, want 0x1000", rec.JitSection)
	}
	wantPCs := []int32{JitPCEntry, 0, 1, 2, JitPCReturn}
	if len(rec.JitPCs) != len(wantPCs) {
		t.Fatalf("got %d pcs, want %d: %v", len(rec.JitPCs), len(wantPCs), rec.JitPCs)
	}
	for i, w := range wantPCs {
		if rec.JitPCs[i] != w {
			t.Errorf("pc %d: got %d, want %d", i, rec.JitPCs[i], w)
		}
	}

	rec2, ok, err := rd.NextTrace()
	if err != nil || !ok {
		t.Fatalf("NextTrace() = %v, %v, %v", rec2, ok, err)
	}
	if rec2.Tag != TagTaken {
		t.Fatalf("got tag %v, want taken (jit_code run must stop at the next top-level tag)", rec2.Tag)
	}
}

func TestJitCodeEmptyRun(t *testing.T) {
	var r Recorder
	r.JitCode(0x2000, nil)
	rd := NewReader(r.Bytes())
	rec, ok, err := rd.NextTrace()
	if err != nil || !ok {
		t.Fatalf("NextTrace() = %v, %v, %v", rec, ok, err)
	}
	if len(rec.JitPCs) != 0 {
		t.Errorf("got %d pcs, want 0", len(rec.JitPCs))
	}
	if _, ok, _ := rd.NextTrace(); ok {
		t.Fatalf("expected end of log after empty jit_code run")
	}
}

func TestMalformedRecordIsFatal(t *testing.T) {
	rd := NewReader([]byte{byte(TagMethodEntry), 1, 2, 3}) // truncated u64 payload
	if _, _, err := rd.NextTrace(); err == nil {
		t.Fatal("want error for truncated payload")
	}
}

func TestUnknownTagIsFatal(t *testing.T) {
	rd := NewReader([]byte{0xff})
	if _, _, err := rd.NextTrace(); err == nil {
		t.Fatal("want error for unknown tag")
	}
}

func TestCurrentTracePeekDoesNotAdvance(t *testing.T) {
	var r Recorder
	r.Taken()
	r.NotTaken()
	rd := NewReader(r.Bytes())
	tag, ok := rd.CurrentTrace()
	if !ok || tag != TagTaken {
		t.Fatalf("CurrentTrace() = %v, %v, want taken, true", tag, ok)
	}
	rec, ok, err := rd.NextTrace()
	if err != nil || !ok || rec.Tag != TagTaken {
		t.Fatalf("NextTrace() = %v, %v, %v, want taken", rec, ok, err)
	}
	tag, ok = rd.CurrentTrace()
	if !ok || tag != TagNotTaken {
		t.Fatalf("CurrentTrace() = %v, %v, want not_taken, true", tag, ok)
	}
}

func TestSegmentZeroLengthPruned(t *testing.T) {
	var r Recorder
	r.SwitchIn(5, 100)
	r.MethodEntry(1)
	r.SwitchOut(110)
	r.SwitchIn(7, 110) // no bytes written before the next switch
	r.SwitchIn(9, 120)
	r.MethodEntry(2)
	r.SwitchOut(130)

	segs := r.Segments()
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2 (zero-length tid 7 segment pruned): %+v", len(segs), segs)
	}
	if segs[0].Tid != 5 || segs[1].Tid != 9 {
		t.Errorf("got tids %d, %d, want 5, 9", segs[0].Tid, segs[1].Tid)
	}
}

func TestSwitchInWithoutPriorSwitchOut(t *testing.T) {
	var r Recorder
	r.SwitchIn(5, 100)
	r.MethodEntry(1)
	r.SwitchIn(7, 110) // implicit switch-out of tid 5 at the same offset
	r.MethodEntry(2)
	r.SwitchOut(120)

	segs := r.Segments()
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segs), segs)
	}
	if segs[0].Tid != 5 || segs[0].EndOffset != segs[1].StartOffset {
		t.Errorf("segments not contiguous: %+v", segs)
	}
}
