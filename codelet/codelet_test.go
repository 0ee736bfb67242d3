package codelet

import "testing"

func TestClassifyBeforeInstall(t *testing.T) {
	var tbl Table
	if got := tbl.Classify(0x1000); got.Kind != KindIllegal {
		t.Fatalf("got %v before install, want illegal", got.Kind)
	}
}

func TestClassifyNamedAndDispatch(t *testing.T) {
	var tbl Table
	info := Info{
		Named: map[Kind][]Slot{
			KindMethodEntry: {{Start: 0x1000, End: 0x1010}},
			KindThrowNullPointerException: {{Start: 0x2000, End: 0x2020}},
		},
		Dispatch: []DispatchRow{
			{Start: 0x3000, End: 0x3010, Code: 0x2a}, // aload_0
			{Start: 0x3010, End: 0x3020, Code: 0xb1}, // return
		},
	}
	if err := tbl.Install([]byte("fingerprint-1"), info); err != nil {
		t.Fatal(err)
	}

	if got := tbl.Classify(0x1005).Kind; got != KindMethodEntry {
		t.Errorf("got %v, want method_entry", got)
	}
	if got := tbl.Classify(0x2010).Kind; got != KindThrowNullPointerException {
		t.Errorf("got %v, want throw_null_pointer_exception", got)
	}
	r := tbl.Classify(0x3015)
	if r.Kind != KindBytecode || r.Code != 0xb1 {
		t.Errorf("got %+v, want bytecode 0xb1", r)
	}
	if got := tbl.Classify(0x9999).Kind; got != KindIllegal {
		t.Errorf("got %v, want illegal for unmapped ip", got)
	}
}

func TestReinstallMismatchIsFatal(t *testing.T) {
	var tbl Table
	if err := tbl.Install([]byte("a"), Info{}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Install([]byte("a"), Info{}); err != nil {
		t.Fatalf("identical re-install should be idempotent, got %v", err)
	}
	if err := tbl.Install([]byte("b"), Info{}); err == nil {
		t.Fatal("differing re-install should be a fatal error")
	}
}
