package frames

import (
	"bufio"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/aclements/go-ptjvm/bcode"
	"github.com/aclements/go-ptjvm/eventlog"
	"github.com/aclements/go-ptjvm/jitindex"
)

// mapSource is a MethodSource stub keyed by (class, method, signature).
type mapSource map[string][]byte

func msKey(class, method, signature string) string { return class + "#" + method + signature }

func (s mapSource) Method(class, method, signature string) ([]byte, []bcode.Handler, error) {
	code, ok := s[msKey(class, method, signature)]
	if !ok {
		return nil, nil, os.ErrNotExist
	}
	return code, nil, nil
}

func readLines(t *testing.T, name string) []string {
	t.Helper()
	f, err := os.Open(name)
	if err != nil {
		t.Fatalf("opening %s: %v", name, err)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("reading %s: %v", name, err)
	}
	return out
}

func runOne(t *testing.T, mm *Matcher, rec *eventlog.Recorder, tid uint64, jit *jitindex.Index) {
	t.Helper()
	if jit == nil {
		jit = jitindex.New()
	}
	seg := Segment{
		Segment: eventlog.Segment{Tid: tid, StartOffset: 0, EndOffset: len(rec.Bytes())},
		Rec:     rec,
		JIT:     jit,
	}
	if err := mm.Run([]Segment{seg}); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestLinearInterpreterTakenPath exercises method_entry -> taken ->
// method_exit: the ifeq block's bytecode, then the taken target's.
func TestLinearInterpreterTakenPath(t *testing.T) {
	// 0: ifeq 6 (taken -> 6, fall-through -> 3); 3..5: nop; 6: return
	code := []byte{0x99, 0x00, 0x06, 0x00, 0x00, 0x00, 0xb1}
	src := mapSource{msKey("C", "m", "()V"): code}
	cache := bcode.NewCache(src)
	methods := map[uint64]MethodRef{1: {Class: "C", Method: "m", Signature: "()V"}}

	dir := t.TempDir()
	mm := NewMatcher(cache, methods, nil, filepath.Join(dir, "out"))

	var rec eventlog.Recorder
	rec.MethodEntry(1)
	rec.Taken()
	rec.MethodExit(1)
	runOne(t, mm, &rec, 42, nil)

	if _, err := mm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := readLines(t, filepath.Join(dir, "out-thrd42"))
	want := []string{"153", "177"} // ifeq, return
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestLinearInterpreterFallthroughAndExit exercises the not_taken leg,
// and confirms method_exit emits the frame's final block even though
// no taken/not_taken event ever flushes it (a fallthrough-only block
// has no branch of its own).
func TestLinearInterpreterFallthroughAndExit(t *testing.T) {
	code := []byte{0x99, 0x00, 0x06, 0x00, 0x00, 0x00, 0xb1}
	src := mapSource{msKey("C", "m", "()V"): code}
	cache := bcode.NewCache(src)
	methods := map[uint64]MethodRef{1: {Class: "C", Method: "m", Signature: "()V"}}

	dir := t.TempDir()
	mm := NewMatcher(cache, methods, nil, filepath.Join(dir, "out"))

	var rec eventlog.Recorder
	rec.MethodEntry(1)
	rec.NotTaken()
	rec.MethodExit(1)
	runOne(t, mm, &rec, 7, nil)

	if _, err := mm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := readLines(t, filepath.Join(dir, "out-thrd7"))
	want := []string{"153", "0", "0", "0"} // ifeq, then the three nops
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestJitInlineStackReconciliation exercises a two-PC jit_code run
// where the second PC adds an inlined frame on top of the first,
// checking that the common (outer) level is kept and only the new
// (inner) level is pushed fresh.
func TestJitInlineStackReconciliation(t *testing.T) {
	outerCode := []byte{0xb1}       // return
	innerCode := []byte{0x03, 0xb1} // iconst_0, return
	src := mapSource{
		msKey("Outer", "o", "()V"): outerCode,
		msKey("Inner", "i", "()V"): innerCode,
	}
	cache := bcode.NewCache(src)

	sec := &jitindex.Section{
		Start: 0x1000,
		Size:  0x100,
		Methods: []jitindex.MethodRef{
			{Class: "Outer", Method: "o", Signature: "()V"},
			{Class: "Inner", Method: "i", Signature: "()V"},
		},
		PCs: []jitindex.PCDescriptor{
			{PC: 0x1000, Stack: []jitindex.InlinedFrame{{Method: 0, BCI: 0}}},
			{PC: 0x1010, Stack: []jitindex.InlinedFrame{{Method: 0, BCI: 0}, {Method: 1, BCI: 0}}},
		},
	}
	jit := jitindex.New()
	jit.Add(sec)

	dir := t.TempDir()
	mm := NewMatcher(cache, nil, nil, filepath.Join(dir, "out"))

	var rec eventlog.Recorder
	rec.JitCode(sec.Start, []int32{0, 1})
	runOne(t, mm, &rec, 9, jit)

	if _, err := mm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := readLines(t, filepath.Join(dir, "out-thrd9"))
	// PC 0 pushes the outer level and emits its block (return: 177).
	// PC 1 keeps the outer level (common prefix) and pushes a fresh
	// inner level, emitting the inner block (iconst_0, return: 3, 177)
	// directly, then walks the kept outer level from its own block to
	// itself, re-emitting it once more (see reconcileJitStack).
	want := []string{"177", "3", "177", "177"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestDataLossResetsFramesAndCountsErrors checks that data_loss wipes
// both frame stacks and writes the loss marker, and that unresolved
// methods plus an explicit decode_error both count toward the
// end-of-run error total Close reports.
func TestDataLossResetsFramesAndCountsErrors(t *testing.T) {
	cache := bcode.NewCache(mapSource{})
	dir := t.TempDir()
	mm := NewMatcher(cache, nil, nil, filepath.Join(dir, "out"))

	var rec eventlog.Recorder
	rec.MethodEntry(99) // unresolvable: not in methods map
	rec.DecodeError()
	rec.DataLoss()
	runOne(t, mm, &rec, 3, nil)

	counts, err := mm.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if counts[3] != 2 {
		t.Fatalf("got %d errors, want 2", counts[3])
	}
	got := readLines(t, filepath.Join(dir, "out-thrd3"))
	want := []string{"255"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
