package jvmruntime

import (
	"encoding/binary"
	"testing"

	"github.com/aclements/go-ptjvm/codelet"
	"github.com/aclements/go-ptjvm/jitindex"
)

func putLenStr(buf []byte, s string) []byte {
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...)
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}
func u64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func frame(kind FrameKind, time uint64, payload []byte) []byte {
	var b []byte
	b = append(b, u32(uint32(kind))...)
	b = append(b, u32(uint32(len(payload)))...)
	b = append(b, u64(time)...)
	return append(b, payload...)
}

func TestAdvanceToMonotonicity(t *testing.T) {
	tl := NewTimeline(nil, &codelet.Table{}, jitindex.New())
	if err := tl.AdvanceTo(100); err != nil {
		t.Fatal(err)
	}
	if err := tl.AdvanceTo(50); err == nil {
		t.Fatal("want a fatal error for a decreasing advance_to call")
	}
}

func TestReplayThreadStartAndUnload(t *testing.T) {
	var buf []byte
	buf = append(buf, frame(FrameThreadStart, 10, append(u64(7), u64(42)...))...)

	var load []byte
	load = append(load, u64(0x1000)...) // start
	load = append(load, u64(0x100)...)  // codeSize
	load = append(load, u32(0)...)      // inlineMethodCnt
	load = append(load, make([]byte, 0x100)...)
	load = append(load, u32(0)...) // pcCount
	load = append(load, u32(0)...) // scopesDataLen
	buf = append(buf, frame(FrameCompiledMethodLoad, 20, load)...)

	buf = append(buf, frame(FrameCompiledMethodUnload, 30, u64(0x1000))...)

	jit := jitindex.New()
	tl := NewTimeline(buf, &codelet.Table{}, jit)

	if err := tl.AdvanceTo(15); err != nil {
		t.Fatal(err)
	}
	if javaTid, ok := tl.JavaTid(7); !ok || javaTid != 42 {
		t.Fatalf("got %v, %v, want java tid 42", javaTid, ok)
	}
	if _, ok := jit.Find(0x1050); ok {
		t.Fatal("compiled_method_load frame at t=20 should not be visible yet at t=15")
	}

	if err := tl.AdvanceTo(25); err != nil {
		t.Fatal(err)
	}
	if _, ok := jit.Find(0x1050); !ok {
		t.Fatal("want section visible after advancing past its load time")
	}

	if err := tl.AdvanceTo(35); err != nil {
		t.Fatal(err)
	}
	if _, ok := jit.Find(0x1050); ok {
		t.Fatal("want section retired after its unload time")
	}
}

func TestMethodRegisterAndInlineCache(t *testing.T) {
	var buf []byte
	var reg []byte
	reg = append(reg, u64(1)...)
	reg = putLenStr(reg, "java/lang/Object")
	reg = putLenStr(reg, "hashCode")
	reg = putLenStr(reg, "()I")
	buf = append(buf, frame(FrameMethodEntryInitial, 5, reg)...)

	var icAdd []byte
	icAdd = append(icAdd, u64(0x2000)...) // src
	icAdd = append(icAdd, u64(0x3000)...) // dst
	icAdd = append(icAdd, u64(0x1000)...) // section
	buf = append(buf, frame(FrameInlineCacheAdd, 6, icAdd)...)

	tl := NewTimeline(buf, &codelet.Table{}, jitindex.New())
	if err := tl.AdvanceTo(10); err != nil {
		t.Fatal(err)
	}
	dst, ok := tl.InlineCacheTarget(0x2000, 0x1000)
	if !ok || dst != 0x3000 {
		t.Fatalf("got %v, %v, want 0x3000", dst, ok)
	}
	if mi, ok := tl.methods[1]; !ok || mi.class != "java/lang/Object" {
		t.Fatalf("got %+v, want registered method 1", mi)
	}

	all := tl.AllMethods()
	got, ok := all[1]
	if !ok {
		t.Fatalf("AllMethods() missing id 1, got %+v", all)
	}
	want := MethodInfo{Class: "java/lang/Object", Method: "hashCode", Signature: "()I"}
	if got != want {
		t.Fatalf("AllMethods()[1] = %+v, want %+v", got, want)
	}
}
