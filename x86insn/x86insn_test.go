package x86insn

import "testing"

func TestDecodeCallRel32(t *testing.T) {
	// e8 rel32: call rip+5+0x10
	src := []byte{0xe8, 0x10, 0x00, 0x00, 0x00, 0x90}
	inst, err := Decode(src, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Len != 5 {
		t.Errorf("got len %d, want 5", inst.Len)
	}
	if inst.Class != ClassCall {
		t.Errorf("got class %v, want call", inst.Class)
	}
	if !inst.TargetValid || inst.Target != 0x1015 {
		t.Errorf("got target %#x valid=%v, want 0x1015 true", inst.Target, inst.TargetValid)
	}
}

func TestDecodeIndirectCall(t *testing.T) {
	// ff d0: call rax
	src := []byte{0xff, 0xd0, 0x90}
	inst, err := Decode(src, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Class != ClassIndirectCall {
		t.Errorf("got class %v, want indirect_call", inst.Class)
	}
	if inst.TargetValid {
		t.Error("indirect call must not report a static target")
	}
}

func TestDecodeRet(t *testing.T) {
	src := []byte{0xc3}
	inst, err := Decode(src, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Class != ClassReturn || inst.Len != 1 {
		t.Errorf("got %+v, want return/len 1", inst)
	}
}

func TestDecodeCondJumpRel8(t *testing.T) {
	// 74 10: je rip+2+0x10 (just checking class + target arithmetic)
	src := []byte{0x74, 0x10}
	inst, err := Decode(src, 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Class != ClassCondJump {
		t.Errorf("got class %v, want cond_jump", inst.Class)
	}
	if !inst.TargetValid || inst.Target != 0x4012 {
		t.Errorf("got target %#x, want 0x4012", inst.Target)
	}
}

func TestDecodeDirectJumpRel32(t *testing.T) {
	// e9 rel32
	src := []byte{0xe9, 0x00, 0x01, 0x00, 0x00}
	inst, err := Decode(src, 0x5000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Class != ClassDirectJump {
		t.Errorf("got class %v, want direct_jump", inst.Class)
	}
	if !inst.TargetValid || inst.Target != 0x5105 {
		t.Errorf("got target %#x, want 0x5105", inst.Target)
	}
}

func TestDecodeIndirectJump(t *testing.T) {
	// ff e0: jmp rax
	src := []byte{0xff, 0xe0}
	inst, err := Decode(src, 0x6000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Class != ClassIndirectJump {
		t.Errorf("got class %v, want indirect_jump", inst.Class)
	}
}

func TestDecodeOther(t *testing.T) {
	// 48 89 c0: mov rax, rax
	src := []byte{0x48, 0x89, 0xc0}
	inst, err := Decode(src, 0x7000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Class != ClassOther || inst.Len != 3 {
		t.Errorf("got %+v, want other/len 3", inst)
	}
	if inst.Class.IsTransfer() {
		t.Error("plain mov must not classify as a transfer")
	}
}

func TestDecodePtwrite(t *testing.T) {
	// f3 0f ae /4 with a register operand: f3 0f ae e0 (ptwrite eax)
	src := []byte{0xf3, 0x0f, 0xae, 0xe0}
	inst, err := Decode(src, 0x8000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Class != ClassPtwrite {
		t.Errorf("got class %v, want ptwrite", inst.Class)
	}
}
