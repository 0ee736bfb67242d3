// Package x86insn decodes just enough of an x86-64 instruction stream
// to drive the PT Query Driver's JIT-mode walk: instruction length and
// a coarse transfer-of-control classification. It is a thin
// classifying wrapper around golang.org/x/arch/x86/x86asm, the same
// decoder mewmew/x's disassembler builds on.
package x86insn

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Class categorizes an instruction for the purposes of JIT-mode
// control-flow replay.
type Class int

const (
	ClassOther Class = iota
	ClassCall
	ClassReturn
	ClassDirectJump
	ClassCondJump
	ClassIndirectJump
	ClassIndirectCall
	ClassFarTransfer
	ClassPtwrite
)

func (c Class) String() string {
	switch c {
	case ClassCall:
		return "call"
	case ClassReturn:
		return "return"
	case ClassDirectJump:
		return "direct_jump"
	case ClassCondJump:
		return "cond_jump"
	case ClassIndirectJump:
		return "indirect_jump"
	case ClassIndirectCall:
		return "indirect_call"
	case ClassFarTransfer:
		return "far_transfer"
	case ClassPtwrite:
		return "ptwrite"
	default:
		return "other"
	}
}

// Inst is one decoded instruction.
type Inst struct {
	Len   int
	Class Class
	// Target is the statically-known branch target for
	// ClassDirectJump/ClassCondJump/ClassCall, valid relative to the
	// instruction's own address (ip). Zero otherwise (indirect
	// transfers resolve their target from decoded trace state, not
	// from the instruction bytes).
	Target uint64
	// TargetValid is false for indirect transfers and any
	// instruction with no static target.
	TargetValid bool
}

var condJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.JE: true, x86asm.JG: true, x86asm.JGE: true, x86asm.JL: true,
	x86asm.JLE: true, x86asm.JNE: true, x86asm.JNO: true, x86asm.JNP: true,
	x86asm.JNS: true, x86asm.JO: true, x86asm.JP: true, x86asm.JS: true,
}

// ptwriteLen recognizes the register-direct form of PTWRITE (F3 0F AE
// /4, ModRM.mod=11), which this vendored x86asm table predates and so
// has no dedicated Op for; it would otherwise decode as an undefined
// group-15 encoding. Returns the instruction's length when matched.
// The memory-operand form isn't recognized here: JIT-emitted ptwrite
// markers always target a register.
func ptwriteLen(src []byte) (int, bool) {
	i := 0
	for i < len(src) && isPrefix(src[i]) {
		i++
	}
	if i+3 > len(src) || src[i] != 0x0f || src[i+1] != 0xae {
		return 0, false
	}
	modrm := src[i+2]
	if modrm>>6 != 3 || (modrm>>3)&0x7 != 4 {
		return 0, false
	}
	return i + 3, true
}

func isPrefix(b byte) bool {
	switch b {
	case 0x66, 0x67, 0xf0, 0xf2, 0xf3, 0x2e, 0x36, 0x3e, 0x26, 0x64, 0x65:
		return true
	}
	return b >= 0x40 && b <= 0x4f // REX
}

// Decode decodes the instruction at the start of src, whose first
// byte lies at address ip. It tries the PTWRITE pattern first since
// x86asm's table has no dedicated opcode for it.
func Decode(src []byte, ip uint64) (Inst, error) {
	if n, ok := ptwriteLen(src); ok {
		return Inst{Len: n, Class: ClassPtwrite}, nil
	}

	inst, err := x86asm.Decode(src, 64)
	if err != nil {
		return Inst{}, fmt.Errorf("x86insn: decoding instruction at %#x: %w", ip, err)
	}

	out := Inst{Len: inst.Len}
	switch inst.Op {
	case x86asm.CALL:
		out.Class = ClassCall
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			out.Target = uint64(int64(ip) + int64(inst.Len) + int64(rel))
			out.TargetValid = true
		} else {
			out.Class = ClassIndirectCall
		}
	case x86asm.LCALL:
		out.Class = ClassFarTransfer
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		out.Class = ClassReturn
	case x86asm.JMP:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			out.Class = ClassDirectJump
			out.Target = uint64(int64(ip) + int64(inst.Len) + int64(rel))
			out.TargetValid = true
		} else {
			out.Class = ClassIndirectJump
		}
	case x86asm.LJMP:
		out.Class = ClassFarTransfer
	default:
		if condJumps[inst.Op] {
			out.Class = ClassCondJump
			if rel, ok := inst.Args[0].(x86asm.Rel); ok {
				out.Target = uint64(int64(ip) + int64(inst.Len) + int64(rel))
				out.TargetValid = true
			}
		}
	}
	return out, nil
}

// IsTransfer reports whether c is any kind of control transfer the PT
// query engine needs a TNT/TIP packet to resolve.
func (c Class) IsTransfer() bool {
	switch c {
	case ClassCall, ClassReturn, ClassDirectJump, ClassCondJump,
		ClassIndirectJump, ClassIndirectCall, ClassFarTransfer:
		return true
	}
	return false
}
