package bcode

import "testing"

func TestBuildStraightLine(t *testing.T) {
	// iconst_0, istore_1, return
	code := []byte{0x03, 0x3c, 0xb1}
	g, err := Build(code, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(g.Blocks))
	}
	b := g.Blocks[0]
	if b.Start != 0 || b.End != len(code) {
		t.Fatalf("got block [%d,%d), want [0,%d)", b.Start, b.End, len(code))
	}
	if len(b.Successors) != 0 {
		t.Fatalf("got successors %v, want none", b.Successors)
	}
}

func TestBuildGoto(t *testing.T) {
	// 0: nop
	// 1: goto 4 (offset +3)
	// 4: return
	code := []byte{0x00, 0xa7, 0x00, 0x03, 0xb1}
	g, err := Build(code, nil)
	if err != nil {
		t.Fatal(err)
	}
	idx, ok := g.BlockAt(0)
	if !ok {
		t.Fatal("bci 0 did not resolve to a block")
	}
	b := g.Blocks[idx]
	if b.Terminator != KindGoto {
		t.Fatalf("got terminator %v, want goto", b.Terminator)
	}
	if len(b.Successors) != 1 {
		t.Fatalf("got %d successors, want 1", len(b.Successors))
	}
	if g.Blocks[b.Successors[0]].Start != 4 {
		t.Fatalf("goto target starts at %d, want 4", g.Blocks[b.Successors[0]].Start)
	}
}

func TestBuildConditionalBranchSuccessorOrder(t *testing.T) {
	// 0: ifeq 6 (offset +6): taken -> 6, fall-through -> 3
	// 3: nop
	// 4: nop
	// 5: nop
	// 6: return
	code := []byte{0x99, 0x00, 0x06, 0x00, 0x00, 0x00, 0xb1}
	g, err := Build(code, nil)
	if err != nil {
		t.Fatal(err)
	}
	idx, _ := g.BlockAt(0)
	b := g.Blocks[idx]
	if b.Terminator != KindBranch {
		t.Fatalf("got terminator %v, want branch", b.Terminator)
	}
	if len(b.Successors) != 2 {
		t.Fatalf("got %d successors, want 2", len(b.Successors))
	}
	if g.Blocks[b.Successors[0]].Start != 6 {
		t.Fatalf("successor[0] (taken) starts at %d, want 6", g.Blocks[b.Successors[0]].Start)
	}
	if g.Blocks[b.Successors[1]].Start != 3 {
		t.Fatalf("successor[1] (fall-through) starts at %d, want 3", g.Blocks[b.Successors[1]].Start)
	}
}

func TestBuildTableSwitchOrder(t *testing.T) {
	// 0: tableswitch, pad to 4-byte boundary (pc+1=1, pad=3), table
	//    spans [4,24); three single-byte `return`s follow at 24,25,26
	//    as the default/case0/case1 targets.
	code := make([]byte, 27)
	code[0] = 0xaa
	putI32 := func(off int, v int32) {
		code[off] = byte(v >> 24)
		code[off+1] = byte(v >> 16)
		code[off+2] = byte(v >> 8)
		code[off+3] = byte(v)
	}
	putI32(4, 24)  // default  -> pc+24 = 24
	putI32(8, 0)   // low
	putI32(12, 1)  // high
	putI32(16, 25) // case 0   -> pc+25 = 25
	putI32(20, 26) // case 1   -> pc+26 = 26
	code[24], code[25], code[26] = 0xb1, 0xb1, 0xb1

	g, err := Build(code, nil)
	if err != nil {
		t.Fatal(err)
	}
	idx, _ := g.BlockAt(0)
	b := g.Blocks[idx]
	if b.Terminator != KindSwitch {
		t.Fatalf("got terminator %v, want switch", b.Terminator)
	}
	if len(b.Successors) != 3 {
		t.Fatalf("got %d successors, want 3 (default + 2 cases)", len(b.Successors))
	}
	wantStarts := []int{24, 25, 26}
	for i, want := range wantStarts {
		if got := g.Blocks[b.Successors[i]].Start; got != want {
			t.Errorf("successor[%d] starts at %d, want %d", i, got, want)
		}
	}
}

func TestBuildFallthroughBlockFromBackwardBranch(t *testing.T) {
	// 0: nop          <- block 0: no terminator opcode of its own, but
	//                    pc 1 is a jump target so it still ends a block.
	// 1: nop          <- block 1 start
	// 2: goto 1       <- backward edge, targets block 1's own start
	code := []byte{0x00, 0x00, 0xa7, 0xff, 0xff}
	g, err := Build(code, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(g.Blocks))
	}
	if g.Blocks[0].Terminator != KindFallthrough {
		t.Fatalf("got terminator %v, want fallthrough", g.Blocks[0].Terminator)
	}
	if g.Blocks[0].Successors[0] != 1 {
		t.Fatalf("fallthrough successor is block %d, want 1", g.Blocks[0].Successors[0])
	}
	if g.Blocks[1].Terminator != KindGoto || g.Blocks[1].Successors[0] != 1 {
		t.Fatalf("got block 1 %+v, want goto looping back to itself (block 1)", g.Blocks[1])
	}
}
