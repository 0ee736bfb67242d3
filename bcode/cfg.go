// Package bcode builds a basic-block control-flow graph from raw JVM
// bytecode. Parsing .class files themselves is someone else's job (an
// external collaborator, per the system this decoder plugs into); this
// package only turns an already-extracted method's code bytes and
// exception table into the block graph the frame matcher walks.
package bcode

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Kind identifies how a block ends.
type Kind int

const (
	// KindFallthrough blocks have no terminating branch opcode; they
	// end only because another instruction happens to target the
	// following byte. They have exactly one successor: the next block
	// in code order.
	KindFallthrough Kind = iota
	KindReturn
	KindAthrow
	KindBranch // two-way conditional: successor[0] taken, successor[1] fall-through
	KindGoto
	KindSwitch // successor[0] default, successor[1:] case targets in table order
	KindRet
	KindJsr
	KindInvoke
)

func (k Kind) String() string {
	switch k {
	case KindFallthrough:
		return "fallthrough"
	case KindReturn:
		return "return"
	case KindAthrow:
		return "athrow"
	case KindBranch:
		return "branch"
	case KindGoto:
		return "goto"
	case KindSwitch:
		return "switch"
	case KindRet:
		return "ret"
	case KindJsr:
		return "jsr"
	case KindInvoke:
		return "invoke"
	}
	return "unknown"
}

// Block is one basic block: a half-open bytecode offset range plus
// its terminator and successors, in canonical order.
type Block struct {
	Start, End int
	Terminator Kind
	Opcode     byte
	Successors []int // indices into CFG.Blocks
}

// Handler is one entry of a method's exception table.
type Handler struct {
	StartPC, EndPC, HandlerPC int
	CatchType                 int // 0 means catch-all (finally)
}

// CFG is a method's bytecode control-flow graph.
type CFG struct {
	Code     []byte
	Blocks   []Block
	Handlers []Handler

	starts []int // Blocks[i].Start, kept sorted for BlockAt's binary search
}

// BlockAt returns the index of the block containing bci.
func (g *CFG) BlockAt(bci int) (int, bool) {
	i := sort.SearchInts(g.starts, bci+1) - 1
	if i < 0 || i >= len(g.Blocks) || bci < g.Blocks[i].Start || bci >= g.Blocks[i].End {
		return 0, false
	}
	return i, true
}

// HandlerFor returns the first exception-table entry covering pc
// whose catch type matches (catchType 0 always matches), in table
// order (the order the class file lists them, which is also priority
// order for overlapping ranges).
func (g *CFG) HandlerFor(pc int, catchType int) (Handler, bool) {
	for _, h := range g.Handlers {
		if pc < h.StartPC || pc >= h.EndPC {
			continue
		}
		if h.CatchType == 0 || h.CatchType == catchType {
			return h, true
		}
	}
	return Handler{}, false
}

// Opcodes returns the dispatch opcode byte of each instruction in
// [start, end), in encounter order. The frame matcher uses this to
// expand one traversed block into its per-line bytecode output.
func (g *CFG) Opcodes(start, end int) ([]byte, error) {
	var out []byte
	for pc := start; pc < end; {
		in, err := decodeInstr(g.Code, pc)
		if err != nil {
			return nil, fmt.Errorf("bcode: at pc %d: %w", pc, err)
		}
		out = append(out, in.opcode)
		pc += in.length
	}
	return out, nil
}

type instr struct {
	pc, length int
	term       bool
	kind       Kind
	opcode     byte
	targets    []int // absolute offsets; does not include the fall-through
}

// Build constructs a CFG from a method's raw code bytes and exception
// table. It runs the two-pass algorithm: the first pass collects
// every block-start offset (0, branch/switch targets, fall-throughs
// after a terminator, and exception handler entries); the second
// re-walks the code materializing blocks between consecutive starts
// and wiring each one's successors in canonical order.
func Build(code []byte, handlers []Handler) (*CFG, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("bcode: empty method body")
	}

	starts := map[int]bool{0: true}
	instrs := map[int]instr{}

	for pc := 0; pc < len(code); {
		in, err := decodeInstr(code, pc)
		if err != nil {
			return nil, fmt.Errorf("bcode: at pc %d: %w", pc, err)
		}
		instrs[pc] = in
		if in.term {
			for _, t := range in.targets {
				if t < 0 || t >= len(code) {
					return nil, fmt.Errorf("bcode: branch at pc %d targets out-of-range offset %d", pc, t)
				}
				starts[t] = true
			}
			if next := pc + in.length; next < len(code) {
				starts[next] = true
			}
		}
		pc += in.length
	}
	for _, h := range handlers {
		starts[h.HandlerPC] = true
	}

	sorted := make([]int, 0, len(starts))
	for s := range starts {
		sorted = append(sorted, s)
	}
	sort.Ints(sorted)

	g := &CFG{Code: code, Handlers: handlers, starts: sorted}
	startIndex := make(map[int]int, len(sorted))
	for i, s := range sorted {
		startIndex[s] = i
	}

	for i, start := range sorted {
		end := len(code)
		if i+1 < len(sorted) {
			end = sorted[i+1]
		}
		block := Block{Start: start, End: end}

		// Find the instruction whose span ends exactly at `end`; if
		// none terminates there, this block simply falls through
		// because the next block happens to start at `end`.
		pc := start
		var last instr
		haveLast := false
		for pc < end {
			in, ok := instrs[pc]
			if !ok {
				return nil, fmt.Errorf("bcode: block [%d,%d) misaligned with instruction boundaries at pc %d", start, end, pc)
			}
			last, haveLast = in, true
			pc += in.length
		}
		if haveLast && last.term && last.pc+last.length == end {
			block.Terminator = last.kind
			block.Opcode = last.opcode
			switch last.kind {
			case KindBranch:
				block.Successors = []int{startIndex[last.targets[0]], startIndex[end]}
			case KindGoto:
				block.Successors = []int{startIndex[last.targets[0]]}
			case KindSwitch:
				block.Successors = make([]int, len(last.targets))
				for j, t := range last.targets {
					block.Successors[j] = startIndex[t]
				}
			case KindInvoke:
				if end < len(code) {
					block.Successors = []int{startIndex[end]}
				}
			case KindReturn, KindAthrow, KindRet, KindJsr:
				// No successor recorded at build time (ret/jsr targets
				// are resolved from the paired bci event; return and
				// athrow leave the method).
			}
		} else {
			block.Terminator = KindFallthrough
			if end < len(code) {
				block.Successors = []int{startIndex[end]}
			}
		}
		g.Blocks = append(g.Blocks, block)
	}
	return g, nil
}

const opIinc = 0x84
const opWide = 0xc4

func decodeInstr(code []byte, pc int) (instr, error) {
	op := code[pc]
	need := func(n int) error {
		if pc+n > len(code) {
			return fmt.Errorf("truncated operand for opcode 0x%02x", op)
		}
		return nil
	}

	switch {
	case op == opWide:
		if err := need(2); err != nil {
			return instr{}, err
		}
		sub := code[pc+1]
		if sub == opIinc {
			if err := need(6); err != nil {
				return instr{}, err
			}
			return instr{pc: pc, length: 6, opcode: op}, nil
		}
		if sub == 0xa9 { // ret
			if err := need(4); err != nil {
				return instr{}, err
			}
			return instr{pc: pc, length: 4, term: true, kind: KindRet, opcode: op}, nil
		}
		if err := need(4); err != nil {
			return instr{}, err
		}
		return instr{pc: pc, length: 4, opcode: op}, nil

	case op >= 0x99 && op <= 0xa6, op == 0xc6, op == 0xc7: // if*, ifnull, ifnonnull
		if err := need(3); err != nil {
			return instr{}, err
		}
		off := int16(binary.BigEndian.Uint16(code[pc+1 : pc+3]))
		return instr{pc: pc, length: 3, term: true, kind: KindBranch, opcode: op,
			targets: []int{pc + int(off)}}, nil

	case op == 0xa7: // goto
		if err := need(3); err != nil {
			return instr{}, err
		}
		off := int16(binary.BigEndian.Uint16(code[pc+1 : pc+3]))
		return instr{pc: pc, length: 3, term: true, kind: KindGoto, opcode: op,
			targets: []int{pc + int(off)}}, nil

	case op == 0xc8: // goto_w
		if err := need(5); err != nil {
			return instr{}, err
		}
		off := int32(binary.BigEndian.Uint32(code[pc+1 : pc+5]))
		return instr{pc: pc, length: 5, term: true, kind: KindGoto, opcode: op,
			targets: []int{pc + int(off)}}, nil

	case op == 0xa8: // jsr
		if err := need(3); err != nil {
			return instr{}, err
		}
		return instr{pc: pc, length: 3, term: true, kind: KindJsr, opcode: op}, nil

	case op == 0xc9: // jsr_w
		if err := need(5); err != nil {
			return instr{}, err
		}
		return instr{pc: pc, length: 5, term: true, kind: KindJsr, opcode: op}, nil

	case op == 0xa9: // ret
		if err := need(2); err != nil {
			return instr{}, err
		}
		return instr{pc: pc, length: 2, term: true, kind: KindRet, opcode: op}, nil

	case op == 0xaa: // tableswitch
		return decodeTableSwitch(code, pc)

	case op == 0xab: // lookupswitch
		return decodeLookupSwitch(code, pc)

	case op >= 0xac && op <= 0xb1: // ireturn..return
		return instr{pc: pc, length: 1, term: true, kind: KindReturn, opcode: op}, nil

	case op == 0xbf: // athrow
		return instr{pc: pc, length: 1, term: true, kind: KindAthrow, opcode: op}, nil

	case op == 0xb6, op == 0xb7, op == 0xb8: // invoke{virtual,special,static}
		if err := need(3); err != nil {
			return instr{}, err
		}
		return instr{pc: pc, length: 3, term: true, kind: KindInvoke, opcode: op}, nil

	case op == 0xb9, op == 0xba: // invokeinterface, invokedynamic
		if err := need(5); err != nil {
			return instr{}, err
		}
		return instr{pc: pc, length: 5, term: true, kind: KindInvoke, opcode: op}, nil
	}

	l, ok := fixedOpcodeLen[op]
	if !ok {
		return instr{}, fmt.Errorf("unrecognized opcode 0x%02x", op)
	}
	if err := need(l); err != nil {
		return instr{}, err
	}
	return instr{pc: pc, length: l, opcode: op}, nil
}

// tableswitch/lookupswitch pad their operands so the first operand
// byte lands on a 4-byte boundary measured from the start of the
// method, per the class file format.
func switchPad(pc int) int {
	return (4 - (pc+1)%4) % 4
}

func decodeTableSwitch(code []byte, pc int) (instr, error) {
	pad := switchPad(pc)
	base := pc + 1 + pad
	if base+12 > len(code) {
		return instr{}, fmt.Errorf("truncated tableswitch at pc %d", pc)
	}
	def := int32(binary.BigEndian.Uint32(code[base : base+4]))
	lo := int32(binary.BigEndian.Uint32(code[base+4 : base+8]))
	hi := int32(binary.BigEndian.Uint32(code[base+8 : base+12]))
	if hi < lo {
		return instr{}, fmt.Errorf("tableswitch at pc %d has high %d < low %d", pc, hi, lo)
	}
	n := int(hi-lo) + 1
	end := base + 12 + 4*n
	if end > len(code) {
		return instr{}, fmt.Errorf("truncated tableswitch case table at pc %d", pc)
	}
	targets := make([]int, 1+n)
	targets[0] = pc + int(def)
	for i := 0; i < n; i++ {
		off := int32(binary.BigEndian.Uint32(code[base+12+4*i : base+16+4*i]))
		targets[1+i] = pc + int(off)
	}
	return instr{pc: pc, length: end - pc, term: true, kind: KindSwitch, opcode: code[pc], targets: targets}, nil
}

func decodeLookupSwitch(code []byte, pc int) (instr, error) {
	pad := switchPad(pc)
	base := pc + 1 + pad
	if base+8 > len(code) {
		return instr{}, fmt.Errorf("truncated lookupswitch at pc %d", pc)
	}
	def := int32(binary.BigEndian.Uint32(code[base : base+4]))
	npairs := int32(binary.BigEndian.Uint32(code[base+4 : base+8]))
	if npairs < 0 {
		return instr{}, fmt.Errorf("lookupswitch at pc %d has negative npairs", pc)
	}
	end := base + 8 + 8*int(npairs)
	if end > len(code) {
		return instr{}, fmt.Errorf("truncated lookupswitch pair table at pc %d", pc)
	}
	targets := make([]int, 1+npairs)
	targets[0] = pc + int(def)
	for i := 0; i < int(npairs); i++ {
		off := int32(binary.BigEndian.Uint32(code[base+8+8*i+4 : base+8+8*i+8]))
		targets[1+i] = pc + int(off)
	}
	return instr{pc: pc, length: end - pc, term: true, kind: KindSwitch, opcode: code[pc], targets: targets}, nil
}

// fixedOpcodeLen gives the encoded length (including the opcode byte)
// of every JVM instruction whose length doesn't depend on its operand
// values. Instructions handled specially above (branches, switches,
// wide, invokes) are absent here.
var fixedOpcodeLen = buildFixedOpcodeLen()

func buildFixedOpcodeLen() map[byte]int {
	m := map[byte]int{}
	// The JVM's instruction set is small enough to just enumerate by
	// fixed length.
	set1 := []byte{
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
		0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f, 0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, 0x28, 0x29, 0x2a, 0x2b, 0x2c, 0x2d,
		0x2e, 0x2f, 0x30, 0x31, 0x32, 0x33, 0x34, 0x35,
		0x3b, 0x3c, 0x3d, 0x3e, 0x3f, 0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49, 0x4a, 0x4b, 0x4c, 0x4d, 0x4e,
		0x4f, 0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56,
		0x57, 0x58, 0x59, 0x5a, 0x5b, 0x5c, 0x5d, 0x5e, 0x5f,
		0x60, 0x61, 0x62, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68, 0x69, 0x6a, 0x6b, 0x6c, 0x6d, 0x6e, 0x6f,
		0x70, 0x71, 0x72, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78, 0x79, 0x7a, 0x7b, 0x7c, 0x7d, 0x7e, 0x7f,
		0x80, 0x81, 0x82, 0x83,
		0x85, 0x86, 0x87, 0x88, 0x89, 0x8a, 0x8b, 0x8c, 0x8d, 0x8e, 0x8f, 0x90, 0x91, 0x92, 0x93,
		0x94, 0x95, 0x96, 0x97, 0x98,
		0xbe, // arraylength
		0xc2, 0xc3, // monitorenter, monitorexit
	}
	for _, op := range set1 {
		m[op] = 1
	}
	set2 := []byte{0x10, 0x12, 0x15, 0x16, 0x17, 0x18, 0x19, 0x36, 0x37, 0x38, 0x39, 0x3a, 0xbc}
	for _, op := range set2 {
		m[op] = 2
	}
	set3 := []byte{0x11, 0x13, 0x14, opIinc, 0xb2, 0xb3, 0xb4, 0xb5, 0xbb, 0xbd, 0xc0, 0xc1}
	for _, op := range set3 {
		m[op] = 3
	}
	m[0xc5] = 4 // multianewarray
	return m
}
