// Package jitindex holds the live set of compiled-code sections
// (JIT-generated machine code ranges) a decoder has seen, and answers
// "which section, if any, contains this instruction pointer."
//
// It generalizes go-perf's perfsession.Ranges (a sorted,
// non-overlapping interval index used there to map instruction
// addresses to symbols) to this decoder's retirement semantics: a
// newly added section that overlaps an existing one retires the old
// one instead of rejecting the insert, and a retired section must
// stay valid for any reader that already holds a reference to it.
package jitindex

import "sort"

// PCDescriptor is one entry of a section's PC table: the inlined
// call-stack (outermost first) active at that program counter.
type PCDescriptor struct {
	PC    uint64
	Stack []InlinedFrame
}

// InlinedFrame names one level of an inlined call stack: an index
// into the section's method table, plus the bytecode index active at
// that level.
type InlinedFrame struct {
	Method int
	BCI    int
}

// Section is an immutable compiled-code region. Once constructed only
// its retired flag ever changes; Index shares it by pointer among every reader that
// observed it via find, even after Remove retires it.
type Section struct {
	Start, Size uint64
	Code        []byte // raw instruction bytes, len(Code) == Size; the JIT-mode walk disassembles straight out of this
	Methods     []MethodRef // indexed by InlinedFrame.Method
	PCs         []PCDescriptor // sorted by PC ascending

	retired bool
}

// CodeAt returns the raw bytes starting at addr through the end of
// the section, for the driver's instruction decoder to read from. ok
// is false if addr isn't covered by the section.
func (s *Section) CodeAt(addr uint64) (b []byte, ok bool) {
	if !s.Contains(addr) {
		return nil, false
	}
	return s.Code[addr-s.Start:], true
}

// MethodRef names the method a JIT section's inline table entry
// refers to; the frame matcher resolves it against a bcode.Cache.
type MethodRef struct {
	Class, Method, Signature string
}

func (s *Section) End() uint64 { return s.Start + s.Size }

// Contains reports whether addr falls within the section's range.
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Start && addr < s.End()
}

// Descriptor returns the PC descriptor whose PC is the smallest value
// ≥ addr, the lookup rule inlined-stack resolution needs.
func (s *Section) Descriptor(addr uint64) (PCDescriptor, bool) {
	i, ok := s.IndexAt(addr)
	if !ok {
		return PCDescriptor{}, false
	}
	return s.PCs[i], true
}

// IndexAt returns the index into PCs of the descriptor Descriptor(addr)
// would return. The driver's jit_code events reference PC descriptors
// by this index rather than by value.
func (s *Section) IndexAt(addr uint64) (int, bool) {
	i := sort.Search(len(s.PCs), func(i int) bool { return s.PCs[i].PC >= addr })
	if i == len(s.PCs) {
		return 0, false
	}
	return i, true
}

// Index is the live collection of Sections, sorted by Start, with
// O(log n) lookup by address.
type Index struct {
	sections []*Section // sorted by Start, no two live entries overlap
	retired  []*Section // kept so in-flight readers' references stay valid
}

// New creates an empty index.
func New() *Index { return &Index{} }

// Add inserts s, retiring any live section whose range intersects it.
func (ix *Index) Add(s *Section) {
	var kept []*Section
	for _, old := range ix.sections {
		if old.Start < s.End() && s.Start < old.End() {
			old.retired = true
			ix.retired = append(ix.retired, old)
			continue
		}
		kept = append(kept, old)
	}
	i := sort.Search(len(kept), func(i int) bool { return kept[i].Start >= s.Start })
	kept = append(kept, nil)
	copy(kept[i+1:], kept[i:])
	kept[i] = s
	ix.sections = kept
}

// Remove retires the live section containing addr, if any.
func (ix *Index) Remove(addr uint64) {
	for i, s := range ix.sections {
		if s.Contains(addr) {
			s.retired = true
			ix.retired = append(ix.retired, s)
			ix.sections = append(ix.sections[:i:i], ix.sections[i+1:]...)
			return
		}
	}
}

// FindAny returns every section — retired, then the current live one
// if present — whose Start equals addr, oldest first. At most one
// live section can ever share a Start with another (Add retires
// anything it overlaps before inserting), so this is exactly the
// chronological order those sections were added in. The frame matcher
// uses this to resolve a jit_code event's bare section-start address
// back to the specific Section instance active when the event was
// recorded, since recompilation can reuse the same start address
// within one work item.
func (ix *Index) FindAny(addr uint64) []*Section {
	var out []*Section
	for _, s := range ix.retired {
		if s.Start == addr {
			out = append(out, s)
		}
	}
	for _, s := range ix.sections {
		if s.Start == addr {
			out = append(out, s)
			break
		}
	}
	return out
}

// Find returns the unique live section covering addr, or ok=false.
func (ix *Index) Find(addr uint64) (s *Section, ok bool) {
	n := len(ix.sections)
	i := sort.Search(n, func(i int) bool { return ix.sections[i].Start > addr }) - 1
	if i < 0 || i >= n {
		return nil, false
	}
	cand := ix.sections[i]
	if !cand.Contains(addr) {
		return nil, false
	}
	return cand, true
}
