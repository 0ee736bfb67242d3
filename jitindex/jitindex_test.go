package jitindex

import "testing"

func TestOverlapRetirement(t *testing.T) {
	ix := New()
	s1 := &Section{Start: 100, Size: 100} // [100, 200)
	s2 := &Section{Start: 150, Size: 100} // [150, 250)
	ix.Add(s1)
	ix.Add(s2)

	got, ok := ix.Find(160)
	if !ok || got != s2 {
		t.Fatalf("find(160): got %v, %v, want s2", got, ok)
	}
	if _, ok := ix.Find(120); ok {
		t.Fatal("find(120): want none, s1 should have been retired by the overlapping add")
	}
	if !s1.retired {
		t.Fatal("s1 should be marked retired")
	}

	ix.Remove(180)
	if _, ok := ix.Find(160); ok {
		t.Fatal("find(160) after remove(180): want none")
	}
	if !s2.retired {
		t.Fatal("s2 should be marked retired after Remove")
	}
}

func TestFindNonOverlapping(t *testing.T) {
	ix := New()
	ix.Add(&Section{Start: 0, Size: 10})
	ix.Add(&Section{Start: 20, Size: 10})

	if _, ok := ix.Find(15); ok {
		t.Fatal("find(15): want none, gap between sections")
	}
	s, ok := ix.Find(25)
	if !ok || s.Start != 20 {
		t.Fatalf("find(25): got %v, %v, want section at 20", s, ok)
	}
}

func TestDescriptorLookup(t *testing.T) {
	s := &Section{Start: 0, Size: 100, PCs: []PCDescriptor{
		{PC: 10, Stack: []InlinedFrame{{Method: 0, BCI: 0}}},
		{PC: 20, Stack: []InlinedFrame{{Method: 0, BCI: 5}}},
	}}
	d, ok := s.Descriptor(15)
	if !ok || d.PC != 20 {
		t.Fatalf("descriptor(15): got %+v, %v, want pc 20 (smallest >= 15)", d, ok)
	}
	if _, ok := s.Descriptor(25); ok {
		t.Fatal("descriptor(25): want none, past the last entry")
	}
}
