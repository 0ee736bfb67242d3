package split

import "testing"

func TestSplitOnePSBBoundaries(t *testing.T) {
	var b []byte
	psb := func() []byte {
		p := make([]byte, 16)
		for i := 0; i < 8; i++ {
			p[2*i], p[2*i+1] = 0x02, 0x82
		}
		return p
	}()
	for i := 0; i < 3; i++ {
		b = append(b, psb...)
		b = append(b, 0x00, 0x00) // a couple of pad packets between syncs
	}

	items, err := splitOne(0, b, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, it := range items {
		if it.PSBCount != 1 {
			t.Errorf("item %d: got PSBCount %d, want 1", i, it.PSBCount)
		}
		if len(it.Data) < 16 {
			t.Errorf("item %d: data too short: %d", i, len(it.Data))
		}
	}
}

func TestSplitOneGroupsBySplitSize(t *testing.T) {
	psb := make([]byte, 16)
	for i := 0; i < 8; i++ {
		psb[2*i], psb[2*i+1] = 0x02, 0x82
	}
	var b []byte
	for i := 0; i < 5; i++ {
		b = append(b, psb...)
	}

	items, err := splitOne(0, b, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3 (ceil(5/2))", len(items))
	}
	if items[0].PSBCount != 2 || items[1].PSBCount != 2 || items[2].PSBCount != 1 {
		t.Fatalf("got PSB counts %d,%d,%d, want 2,2,1", items[0].PSBCount, items[1].PSBCount, items[2].PSBCount)
	}
}

func TestLossInRange(t *testing.T) {
	ranges := []byteRange{{start: 0, end: 10, loss: false}, {start: 10, end: 20, loss: true}}
	if lossInRange(ranges, 0, 10) {
		t.Fatal("range [0,10) should not carry loss")
	}
	if !lossInRange(ranges, 5, 15) {
		t.Fatal("range [5,15) overlaps the lossy extent and should report loss")
	}
}
