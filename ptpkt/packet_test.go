package ptpkt

import "testing"

func TestDecodePSB(t *testing.T) {
	var b Builder
	b.PSB().PSBEnd()
	buf := b.Bytes()

	p, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != KindPSB || p.Len != 16 {
		t.Fatalf("got %+v, want PSB of length 16", p)
	}
	p, err = Decode(buf[16:])
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != KindPSBEnd {
		t.Fatalf("got %+v, want PSBEnd", p)
	}
}

func TestDecodeShortTNT(t *testing.T) {
	taken := []bool{true, false, true, true}
	var b Builder
	b.ShortTNT(taken)

	p, err := Decode(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != KindTNT8 {
		t.Fatalf("got kind %v, want TNT8", p.Kind)
	}
	if p.TNTBits != len(taken) {
		t.Fatalf("got %d bits, want %d", p.TNTBits, len(taken))
	}
	for i, want := range taken {
		if p.TNT[i] != want {
			t.Errorf("bit %d: got %v, want %v", i, p.TNT[i], want)
		}
	}
}

func TestDecodeTIPFull64(t *testing.T) {
	const ip = 0x00007f1234567890
	var b Builder
	b.TIP(IPFull64, ip)

	p, err := Decode(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != KindTIP {
		t.Fatalf("got kind %v, want TIP", p.Kind)
	}
	got, suppressed := ResolveIP(p.IPComp, p.IPVal, 0)
	if suppressed || got != ip {
		t.Fatalf("got ip %#x (suppressed=%v), want %#x", got, suppressed, ip)
	}
}

func TestResolveIPUpdate16(t *testing.T) {
	const last = 0x00007f1234560000
	got, suppressed := ResolveIP(IPUpdate16, 0xabcd, last)
	if suppressed {
		t.Fatal("unexpectedly suppressed")
	}
	if want := uint64(0x00007f123456abcd); got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestDecodeSequence(t *testing.T) {
	var b Builder
	b.PSB().
		TSC(0x1000).
		FUP(IPFull64, 0x1000).
		PSBEnd().
		ModeExec(ExecMode64).
		TIPPGE(IPFull64, 0x1000).
		ShortTNT([]bool{true}).
		Overflow().
		TIP(IPFull64, 0x2000).
		TraceStop()
	buf := b.Bytes()

	var kinds []Kind
	for len(buf) > 0 {
		p, err := Decode(buf)
		if err != nil {
			t.Fatalf("decode error after %d kinds: %v", len(kinds), err)
		}
		kinds = append(kinds, p.Kind)
		buf = buf[p.Len:]
	}
	want := []Kind{KindPSB, KindTSC, KindFUP, KindPSBEnd, KindMode, KindTIPPGE, KindTNT8, KindOverflow, KindTIP, KindTraceStop}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("packet %d: got %v, want %v", i, kinds[i], want[i])
		}
	}
}
