package ptpkt

import "encoding/binary"

// Builder appends encoded packets to an internal buffer. It exists so
// tests throughout this module (and anyone feeding synthetic traces
// into the splitter or query driver) can construct well-formed PT
// byte streams without hand-writing opcode bytes.
type Builder struct {
	buf []byte
}

func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) PSB() *Builder {
	b.buf = append(b.buf, psbPattern[:]...)
	return b
}

func (b *Builder) PSBEnd() *Builder {
	b.buf = append(b.buf, tagExt, extPSBEnd)
	return b
}

func (b *Builder) Pad() *Builder {
	b.buf = append(b.buf, tagPad)
	return b
}

// ShortTNT encodes up to 6 branch outcomes (oldest first) as one
// short TNT packet.
func (b *Builder) ShortTNT(taken []bool) *Builder {
	if len(taken) > 6 {
		panic("ptpkt: short TNT holds at most 6 bits")
	}
	var payload uint64 = 1 << uint(len(taken)) // stop bit
	for i, t := range taken {
		if t {
			payload |= 1 << uint(len(taken)-1-i)
		}
	}
	b.buf = append(b.buf, byte(payload<<1))
	return b
}

func (b *Builder) TNTLong(taken []bool) *Builder {
	if len(taken) > 47 {
		panic("ptpkt: long TNT holds at most 47 bits")
	}
	var payload uint64 = 1 << uint(len(taken))
	for i, t := range taken {
		if t {
			payload |= 1 << uint(len(taken)-1-i)
		}
	}
	b.buf = append(b.buf, tagExt, extTNTLong)
	for i := 0; i < 6; i++ {
		b.buf = append(b.buf, byte(payload>>(8*uint(i))))
	}
	return b
}

func (b *Builder) tip(tag byte, comp IPCompression, ip uint64) *Builder {
	b.buf = append(b.buf, tag|byte(comp)<<tipSchemeShift)
	n := ipCompressionBytes(comp)
	for i := 0; i < n; i++ {
		b.buf = append(b.buf, byte(ip>>(8*uint(i))))
	}
	return b
}

func (b *Builder) TIP(comp IPCompression, ip uint64) *Builder {
	return b.tip(tipTag, comp, ip)
}

func (b *Builder) TIPPGE(comp IPCompression, ip uint64) *Builder {
	return b.tip(tipPGETag, comp, ip)
}

func (b *Builder) TIPPGD(comp IPCompression, ip uint64) *Builder {
	return b.tip(tipPGDTag, comp, ip)
}

func (b *Builder) FUP(comp IPCompression, ip uint64) *Builder {
	return b.tip(fupTag, comp, ip)
}

func (b *Builder) ModeExec(mode ExecMode) *Builder {
	p := byte(0)
	switch mode {
	case ExecMode16:
		p = 0
	case ExecMode64:
		p = 1
	case ExecMode32:
		p = 2
	}
	b.buf = append(b.buf, tagExt, extMode, modeSubExec, p)
	return b
}

func (b *Builder) ModeTSX(intx, abort bool) *Builder {
	p := byte(0)
	if intx {
		p |= 0x1
	}
	if abort {
		p |= 0x2
	}
	b.buf = append(b.buf, tagExt, extMode, modeSubTSX, p)
	return b
}

func (b *Builder) PIP(cr3 uint64, nonRoot bool) *Builder {
	b.buf = append(b.buf, tagExt, extPIP)
	flags := byte(0)
	if nonRoot {
		flags = 1
	}
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], cr3&^0x1)
	payload[0] |= flags
	b.buf = append(b.buf, payload[:]...)
	return b
}

func (b *Builder) VMCS(base uint64) *Builder {
	b.buf = append(b.buf, tagExt, extVMCS)
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], base)
	b.buf = append(b.buf, payload[:]...)
	return b
}

func (b *Builder) Overflow() *Builder {
	b.buf = append(b.buf, tagExt, extOverflow)
	return b
}

func (b *Builder) TSC(tsc uint64) *Builder {
	b.buf = append(b.buf, tagExt, extTSC)
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], tsc)
	b.buf = append(b.buf, payload[:]...)
	return b
}

func (b *Builder) MTC(v uint8) *Builder {
	b.buf = append(b.buf, tagExt, extMTC, v)
	return b
}

func (b *Builder) CBR(v uint8) *Builder {
	b.buf = append(b.buf, tagExt, extCBR, v, 0)
	return b
}

func (b *Builder) TraceStop() *Builder {
	b.buf = append(b.buf, tagExt, extTraceStop)
	return b
}

func (b *Builder) ExStop() *Builder {
	b.buf = append(b.buf, tagExt, extExStop)
	return b
}

func (b *Builder) PTW(payload uint64, bytes8 bool, fupRequired bool) *Builder {
	hdr := byte(0)
	n := 4
	if bytes8 {
		hdr |= 0x10
		n = 8
	}
	if fupRequired {
		hdr |= 0x20
	}
	b.buf = append(b.buf, tagExt, extPTW, hdr)
	for i := 0; i < n; i++ {
		b.buf = append(b.buf, byte(payload>>(8*uint(i))))
	}
	return b
}
