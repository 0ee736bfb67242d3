// Package tracefile reads the multiplexed trace container file: a
// fixed trace_header followed by a stream of perf_event_header-prefixed
// records (AUXTRACE, AUX_ADVANCE, JVMRUNTIME, and ordinary perf sideband
// records).
package tracefile

import "encoding/binary"

// bufDecoder is a cursor over a byte slice, consumed field by field.
// It never allocates or copies beyond what the caller asked for.
type bufDecoder struct {
	buf   []byte
	order binary.ByteOrder
}

func (b *bufDecoder) len() int { return len(b.buf) }

func (b *bufDecoder) skip(n int) {
	b.buf = b.buf[n:]
}

func (b *bufDecoder) bytes(n int) []byte {
	x := b.buf[:n]
	b.buf = b.buf[n:]
	return x
}

func (b *bufDecoder) u8() uint8 {
	x := b.buf[0]
	b.buf = b.buf[1:]
	return x
}

func (b *bufDecoder) u16() uint16 {
	x := b.order.Uint16(b.buf)
	b.buf = b.buf[2:]
	return x
}

func (b *bufDecoder) u32() uint32 {
	x := b.order.Uint32(b.buf)
	b.buf = b.buf[4:]
	return x
}

func (b *bufDecoder) u64() uint64 {
	x := b.order.Uint64(b.buf)
	b.buf = b.buf[8:]
	return x
}

// peekU64At reads a uint64 at the given byte offset from the current
// position without advancing the cursor. Used to pull sample_id
// trailer fields out of the tail of a record.
func (b *bufDecoder) peekU64At(off int) uint64 {
	return b.order.Uint64(b.buf[off:])
}

func (b *bufDecoder) peekU32At(off int) uint32 {
	return b.order.Uint32(b.buf[off:])
}
