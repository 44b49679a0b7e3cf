package camera

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// ptpReader walks a little-endian PTP dataset. A short read sets err once
// and every later read yields zero values, so call sites stay flat.
type ptpReader struct {
	buf []byte
	err error
}

func (r *ptpReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("truncated dataset: want %d bytes, have %d", n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *ptpReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *ptpReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *ptpReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// str decodes a PTP string: u8 element count, then UTF-16LE code units
// including a trailing NUL.
func (r *ptpReader) str() string {
	count := int(r.u8())
	if count == 0 {
		return ""
	}
	raw := r.take(count * 2)
	if raw == nil {
		return ""
	}
	units := make([]uint16, 0, count)
	for i := 0; i+1 < len(raw); i += 2 {
		u := binary.LittleEndian.Uint16(raw[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// u16array decodes a PTP array: u32 element count then the elements.
func (r *ptpReader) u16array() []uint16 {
	count := int(r.u32())
	out := make([]uint16, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, r.u16())
	}
	return out
}

func (r *ptpReader) u32array() []uint32 {
	count := int(r.u32())
	out := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, r.u32())
	}
	return out
}
