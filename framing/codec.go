// Package framing provides reliable, ordered delivery of Data and Control
// frames over a lossy, chunk-oriented transport: sequencing, cumulative
// acknowledgment, retransmission and in-order reassembly.
package framing

import (
	"camlink/domain"
	apperrors "camlink/errors"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Encode serializes a frame: [seq:u32][type:u8][length:u16][payload][crc32:u32].
// The checksum covers header and payload.
func Encode(f domain.Frame) []byte {
	b := make([]byte, 0, f.WireSize())
	b = binary.LittleEndian.AppendUint32(b, f.Seq)
	b = append(b, byte(f.Type))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(f.Payload)))
	b = append(b, f.Payload...)
	return binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

// Decoder reassembles a chunked byte stream into frames. Chunk boundaries
// carry no meaning: a frame may span chunks and a chunk may hold several
// frames.
type Decoder struct {
	buf      []byte
	maxFrame int
}

func NewDecoder(maxFrameSize int) *Decoder {
	return &Decoder{maxFrame: maxFrameSize}
}

func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// Next extracts the next complete frame. It returns (nil, nil) when more
// bytes are needed. A checksum mismatch yields ErrCorruptFrame and skips
// the frame; a length field beyond the negotiated maximum means the stream
// lost sync, so the buffer is dropped entirely.
func (d *Decoder) Next() (*domain.Frame, error) {
	if len(d.buf) < domain.HeaderSize {
		return nil, nil
	}

	length := int(binary.LittleEndian.Uint16(d.buf[5:7]))
	if length > d.maxFrame {
		d.buf = nil
		return nil, fmt.Errorf("%w: declared payload %d exceeds max %d",
			apperrors.ErrFrameTooLarge, length, d.maxFrame)
	}

	total := domain.HeaderSize + length + domain.TrailerSize
	if len(d.buf) < total {
		return nil, nil
	}

	raw := d.buf[:total]
	d.buf = d.buf[total:]

	sum := binary.LittleEndian.Uint32(raw[total-domain.TrailerSize:])
	if crc32.ChecksumIEEE(raw[:total-domain.TrailerSize]) != sum {
		return nil, apperrors.ErrCorruptFrame
	}

	payload := make([]byte, length)
	copy(payload, raw[domain.HeaderSize:total-domain.TrailerSize])

	return &domain.Frame{
		Seq:     binary.LittleEndian.Uint32(raw[0:4]),
		Type:    domain.FrameType(raw[4]),
		Payload: payload,
	}, nil
}
