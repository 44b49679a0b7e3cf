// Package domain contains core concepts of the bridge.
// This file defines the wire frame model exchanged with the client.
// Frames are immutable once built; sequencing is owned by the framing layer.
package domain

import "fmt"

type FrameType uint8

const (
	FrameData    FrameType = 1
	FrameAck     FrameType = 2
	FrameControl FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameAck:
		return "ack"
	case FrameControl:
		return "control"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Frame is one unit of the bridge<->client protocol.
// Wire layout: [seq:u32][type:u8][length:u16][payload][crc32:u32], little-endian.
// An Ack frame's payload is the highest contiguous sequence received (u32).
type Frame struct {
	Seq     uint32
	Type    FrameType
	Payload []byte
}

// HeaderSize covers seq, type and length; TrailerSize the checksum.
const (
	HeaderSize  = 7
	TrailerSize = 4
)

// WireSize returns the full encoded size of the frame.
func (f Frame) WireSize() int {
	return HeaderSize + len(f.Payload) + TrailerSize
}
