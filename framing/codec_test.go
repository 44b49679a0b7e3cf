package framing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"camlink/domain"
	apperrors "camlink/errors"
)

func TestDecoderReassemblesAcrossChunkBoundaries(t *testing.T) {
	req := require.New(t)

	first := Encode(domain.Frame{Seq: 1, Type: domain.FrameData, Payload: []byte("hello")})
	second := Encode(domain.Frame{Seq: 2, Type: domain.FrameControl, Payload: []byte{0x01}})
	stream := append(append([]byte{}, first...), second...)

	decoder := NewDecoder(64)

	// Feed byte by byte: chunk boundaries must carry no meaning.
	var frames []*domain.Frame
	for _, b := range stream {
		decoder.Feed([]byte{b})
		for {
			frame, err := decoder.Next()
			req.NoError(err)
			if frame == nil {
				break
			}
			frames = append(frames, frame)
		}
	}

	req.Len(frames, 2)
	req.Equal(uint32(1), frames[0].Seq)
	req.Equal(domain.FrameData, frames[0].Type)
	req.Equal([]byte("hello"), frames[0].Payload)
	req.Equal(uint32(2), frames[1].Seq)
	req.Equal(domain.FrameControl, frames[1].Type)
}

func TestDecoderSkipsCorruptFrame(t *testing.T) {
	req := require.New(t)

	bad := Encode(domain.Frame{Seq: 1, Type: domain.FrameData, Payload: []byte("damaged")})
	bad[domain.HeaderSize] ^= 0xFF // flip a payload byte, checksum no longer matches
	good := Encode(domain.Frame{Seq: 2, Type: domain.FrameData, Payload: []byte("intact")})

	decoder := NewDecoder(64)
	decoder.Feed(bad)
	decoder.Feed(good)

	_, err := decoder.Next()
	req.ErrorIs(err, apperrors.ErrCorruptFrame)

	frame, err := decoder.Next()
	req.NoError(err)
	req.NotNil(frame)
	req.Equal(uint32(2), frame.Seq)
	req.Equal([]byte("intact"), frame.Payload)
}

func TestDecoderDropsBufferOnOversizedLength(t *testing.T) {
	req := require.New(t)

	oversized := Encode(domain.Frame{Seq: 1, Type: domain.FrameData, Payload: make([]byte, 128)})

	decoder := NewDecoder(64)
	decoder.Feed(oversized)

	_, err := decoder.Next()
	req.ErrorIs(err, apperrors.ErrFrameTooLarge)

	// Stream lost sync: everything buffered is gone until new bytes arrive.
	frame, err := decoder.Next()
	req.NoError(err)
	req.Nil(frame)
}
