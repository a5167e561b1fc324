// Package rtp carries video frames over RTP. Uncompressed video uses the RFC 4175
// payload format, compressed video is carried as opaque access units (RFC 6184
// packetization for H.264).
package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/bilbercode/mediax-stream/internal/stream"
)

const (
	extSeqSize     = 2
	lineHeaderSize = 6
)

// LineHeader describes one scan line segment inside an RFC 4175 payload.
type LineHeader struct {
	Length     uint16
	Field      bool
	LineNumber uint16
	// Offset is in pixels from the start of the line.
	Offset uint16
	// Continuation is set when another line header follows.
	Continuation bool
}

// MarshalPayloadHeader writes the extended sequence number and line headers.
// Continuation bits are derived from position.
func MarshalPayloadHeader(ext uint16, lines []LineHeader) []byte {
	b := make([]byte, extSeqSize+lineHeaderSize*len(lines))
	binary.BigEndian.PutUint16(b, ext)
	for i, l := range lines {
		h := b[extSeqSize+i*lineHeaderSize:]
		binary.BigEndian.PutUint16(h, l.Length)

		number := l.LineNumber & 0x7fff
		if l.Field {
			number |= 0x8000
		}
		binary.BigEndian.PutUint16(h[2:], number)

		offset := l.Offset & 0x7fff
		if i < len(lines)-1 {
			offset |= 0x8000
		}
		binary.BigEndian.PutUint16(h[4:], offset)
	}
	return b
}

// ParsePayloadHeader reads the extended sequence number and line headers from an
// RFC 4175 payload. dataOffset is where the first segment's pixel data starts.
func ParsePayloadHeader(b []byte) (ext uint16, lines []LineHeader, dataOffset int, err error) {
	if len(b) < extSeqSize+lineHeaderSize {
		return 0, nil, 0, fmt.Errorf("%w: RFC 4175 payload too short (%d bytes)", stream.ErrCorruptPacket, len(b))
	}
	ext = binary.BigEndian.Uint16(b)
	offset := extSeqSize
	total := 0
	for {
		if len(b) < offset+lineHeaderSize {
			return 0, nil, 0, fmt.Errorf("%w: truncated line header", stream.ErrCorruptPacket)
		}
		h := b[offset:]
		number := binary.BigEndian.Uint16(h[2:])
		pixel := binary.BigEndian.Uint16(h[4:])
		l := LineHeader{
			Length:       binary.BigEndian.Uint16(h),
			Field:        number&0x8000 != 0,
			LineNumber:   number & 0x7fff,
			Offset:       pixel & 0x7fff,
			Continuation: pixel&0x8000 != 0,
		}
		lines = append(lines, l)
		total += int(l.Length)
		offset += lineHeaderSize
		if !l.Continuation {
			break
		}
	}
	if len(b)-offset < total {
		return 0, nil, 0, fmt.Errorf("%w: line data exceeds payload (%d > %d)", stream.ErrCorruptPacket, total, len(b)-offset)
	}
	return ext, lines, offset, nil
}
